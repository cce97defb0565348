package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/faucetdb/keyhub/internal/model"
)

// Supported store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// StoreOptions selects the database backing the Store.
type StoreOptions struct {
	// Driver is one of DriverSQLite, DriverPostgres or DriverMySQL.
	Driver string
	// DSN is passed to the driver as-is. For SQLite it may be empty, in which
	// case DataDir decides between an on-disk file and an in-memory database.
	// MySQL DSNs must include parseTime=true.
	DSN string
	// DataDir is the directory for the SQLite file. Empty means in-memory.
	DataDir string
	// MaxOpenConns caps the pool for network databases. Ignored for SQLite.
	MaxOpenConns int
}

// Store persists accounts, auth keys and audit events. It is safe for
// concurrent use; same-row mutations are serialized through the version
// column (see UpdateAuthKey).
type Store struct {
	db      *sqlx.DB
	dialect dialect
}

// NewStore creates a SQLite-backed store. Pass empty string for in-memory.
func NewStore(dataDir string) (*Store, error) {
	return OpenStore(StoreOptions{Driver: DriverSQLite, DataDir: dataDir})
}

// OpenStore connects to the configured database and applies migrations.
func OpenStore(opts StoreOptions) (*Store, error) {
	d, ok := dialects[opts.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}

	dsn := opts.DSN
	if d.name == DriverSQLite && dsn == "" {
		if opts.DataDir == "" {
			dsn = ":memory:?_journal_mode=WAL"
		} else {
			if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			dsn = filepath.Join(opts.DataDir, "keyhub.db") + "?_journal_mode=WAL&_busy_timeout=5000"
		}
	}

	db, err := sqlx.Connect(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", d.name, err)
	}

	if d.name == DriverSQLite {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	s := &Store{db: db, dialect: d}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return s.dialect.name
}

// insert runs an INSERT written with ? placeholders and returns the new id,
// using RETURNING where the dialect needs it.
func (s *Store) insert(ctx context.Context, q string, args ...interface{}) (int64, error) {
	if s.dialect.returningID {
		var id int64
		if err := s.db.QueryRowxContext(ctx, s.db.Rebind(q+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Store) exec(ctx context.Context, q string, args ...interface{}) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

// CreateAccount inserts a new login account. The ID, CreatedAt, and UpdatedAt
// fields are populated after a successful insert.
func (s *Store) CreateAccount(ctx context.Context, a *model.Account) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	const q = `INSERT INTO accounts
		(kind, login_id, password_hash, name, role, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	id, err := s.insert(ctx, q, a.Kind, a.LoginID, a.PasswordHash, a.Name, a.Role, a.IsActive, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert account: %w", err)
	}
	a.ID = id
	return nil
}

// GetAccount returns an account by ID.
func (s *Store) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	var a model.Account
	if err := s.db.GetContext(ctx, &a, s.db.Rebind("SELECT * FROM accounts WHERE id = ?"), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// GetAccountByLogin returns an account by kind and login ID.
func (s *Store) GetAccountByLogin(ctx context.Context, kind model.PrincipalKind, loginID string) (*model.Account, error) {
	var a model.Account
	q := s.db.Rebind("SELECT * FROM accounts WHERE kind = ? AND login_id = ?")
	if err := s.db.GetContext(ctx, &a, q, kind, loginID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get account by login: %w", err)
	}
	return &a, nil
}

// ListAccounts returns all accounts ordered by kind and login ID.
func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account
	if err := s.db.SelectContext(ctx, &accounts, "SELECT * FROM accounts ORDER BY kind, login_id"); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// HasAnyAdmin reports whether at least one admin account exists. This is used
// for first-run detection.
func (s *Store) HasAnyAdmin(ctx context.Context) (bool, error) {
	var count int
	q := s.db.Rebind("SELECT COUNT(*) FROM accounts WHERE kind = ?")
	if err := s.db.GetContext(ctx, &count, q, model.KindAdmin); err != nil {
		return false, fmt.Errorf("count admins: %w", err)
	}
	return count > 0, nil
}

// UpdateAccountLastLogin sets the last_login_at timestamp for an account.
func (s *Store) UpdateAccountLastLogin(ctx context.Context, id int64, at time.Time) error {
	n, err := s.exec(ctx, "UPDATE accounts SET last_login_at = ?, updated_at = ? WHERE id = ?", at.UTC(), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("update account last login: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Auth keys
// ---------------------------------------------------------------------------

// CreateAuthKey inserts a new auth key. The secret must already be set. The ID
// and Version fields are populated after insert; timestamps are taken from
// the key as given so callers control the clock.
func (s *Store) CreateAuthKey(ctx context.Context, k *model.AuthKey) error {
	k.Version = 1

	const q = `INSERT INTO auth_keys
		(owner_id, secret, name, purpose, valid_from, valid_until, approved, reject_reason,
		 deleted, created_at, created_by, updated_at, updated_by, last_approved_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	id, err := s.insert(ctx, q,
		k.OwnerID, k.Secret, k.Name, k.Purpose, utcPtr(k.ValidFrom), utcPtr(k.ValidUntil), k.Approved, k.RejectReason,
		false, k.CreatedAt.UTC(), k.CreatedBy, k.UpdatedAt.UTC(), k.UpdatedBy, utcPtr(k.LastApprovedAt), k.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert auth key: %w", err)
	}
	k.ID = id
	return nil
}

// GetAuthKey returns a live (not soft-deleted) auth key by ID.
func (s *Store) GetAuthKey(ctx context.Context, id int64) (*model.AuthKey, error) {
	var k model.AuthKey
	q := s.db.Rebind("SELECT * FROM auth_keys WHERE id = ? AND deleted = ?")
	if err := s.db.GetContext(ctx, &k, q, id, false); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get auth key: %w", err)
	}
	return &k, nil
}

// GetAuthKeyBySecret returns a live auth key by its secret.
func (s *Store) GetAuthKeyBySecret(ctx context.Context, secret string) (*model.AuthKey, error) {
	var k model.AuthKey
	q := s.db.Rebind("SELECT * FROM auth_keys WHERE secret = ? AND deleted = ?")
	if err := s.db.GetContext(ctx, &k, q, secret, false); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get auth key by secret: %w", err)
	}
	return &k, nil
}

// AuthKeyFilter narrows ListAuthKeys. A nil OwnerID lists every owner.
type AuthKeyFilter struct {
	OwnerID *int64
}

// ListAuthKeys returns live auth keys, newest first.
func (s *Store) ListAuthKeys(ctx context.Context, f AuthKeyFilter) ([]model.AuthKey, error) {
	q := "SELECT * FROM auth_keys WHERE deleted = ?"
	args := []interface{}{false}
	if f.OwnerID != nil {
		q += " AND owner_id = ?"
		args = append(args, *f.OwnerID)
	}
	q += " ORDER BY created_at DESC, id DESC"

	keys := []model.AuthKey{}
	if err := s.db.SelectContext(ctx, &keys, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list auth keys: %w", err)
	}
	return keys, nil
}

// UpdateAuthKey writes the mutable fields of k if, and only if, the stored
// row still has version k.Version and is not soft-deleted. On success the
// version is incremented on both the row and k. A concurrent writer that got
// there first yields ErrVersionConflict; a missing or deleted row yields
// ErrNotFound.
func (s *Store) UpdateAuthKey(ctx context.Context, k *model.AuthKey) error {
	const q = `UPDATE auth_keys SET
		name = ?, purpose = ?, valid_from = ?, valid_until = ?, approved = ?, reject_reason = ?,
		deleted = ?, deleted_at = ?, deleted_by = ?, updated_at = ?, updated_by = ?,
		last_approved_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND deleted = ?`

	n, err := s.exec(ctx, q,
		k.Name, k.Purpose, utcPtr(k.ValidFrom), utcPtr(k.ValidUntil), k.Approved, k.RejectReason,
		k.Deleted, utcPtr(k.DeletedAt), k.DeletedBy, k.UpdatedAt.UTC(), k.UpdatedBy,
		utcPtr(k.LastApprovedAt), k.ID, k.Version, false)
	if err != nil {
		return fmt.Errorf("update auth key: %w", err)
	}
	if n == 0 {
		return s.classifyMissedUpdate(ctx, k.ID)
	}
	k.Version++
	return nil
}

// classifyMissedUpdate tells a lost optimistic race apart from a row that is
// gone.
func (s *Store) classifyMissedUpdate(ctx context.Context, id int64) error {
	var deleted bool
	q := s.db.Rebind("SELECT deleted FROM auth_keys WHERE id = ?")
	if err := s.db.GetContext(ctx, &deleted, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("recheck auth key: %w", err)
	}
	if deleted {
		return ErrNotFound
	}
	return ErrVersionConflict
}

// TouchAuthKey sets last_accessed_at on a live key. It does not bump the
// version: access tracking must never make a concurrent lifecycle change
// fail.
func (s *Store) TouchAuthKey(ctx context.Context, id int64, at time.Time) error {
	n, err := s.exec(ctx, "UPDATE auth_keys SET last_accessed_at = ? WHERE id = ? AND deleted = ?", at.UTC(), id, false)
	if err != nil {
		return fmt.Errorf("touch auth key: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Audit events
// ---------------------------------------------------------------------------

// AppendAuditEvents inserts events in order inside one transaction. IDs are
// populated on the given slice elements.
func (s *Store) AppendAuditEvents(ctx context.Context, events ...*model.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const q = `INSERT INTO audit_events
		(actor_kind, actor_id, event_type, result, target_key_id, detail, ip, user_agent, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, e := range events {
		args := []interface{}{e.ActorKind, e.ActorID, e.EventType, e.Result, e.TargetKeyID, e.Detail, e.IP, e.UserAgent, e.OccurredAt.UTC()}
		if s.dialect.returningID {
			if err := tx.QueryRowxContext(ctx, tx.Rebind(q+" RETURNING id"), args...).Scan(&e.ID); err != nil {
				return fmt.Errorf("insert audit event: %w", err)
			}
			continue
		}
		result, err := tx.ExecContext(ctx, tx.Rebind(q), args...)
		if err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
		if e.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("get audit event id: %w", err)
		}
	}

	return tx.Commit()
}

// QueryAuditEvents returns events matching f, newest first, along with the
// total number of matches ignoring the page window.
func (s *Store) QueryAuditEvents(ctx context.Context, f model.AuditFilter, page model.Page) ([]model.AuditEvent, int64, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.ActorKind != "" {
		where = append(where, "actor_kind = ?")
		args = append(args, f.ActorKind)
	}
	if f.ActorID != nil {
		where = append(where, "actor_id = ?")
		args = append(args, *f.ActorID)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.Result != "" {
		where = append(where, "result = ?")
		args = append(args, f.Result)
	}
	if f.TargetKeyID != nil {
		where = append(where, "target_key_id = ?")
		args = append(args, *f.TargetKeyID)
	}
	if f.From != nil {
		where = append(where, "occurred_at >= ?")
		args = append(args, f.From.UTC())
	}
	if f.To != nil {
		where = append(where, "occurred_at <= ?")
		args = append(args, f.To.UTC())
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, s.db.Rebind("SELECT COUNT(*) FROM audit_events"+clause), args...); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	q := "SELECT * FROM audit_events" + clause + " ORDER BY occurred_at DESC, id DESC"
	if page.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, page.Limit, page.Offset)
	}

	events := []model.AuditEvent{}
	if err := s.db.SelectContext(ctx, &events, s.db.Rebind(q), args...); err != nil {
		return nil, 0, fmt.Errorf("query audit events: %w", err)
	}
	return events, total, nil
}

// ---------------------------------------------------------------------------
// Utility
// ---------------------------------------------------------------------------

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func isUniqueViolation(err error) bool {
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique constraint") ||
		strings.Contains(lower, "duplicate key") ||
		strings.Contains(lower, "duplicate entry")
}
