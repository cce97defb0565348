package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/faucetdb/keyhub/internal/config"
	"github.com/faucetdb/keyhub/internal/metrics"
	"github.com/faucetdb/keyhub/internal/model"
)

const (
	secretBytes       = 30
	maxSecretAttempts = 3
	maxUpdateAttempts = 5
)

// KeyStore is the persistence the key lifecycle needs.
type KeyStore interface {
	KeyLister
	CreateAuthKey(ctx context.Context, k *model.AuthKey) error
	GetAuthKey(ctx context.Context, id int64) (*model.AuthKey, error)
	GetAuthKeyBySecret(ctx context.Context, secret string) (*model.AuthKey, error)
	UpdateAuthKey(ctx context.Context, k *model.AuthKey) error
	TouchAuthKey(ctx context.Context, id int64, at time.Time) error
}

// AuthKeyService owns the lifecycle of OpenAPI auth keys. It is the only
// writer of auth key rows.
type AuthKeyService struct {
	store       KeyStore
	audit       *AuditTrail
	stats       *StatsAggregator
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	newSecret   func() (string, error)
	autoApprove bool
	opTimeout   time.Duration
	locks       keyLocks
}

// keyLocks serializes mutations of the same key so that commits and their
// audit records land in the same order.
type keyLocks struct {
	mu sync.Mutex
	m  map[int64]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (l *keyLocks) lock(id int64) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[int64]*keyLock)
	}
	kl, ok := l.m[id]
	if !ok {
		kl = &keyLock{}
		l.m[id] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.Lock()
	return func() {
		kl.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}

// KeyOption configures an AuthKeyService.
type KeyOption func(*AuthKeyService)

// WithAutoApprove controls whether new keys start approved.
func WithAutoApprove(on bool) KeyOption {
	return func(s *AuthKeyService) { s.autoApprove = on }
}

// WithOpTimeout bounds each storage round trip.
func WithOpTimeout(d time.Duration) KeyOption {
	return func(s *AuthKeyService) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// WithKeyClock overrides the clock.
func WithKeyClock(now func() time.Time) KeyOption {
	return func(s *AuthKeyService) { s.now = now }
}

// WithKeyMetrics attaches Prometheus counters.
func WithKeyMetrics(m *metrics.Metrics) KeyOption {
	return func(s *AuthKeyService) { s.metrics = m }
}

// WithSecretGenerator replaces the random secret source.
func WithSecretGenerator(fn func() (string, error)) KeyOption {
	return func(s *AuthKeyService) { s.newSecret = fn }
}

func NewAuthKeyService(store KeyStore, audit *AuditTrail, logger *slog.Logger, opts ...KeyOption) *AuthKeyService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AuthKeyService{
		store:       store,
		audit:       audit,
		stats:       NewStatsAggregator(store),
		logger:      logger,
		now:         time.Now,
		newSecret:   generateSecret,
		autoApprove: true,
		opTimeout:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateKeyInput describes a new key. OwnerID is ignored for USER actors,
// who always create keys for themselves.
type CreateKeyInput struct {
	OwnerID    int64
	Name       string
	Purpose    string
	ValidFrom  *time.Time
	ValidUntil *time.Time
}

// ExtendInput replaces a key's validity window. ValidUntil is required;
// a nil ValidFrom keeps the current start.
type ExtendInput struct {
	ValidFrom  *time.Time
	ValidUntil *time.Time
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// Create issues a new key with a freshly generated secret.
func (s *AuthKeyService) Create(ctx context.Context, in CreateKeyInput, actor Actor) (*model.AuthKey, error) {
	const op = "create key"

	k, err := s.create(ctx, op, in, actor)
	var target *int64
	detail := ""
	if k != nil {
		target = &k.ID
		detail = fmt.Sprintf("name=%q window=%s approved=%t", k.Name, windowString(k), k.Approved)
	}
	s.finish(ctx, actor, model.EventKeyCreate, target, detail, err)
	return k, err
}

func (s *AuthKeyService) create(ctx context.Context, op string, in CreateKeyInput, actor Actor) (*model.AuthKey, error) {
	ownerID := in.OwnerID
	if !actor.Principal.IsAdmin() {
		if ownerID != 0 && ownerID != actor.Principal.ID {
			return nil, newError(KindForbidden, op, "cannot create keys for another user")
		}
		ownerID = actor.Principal.ID
	}
	if ownerID <= 0 {
		return nil, validationError(op, "owner_id is required")
	}

	name := strings.TrimSpace(in.Name)
	purpose := strings.TrimSpace(in.Purpose)
	if name == "" {
		return nil, validationError(op, "name is required")
	}
	if purpose == "" {
		return nil, validationError(op, "purpose is required")
	}
	if !actor.Principal.IsAdmin() && in.ValidUntil == nil {
		return nil, validationError(op, "valid_until is required")
	}
	if err := checkWindow(op, in.ValidFrom, in.ValidUntil); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	k := &model.AuthKey{
		OwnerID:    ownerID,
		Name:       name,
		Purpose:    purpose,
		ValidFrom:  in.ValidFrom,
		ValidUntil: in.ValidUntil,
		Approved:   s.autoApprove,
		CreatedAt:  now,
		CreatedBy:  actor.Principal.ID,
		UpdatedAt:  now,
		UpdatedBy:  actor.Principal.ID,
	}
	if s.autoApprove {
		k.LastApprovedAt = &now
	}

	for attempt := 1; ; attempt++ {
		secret, err := s.newSecret()
		if err != nil {
			return nil, &Error{Kind: KindStorageFailure, Op: op, Message: "secret generation failed", Err: err}
		}
		k.Secret = secret

		err = s.withTimeout(ctx, func(ctx context.Context) error {
			return s.store.CreateAuthKey(ctx, k)
		})
		if err == nil {
			return k, nil
		}
		if errors.Is(err, config.ErrDuplicate) && attempt < maxSecretAttempts {
			s.logger.Warn("auth key secret collision, regenerating", "attempt", attempt)
			continue
		}
		return nil, storeError(op, err)
	}
}

// Approve marks a key approved and clears any rejection.
func (s *AuthKeyService) Approve(ctx context.Context, keyID int64, actor Actor) (*model.AuthKey, error) {
	const op = "approve key"
	return s.mutate(ctx, op, model.EventKeyApprove, keyID, actor, func(k *model.AuthKey, now time.Time) (string, error) {
		k.Approved = true
		k.LastApprovedAt = &now
		k.RejectReason = nil
		return "approved", nil
	}, adminOnly(actor, op))
}

// Reject withdraws approval and records the reason.
func (s *AuthKeyService) Reject(ctx context.Context, keyID int64, reason string, actor Actor) (*model.AuthKey, error) {
	const op = "reject key"
	reason = strings.TrimSpace(reason)
	pre := adminOnly(actor, op)
	if pre == nil && reason == "" {
		pre = validationError(op, "reason is required")
	}
	return s.mutate(ctx, op, model.EventKeyReject, keyID, actor, func(k *model.AuthKey, _ time.Time) (string, error) {
		k.Approved = false
		k.RejectReason = &reason
		return "reason=" + reason, nil
	}, pre)
}

// Extend replaces the validity window. The previous end date is not used.
func (s *AuthKeyService) Extend(ctx context.Context, keyID int64, in ExtendInput, actor Actor) (*model.AuthKey, error) {
	const op = "extend key"
	var pre error
	if in.ValidUntil == nil {
		pre = validationError(op, "valid_until is required")
	} else if err := checkWindow(op, in.ValidFrom, in.ValidUntil); err != nil {
		pre = err
	}
	return s.mutate(ctx, op, model.EventKeyExtend, keyID, actor, func(k *model.AuthKey, _ time.Time) (string, error) {
		before := windowString(k)
		from := k.ValidFrom
		if in.ValidFrom != nil {
			from = in.ValidFrom
		}
		if err := checkWindow(op, from, in.ValidUntil); err != nil {
			return "", err
		}
		k.ValidFrom = from
		k.ValidUntil = in.ValidUntil
		return fmt.Sprintf("window %s -> %s", before, windowString(k)), nil
	}, pre)
}

// Revoke soft-deletes a key. Revocation is terminal; the key is NotFound
// to every later call.
func (s *AuthKeyService) Revoke(ctx context.Context, keyID int64, actor Actor) error {
	const op = "revoke key"
	_, err := s.mutate(ctx, op, model.EventKeyRevoke, keyID, actor, func(k *model.AuthKey, now time.Time) (string, error) {
		state := model.LifecycleOf(k, now)
		by := actor.Principal.ID
		k.Deleted = true
		k.DeletedAt = &now
		k.DeletedBy = &by
		return "revoked in state " + state.String(), nil
	}, nil)
	return err
}

// mutate runs apply as an optimistic read-modify-write on one key and
// records exactly one audit event for the call. pre, when non-nil, fails
// the call before any read.
func (s *AuthKeyService) mutate(
	ctx context.Context,
	op string,
	event model.EventType,
	keyID int64,
	actor Actor,
	apply func(k *model.AuthKey, now time.Time) (string, error),
	pre error,
) (*model.AuthKey, error) {
	target := &keyID
	if pre != nil {
		s.finish(ctx, actor, event, target, "", pre)
		return nil, pre
	}
	unlock := s.locks.lock(keyID)
	defer unlock()

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		k, err := s.load(ctx, op, keyID, actor)
		if err != nil {
			s.finish(ctx, actor, event, target, "", err)
			return nil, err
		}

		now := s.now().UTC()
		detail, err := apply(k, now)
		if err != nil {
			s.finish(ctx, actor, event, target, "", err)
			return nil, err
		}
		k.UpdatedAt = now
		k.UpdatedBy = actor.Principal.ID

		err = s.withTimeout(ctx, func(ctx context.Context) error {
			return s.store.UpdateAuthKey(ctx, k)
		})
		if err == nil {
			s.finish(ctx, actor, event, target, detail, nil)
			return k, nil
		}
		if errors.Is(err, config.ErrVersionConflict) {
			s.logger.Debug("auth key version conflict, retrying", "op", op, "key_id", keyID, "attempt", attempt)
			continue
		}
		serr := storeError(op, err)
		s.finish(ctx, actor, event, target, "", serr)
		return nil, serr
	}

	err := newError(KindConflict, op, "key is being modified concurrently, please retry")
	s.finish(ctx, actor, event, target, "", err)
	return nil, err
}

// finish logs, counts and audits the outcome of a mutating call.
func (s *AuthKeyService) finish(ctx context.Context, actor Actor, event model.EventType, target *int64, detail string, err error) {
	result := model.ResultSuccess
	if err != nil {
		result = model.ResultFailure
		detail = KindOf(err).String() + ": " + MessageOf(err)
		if KindOf(err) == KindStorageFailure {
			s.logger.Error("auth key operation failed",
				"event", event, "key_id", derefInt64(target), "actor_id", actor.Principal.ID, "error", err)
		}
	}
	s.metrics.KeyOperation(string(event), string(result))
	if s.audit != nil {
		s.audit.Record(ctx, actor.event(event, result, target, detail))
	}
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Get returns one live key visible to actor.
func (s *AuthKeyService) Get(ctx context.Context, keyID int64, actor Actor) (*model.AuthKey, error) {
	return s.load(ctx, "get key", keyID, actor)
}

// ListByOwner lists an owner's live keys. Without includeInactive only
// ACTIVE keys are returned. USER actors always list their own keys and
// never see keys without a validity window.
func (s *AuthKeyService) ListByOwner(ctx context.Context, ownerID *int64, includeInactive bool, actor Actor) ([]model.AuthKey, error) {
	const op = "list keys"
	if !actor.Principal.IsAdmin() {
		id := actor.Principal.ID
		ownerID = &id
	}

	var keys []model.AuthKey
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		keys, err = s.store.ListAuthKeys(ctx, config.AuthKeyFilter{OwnerID: ownerID})
		return err
	})
	if err != nil {
		return nil, storeError(op, err)
	}

	now := s.now()
	out := make([]model.AuthKey, 0, len(keys))
	for i := range keys {
		k := &keys[i]
		if !actor.Principal.IsAdmin() && k.Unlimited() {
			continue
		}
		if !includeInactive && model.StatusAt(k, now) != model.StatusActive {
			continue
		}
		out = append(out, *k)
	}
	return out, nil
}

// CountByState counts keys per status now. Admins see unlimited keys,
// users do not.
func (s *AuthKeyService) CountByState(ctx context.Context, ownerID *int64, actor Actor) (model.KeyCounts, error) {
	scope := Scope{OwnerID: ownerID, IncludeUnlimited: actor.Principal.IsAdmin()}
	if !actor.Principal.IsAdmin() {
		id := actor.Principal.ID
		scope.OwnerID = &id
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.stats.CountByState(ctx, s.now(), scope)
}

// TouchAccess stamps last_accessed_at. It does not bump the key version.
func (s *AuthKeyService) TouchAccess(ctx context.Context, keyID int64) error {
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.store.TouchAuthKey(ctx, keyID, s.now().UTC())
	})
	if err != nil {
		return storeError("touch key", err)
	}
	return nil
}

// ValidateSecret resolves an external API credential. Only ACTIVE keys
// authenticate; a successful lookup updates the access time.
func (s *AuthKeyService) ValidateSecret(ctx context.Context, secret string) (*model.AuthKey, error) {
	const op = "validate key"
	if secret == "" {
		return nil, newError(KindUnauthenticated, op, "missing api key")
	}

	var k *model.AuthKey
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		k, err = s.store.GetAuthKeyBySecret(ctx, secret)
		return err
	})
	if errors.Is(err, config.ErrNotFound) {
		return nil, newError(KindUnauthenticated, op, "invalid api key")
	}
	if err != nil {
		return nil, storeError(op, err)
	}

	now := s.now()
	if status := model.StatusAt(k, now); status != model.StatusActive {
		return nil, newError(KindUnauthenticated, op, "api key is %s", strings.ToLower(string(status)))
	}

	if err := s.TouchAccess(ctx, k.ID); err != nil {
		s.logger.Warn("failed to update key access time", "key_id", k.ID, "error", err)
	} else {
		t := now.UTC()
		k.LastAccessedAt = &t
	}
	return k, nil
}

// load reads a live key and applies the ownership rule. Keys belonging to
// someone else are reported as missing to USER actors.
func (s *AuthKeyService) load(ctx context.Context, op string, keyID int64, actor Actor) (*model.AuthKey, error) {
	if keyID <= 0 {
		return nil, notFoundError(op, "auth key %d not found", keyID)
	}
	var k *model.AuthKey
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		k, err = s.store.GetAuthKey(ctx, keyID)
		return err
	})
	if errors.Is(err, config.ErrNotFound) {
		return nil, notFoundError(op, "auth key %d not found", keyID)
	}
	if err != nil {
		return nil, storeError(op, err)
	}
	if !actor.Principal.IsAdmin() && k.OwnerID != actor.Principal.ID {
		return nil, notFoundError(op, "auth key %d not found", keyID)
	}
	return k, nil
}

func (s *AuthKeyService) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return fn(ctx)
}

func adminOnly(actor Actor, op string) error {
	if actor.Principal.IsAdmin() {
		return nil
	}
	return newError(KindForbidden, op, "admin only")
}

func checkWindow(op string, from, until *time.Time) error {
	if from != nil && until != nil && from.After(*until) {
		return validationError(op, "valid_from must not be after valid_until")
	}
	return nil
}

func windowString(k *model.AuthKey) string {
	f := func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return t.UTC().Format(time.RFC3339)
	}
	return "[" + f(k.ValidFrom) + ", " + f(k.ValidUntil) + "]"
}

// generateSecret returns 30 random bytes as 60 hex characters.
func generateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
