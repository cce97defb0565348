package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/faucetdb/keyhub/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("") // in-memory
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newKey(owner int64, secret string) *model.AuthKey {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	return &model.AuthKey{
		OwnerID:    owner,
		Secret:     secret,
		Name:       "key-" + secret,
		Purpose:    "testing",
		ValidFrom:  &from,
		ValidUntil: &until,
		Approved:   true,
		CreatedAt:  now,
		CreatedBy:  owner,
		UpdatedAt:  now,
		UpdatedBy:  owner,
	}
}

func TestAccountCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hasAdmin, err := s.HasAnyAdmin(ctx)
	if err != nil {
		t.Fatalf("HasAnyAdmin: %v", err)
	}
	if hasAdmin {
		t.Fatal("fresh store should have no admin")
	}

	admin := &model.Account{Kind: model.KindAdmin, LoginID: "root", PasswordHash: "hash", Role: "admin", IsActive: true}
	if err := s.CreateAccount(ctx, admin); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if admin.ID == 0 {
		t.Fatal("expected account ID to be set")
	}

	// Same login under a different kind is a separate account.
	user := &model.Account{Kind: model.KindUser, LoginID: "root", PasswordHash: "hash", IsActive: true}
	if err := s.CreateAccount(ctx, user); err != nil {
		t.Fatalf("CreateAccount user: %v", err)
	}

	dup := &model.Account{Kind: model.KindAdmin, LoginID: "root", PasswordHash: "x"}
	if err := s.CreateAccount(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate login: got %v, want ErrDuplicate", err)
	}

	got, err := s.GetAccountByLogin(ctx, model.KindAdmin, "root")
	if err != nil {
		t.Fatalf("GetAccountByLogin: %v", err)
	}
	if got.ID != admin.ID || got.Role != "admin" || !got.IsActive {
		t.Errorf("GetAccountByLogin = %+v", got)
	}

	if _, err := s.GetAccount(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAccount missing: got %v, want ErrNotFound", err)
	}

	at := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	if err := s.UpdateAccountLastLogin(ctx, admin.ID, at); err != nil {
		t.Fatalf("UpdateAccountLastLogin: %v", err)
	}
	got, _ = s.GetAccount(ctx, admin.ID)
	if got.LastLoginAt == nil || !got.LastLoginAt.Equal(at) {
		t.Errorf("LastLoginAt = %v, want %v", got.LastLoginAt, at)
	}

	accounts, err := s.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(accounts) != 2 {
		t.Errorf("ListAccounts: got %d, want 2", len(accounts))
	}

	hasAdmin, _ = s.HasAnyAdmin(ctx)
	if !hasAdmin {
		t.Error("expected HasAnyAdmin after creating one")
	}
}

func TestAuthKeyCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k := newKey(10, "secret-a")
	if err := s.CreateAuthKey(ctx, k); err != nil {
		t.Fatalf("CreateAuthKey: %v", err)
	}
	if k.ID == 0 || k.Version != 1 {
		t.Fatalf("after create: id=%d version=%d", k.ID, k.Version)
	}

	got, err := s.GetAuthKey(ctx, k.ID)
	if err != nil {
		t.Fatalf("GetAuthKey: %v", err)
	}
	if got.Secret != "secret-a" || !got.Approved || got.OwnerID != 10 {
		t.Errorf("GetAuthKey = %+v", got)
	}
	if !got.ValidFrom.Equal(*k.ValidFrom) || !got.ValidUntil.Equal(*k.ValidUntil) {
		t.Errorf("window: %v - %v", got.ValidFrom, got.ValidUntil)
	}

	bySecret, err := s.GetAuthKeyBySecret(ctx, "secret-a")
	if err != nil {
		t.Fatalf("GetAuthKeyBySecret: %v", err)
	}
	if bySecret.ID != k.ID {
		t.Errorf("GetAuthKeyBySecret id = %d, want %d", bySecret.ID, k.ID)
	}

	if err := s.CreateAuthKey(ctx, newKey(11, "secret-a")); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate secret: got %v, want ErrDuplicate", err)
	}

	if err := s.CreateAuthKey(ctx, newKey(11, "secret-b")); err != nil {
		t.Fatalf("CreateAuthKey: %v", err)
	}

	all, err := s.ListAuthKeys(ctx, AuthKeyFilter{})
	if err != nil {
		t.Fatalf("ListAuthKeys: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListAuthKeys all: got %d, want 2", len(all))
	}
	owner := int64(10)
	mine, err := s.ListAuthKeys(ctx, AuthKeyFilter{OwnerID: &owner})
	if err != nil {
		t.Fatalf("ListAuthKeys owner: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != k.ID {
		t.Errorf("ListAuthKeys owner = %+v", mine)
	}
}

func TestUpdateAuthKeyOptimisticLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k := newKey(10, "secret")
	if err := s.CreateAuthKey(ctx, k); err != nil {
		t.Fatalf("CreateAuthKey: %v", err)
	}

	a, _ := s.GetAuthKey(ctx, k.ID)
	b, _ := s.GetAuthKey(ctx, k.ID)

	until := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	a.ValidUntil = &until
	if err := s.UpdateAuthKey(ctx, a); err != nil {
		t.Fatalf("first UpdateAuthKey: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("version after update = %d, want 2", a.Version)
	}

	reason := "stale"
	b.Approved = false
	b.RejectReason = &reason
	if err := s.UpdateAuthKey(ctx, b); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale update: got %v, want ErrVersionConflict", err)
	}

	got, _ := s.GetAuthKey(ctx, k.ID)
	if !got.ValidUntil.Equal(until) || !got.Approved || got.RejectReason != nil {
		t.Errorf("stale writer must not clobber the row: %+v", got)
	}
}

func TestSoftDeletedKeyIsInvisible(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k := newKey(10, "secret")
	if err := s.CreateAuthKey(ctx, k); err != nil {
		t.Fatalf("CreateAuthKey: %v", err)
	}

	now := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)
	by := int64(1)
	k.Deleted = true
	k.DeletedAt = &now
	k.DeletedBy = &by
	if err := s.UpdateAuthKey(ctx, k); err != nil {
		t.Fatalf("UpdateAuthKey: %v", err)
	}

	if _, err := s.GetAuthKey(ctx, k.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAuthKey after delete: got %v, want ErrNotFound", err)
	}
	if _, err := s.GetAuthKeyBySecret(ctx, "secret"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAuthKeyBySecret after delete: got %v, want ErrNotFound", err)
	}
	if err := s.UpdateAuthKey(ctx, k); !errors.Is(err, ErrNotFound) {
		t.Errorf("update after delete: got %v, want ErrNotFound", err)
	}
	if err := s.TouchAuthKey(ctx, k.ID, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("touch after delete: got %v, want ErrNotFound", err)
	}
	keys, _ := s.ListAuthKeys(ctx, AuthKeyFilter{})
	if len(keys) != 0 {
		t.Errorf("ListAuthKeys should skip deleted rows, got %d", len(keys))
	}
}

func TestTouchAuthKeyKeepsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k := newKey(10, "secret")
	if err := s.CreateAuthKey(ctx, k); err != nil {
		t.Fatalf("CreateAuthKey: %v", err)
	}
	at := time.Date(2024, 1, 16, 9, 30, 0, 0, time.UTC)
	if err := s.TouchAuthKey(ctx, k.ID, at); err != nil {
		t.Fatalf("TouchAuthKey: %v", err)
	}
	got, _ := s.GetAuthKey(ctx, k.ID)
	if got.LastAccessedAt == nil || !got.LastAccessedAt.Equal(at) {
		t.Errorf("LastAccessedAt = %v, want %v", got.LastAccessedAt, at)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
}

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	keyID := int64(3)
	detail := "window changed"
	events := []*model.AuditEvent{
		{ActorKind: model.KindUser, ActorID: 10, EventType: model.EventLogin, Result: model.ResultSuccess, OccurredAt: base},
		{ActorKind: model.KindUser, ActorID: 10, EventType: model.EventKeyExtend, Result: model.ResultSuccess, TargetKeyID: &keyID, Detail: &detail, OccurredAt: base.Add(time.Minute)},
		{ActorKind: model.KindAdmin, ActorID: 1, EventType: model.EventKeyReject, Result: model.ResultFailure, TargetKeyID: &keyID, OccurredAt: base.Add(2 * time.Minute)},
	}
	if err := s.AppendAuditEvents(ctx, events...); err != nil {
		t.Fatalf("AppendAuditEvents: %v", err)
	}
	for i, e := range events {
		if e.ID == 0 {
			t.Errorf("event %d: ID not set", i)
		}
	}

	all, total, err := s.QueryAuditEvents(ctx, model.AuditFilter{}, model.Page{})
	if err != nil {
		t.Fatalf("QueryAuditEvents: %v", err)
	}
	if total != 3 || len(all) != 3 {
		t.Fatalf("total=%d len=%d, want 3", total, len(all))
	}
	if all[0].EventType != model.EventKeyReject {
		t.Errorf("newest first: got %s", all[0].EventType)
	}

	forKey, total, err := s.QueryAuditEvents(ctx, model.AuditFilter{TargetKeyID: &keyID}, model.Page{Limit: 1})
	if err != nil {
		t.Fatalf("QueryAuditEvents by key: %v", err)
	}
	if total != 2 || len(forKey) != 1 {
		t.Errorf("by key: total=%d len=%d, want 2/1", total, len(forKey))
	}

	from := base.Add(30 * time.Second)
	ranged, _, err := s.QueryAuditEvents(ctx, model.AuditFilter{From: &from, Result: model.ResultSuccess}, model.Page{})
	if err != nil {
		t.Fatalf("QueryAuditEvents ranged: %v", err)
	}
	if len(ranged) != 1 || ranged[0].Detail == nil || *ranged[0].Detail != detail {
		t.Errorf("ranged = %+v", ranged)
	}
}

func TestOpenStoreUnsupportedDriver(t *testing.T) {
	if _, err := OpenStore(StoreOptions{Driver: "oracle"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestStoreOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if s.Driver() != DriverSQLite {
		t.Errorf("Driver = %q", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	s.Close()

	if _, err := os.Stat(filepath.Join(dir, "keyhub.db")); err != nil {
		t.Errorf("database file: %v", err)
	}
}
