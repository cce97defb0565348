package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/faucetdb/keyhub/internal/config"
	"github.com/faucetdb/keyhub/internal/model"
)

var (
	adminActor = Actor{
		Principal: model.Principal{ID: 1, Kind: model.KindAdmin, Role: "admin"},
		IP:        "10.0.0.1",
		UserAgent: "test-agent",
	}
	userActor  = Actor{Principal: model.Principal{ID: 10, Kind: model.KindUser}, IP: "10.0.0.2"}
	otherActor = Actor{Principal: model.Principal{ID: 11, Kind: model.KindUser}}
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *config.Store {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type keyEnv struct {
	store *config.Store
	clock *testClock
	audit *AuditTrail
	keys  *AuthKeyService
}

func newKeyEnv(t *testing.T, opts ...KeyOption) *keyEnv {
	t.Helper()
	store := newTestStore(t)
	clock := newTestClock(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	audit := NewAuditTrail(store, discardLogger(), WithAuditClock(clock.Now))
	opts = append([]KeyOption{WithKeyClock(clock.Now)}, opts...)
	return &keyEnv{
		store: store,
		clock: clock,
		audit: audit,
		keys:  NewAuthKeyService(store, audit, discardLogger(), opts...),
	}
}

// events returns the audit events for key id in append order.
func (e *keyEnv) events(t *testing.T, keyID int64) []model.AuditEvent {
	t.Helper()
	got, _, err := e.store.QueryAuditEvents(context.Background(), model.AuditFilter{TargetKeyID: &keyID}, model.Page{Limit: 100})
	if err != nil {
		t.Fatalf("QueryAuditEvents: %v", err)
	}
	for i, j := 0, len(got)-1; i < j; i, j = i+1, j-1 {
		got[i], got[j] = got[j], got[i]
	}
	return got
}

func (e *keyEnv) allEvents(t *testing.T) []model.AuditEvent {
	t.Helper()
	got, _, err := e.store.QueryAuditEvents(context.Background(), model.AuditFilter{}, model.Page{Limit: 1000})
	if err != nil {
		t.Fatalf("QueryAuditEvents: %v", err)
	}
	return got
}

func day(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func assertKind(t *testing.T, err error, want ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := KindOf(err); got != want {
		t.Fatalf("error kind: got %s, want %s (err=%v)", got, want, err)
	}
}
