package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/faucetdb/keyhub/internal/model"
)

// memAuditStore records appended events in memory.
type memAuditStore struct {
	mu      sync.Mutex
	events  []model.AuditEvent
	batches int
	err     error
}

func (m *memAuditStore) AppendAuditEvents(_ context.Context, events ...*model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.batches++
	for _, e := range events {
		e.ID = int64(len(m.events) + 1)
		m.events = append(m.events, *e)
	}
	return nil
}

func (m *memAuditStore) QueryAuditEvents(_ context.Context, _ model.AuditFilter, _ model.Page) ([]model.AuditEvent, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]model.AuditEvent(nil), m.events...)
	return out, int64(len(out)), nil
}

func (m *memAuditStore) snapshot() []model.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditEvent(nil), m.events...)
}

func TestAuditSyncWrite(t *testing.T) {
	store := &memAuditStore{}
	trail := NewAuditTrail(store, discardLogger())

	trail.Record(context.Background(), adminActor.event(model.EventLogin, model.ResultSuccess, nil, ""))

	got := store.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 event written synchronously, got %d", len(got))
	}
	if got[0].OccurredAt.IsZero() {
		t.Error("OccurredAt should be stamped")
	}
	if got[0].IP == nil || *got[0].IP != adminActor.IP {
		t.Errorf("ip: got %v", got[0].IP)
	}
	if got[0].Detail != nil {
		t.Error("empty detail should be stored as NULL")
	}
}

func TestAuditAsyncPreservesOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memAuditStore{}
	trail := NewAuditTrail(store, discardLogger(),
		WithAuditBuffer(16),
		WithAuditBatch(7, time.Hour),
	)
	trail.Start()

	keyID := int64(5)
	const n = 50
	for i := 0; i < n; i++ {
		e := adminActor.event(model.EventKeyExtend, model.ResultSuccess, &keyID, "")
		e.ActorID = int64(i)
		trail.Record(context.Background(), e)
	}
	trail.Stop()

	got := store.snapshot()
	if len(got) != n {
		t.Fatalf("expected %d events after Stop, got %d", n, len(got))
	}
	for i, e := range got {
		if e.ActorID != int64(i) {
			t.Fatalf("event %d out of order: actor %d", i, e.ActorID)
		}
	}
	if store.batches >= n {
		t.Errorf("expected batched writes, got %d batches for %d events", store.batches, n)
	}
}

func TestAuditRecordAfterStopIsSync(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memAuditStore{}
	trail := NewAuditTrail(store, discardLogger())
	trail.Start()
	trail.Start()
	trail.Stop()
	trail.Stop()

	trail.Record(context.Background(), userActor.event(model.EventLogout, model.ResultSuccess, nil, ""))
	if len(store.snapshot()) != 1 {
		t.Fatal("record after Stop should be written synchronously")
	}
}

func TestAuditFailureIsSwallowed(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memAuditStore{err: errors.New("database is locked")}
	trail := NewAuditTrail(store, discardLogger(), WithAuditBatch(1, 10*time.Millisecond))

	// Neither mode may panic or block on a failing store.
	trail.Record(context.Background(), userActor.event(model.EventLogin, model.ResultFailure, nil, "wrong password"))
	trail.Start()
	trail.Record(context.Background(), userActor.event(model.EventLogin, model.ResultFailure, nil, "wrong password"))
	trail.Stop()

	if len(store.snapshot()) != 0 {
		t.Fatal("failing store should hold no events")
	}
}

func TestAuditRecordIgnoresCallerCancellation(t *testing.T) {
	store := &memAuditStore{}
	trail := NewAuditTrail(store, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	trail.Record(ctx, userActor.event(model.EventLogout, model.ResultSuccess, nil, ""))

	if len(store.snapshot()) != 1 {
		t.Fatal("cancelled request context must not drop the audit record")
	}
}

func TestKeyAuditOrderWithAsyncTrail(t *testing.T) {
	env := newKeyEnv(t)
	env.audit.Start()

	k := createJanuaryKey(t, env)
	ctx := context.Background()
	if _, err := env.keys.Extend(ctx, k.ID, ExtendInput{ValidUntil: day("2024-03-31")}, userActor); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if _, err := env.keys.Reject(ctx, k.ID, "audit", adminActor); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if err := env.keys.Revoke(ctx, k.ID, adminActor); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	env.audit.Stop()

	want := []model.EventType{model.EventKeyCreate, model.EventKeyExtend, model.EventKeyReject, model.EventKeyRevoke}
	events := env.events(t, k.ID)
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, e := range events {
		if e.EventType != want[i] {
			t.Errorf("event %d: got %s, want %s", i, e.EventType, want[i])
		}
	}
}

// gatedAuditStore holds the first write whose detail contains match until
// release is closed.
type gatedAuditStore struct {
	AuditStore
	match   string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedAuditStore) AppendAuditEvents(ctx context.Context, events ...*model.AuditEvent) error {
	for _, e := range events {
		if e.Detail == nil || !strings.Contains(*e.Detail, g.match) {
			continue
		}
		hold := false
		g.once.Do(func() { hold = true })
		if hold {
			close(g.entered)
			select {
			case <-g.release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return g.AuditStore.AppendAuditEvents(ctx, events...)
}

func TestKeyAuditFollowsCommitOrderUnderConcurrency(t *testing.T) {
	store := newTestStore(t)
	clock := newTestClock(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	gate := &gatedAuditStore{
		AuditStore: store,
		match:      "2024-03-31",
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	audit := NewAuditTrail(gate, discardLogger(), WithAuditClock(clock.Now))
	env := &keyEnv{
		store: store,
		clock: clock,
		audit: audit,
		keys:  NewAuthKeyService(store, audit, discardLogger(), WithKeyClock(clock.Now)),
	}
	k := createJanuaryKey(t, env)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := env.keys.Extend(ctx, k.ID, ExtendInput{ValidUntil: day("2024-03-31")}, userActor)
		errs <- err
	}()
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first extend never reached the audit write")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := env.keys.Extend(ctx, k.ID, ExtendInput{ValidUntil: day("2024-04-30")}, userActor)
		errs <- err
	}()
	// Give the second extend time to commit ahead of the held audit write
	// if nothing orders them.
	time.Sleep(100 * time.Millisecond)
	close(gate.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Extend: %v", err)
		}
	}

	got, err := env.keys.Get(ctx, k.ID, userActor)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ValidUntil == nil || got.ValidUntil.UTC().Format("2006-01-02") != "2024-04-30" {
		t.Fatalf("valid_until: got %v, want 2024-04-30", got.ValidUntil)
	}

	events := env.events(t, k.ID)
	var extends []model.AuditEvent
	for _, e := range events {
		if e.EventType == model.EventKeyExtend {
			extends = append(extends, e)
		}
	}
	if len(extends) != 2 {
		t.Fatalf("expected 2 extend events, got %d", len(extends))
	}
	first, last := *extends[0].Detail, *extends[1].Detail
	if !strings.Contains(first, "-> [") || !strings.Contains(first[strings.Index(first, "->"):], "2024-03-31") {
		t.Errorf("first extend detail: %s", first)
	}
	arrow := strings.Index(last, "->")
	if arrow < 0 || !strings.Contains(last[:arrow], "2024-03-31") || !strings.Contains(last[arrow:], "2024-04-30") {
		t.Errorf("last extend detail should move 2024-03-31 to 2024-04-30, got %s", last)
	}
}
