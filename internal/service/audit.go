package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/faucetdb/keyhub/internal/metrics"
	"github.com/faucetdb/keyhub/internal/model"
)

// Actor is the caller of a service operation together with the request
// metadata that ends up in audit records.
type Actor struct {
	Principal model.Principal
	IP        string
	UserAgent string
}

// RequestMeta is the client metadata attached to a request.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Actor combines a principal with this request metadata.
func (m RequestMeta) Actor(p model.Principal) Actor {
	return Actor{Principal: p, IP: m.IP, UserAgent: m.UserAgent}
}

// AuditStore persists audit events.
type AuditStore interface {
	AppendAuditEvents(ctx context.Context, events ...*model.AuditEvent) error
	QueryAuditEvents(ctx context.Context, f model.AuditFilter, page model.Page) ([]model.AuditEvent, int64, error)
}

// AuditTrail appends audit events. Before Start it writes synchronously.
// After Start a single background worker drains a buffered channel in
// batches, so events reach storage in the order they were recorded.
// Write failures are logged and counted, never returned to the caller.
type AuditTrail struct {
	store   AuditStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	bufferSize    int
	batchSize     int
	flushInterval time.Duration
	writeTimeout  time.Duration

	mu      sync.RWMutex
	running bool
	ch      chan *model.AuditEvent
	done    chan struct{}
}

// AuditOption configures an AuditTrail.
type AuditOption func(*AuditTrail)

// WithAuditBuffer sets the channel capacity used once started.
func WithAuditBuffer(n int) AuditOption {
	return func(a *AuditTrail) {
		if n > 0 {
			a.bufferSize = n
		}
	}
}

// WithAuditBatch sets the batch size and the maximum time an event waits in
// a partial batch.
func WithAuditBatch(size int, interval time.Duration) AuditOption {
	return func(a *AuditTrail) {
		if size > 0 {
			a.batchSize = size
		}
		if interval > 0 {
			a.flushInterval = interval
		}
	}
}

// WithAuditMetrics attaches Prometheus counters.
func WithAuditMetrics(m *metrics.Metrics) AuditOption {
	return func(a *AuditTrail) { a.metrics = m }
}

// WithAuditClock overrides the clock used to stamp events.
func WithAuditClock(now func() time.Time) AuditOption {
	return func(a *AuditTrail) { a.now = now }
}

// NewAuditTrail creates a trail writing to store.
func NewAuditTrail(store AuditStore, logger *slog.Logger, opts ...AuditOption) *AuditTrail {
	if logger == nil {
		logger = slog.Default()
	}
	a := &AuditTrail{
		store:         store,
		logger:        logger,
		now:           time.Now,
		bufferSize:    1000,
		batchSize:     100,
		flushInterval: time.Second,
		writeTimeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start launches the background writer. Calling Start twice is a no-op.
func (a *AuditTrail) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.ch = make(chan *model.AuditEvent, a.bufferSize)
	a.done = make(chan struct{})
	a.running = true
	go a.worker(a.ch, a.done)
}

// Stop drains pending events and waits for the writer to exit. Later
// records are written synchronously.
func (a *AuditTrail) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.ch)
	done := a.done
	a.mu.Unlock()
	<-done
}

// Record appends e. OccurredAt is stamped here when unset. The caller's
// cancellation does not prevent the write.
func (a *AuditTrail) Record(ctx context.Context, e model.AuditEvent) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = a.now().UTC()
	}

	a.mu.RLock()
	if a.running {
		ch := a.ch
		select {
		case ch <- &e:
			a.metrics.SetAuditQueueDepth(len(ch))
			a.mu.RUnlock()
			return
		default:
		}
		// Buffer full: block so ordering and completeness hold, bounded by
		// the write timeout.
		timer := time.NewTimer(a.writeTimeout)
		defer timer.Stop()
		select {
		case ch <- &e:
			a.mu.RUnlock()
			return
		case <-timer.C:
			a.mu.RUnlock()
			a.metrics.AuditOutcome("dropped", 1)
			a.logger.Error("audit buffer full, event dropped",
				"event", e.EventType, "result", e.Result, "actor_id", e.ActorID)
			return
		}
	}
	a.mu.RUnlock()

	a.write(context.WithoutCancel(ctx), []*model.AuditEvent{&e})
}

// Query returns audit events matching f, newest first, with the total
// number of matches.
func (a *AuditTrail) Query(ctx context.Context, f model.AuditFilter, page model.Page) ([]model.AuditEvent, int64, error) {
	events, total, err := a.store.QueryAuditEvents(ctx, f, page)
	if err != nil {
		return nil, 0, storeError("audit query", err)
	}
	return events, total, nil
}

func (a *AuditTrail) worker(ch <-chan *model.AuditEvent, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	batch := make([]*model.AuditEvent, 0, a.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		a.write(context.Background(), batch)
		batch = make([]*model.AuditEvent, 0, a.batchSize)
		a.metrics.SetAuditQueueDepth(len(ch))
	}

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= a.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (a *AuditTrail) write(ctx context.Context, events []*model.AuditEvent) {
	ctx, cancel := context.WithTimeout(ctx, a.writeTimeout)
	defer cancel()

	if err := a.store.AppendAuditEvents(ctx, events...); err != nil {
		a.metrics.AuditOutcome("failed", len(events))
		for _, e := range events {
			a.logger.Error("audit write failed",
				"error", err,
				"event", e.EventType,
				"result", e.Result,
				"actor_kind", e.ActorKind,
				"actor_id", e.ActorID,
				"target_key_id", derefInt64(e.TargetKeyID),
			)
		}
		return
	}
	a.metrics.AuditOutcome("written", len(events))
}

// event builds an audit event for actor. Empty strings become NULLs.
func (a Actor) event(t model.EventType, result model.EventResult, target *int64, detail string) model.AuditEvent {
	return model.AuditEvent{
		ActorKind:   a.Principal.Kind,
		ActorID:     a.Principal.ID,
		EventType:   t,
		Result:      result,
		TargetKeyID: target,
		Detail:      optString(detail),
		IP:          optString(a.IP),
		UserAgent:   optString(a.UserAgent),
	}
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
