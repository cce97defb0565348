package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/faucetdb/keyhub/internal/metrics"
	"github.com/faucetdb/keyhub/internal/model"
	"github.com/faucetdb/keyhub/internal/token"
)

// Guard failures. They are all KindUnauthenticated and match with errors.Is.
var (
	ErrMissingToken = &Error{Kind: KindUnauthenticated, Op: "guard", Message: "missing token"}
	ErrInvalidToken = &Error{Kind: KindUnauthenticated, Op: "guard", Message: "invalid token"}
	ErrExpiredToken = &Error{Kind: KindUnauthenticated, Op: "guard", Message: "token expired"}
)

// Session is the outcome of a successful token check. RenewedToken is set
// only when the access token was close enough to expiry to be renewed; the
// principal of the current request is unaffected by renewal.
type Session struct {
	Principal     model.Principal
	Claims        *token.Claims
	RenewedToken  string
	RenewedClaims *token.Claims
}

// SessionGuard verifies bearer tokens, performs sliding renewal and checks
// roles. It holds no per-request state.
type SessionGuard struct {
	codec     *token.Codec
	audit     *AuditTrail
	logger    *slog.Logger
	metrics   *metrics.Metrics
	threshold time.Duration
	now       func() time.Time
}

// GuardOption configures a SessionGuard.
type GuardOption func(*SessionGuard)

// WithGuardClock overrides the clock. It must agree with the codec clock.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *SessionGuard) { g.now = now }
}

// WithGuardMetrics attaches Prometheus counters.
func WithGuardMetrics(m *metrics.Metrics) GuardOption {
	return func(g *SessionGuard) { g.metrics = m }
}

// NewSessionGuard creates a guard for access tokens issued by codec.
// Tokens with at most threshold of life left are renewed.
func NewSessionGuard(codec *token.Codec, audit *AuditTrail, threshold time.Duration, logger *slog.Logger, opts ...GuardOption) *SessionGuard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &SessionGuard{
		codec:     codec,
		audit:     audit,
		logger:    logger,
		threshold: threshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Threshold returns the renewal threshold.
func (g *SessionGuard) Threshold() time.Duration { return g.threshold }

// Check verifies raw and returns the session. An expired token records a
// LOGOUT audit event for the subject it names before failing.
func (g *SessionGuard) Check(ctx context.Context, raw string, meta RequestMeta) (*Session, error) {
	if raw == "" {
		g.metrics.AuthFailure("missing")
		return nil, ErrMissingToken
	}

	claims, err := g.codec.Verify(raw)
	switch {
	case errors.Is(err, token.ErrExpired):
		g.metrics.AuthFailure("expired")
		g.recordExpiry(ctx, raw, meta)
		return nil, ErrExpiredToken
	case err != nil:
		g.metrics.AuthFailure("invalid")
		g.logger.Debug("rejected session token", "error", err, "ip", meta.IP)
		return nil, ErrInvalidToken
	}

	sess := &Session{Principal: claims.Principal(), Claims: claims}

	timeLeft := claims.ExpiresAtTime().Sub(g.now())
	if timeLeft > 0 && timeLeft <= g.threshold {
		renewed, rc, err := g.codec.IssueDefault(sess.Principal)
		if err != nil {
			// The request still proceeds on the current token.
			g.logger.Error("session renewal failed", "error", err, "user_id", sess.Principal.ID)
		} else {
			sess.RenewedToken = renewed
			sess.RenewedClaims = rc
			g.metrics.TokenRenewed()
		}
	}
	return sess, nil
}

func (g *SessionGuard) recordExpiry(ctx context.Context, raw string, meta RequestMeta) {
	c := token.DecodeUnsafe(raw)
	if c == nil || g.audit == nil {
		return
	}
	actor := meta.Actor(c.Principal())
	g.audit.Record(ctx, actor.event(model.EventLogout, model.ResultSuccess, nil, "token expired"))
}

// Authorize admits p when roles is empty or p.Role is one of roles.
func (g *SessionGuard) Authorize(p model.Principal, roles ...string) error {
	if len(roles) == 0 {
		return nil
	}
	if p.Role != "" {
		for _, r := range roles {
			if r == p.Role {
				return nil
			}
		}
	}
	g.metrics.AuthFailure("forbidden")
	return newError(KindForbidden, "authorize", "insufficient role")
}
