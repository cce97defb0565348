package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/faucetdb/keyhub/internal/model"
	"github.com/faucetdb/keyhub/internal/token"
)

type guardEnv struct {
	clock *testClock
	codec *token.Codec
	guard *SessionGuard
	keys  *keyEnv
}

func newGuardEnv(t *testing.T) *guardEnv {
	t.Helper()
	env := newKeyEnv(t)
	codec := token.NewCodec("access-secret", "keyhub-test", 15*time.Minute, token.WithClock(env.clock.Now))
	guard := NewSessionGuard(codec, env.audit, 120*time.Second, discardLogger(), WithGuardClock(env.clock.Now))
	return &guardEnv{clock: env.clock, codec: codec, guard: guard, keys: env}
}

func TestGuardValidToken(t *testing.T) {
	env := newGuardEnv(t)
	raw, _, err := env.codec.Issue(10, model.KindUser, "", 15*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	sess, err := env.guard.Check(context.Background(), raw, RequestMeta{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if sess.Principal.ID != 10 || sess.Principal.Kind != model.KindUser {
		t.Errorf("principal: %+v", sess.Principal)
	}
	if sess.RenewedToken != "" {
		t.Error("fresh token should not be renewed")
	}
}

func TestGuardSlidingRenewal(t *testing.T) {
	tests := []struct {
		name     string
		timeLeft time.Duration
		renew    bool
	}{
		{"90s left renews", 90 * time.Second, true},
		{"exactly threshold renews", 120 * time.Second, true},
		{"1s left renews", time.Second, true},
		{"300s left does not renew", 300 * time.Second, false},
		{"121s left does not renew", 121 * time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newGuardEnv(t)
			raw, _, err := env.codec.Issue(10, model.KindUser, "", 15*time.Minute)
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}
			env.clock.Advance(15*time.Minute - tt.timeLeft)

			sess, err := env.guard.Check(context.Background(), raw, RequestMeta{})
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if got := sess.RenewedToken != ""; got != tt.renew {
				t.Fatalf("renewed: got %v, want %v", got, tt.renew)
			}
			if !tt.renew {
				return
			}
			if sess.Principal.ID != 10 {
				t.Error("renewal must not change the current principal")
			}
			rc, err := env.codec.Verify(sess.RenewedToken)
			if err != nil {
				t.Fatalf("renewed token does not verify: %v", err)
			}
			if !rc.ExpiresAtTime().After(sess.Claims.ExpiresAtTime()) {
				t.Error("renewed token should outlive the current one")
			}
		})
	}
}

func TestGuardExpiredTokenAutoLogout(t *testing.T) {
	env := newGuardEnv(t)
	raw, _, err := env.codec.Issue(42, model.KindAdmin, "admin", 15*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	env.clock.Advance(16 * time.Minute)

	_, err = env.guard.Check(context.Background(), raw, RequestMeta{IP: "192.0.2.1", UserAgent: "curl"})
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
	assertKind(t, err, KindUnauthenticated)

	events := env.keys.allEvents(t)
	if len(events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(events))
	}
	e := events[0]
	if e.EventType != model.EventLogout || e.Result != model.ResultSuccess {
		t.Errorf("event: got %s/%s, want LOGOUT/SUCCESS", e.EventType, e.Result)
	}
	if e.ActorID != 42 || e.ActorKind != model.KindAdmin {
		t.Errorf("actor: got %s/%d", e.ActorKind, e.ActorID)
	}
	if e.Detail == nil || *e.Detail != "token expired" {
		t.Errorf("detail: got %v", e.Detail)
	}
	if e.IP == nil || *e.IP != "192.0.2.1" {
		t.Errorf("ip: got %v", e.IP)
	}
}

func TestGuardMissingAndInvalid(t *testing.T) {
	env := newGuardEnv(t)
	ctx := context.Background()

	if _, err := env.guard.Check(ctx, "", RequestMeta{}); !errors.Is(err, ErrMissingToken) {
		t.Errorf("empty token: got %v, want ErrMissingToken", err)
	}
	if _, err := env.guard.Check(ctx, "not.a.jwt", RequestMeta{}); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage token: got %v, want ErrInvalidToken", err)
	}

	other := token.NewCodec("other-secret", "keyhub-test", time.Hour, token.WithClock(env.clock.Now))
	forged, _, err := other.Issue(10, model.KindUser, "", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := env.guard.Check(ctx, forged, RequestMeta{}); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("forged token: got %v, want ErrInvalidToken", err)
	}

	if n := len(env.keys.allEvents(t)); n != 0 {
		t.Errorf("missing/invalid tokens should not be audited, got %d events", n)
	}
}

func TestGuardAuthorize(t *testing.T) {
	env := newGuardEnv(t)

	admin := model.Principal{ID: 1, Kind: model.KindAdmin, Role: "admin"}
	noRole := model.Principal{ID: 2, Kind: model.KindUser}

	if err := env.guard.Authorize(admin, "admin", "super_admin"); err != nil {
		t.Errorf("admin role should pass: %v", err)
	}
	assertKind(t, env.guard.Authorize(admin, "super_admin"), KindForbidden)
	assertKind(t, env.guard.Authorize(noRole, "admin"), KindForbidden)
	if err := env.guard.Authorize(noRole); err != nil {
		t.Errorf("role-less guard should admit any principal: %v", err)
	}
}
