package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/faucetdb/keyhub/internal/model"
)

const testSecret = "test-secret-key-for-jwt"

// fakeClock is a settable time source shared by issue and verify.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCodec(t *testing.T) (*Codec, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)}
	return NewCodec(testSecret, "keyhub-test", 15*time.Minute, WithClock(clock.Now)), clock
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	codec, clock := newTestCodec(t)

	tok, issued, err := codec.Issue(42, model.KindAdmin, "super_admin", 15*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if tok == "" {
		t.Fatal("expected non-empty token")
	}
	if !issued.IssuedAt.Time.Equal(clock.Now()) {
		t.Errorf("iat = %v, want %v", issued.IssuedAt.Time, clock.Now())
	}
	if !issued.ExpiresAtTime().Equal(clock.Now().Add(15 * time.Minute)) {
		t.Errorf("exp = %v, want now+15m", issued.ExpiresAtTime())
	}

	claims, err := codec.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != 42 {
		t.Errorf("UserID: got %d, want 42", claims.UserID)
	}
	if claims.UserType != model.KindAdmin {
		t.Errorf("UserType: got %q, want %q", claims.UserType, model.KindAdmin)
	}
	if claims.Role != "super_admin" {
		t.Errorf("Role: got %q, want %q", claims.Role, "super_admin")
	}
	if claims.Issuer != "keyhub-test" {
		t.Errorf("Issuer: got %q", claims.Issuer)
	}
}

func TestVerifyExpiresAfterTTL(t *testing.T) {
	codec, clock := newTestCodec(t)

	tok, _, err := codec.Issue(7, model.KindUser, "", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	clock.Advance(59 * time.Second)
	if _, err := codec.Verify(tok); err != nil {
		t.Fatalf("Verify before expiry: %v", err)
	}

	clock.Advance(2 * time.Second)
	_, err = codec.Verify(tok)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if errors.Is(err, ErrInvalid) {
		t.Error("expired token must not also report ErrInvalid")
	}
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	codec, _ := newTestCodec(t)

	inputs := []string{
		"",
		"garbage",
		"garbage.token.here",
		"a.b",
		strings.Repeat(".", 10),
		"eyJhbGciOiJub25lIn0.eyJ1c2VySWQiOjF9.",
	}
	for _, in := range inputs {
		_, err := codec.Verify(in)
		if !errors.Is(err, ErrInvalid) {
			t.Errorf("Verify(%q): expected ErrInvalid, got %v", in, err)
		}
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	codec, clock := newTestCodec(t)
	other := NewCodec("another-secret", "keyhub-test", time.Hour, WithClock(clock.Now))

	tok, _, err := other.Issue(1, model.KindUser, "", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := codec.Verify(tok); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for foreign signature, got %v", err)
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	codec, clock := newTestCodec(t)
	other := NewCodec(testSecret, "someone-else", time.Hour, WithClock(clock.Now))

	tok, _, _ := other.Issue(1, model.KindUser, "", time.Hour)
	if _, err := codec.Verify(tok); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for foreign issuer, got %v", err)
	}
}

func TestDecodeUnsafe(t *testing.T) {
	codec, clock := newTestCodec(t)

	tok, _, _ := codec.Issue(9, model.KindUser, "", time.Minute)
	clock.Advance(time.Hour)

	if _, err := codec.Verify(tok); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired token, got %v", err)
	}

	claims := DecodeUnsafe(tok)
	if claims == nil {
		t.Fatal("expected claims from expired token")
	}
	if claims.UserID != 9 || claims.UserType != model.KindUser {
		t.Errorf("decoded %+v", claims)
	}

	if DecodeUnsafe("") != nil {
		t.Error("expected nil for empty token")
	}
	if DecodeUnsafe("not-a-token") != nil {
		t.Error("expected nil for garbage")
	}
}

func TestIssueDefaultUsesConfiguredTTL(t *testing.T) {
	codec, clock := newTestCodec(t)

	_, claims, err := codec.IssueDefault(model.Principal{ID: 3, Kind: model.KindUser})
	if err != nil {
		t.Fatalf("IssueDefault: %v", err)
	}
	if got := claims.ExpiresAtTime().Sub(clock.Now()); got != 15*time.Minute {
		t.Errorf("ttl = %v, want 15m", got)
	}
}
