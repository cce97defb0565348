// Package token issues and verifies the signed session tokens used by every
// authenticated request. It holds no state besides the signing secret, so a
// Codec is safe for concurrent use.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/faucetdb/keyhub/internal/model"
)

var (
	// ErrExpired is returned by Verify for a well-formed, correctly signed
	// token whose expiry has passed.
	ErrExpired = errors.New("token expired")
	// ErrInvalid is returned by Verify for anything else that fails
	// verification: bad signature, wrong issuer, malformed input.
	ErrInvalid = errors.New("token invalid")
)

// Claims is the signed payload of a session token.
type Claims struct {
	UserID   int64               `json:"userId"`
	UserType model.PrincipalKind `json:"userType"`
	Role     string              `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Principal returns the identity carried by the claims.
func (c *Claims) Principal() model.Principal {
	return model.Principal{ID: c.UserID, Kind: c.UserType, Role: c.Role}
}

// ExpiresAtTime returns the expiry time, or the zero time when absent.
func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Codec signs and verifies tokens with an HMAC secret. Access and refresh
// tokens use separate codecs so that one can never be presented as the other.
type Codec struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source used for issuing and verifying.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec creates a Codec. ttl is the default lifetime used by IssueDefault.
func NewCodec(secret, issuer string, ttl time.Duration, opts ...Option) *Codec {
	c := &Codec{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the codec's configured token lifetime.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Issue creates a signed token for the subject with issuedAt=now and
// expiresAt=now+ttl.
func (c *Codec) Issue(subject int64, kind model.PrincipalKind, role string, ttl time.Duration) (string, *Claims, error) {
	// JWT NumericDate has second precision; truncate so the returned claims
	// match what Verify will decode.
	now := c.now().Truncate(time.Second)
	claims := &Claims{
		UserID:   subject,
		UserType: kind,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    c.issuer,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// IssueDefault issues a token for p using the codec's configured TTL.
func (c *Codec) IssueDefault(p model.Principal) (string, *Claims, error) {
	return c.Issue(p.ID, p.Kind, p.Role, c.ttl)
}

// Verify checks signature, issuer and expiry. It never panics on malformed
// input; every failure is ErrExpired or ErrInvalid (wrapping the cause).
func (c *Codec) Verify(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalid)
	}

	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)

	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !token.Valid {
		return nil, ErrInvalid
	}
	if !claims.UserType.Valid() || claims.UserID <= 0 {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalid)
	}
	return claims, nil
}

// DecodeUnsafe extracts the claims without checking the signature or expiry.
// It exists only to attribute audit records for tokens that already failed
// Verify; never use the result for authorization. Returns nil on garbage.
func DecodeUnsafe(tokenStr string) *Claims {
	if tokenStr == "" {
		return nil
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return nil
	}
	if !claims.UserType.Valid() || claims.UserID <= 0 {
		return nil
	}
	return claims
}
