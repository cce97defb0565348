package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/faucetdb/keyhub/internal/config"
	"github.com/faucetdb/keyhub/internal/model"
	"github.com/faucetdb/keyhub/internal/token"
)

var errBadCredentials = &Error{Kind: KindUnauthenticated, Op: "login", Message: "invalid credentials"}

// AccountStore is the account lookup the auth service needs.
type AccountStore interface {
	GetAccount(ctx context.Context, id int64) (*model.Account, error)
	GetAccountByLogin(ctx context.Context, kind model.PrincipalKind, loginID string) (*model.Account, error)
	UpdateAccountLastLogin(ctx context.Context, id int64, at time.Time) error
}

// TokenPair is returned on login. RefreshToken is empty on refresh.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	Account          *model.Account
}

// AuthService handles login, refresh and logout. Every call records one
// audit event.
type AuthService struct {
	accounts  AccountStore
	access    *token.Codec
	refresh   *token.Codec
	audit     *AuditTrail
	logger    *slog.Logger
	now       func() time.Time
	opTimeout time.Duration
}

func NewAuthService(accounts AccountStore, access, refresh *token.Codec, audit *AuditTrail, logger *slog.Logger) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		accounts:  accounts,
		access:    access,
		refresh:   refresh,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
		opTimeout: 5 * time.Second,
	}
}

// Login checks a password and issues an access and a refresh token.
func (s *AuthService) Login(ctx context.Context, kind model.PrincipalKind, loginID, password string, meta RequestMeta) (*TokenPair, error) {
	loginID = strings.TrimSpace(loginID)
	actor := meta.Actor(model.Principal{Kind: kind})

	if !kind.Valid() || loginID == "" || password == "" {
		err := validationError("login", "kind, login_id and password are required")
		s.record(ctx, actor, model.EventLogin, err, "")
		return nil, err
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	acct, err := s.accounts.GetAccountByLogin(lookupCtx, kind, loginID)
	cancel()
	switch {
	case errors.Is(err, config.ErrNotFound):
		s.record(ctx, actor, model.EventLogin, errBadCredentials, "unknown login_id "+loginID)
		return nil, errBadCredentials
	case err != nil:
		serr := storeError("login", err)
		s.logger.Error("account lookup failed", "login_id", loginID, "error", err)
		s.record(ctx, actor, model.EventLogin, serr, "")
		return nil, serr
	}

	actor.Principal = acct.Principal()
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		s.record(ctx, actor, model.EventLogin, errBadCredentials, "wrong password")
		return nil, errBadCredentials
	}
	if !acct.IsActive {
		err := newError(KindForbidden, "login", "account is disabled")
		s.record(ctx, actor, model.EventLogin, err, "")
		return nil, err
	}

	pair, err := s.issuePair(acct)
	if err != nil {
		s.record(ctx, actor, model.EventLogin, err, "")
		return nil, err
	}

	updCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	if err := s.accounts.UpdateAccountLastLogin(updCtx, acct.ID, s.now().UTC()); err != nil {
		s.logger.Warn("failed to update last login", "account_id", acct.ID, "error", err)
	}
	cancel()

	s.record(ctx, actor, model.EventLogin, nil, "")
	return pair, nil
}

// Refresh exchanges a refresh token for a new access token. The refresh
// token itself is not rotated.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (*TokenPair, error) {
	claims, err := s.refresh.Verify(refreshToken)
	if err != nil {
		actor := meta.Actor(model.Principal{Kind: model.KindUser})
		if c := token.DecodeUnsafe(refreshToken); c != nil {
			actor = meta.Actor(c.Principal())
		}
		gerr := ErrInvalidToken
		if errors.Is(err, token.ErrExpired) {
			gerr = ErrExpiredToken
		}
		s.record(ctx, actor, model.EventRefresh, gerr, "")
		return nil, gerr
	}

	actor := meta.Actor(claims.Principal())
	lookupCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	acct, err := s.accounts.GetAccount(lookupCtx, claims.UserID)
	cancel()
	if err != nil && !errors.Is(err, config.ErrNotFound) {
		serr := storeError("refresh", err)
		s.record(ctx, actor, model.EventRefresh, serr, "")
		return nil, serr
	}
	if err != nil || !acct.IsActive || acct.Kind != claims.UserType {
		s.record(ctx, actor, model.EventRefresh, ErrInvalidToken, "account unavailable")
		return nil, ErrInvalidToken
	}

	access, ac, err := s.access.IssueDefault(acct.Principal())
	if err != nil {
		serr := &Error{Kind: KindStorageFailure, Op: "refresh", Message: "token signing failed", Err: err}
		s.record(ctx, actor, model.EventRefresh, serr, "")
		return nil, serr
	}
	s.record(ctx, actor, model.EventRefresh, nil, "")
	return &TokenPair{AccessToken: access, AccessExpiresAt: ac.ExpiresAtTime(), Account: acct}, nil
}

// Logout records a client-initiated logout. Tokens are stateless, so there
// is nothing to invalidate server side.
func (s *AuthService) Logout(ctx context.Context, p model.Principal, meta RequestMeta) {
	s.record(ctx, meta.Actor(p), model.EventLogout, nil, "")
}

func (s *AuthService) issuePair(acct *model.Account) (*TokenPair, error) {
	p := acct.Principal()
	access, ac, err := s.access.IssueDefault(p)
	if err != nil {
		return nil, &Error{Kind: KindStorageFailure, Op: "login", Message: "token signing failed", Err: err}
	}
	refresh, rc, err := s.refresh.IssueDefault(p)
	if err != nil {
		return nil, &Error{Kind: KindStorageFailure, Op: "login", Message: "token signing failed", Err: err}
	}
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  ac.ExpiresAtTime(),
		RefreshToken:     refresh,
		RefreshExpiresAt: rc.ExpiresAtTime(),
		Account:          acct,
	}, nil
}

func (s *AuthService) record(ctx context.Context, actor Actor, t model.EventType, err error, detail string) {
	if s.audit == nil {
		return
	}
	result := model.ResultSuccess
	if err != nil {
		result = model.ResultFailure
		if detail == "" {
			detail = MessageOf(err)
		}
	}
	s.audit.Record(ctx, actor.event(t, result, nil, detail))
}

// HashPassword returns the bcrypt hash stored for an account password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
