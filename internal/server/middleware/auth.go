package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/faucetdb/keyhub/internal/model"
	"github.com/faucetdb/keyhub/internal/service"
)

// Sliding-renewal response headers. Both must be listed in the CORS
// exposed headers so browser clients can read them.
const (
	HeaderNewAccessToken = "X-New-Access-Token"
	HeaderTokenRefreshed = "X-Token-Refreshed"
	HeaderAPIKey         = "X-API-Key"
)

type contextKeyAuth string

const (
	// sessionKey is the context key for the verified session.
	sessionKey contextKeyAuth = "auth_session"
	// authKeyKey is the context key for an external API credential.
	authKeyKey contextKeyAuth = "auth_key"
)

// Authenticate returns an HTTP middleware that verifies the bearer token
// with guard. On success the session is attached to the request context
// and, when the guard renewed the token, the new token is returned in the
// X-New-Access-Token header. On failure a 401 with "logout": true is
// written.
func Authenticate(guard *service.SessionGuard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)

			sess, err := guard.Check(r.Context(), raw, RequestMeta(r))
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, err)
				return
			}

			if sess.RenewedToken != "" {
				w.Header().Set(HeaderNewAccessToken, sess.RenewedToken)
				w.Header().Set(HeaderTokenRefreshed, "true")
			}

			noteActor(r.Context(), principalLabel(sess.Principal))
			ctx := context.WithValue(r.Context(), sessionKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRoles returns an HTTP middleware that admits only principals whose
// role is in roles. It must be used after Authenticate.
func RequireRoles(guard *service.SessionGuard, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := GetPrincipal(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, service.ErrMissingToken)
				return
			}
			if err := guard.Authorize(p, roles...); err != nil {
				writeAuthError(w, http.StatusForbidden, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireKind returns an HTTP middleware that admits only principals of the
// given kind. It must be used after Authenticate.
func RequireKind(kind model.PrincipalKind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := GetPrincipal(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, service.ErrMissingToken)
				return
			}
			if p.Kind != kind {
				writeAuthError(w, http.StatusForbidden,
					&service.Error{Kind: service.KindForbidden, Message: kind.String() + " access required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// APIKey returns an HTTP middleware that authenticates external API calls
// by the X-API-Key header. Only ACTIVE keys pass.
func APIKey(keys *service.AuthKeyService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k, err := keys.ValidateSecret(r.Context(), r.Header.Get(HeaderAPIKey))
			if err != nil {
				status := http.StatusUnauthorized
				if service.KindOf(err) == service.KindStorageFailure {
					status = http.StatusServiceUnavailable
				}
				writeAuthError(w, status, err)
				return
			}
			noteActor(r.Context(), "key:"+strconv.FormatInt(k.ID, 10))
			ctx := context.WithValue(r.Context(), authKeyKey, k)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSession extracts the verified session from the context.
func GetSession(ctx context.Context) *service.Session {
	if s, ok := ctx.Value(sessionKey).(*service.Session); ok {
		return s
	}
	return nil
}

// GetPrincipal extracts the authenticated principal from the context.
func GetPrincipal(ctx context.Context) (model.Principal, bool) {
	s := GetSession(ctx)
	if s == nil {
		return model.Principal{}, false
	}
	return s.Principal, true
}

// GetAuthKey extracts the external API credential from the context.
func GetAuthKey(ctx context.Context) *model.AuthKey {
	if k, ok := ctx.Value(authKeyKey).(*model.AuthKey); ok {
		return k
	}
	return nil
}

// RequestMeta returns the client address and user agent of r. It expects
// chi's RealIP middleware to have normalized RemoteAddr.
func RequestMeta(r *http.Request) service.RequestMeta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return service.RequestMeta{IP: ip, UserAgent: r.UserAgent()}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, status int, err error) {
	detail := model.ErrorDetail{
		Code:    status,
		Kind:    service.KindOf(err).String(),
		Message: service.MessageOf(err),
		Logout:  status == http.StatusUnauthorized,
	}
	if errors.Is(err, service.ErrExpiredToken) {
		detail.Context = map[string]interface{}{"reason": "expired"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{Error: detail})
}
