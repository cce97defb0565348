package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/faucetdb/keyhub/internal/model"
	"github.com/faucetdb/keyhub/internal/server/middleware"
	"github.com/faucetdb/keyhub/internal/service"
)

// SessionHandler serves login, refresh and logout.
type SessionHandler struct {
	auth   *service.AuthService
	logger *slog.Logger
	now    func() time.Time
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(auth *service.AuthService, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{auth: auth, logger: logger, now: time.Now}
}

type loginRequest struct {
	Kind     string `json:"kind"`
	LoginID  string `json:"login_id" validate:"max=255"`
	Password string `json:"password" validate:"max=1024"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type userView struct {
	ID      int64               `json:"id"`
	Kind    model.PrincipalKind `json:"kind"`
	LoginID string              `json:"login_id,omitempty"`
	Name    string              `json:"name,omitempty"`
	Role    string              `json:"role,omitempty"`
}

type tokenResponse struct {
	AccessToken      string     `json:"access_token"`
	TokenType        string     `json:"token_type"`
	ExpiresIn        int64      `json:"expires_in"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RefreshToken     string     `json:"refresh_token,omitempty"`
	RefreshExpiresAt *time.Time `json:"refresh_expires_at,omitempty"`
	User             userView   `json:"user"`
}

func (h *SessionHandler) tokenResponse(pair *service.TokenPair) tokenResponse {
	resp := tokenResponse{
		AccessToken: pair.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(pair.AccessExpiresAt.Sub(h.now()).Seconds()),
		ExpiresAt:   pair.AccessExpiresAt,
	}
	if resp.ExpiresIn < 0 {
		resp.ExpiresIn = 0
	}
	if pair.RefreshToken != "" {
		resp.RefreshToken = pair.RefreshToken
		at := pair.RefreshExpiresAt
		resp.RefreshExpiresAt = &at
	}
	if a := pair.Account; a != nil {
		resp.User = userView{ID: a.ID, Kind: a.Kind, LoginID: a.LoginID, Name: a.Name, Role: a.Role}
	}
	return resp
}

// Login authenticates a password and returns an access and refresh token.
// POST /api/v1/auth/login
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	// An unknown kind is passed through so the failure is audited.
	kind, _ := model.ParsePrincipalKind(req.Kind)

	pair, err := h.auth.Login(r.Context(), kind, req.LoginID, req.Password, middleware.RequestMeta(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.tokenResponse(pair))
}

// Refresh exchanges a refresh token for a new access token.
// POST /api/v1/auth/refresh
func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	pair, err := h.auth.Refresh(r.Context(), req.RefreshToken, middleware.RequestMeta(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.tokenResponse(pair))
}

// Logout records the end of the caller's session.
// POST /api/v1/auth/logout
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		writeServiceError(w, h.logger, service.ErrMissingToken)
		return
	}
	h.auth.Logout(r.Context(), p, middleware.RequestMeta(r))
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
