package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/faucetdb/keyhub/internal/model"
	"github.com/faucetdb/keyhub/internal/service"
)

// KeyHandler serves the auth key routes. The same handlers back the user
// and admin route groups; the caller's kind decides ownership rules and the
// response shape.
type KeyHandler struct {
	keys   *service.AuthKeyService
	logger *slog.Logger
	now    func() time.Time
}

// NewKeyHandler creates a new KeyHandler.
func NewKeyHandler(keys *service.AuthKeyService, logger *slog.Logger) *KeyHandler {
	return &KeyHandler{keys: keys, logger: logger, now: time.Now}
}

// keyView is the key shape returned to its owner.
type keyView struct {
	KeyID          int64        `json:"key_id"`
	Secret         string       `json:"secret"`
	Name           string       `json:"name"`
	Purpose        string       `json:"purpose"`
	ValidFrom      *time.Time   `json:"valid_from,omitempty"`
	ValidUntil     *time.Time   `json:"valid_until,omitempty"`
	Status         model.Status `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	LastAccessedAt *time.Time   `json:"last_accessed_at,omitempty"`
}

// adminKeyView adds the moderation fields admins need.
type adminKeyView struct {
	keyView
	OwnerID        int64      `json:"owner_id"`
	Approved       bool       `json:"approved"`
	RejectReason   *string    `json:"reject_reason,omitempty"`
	Lifecycle      string     `json:"lifecycle"`
	CreatedBy      int64      `json:"created_by"`
	UpdatedAt      time.Time  `json:"updated_at"`
	UpdatedBy      int64      `json:"updated_by"`
	LastApprovedAt *time.Time `json:"last_approved_at,omitempty"`
}

func (h *KeyHandler) view(k *model.AuthKey, admin bool) interface{} {
	now := h.now()
	v := keyView{
		KeyID:          k.ID,
		Secret:         k.Secret,
		Name:           k.Name,
		Purpose:        k.Purpose,
		ValidFrom:      k.ValidFrom,
		ValidUntil:     k.ValidUntil,
		Status:         model.StatusAt(k, now),
		CreatedAt:      k.CreatedAt,
		LastAccessedAt: k.LastAccessedAt,
	}
	if !admin {
		return v
	}
	return adminKeyView{
		keyView:        v,
		OwnerID:        k.OwnerID,
		Approved:       k.Approved,
		RejectReason:   k.RejectReason,
		Lifecycle:      model.LifecycleOf(k, now).String(),
		CreatedBy:      k.CreatedBy,
		UpdatedAt:      k.UpdatedAt,
		UpdatedBy:      k.UpdatedBy,
		LastApprovedAt: k.LastApprovedAt,
	}
}

type createKeyRequest struct {
	OwnerID    int64  `json:"owner_id" validate:"gte=0"`
	Name       string `json:"name" validate:"max=100"`
	Purpose    string `json:"purpose" validate:"max=500"`
	ValidFrom  string `json:"valid_from"`
	ValidUntil string `json:"valid_until"`
}

type extendKeyRequest struct {
	ValidFrom  string `json:"valid_from"`
	ValidUntil string `json:"valid_until"`
}

// window parses the optional bounds of a validity window.
func window(from, until string) (*time.Time, *time.Time, error) {
	f, err := parseTime("valid_from", from, false)
	if err != nil {
		return nil, nil, err
	}
	u, err := parseTime("valid_until", until, true)
	if err != nil {
		return nil, nil, err
	}
	return f, u, nil
}

// List returns the caller's keys, or for admins any owner's keys.
// GET /api/v1/keys, GET /api/v1/admin/keys
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, err := queryID(r, "owner_id")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	actor := actorFrom(r)
	keys, err := h.keys.ListByOwner(r.Context(), owner, queryBool(r, "include_inactive"), actor)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	admin := actor.Principal.IsAdmin()
	out := make([]interface{}, len(keys))
	for i := range keys {
		out[i] = h.view(&keys[i], admin)
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: out,
		Meta:     &model.ResponseMeta{Count: len(out)},
	})
}

// Create issues a new key for the caller.
// POST /api/v1/keys
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	from, until, err := window(req.ValidFrom, req.ValidUntil)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	actor := actorFrom(r)
	k, err := h.keys.Create(r.Context(), service.CreateKeyInput{
		OwnerID:    req.OwnerID,
		Name:       req.Name,
		Purpose:    req.Purpose,
		ValidFrom:  from,
		ValidUntil: until,
	}, actor)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(k, actor.Principal.IsAdmin()))
}

// Get returns one key.
// GET /api/v1/keys/{keyId}, GET /api/v1/admin/keys/{keyId}
func (h *KeyHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "keyId")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	actor := actorFrom(r)
	k, err := h.keys.Get(r.Context(), id, actor)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(k, actor.Principal.IsAdmin()))
}

// Extend replaces a key's validity window.
// PUT /api/v1/keys/{keyId}/extend, PUT /api/v1/admin/keys/{keyId}/extend
func (h *KeyHandler) Extend(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "keyId")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req extendKeyRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	from, until, err := window(req.ValidFrom, req.ValidUntil)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	actor := actorFrom(r)
	k, err := h.keys.Extend(r.Context(), id, service.ExtendInput{ValidFrom: from, ValidUntil: until}, actor)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(k, actor.Principal.IsAdmin()))
}

// Revoke soft-deletes a key.
// DELETE /api/v1/keys/{keyId}, DELETE /api/v1/admin/keys/{keyId}
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "keyId")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := h.keys.Revoke(r.Context(), id, actorFrom(r)); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// Stats counts keys by status.
// GET /api/v1/keys/stats, GET /api/v1/admin/keys/stats
func (h *KeyHandler) Stats(w http.ResponseWriter, r *http.Request) {
	owner, err := queryID(r, "owner_id")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	counts, err := h.keys.CountByState(r.Context(), owner, actorFrom(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
