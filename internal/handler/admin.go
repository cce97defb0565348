package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/faucetdb/keyhub/internal/model"
	"github.com/faucetdb/keyhub/internal/service"
)

type rejectKeyRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// Approve marks a key approved.
// POST /api/v1/admin/keys/{keyId}/approve
func (h *KeyHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "keyId")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	actor := actorFrom(r)
	k, err := h.keys.Approve(r.Context(), id, actor)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(k, actor.Principal.IsAdmin()))
}

// Reject withdraws approval with a reason.
// POST /api/v1/admin/keys/{keyId}/reject
func (h *KeyHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "keyId")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req rejectKeyRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	actor := actorFrom(r)
	k, err := h.keys.Reject(r.Context(), id, req.Reason, actor)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(k, actor.Principal.IsAdmin()))
}

// AuditHandler serves the audit trail to admins.
type AuditHandler struct {
	audit  *service.AuditTrail
	logger *slog.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(audit *service.AuditTrail, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger}
}

type auditQuery struct {
	ActorKind string `validate:"omitempty,oneof=U A"`
	EventType string `validate:"omitempty,oneof=LOGIN LOGOUT REFRESH KEY_CREATE KEY_APPROVE KEY_REJECT KEY_EXTEND KEY_REVOKE"`
	Result    string `validate:"omitempty,oneof=SUCCESS FAILURE"`
}

// List queries audit events, newest first.
// GET /api/v1/admin/audit
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	f, page, err := parseAuditFilter(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	events, total, err := h.audit.Query(r.Context(), f, page)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: events,
		Meta: &model.ResponseMeta{
			Count:  len(events),
			Total:  &total,
			Limit:  page.Limit,
			Offset: page.Offset,
		},
	})
}

func parseAuditFilter(r *http.Request) (model.AuditFilter, model.Page, error) {
	var f model.AuditFilter
	q := auditQuery{
		ActorKind: queryString(r, "actor_kind"),
		EventType: queryString(r, "event_type"),
		Result:    queryString(r, "result"),
	}
	if err := validate.Struct(q); err != nil {
		return f, model.Page{}, errors.New("invalid actor_kind, event_type or result")
	}
	f.ActorKind = model.PrincipalKind(q.ActorKind)
	f.EventType = model.EventType(q.EventType)
	f.Result = model.EventResult(q.Result)

	var err error
	if f.ActorID, err = queryID(r, "actor_id"); err != nil {
		return f, model.Page{}, err
	}
	if f.TargetKeyID, err = queryID(r, "key_id"); err != nil {
		return f, model.Page{}, err
	}
	if f.From, err = parseTime("from", queryString(r, "from"), false); err != nil {
		return f, model.Page{}, err
	}
	if f.To, err = parseTime("to", queryString(r, "to"), true); err != nil {
		return f, model.Page{}, err
	}

	page := model.Page{
		Limit:  clampInt(queryInt(r, "limit", 50), 1, 500),
		Offset: clampInt(queryInt(r, "offset", 0), 0, 1<<30),
	}
	return f, page, nil
}
