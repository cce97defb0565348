package model

import "time"

// EventType identifies what an audit event records.
type EventType string

const (
	EventLogin      EventType = "LOGIN"
	EventLogout     EventType = "LOGOUT"
	EventRefresh    EventType = "REFRESH"
	EventKeyCreate  EventType = "KEY_CREATE"
	EventKeyApprove EventType = "KEY_APPROVE"
	EventKeyReject  EventType = "KEY_REJECT"
	EventKeyExtend  EventType = "KEY_EXTEND"
	EventKeyRevoke  EventType = "KEY_REVOKE"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventLogin, EventLogout, EventRefresh,
		EventKeyCreate, EventKeyApprove, EventKeyReject, EventKeyExtend, EventKeyRevoke:
		return true
	}
	return false
}

// EventResult is the outcome recorded with an audit event.
type EventResult string

const (
	ResultSuccess EventResult = "SUCCESS"
	ResultFailure EventResult = "FAILURE"
)

// AuditEvent is an immutable record of an authentication event or a
// state-changing action on an auth key. Rows are append-only.
type AuditEvent struct {
	ID          int64         `json:"id" db:"id"`
	ActorKind   PrincipalKind `json:"actor_kind" db:"actor_kind"`
	ActorID     int64         `json:"actor_id" db:"actor_id"`
	EventType   EventType     `json:"event_type" db:"event_type"`
	Result      EventResult   `json:"result" db:"result"`
	TargetKeyID *int64        `json:"target_key_id,omitempty" db:"target_key_id"`
	Detail      *string       `json:"detail,omitempty" db:"detail"`
	IP          *string       `json:"ip,omitempty" db:"ip"`
	UserAgent   *string       `json:"user_agent,omitempty" db:"user_agent"`
	OccurredAt  time.Time     `json:"occurred_at" db:"occurred_at"`
}

// AuditFilter narrows an audit query. Zero-valued fields do not filter.
type AuditFilter struct {
	ActorKind   PrincipalKind
	ActorID     *int64
	EventType   EventType
	Result      EventResult
	TargetKeyID *int64
	From        *time.Time
	To          *time.Time
}

// Page is a limit/offset window over a list result.
type Page struct {
	Limit  int
	Offset int
}
