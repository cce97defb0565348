package model

import "time"

// AuthKey is a long-lived OpenAPI credential issued to an end user. The
// secret is generated once at creation and stays readable by its owner.
// Status is never stored; use StatusAt or LifecycleOf against a clock.
type AuthKey struct {
	ID             int64      `json:"key_id" db:"id"`
	OwnerID        int64      `json:"owner_id" db:"owner_id"`
	Secret         string     `json:"secret" db:"secret"`
	Name           string     `json:"name" db:"name"`
	Purpose        string     `json:"purpose" db:"purpose"`
	ValidFrom      *time.Time `json:"valid_from,omitempty" db:"valid_from"`
	ValidUntil     *time.Time `json:"valid_until,omitempty" db:"valid_until"`
	Approved       bool       `json:"approved" db:"approved"`
	RejectReason   *string    `json:"reject_reason,omitempty" db:"reject_reason"`
	Deleted        bool       `json:"-" db:"deleted"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	CreatedBy      int64      `json:"created_by" db:"created_by"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
	UpdatedBy      int64      `json:"updated_by" db:"updated_by"`
	DeletedAt      *time.Time `json:"-" db:"deleted_at"`
	DeletedBy      *int64     `json:"-" db:"deleted_by"`
	LastApprovedAt *time.Time `json:"last_approved_at,omitempty" db:"last_approved_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty" db:"last_accessed_at"`
	Version        int64      `json:"-" db:"version"`
}

// Unlimited reports whether the key has no validity bound at all. Such keys
// are only surfaced in admin views.
func (k *AuthKey) Unlimited() bool {
	return k.ValidFrom == nil && k.ValidUntil == nil
}

// Status is the user-visible lifecycle state of a non-revoked key.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
)

// Lifecycle is the full derived state of a key, including the terminal
// revoked state and the sub-states that collapse into StatusPending.
type Lifecycle int

const (
	LifecyclePending Lifecycle = iota
	LifecycleRejected
	LifecycleScheduled
	LifecycleActive
	LifecycleExpired
	LifecycleRevoked
)

var lifecycleNames = [...]string{
	LifecyclePending:   "pending",
	LifecycleRejected:  "rejected",
	LifecycleScheduled: "scheduled",
	LifecycleActive:    "active",
	LifecycleExpired:   "expired",
	LifecycleRevoked:   "revoked",
}

func (l Lifecycle) String() string {
	if int(l) < len(lifecycleNames) {
		return lifecycleNames[l]
	}
	return "unknown"
}

// Status collapses the lifecycle into the three user-visible states.
// Revoked keys have no status; callers filter them out first.
func (l Lifecycle) Status() Status {
	switch l {
	case LifecycleActive:
		return StatusActive
	case LifecycleExpired:
		return StatusExpired
	default:
		return StatusPending
	}
}

// LifecycleOf derives the lifecycle of k at now. It reads only stored fields
// and the supplied clock, so equal inputs always give equal results.
//
// Window bounds are inclusive: a key is active at exactly ValidFrom and at
// exactly ValidUntil, and expired from the instant after ValidUntil.
func LifecycleOf(k *AuthKey, now time.Time) Lifecycle {
	switch {
	case k.Deleted:
		return LifecycleRevoked
	case !k.Approved && k.RejectReason != nil:
		return LifecycleRejected
	case !k.Approved:
		return LifecyclePending
	case k.ValidUntil != nil && now.After(*k.ValidUntil):
		return LifecycleExpired
	case k.ValidFrom != nil && now.Before(*k.ValidFrom):
		return LifecycleScheduled
	default:
		return LifecycleActive
	}
}

// StatusAt is the user-visible status of k at now.
func StatusAt(k *AuthKey, now time.Time) Status {
	return LifecycleOf(k, now).Status()
}

// KeyCounts holds per-status key counts for dashboards. The three buckets
// always sum to Total.
type KeyCounts struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
	Pending int `json:"pending"`
}
