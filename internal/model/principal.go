package model

import "time"

// PrincipalKind distinguishes end users from administrators. The wire form
// is the single-letter code carried in session tokens.
type PrincipalKind string

const (
	KindUser  PrincipalKind = "U"
	KindAdmin PrincipalKind = "A"
)

// Valid reports whether k is a known principal kind.
func (k PrincipalKind) Valid() bool {
	return k == KindUser || k == KindAdmin
}

func (k PrincipalKind) String() string {
	switch k {
	case KindUser:
		return "USER"
	case KindAdmin:
		return "ADMIN"
	default:
		return string(k)
	}
}

// ParsePrincipalKind accepts either the token code ("U", "A") or the long
// form ("user", "admin"), case-insensitively for the long form.
func ParsePrincipalKind(s string) (PrincipalKind, bool) {
	switch s {
	case "U", "u", "USER", "user", "User":
		return KindUser, true
	case "A", "a", "ADMIN", "admin", "Admin":
		return KindAdmin, true
	}
	return "", false
}

// Principal is an authenticated actor. It is derived from a verified session
// token and never persisted by itself.
type Principal struct {
	ID   int64         `json:"id"`
	Kind PrincipalKind `json:"kind"`
	Role string        `json:"role,omitempty"`
}

// IsAdmin reports whether the principal is an administrator.
func (p Principal) IsAdmin() bool {
	return p.Kind == KindAdmin
}

// Account is a login identity backing a Principal. Passwords are stored as
// bcrypt hashes.
type Account struct {
	ID           int64         `json:"id" db:"id"`
	Kind         PrincipalKind `json:"kind" db:"kind"`
	LoginID      string        `json:"login_id" db:"login_id"`
	PasswordHash string        `json:"-" db:"password_hash"` // bcrypt hash, never expose
	Name         string        `json:"name" db:"name"`
	Role         string        `json:"role" db:"role"`
	IsActive     bool          `json:"is_active" db:"is_active"`
	LastLoginAt  *time.Time    `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
}

// Principal returns the principal this account authenticates as.
func (a *Account) Principal() Principal {
	return Principal{ID: a.ID, Kind: a.Kind, Role: a.Role}
}
