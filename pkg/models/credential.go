package models

import "time"

// Credential is a stored streaming-service account. The password is
// reversibly encrypted with the application key so it can be replayed
// against the upstream login flow.
type Credential struct {
	ID                int64     `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"`
	Username          string    `json:"username" db:"username"`
	PasswordEncrypted string    `json:"-" db:"password_encrypted"`
	IsActive          bool      `json:"is_active" db:"is_active"`
	MaxStreams        int       `json:"max_streams" db:"max_streams"`
	Priority          int       `json:"priority" db:"priority"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Session is one authenticated upstream session for a credential. Only one
// session per credential may be valid at a time; a new login invalidates
// the old rows rather than mutating them.
type Session struct {
	ID           int64      `json:"id" db:"id"`
	CredentialID int64      `json:"credential_id" db:"credential_id"`
	BearerToken  string     `json:"-" db:"bearer_token"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	IsValid      bool       `json:"is_valid" db:"is_valid"`
}

// Usable reports whether the session can still be presented upstream:
// expiry unknown, or strictly in the future.
func (s *Session) Usable(now time.Time) bool {
	if s == nil || !s.IsValid || s.BearerToken == "" {
		return false
	}
	return s.ExpiresAt == nil || s.ExpiresAt.After(now)
}
