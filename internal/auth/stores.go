package auth

import (
	"context"
	"time"

	"github.com/archivexm/archivexm/pkg/models"
)

// CredentialStore is the persistence surface the token and credential
// managers need for stored accounts.
type CredentialStore interface {
	// ListActive returns active credentials ordered by ascending priority.
	ListActive(ctx context.Context) ([]models.Credential, error)
}

// SessionStore persists upstream sessions.
type SessionStore interface {
	// LatestValid returns the most recent valid session for any
	// credential, or nil when none exists.
	LatestValid(ctx context.Context) (*models.Session, error)
	// LatestValidFor is LatestValid scoped to one credential.
	LatestValidFor(ctx context.Context, credentialID int64) (*models.Session, error)
	// InvalidateAll marks every session for the credential invalid.
	InvalidateAll(ctx context.Context, credentialID int64) error
	// Create inserts a new valid session.
	Create(ctx context.Context, session *models.Session) error
}

// LeaseStore persists active stream leases.
type LeaseStore interface {
	Create(ctx context.Context, lease *models.ActiveStreamLease) error
	Delete(ctx context.Context, id string) error
	Heartbeat(ctx context.Context, id string, at time.Time) error
	// DeleteStale removes leases whose heartbeat is older than cutoff and
	// returns how many were reclaimed.
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
	CountForCredential(ctx context.Context, credentialID int64) (int, error)
}
