package database

import (
	"context"
	"time"

	"github.com/archivexm/archivexm/pkg/models"
)

// The auth package consumes narrow store interfaces whose method names
// collide when implemented on one type (session Create vs lease Create).
// These views adapt the repository to each interface.

// CredentialStore is the credential view of the repository.
type CredentialStore struct {
	*Repository
}

// ListActive returns active credentials ordered by ascending priority.
func (s CredentialStore) ListActive(ctx context.Context) ([]models.Credential, error) {
	return s.ListActiveCredentials(ctx)
}

// SessionStore is the session view of the repository.
type SessionStore struct {
	*Repository
}

// Create inserts a new valid session.
func (s SessionStore) Create(ctx context.Context, session *models.Session) error {
	return s.CreateSession(ctx, session)
}

// LeaseStore is the stream-lease view of the repository.
type LeaseStore struct {
	*Repository
}

// Create inserts an active stream lease.
func (s LeaseStore) Create(ctx context.Context, lease *models.ActiveStreamLease) error {
	return s.CreateLease(ctx, lease)
}

// Delete removes a lease by ID.
func (s LeaseStore) Delete(ctx context.Context, id string) error {
	return s.DeleteLease(ctx, id)
}

// Heartbeat advances a lease's heartbeat timestamp.
func (s LeaseStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	return s.HeartbeatLease(ctx, id, at)
}

// DeleteStale removes leases whose heartbeat is older than cutoff.
func (s LeaseStore) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.DeleteStaleLeases(ctx, cutoff)
}

// CountForCredential counts in-flight leases held against a credential.
func (s LeaseStore) CountForCredential(ctx context.Context, credentialID int64) (int, error) {
	return s.CountLeasesForCredential(ctx, credentialID)
}
