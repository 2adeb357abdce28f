package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/archivexm/archivexm/internal/logging"
	"github.com/archivexm/archivexm/internal/metrics"
	"github.com/archivexm/archivexm/pkg/models"
)

// StaleLeaseAge is how long a lease may go without a heartbeat before it
// is reclaimed.
const StaleLeaseAge = 5 * time.Minute

// ErrCapacityExhausted indicates every active credential is at its
// concurrent-stream limit.
var ErrCapacityExhausted = errors.New("auth: all credentials at capacity")

// StreamGrant is a successful credential acquisition: a lease counted
// against the credential plus the bearer token to stream with.
type StreamGrant struct {
	LeaseID        string
	CredentialID   int64
	CredentialName string
	BearerToken    string
}

// CredentialManager distributes streams across the stored credential pool.
// Selection walks active credentials by ascending priority and takes the
// first with free capacity, authenticating it on the spot when its session
// has lapsed.
type CredentialManager struct {
	creds    CredentialStore
	sessions SessionStore
	leases   LeaseStore
	authn    Authenticator
	secrets  *SecretBox
	log      *logging.Logger
	now      func() time.Time
}

// NewCredentialManager creates a credential pool manager
func NewCredentialManager(creds CredentialStore, sessions SessionStore, leases LeaseStore, authn Authenticator, secrets *SecretBox, log *logging.Logger) *CredentialManager {
	return &CredentialManager{
		creds:    creds,
		sessions: sessions,
		leases:   leases,
		authn:    authn,
		secrets:  secrets,
		log:      log,
		now:      time.Now,
	}
}

// Acquire leases a stream slot for the given kind and channel. Stale
// leases are reclaimed first so crashed consumers cannot pin capacity.
func (m *CredentialManager) Acquire(ctx context.Context, streamKind, channelID string) (*StreamGrant, error) {
	now := m.now()

	reclaimed, err := m.leases.DeleteStale(ctx, now.Add(-StaleLeaseAge))
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim stale leases: %w", err)
	}
	if reclaimed > 0 {
		metrics.StaleLeaseReclaims.Add(float64(reclaimed))
		m.log.Warnf("Reclaimed %d stale stream leases", reclaimed)
	}

	creds, err := m.creds.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	if len(creds) == 0 {
		return nil, ErrNoSession
	}

	for _, cred := range creds {
		active, err := m.leases.CountForCredential(ctx, cred.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to count leases: %w", err)
		}
		if active >= cred.MaxStreams {
			continue
		}

		session, err := m.sessionFor(ctx, cred)
		if err != nil {
			m.log.WithCredentialID(cred.ID).WithError(err).Warn("Credential has capacity but no usable session")
			continue
		}

		lease := &models.ActiveStreamLease{
			ID:            uuid.New().String(),
			CredentialID:  cred.ID,
			StreamKind:    streamKind,
			ChannelID:     channelID,
			StartedAt:     now,
			LastHeartbeat: now,
		}
		if err := m.leases.Create(ctx, lease); err != nil {
			return nil, fmt.Errorf("failed to create lease: %w", err)
		}

		metrics.ActiveLeases.Inc()
		m.log.WithCredentialID(cred.ID).WithChannelID(channelID).
			Infof("Leased %s stream slot (%d/%d in use)", streamKind, active+1, cred.MaxStreams)

		return &StreamGrant{
			LeaseID:        lease.ID,
			CredentialID:   cred.ID,
			CredentialName: cred.Name,
			BearerToken:    session.BearerToken,
		}, nil
	}

	return nil, ErrCapacityExhausted
}

// Release returns a leased stream slot.
func (m *CredentialManager) Release(ctx context.Context, leaseID string) error {
	if err := m.leases.Delete(ctx, leaseID); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	metrics.ActiveLeases.Dec()
	return nil
}

// Heartbeat marks a lease as still in use.
func (m *CredentialManager) Heartbeat(ctx context.Context, leaseID string) error {
	if err := m.leases.Heartbeat(ctx, leaseID, m.now()); err != nil {
		return fmt.Errorf("failed to heartbeat lease: %w", err)
	}
	return nil
}

// UsageSnapshot reports per-credential slot usage for operators.
func (m *CredentialManager) UsageSnapshot(ctx context.Context) ([]models.CredentialUsage, error) {
	creds, err := m.creds.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	usage := make([]models.CredentialUsage, 0, len(creds))
	for _, cred := range creds {
		active, err := m.leases.CountForCredential(ctx, cred.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to count leases: %w", err)
		}

		session, err := m.sessions.LatestValidFor(ctx, cred.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}

		usage = append(usage, models.CredentialUsage{
			CredentialID:    cred.ID,
			Name:            cred.Name,
			Username:        cred.Username,
			Priority:        cred.Priority,
			ActiveStreams:   active,
			MaxStreams:      cred.MaxStreams,
			HasValidSession: session.Usable(m.now()),
		})
	}
	return usage, nil
}

// sessionFor returns a usable session for the credential, authenticating
// synchronously when the stored one is missing or expired.
func (m *CredentialManager) sessionFor(ctx context.Context, cred models.Credential) (*models.Session, error) {
	session, err := m.sessions.LatestValidFor(ctx, cred.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.Usable(m.now()) {
		return session, nil
	}

	password, err := m.secrets.Decrypt(cred.PasswordEncrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential password: %w", err)
	}

	result, err := m.authn.Login(ctx, cred.Username, password)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate credential %q: %w", cred.Name, err)
	}

	if err := m.sessions.InvalidateAll(ctx, cred.ID); err != nil {
		return nil, fmt.Errorf("failed to invalidate old sessions: %w", err)
	}

	expiresAt := result.ExpiresAt
	session = &models.Session{
		CredentialID: cred.ID,
		BearerToken:  result.BearerToken,
		ExpiresAt:    &expiresAt,
		IsValid:      true,
	}
	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	m.log.WithCredentialID(cred.ID).Info("Authenticated credential for new stream")
	return session, nil
}
