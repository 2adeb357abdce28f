package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/archivexm/archivexm/internal/logging"
	"github.com/archivexm/archivexm/internal/metrics"
	"github.com/archivexm/archivexm/internal/upstream"
	"github.com/archivexm/archivexm/pkg/models"
)

const (
	// DefaultRefreshThreshold is how close to expiry a token may get
	// before it is proactively refreshed.
	DefaultRefreshThreshold = 30 * time.Minute

	// refreshCooldown is the minimum spacing between refresh attempts.
	// A second caller arriving inside the cooldown gets the token the
	// first caller just obtained instead of triggering another login.
	refreshCooldown = 30 * time.Second

	// maxAuthRetries bounds how often a request is replayed after a
	// 401/403 triggered refresh.
	maxAuthRetries = 2
)

// ErrNoSession indicates there is no stored session and no credential to
// create one from.
var ErrNoSession = errors.New("auth: no valid session available")

// TokenManager owns the current upstream bearer token. It caches the token
// in memory, refreshes it proactively near expiry and reactively on
// 401/403, and serializes refreshes so concurrent consumers never stack
// logins.
type TokenManager struct {
	creds    CredentialStore
	sessions SessionStore
	authn    Authenticator
	secrets  *SecretBox
	log      *logging.Logger

	refreshThreshold time.Duration
	now              func() time.Time

	mu          sync.Mutex
	token       string
	expiresAt   *time.Time
	lastAttempt time.Time
}

// NewTokenManager creates a token manager. A non-positive refreshThreshold
// falls back to DefaultRefreshThreshold.
func NewTokenManager(creds CredentialStore, sessions SessionStore, authn Authenticator, secrets *SecretBox, log *logging.Logger, refreshThreshold time.Duration) *TokenManager {
	if refreshThreshold <= 0 {
		refreshThreshold = DefaultRefreshThreshold
	}
	return &TokenManager{
		creds:            creds,
		sessions:         sessions,
		authn:            authn,
		secrets:          secrets,
		log:              log,
		refreshThreshold: refreshThreshold,
		now:              time.Now,
	}
}

// GetValidToken returns the cached bearer token, loading the persisted
// session first when nothing is cached. With no session anywhere it
// returns ErrNoSession rather than logging in: creating sessions is the
// job of Refresh and the stream-selection path. A token near expiry is
// refreshed proactively; when that refresh fails the stale token is
// returned anyway, since it may keep working and the reactive retry path
// covers it if not.
func (m *TokenManager) GetValidToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == "" {
		m.loadLocked(ctx)
	}
	if m.token == "" {
		return "", ErrNoSession
	}

	if m.expiringLocked() {
		if err := m.refreshLocked(ctx); err != nil {
			m.log.WithError(err).Warn("Proactive token refresh failed, using existing token")
		}
	}

	return m.token, nil
}

// Refresh re-authenticates with the highest-priority stored credential and
// replaces the persisted session.
func (m *TokenManager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

// Invalidate drops the cached token, forcing a refresh on next use.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.expiresAt = nil
	m.log.Info("Token invalidated")
}

// ExpiresAt returns the cached token's expiry, if known.
func (m *TokenManager) ExpiresAt() *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expiresAt == nil {
		return nil
	}
	t := *m.expiresAt
	return &t
}

// IsExpiring reports whether the cached token is missing, expired, or
// inside the refresh threshold.
func (m *TokenManager) IsExpiring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiringLocked()
}

// ExecuteWithRetry runs fn with a valid token, refreshing and replaying up
// to two times when fn returns an upstream 401/403. Non-auth errors
// propagate immediately.
func (m *TokenManager) ExecuteWithRetry(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	token, err := m.GetValidToken(ctx)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		err = fn(ctx, token)
		if err == nil {
			return nil
		}
		if !upstream.IsAuthError(err) || attempt >= maxAuthRetries {
			return err
		}

		metrics.AuthRetriesTotal.Inc()
		m.log.Warnf("Got auth error, refreshing token (attempt %d/%d)", attempt+1, maxAuthRetries)

		if rerr := m.Refresh(ctx); rerr != nil {
			return err
		}

		m.mu.Lock()
		token = m.token
		m.mu.Unlock()
	}
}

// RunBackgroundRefresh periodically reloads the session and refreshes it
// when near expiry, until ctx is cancelled.
func (m *TokenManager) RunBackgroundRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	m.log.Infof("Starting background token refresh, checking every %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("Background token refresh stopped")
			return
		case <-ticker.C:
			m.mu.Lock()
			m.loadLocked(ctx)
			if m.expiringLocked() {
				if err := m.refreshLocked(ctx); err != nil {
					m.log.WithError(err).Warn("Background token refresh failed")
				}
			}
			m.mu.Unlock()
		}
	}
}

// loadLocked pulls the latest valid session from the store into the cache.
func (m *TokenManager) loadLocked(ctx context.Context) {
	session, err := m.sessions.LatestValid(ctx)
	if err != nil {
		m.log.WithError(err).Warn("Failed to load session from store")
		return
	}
	if session == nil {
		return
	}
	m.token = session.BearerToken
	m.expiresAt = session.ExpiresAt
}

// expiringLocked reports whether the cached token is missing, expired, or
// inside the refresh threshold.
func (m *TokenManager) expiringLocked() bool {
	if m.expiresAt == nil {
		return m.token == ""
	}
	return m.expiresAt.Before(m.now().Add(m.refreshThreshold))
}

func (m *TokenManager) refreshLocked(ctx context.Context) error {
	if elapsed := m.now().Sub(m.lastAttempt); !m.lastAttempt.IsZero() && elapsed < refreshCooldown {
		if m.token != "" {
			m.log.Debugf("Refresh cooldown active, reusing token obtained %s ago", elapsed.Round(time.Second))
			return nil
		}
		return fmt.Errorf("refresh cooldown active and no token available")
	}
	m.lastAttempt = m.now()

	creds, err := m.creds.ListActive(ctx)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to list credentials: %w", err)
	}
	if len(creds) == 0 {
		metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
		return ErrNoSession
	}
	cred := creds[0]

	password, err := m.secrets.Decrypt(cred.PasswordEncrypted)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to decrypt credential password: %w", err)
	}

	result, err := m.authn.Login(ctx, cred.Username, password)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to refresh token: %w", err)
	}

	if err := m.sessions.InvalidateAll(ctx, cred.ID); err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to invalidate old sessions: %w", err)
	}

	expiresAt := result.ExpiresAt
	session := &models.Session{
		CredentialID: cred.ID,
		BearerToken:  result.BearerToken,
		ExpiresAt:    &expiresAt,
		IsValid:      true,
	}
	if err := m.sessions.Create(ctx, session); err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to store session: %w", err)
	}

	m.token = result.BearerToken
	m.expiresAt = session.ExpiresAt

	metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()
	m.log.WithCredentialID(cred.ID).Infof("Token refreshed, expires %s", expiresAt.Format(time.RFC3339))
	return nil
}
