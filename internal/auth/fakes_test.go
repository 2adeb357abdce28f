package auth

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/archivexm/archivexm/pkg/models"
)

// memStore is an in-memory CredentialStore, SessionStore and LeaseStore.
type memStore struct {
	mu            sync.Mutex
	creds         []models.Credential
	sessions      []models.Session
	nextSessionID int64
	leases        map[string]models.ActiveStreamLease
}

func newMemStore() *memStore {
	return &memStore{leases: make(map[string]models.ActiveStreamLease)}
}

func (s *memStore) ListActive(_ context.Context) ([]models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Credential
	for _, c := range s.creds {
		if c.IsActive {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (s *memStore) LatestValid(_ context.Context) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *models.Session
	for i := range s.sessions {
		sess := s.sessions[i]
		if sess.IsValid && (latest == nil || sess.ID > latest.ID) {
			latest = &sess
		}
	}
	return latest, nil
}

func (s *memStore) LatestValidFor(_ context.Context, credentialID int64) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *models.Session
	for i := range s.sessions {
		sess := s.sessions[i]
		if sess.IsValid && sess.CredentialID == credentialID && (latest == nil || sess.ID > latest.ID) {
			latest = &sess
		}
	}
	return latest, nil
}

func (s *memStore) InvalidateAll(_ context.Context, credentialID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.sessions {
		if s.sessions[i].CredentialID == credentialID {
			s.sessions[i].IsValid = false
		}
	}
	return nil
}

func (s *memStore) Create(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSessionID++
	session.ID = s.nextSessionID
	session.CreatedAt = time.Now()
	s.sessions = append(s.sessions, *session)
	return nil
}

func (s *memStore) CreateLease(_ context.Context, lease *models.ActiveStreamLease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[lease.ID] = *lease
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, id)
	return nil
}

func (s *memStore) Heartbeat(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[id]
	if !ok {
		return fmt.Errorf("lease %s not found", id)
	}
	lease.LastHeartbeat = at
	s.leases[id] = lease
	return nil
}

func (s *memStore) DeleteStale(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, lease := range s.leases {
		if lease.LastHeartbeat.Before(cutoff) {
			delete(s.leases, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) CountForCredential(_ context.Context, credentialID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, lease := range s.leases {
		if lease.CredentialID == credentialID {
			n++
		}
	}
	return n, nil
}

// leaseStoreAdapter maps the LeaseStore interface onto memStore, whose
// Create method name collides with SessionStore.
type leaseStoreAdapter struct{ *memStore }

func (a leaseStoreAdapter) Create(ctx context.Context, lease *models.ActiveStreamLease) error {
	return a.CreateLease(ctx, lease)
}

// fakeAuth counts logins and hands out sequenced tokens.
type fakeAuth struct {
	mu     sync.Mutex
	logins int
	err    error
	ttl    time.Duration
}

func (f *fakeAuth) Login(_ context.Context, username, _ string) (*AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.logins++
	if f.err != nil {
		return nil, f.err
	}

	ttl := f.ttl
	if ttl == 0 {
		ttl = SessionTTL
	}
	return &AuthResult{
		BearerToken: fmt.Sprintf("token-%s-%d", username, f.logins),
		ExpiresAt:   time.Now().Add(ttl),
	}, nil
}

func (f *fakeAuth) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}
