package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/archivexm/archivexm/internal/upstream"
)

// SessionTTL is how long an authenticated session is assumed to stay
// valid. The service does not report an expiry, sessions last about a day.
const SessionTTL = 24 * time.Hour

// ErrBadCredentials indicates the upstream rejected the username/password
// pair. Distinct from transport failures so callers do not retry a login
// that can never succeed.
var ErrBadCredentials = errors.New("auth: invalid credentials")

// AuthResult is a successful upstream login.
type AuthResult struct {
	BearerToken string
	ExpiresAt   time.Time
}

// Authenticator performs the upstream login flow.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*AuthResult, error)
}

// UpstreamAuthenticator logs in against the streaming service's edge
// gateway. The flow is four chained calls, each feeding its token into the
// next: register a device, open an anonymous session, authenticate the
// identity with the password, then open the authenticated session whose
// access token is the bearer used everywhere else.
type UpstreamAuthenticator struct {
	client    *upstream.Client
	apiBase   string
	userAgent string
	now       func() time.Time
}

// NewUpstreamAuthenticator creates an authenticator for the given API base
func NewUpstreamAuthenticator(apiBase, userAgent string, timeout time.Duration) *UpstreamAuthenticator {
	return &UpstreamAuthenticator{
		client:    upstream.NewClient(timeout, userAgent),
		apiBase:   apiBase,
		userAgent: userAgent,
		now:       time.Now,
	}
}

type loginResponse struct {
	Grant       string `json:"grant"`
	AccessToken string `json:"accessToken"`
	SessionType string `json:"sessionType"`
}

// token prefers the access token over the grant.
func (r loginResponse) token() string {
	if r.AccessToken != "" {
		return r.AccessToken
	}
	return r.Grant
}

// Login runs the four-step login flow and returns the final bearer token.
func (u *UpstreamAuthenticator) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	tenant := map[string]string{"x-sxm-tenant": "sxm"}

	devicePayload := map[string]interface{}{
		"devicePlatform": "web-desktop",
		"deviceAttributes": map[string]interface{}{
			"browser": map[string]string{
				"browserVersion": "7.74.0",
				"userAgent":      u.userAgent,
				"sdk":            "web",
				"app":            "web",
				"sdkVersion":     "7.74.0",
				"appVersion":     "7.74.0",
			},
		},
		"grantVersion": "v2",
	}

	device, err := u.post(ctx, "/device/v1/devices", "", devicePayload, tenant)
	if err != nil {
		return nil, fmt.Errorf("device registration failed: %w", err)
	}

	anon, err := u.post(ctx, "/session/v1/sessions/anonymous", device.token(), map[string]interface{}{}, tenant)
	if err != nil {
		return nil, fmt.Errorf("anonymous session failed: %w", err)
	}

	identity, err := u.post(ctx, "/identity/v1/identities/authenticate/password", anon.token(), map[string]string{
		"handle":   username,
		"password": password,
	}, nil)
	if err != nil {
		// A rejected password is the one step where a 401/403 means the
		// stored credential itself is bad, not the chain's tokens.
		if upstream.IsAuthError(err) {
			return nil, ErrBadCredentials
		}
		return nil, fmt.Errorf("password authentication failed: %w", err)
	}

	identityToken := identity.token()
	if identityToken == "" {
		identityToken = anon.token()
	}

	final, err := u.post(ctx, "/session/v1/sessions/authenticated", identityToken, map[string]interface{}{}, nil)
	if err != nil {
		return nil, fmt.Errorf("authenticated session failed: %w", err)
	}

	bearer := final.token()
	if bearer == "" {
		return nil, fmt.Errorf("no bearer token in authenticated session response")
	}

	return &AuthResult{
		BearerToken: bearer,
		ExpiresAt:   u.now().Add(SessionTTL),
	}, nil
}

func (u *UpstreamAuthenticator) post(ctx context.Context, path, token string, payload interface{}, headers map[string]string) (loginResponse, error) {
	body, err := u.client.PostJSONWithHeaders(ctx, u.apiBase+path, token, payload, headers)
	if err != nil {
		return loginResponse{}, err
	}

	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return loginResponse{}, fmt.Errorf("failed to parse response: %w", err)
	}
	return resp, nil
}
