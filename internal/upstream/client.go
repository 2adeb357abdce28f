package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusError is returned for a non-2xx upstream response. Keeping the
// status on the error lets callers distinguish an expired authorization
// (recoverable by one refresh+retry) from a hard failure, instead of
// sniffing error strings.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.Code)
}

// NeedsReauth reports whether the response indicates an expired or
// rejected authorization.
func (e *StatusError) NeedsReauth() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

// IsAuthError reports whether err is a 401/403 upstream response.
func IsAuthError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.NeedsReauth()
}

// Client is a thin HTTP client for the streaming service endpoints. It
// attaches the bearer token per call and surfaces HTTP status as
// StatusError so retry wrappers can react to 401/403.
type Client struct {
	http      *http.Client
	userAgent string
}

// NewClient creates an upstream HTTP client
func NewClient(timeout time.Duration, userAgent string) *Client {
	return &Client{
		http:      &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// Get performs an authorized GET and returns the response body.
func (c *Client) Get(ctx context.Context, url, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	c.setHeaders(req, token, "")
	return c.do(req)
}

// PostJSON performs an authorized POST with a JSON body and returns the
// response body.
func (c *Client) PostJSON(ctx context.Context, url, token string, payload interface{}) ([]byte, error) {
	return c.PostJSONWithHeaders(ctx, url, token, payload, nil)
}

// PostJSONWithHeaders is PostJSON with extra request headers, needed by the
// login flow's tenant headers.
func (c *Client) PostJSONWithHeaders(ctx context.Context, url, token string, payload interface{}, extra map[string]string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	c.setHeaders(req, token, "application/json")
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	return c.do(req)
}

func (c *Client) setHeaders(req *http.Request, token, contentType string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json, */*")
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > 300 {
			snippet = snippet[:300]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: snippet}
	}

	return body, nil
}
