package hls

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/archivexm/archivexm/internal/upstream"
)

// Engine fetches and parses manifests, keys and segments. It holds no
// authentication state of its own: the caller supplies the bearer token,
// and 401/403 responses propagate unchanged so the caller's retry wrapper
// can refresh and re-issue.
type Engine struct {
	client *upstream.Client

	mu   sync.Mutex
	keys map[string][]byte // decryption keys by key URL
}

// NewEngine creates a playlist engine
func NewEngine(timeout time.Duration, userAgent string) *Engine {
	return &Engine{
		client: upstream.NewClient(timeout, userAgent),
		keys:   make(map[string][]byte),
	}
}

// ResolveVariant fetches the master playlist and returns the variant URL
// for the requested quality, falling back to the highest bandwidth.
func (e *Engine) ResolveVariant(ctx context.Context, masterURL, token, quality string) (string, error) {
	body, err := e.client.Get(ctx, masterURL, token)
	if err != nil {
		return "", fmt.Errorf("failed to fetch master playlist: %w", err)
	}

	variants, err := ParseMasterPlaylist(string(body), masterURL)
	if err != nil {
		return "", err
	}

	variant, err := PickVariant(variants, quality)
	if err != nil {
		return "", err
	}

	return variant.URI, nil
}

// FetchSegments fetches and parses the variant playlist for a master URL
// at the requested quality.
func (e *Engine) FetchSegments(ctx context.Context, masterURL, token, quality string) (*Playlist, error) {
	variantURL, err := e.ResolveVariant(ctx, masterURL, token, quality)
	if err != nil {
		return nil, err
	}

	body, err := e.client.Get(ctx, variantURL, token)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch variant playlist: %w", err)
	}

	return ParseVariantPlaylist(string(body), variantURL)
}

// FetchKey resolves the 16-byte AES key behind a key URL. Keys are cached
// per URL; callers only pay the round trip when the manifest starts
// advertising a different key resource.
func (e *Engine) FetchKey(ctx context.Context, keyURL, token string) ([]byte, error) {
	e.mu.Lock()
	if key, ok := e.keys[keyURL]; ok {
		e.mu.Unlock()
		return key, nil
	}
	e.mu.Unlock()

	body, err := e.client.Get(ctx, keyURL, token)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key: %w", err)
	}

	key, err := DecodeKeyEnvelope(body)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.keys[keyURL] = key
	e.mu.Unlock()

	return key, nil
}

// FetchSegment downloads one encrypted segment.
func (e *Engine) FetchSegment(ctx context.Context, segmentURL, token string) ([]byte, error) {
	body, err := e.client.Get(ctx, segmentURL, token)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch segment: %w", err)
	}
	return body, nil
}
