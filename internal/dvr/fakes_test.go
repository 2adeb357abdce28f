package dvr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/archivexm/archivexm/internal/auth"
	"github.com/archivexm/archivexm/internal/hls"
	"github.com/archivexm/archivexm/pkg/models"
)

type fakeSchedule struct {
	mu        sync.Mutex
	streamURL string
	tracks    []models.Track
	scheduleErr error
}

func (f *fakeSchedule) setTracks(tracks ...models.Track) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = tracks
}

func (f *fakeSchedule) GetStreamURL(_ context.Context, _, _ string) (string, error) {
	return f.streamURL, nil
}

func (f *fakeSchedule) GetSchedule(_ context.Context, _ string, _ int) ([]models.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduleErr != nil {
		return nil, f.scheduleErr
	}
	return append([]models.Track(nil), f.tracks...), nil
}

func (f *fakeSchedule) CurrentTrack(ctx context.Context, channelID string) (*models.Track, error) {
	tracks, err := f.GetSchedule(ctx, channelID, 1)
	if err != nil || len(tracks) == 0 {
		return nil, err
	}
	return &tracks[len(tracks)-1], nil
}

type fakePlaylists struct {
	mu       sync.Mutex
	playlist *hls.Playlist
	key      []byte
}

func (f *fakePlaylists) setSegments(segs []hls.Segment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playlist = &hls.Playlist{Segments: segs, KeyURL: "https://api.example.com/key"}
}

func (f *fakePlaylists) FetchSegments(_ context.Context, _, _, _ string) (*hls.Playlist, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playlist == nil {
		return nil, fmt.Errorf("no playlist")
	}
	pl := *f.playlist
	pl.Segments = append([]hls.Segment(nil), f.playlist.Segments...)
	return &pl, nil
}

func (f *fakePlaylists) FetchKey(_ context.Context, _, _ string) ([]byte, error) {
	return f.key, nil
}

type fakeTokens struct{}

func (fakeTokens) GetValidToken(_ context.Context) (string, error) {
	return "test-token", nil
}

type fakePool struct {
	mu         sync.Mutex
	acquired   int
	released   int
	heartbeats int
	acquireErr error
}

func (f *fakePool) Acquire(_ context.Context, _, _ string) (*auth.StreamGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.acquired++
	return &auth.StreamGrant{LeaseID: fmt.Sprintf("lease-%d", f.acquired), BearerToken: "lease-token"}, nil
}

func (f *fakePool) Release(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func (f *fakePool) Heartbeat(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakePool) counts() (acquired, released int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired, f.released
}

type savedRequest struct {
	req SaveRequest
}

type fakeSink struct {
	mu    sync.Mutex
	saves []savedRequest
	err   error
}

func (f *fakeSink) SaveTrack(_ context.Context, req SaveRequest) (*models.RecordedTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.saves = append(f.saves, savedRequest{req: req})
	return &models.RecordedTrack{
		Artist:      req.Track.Artist,
		Title:       req.Track.Title,
		FilePath:    "/out/" + req.Track.Artist + " - " + req.Track.Title + ".m4a",
		Approximate: req.Approximate,
		SavedAt:     time.Now().UTC(),
	}, nil
}

func (f *fakeSink) saved() []savedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]savedRequest(nil), f.saves...)
}

type fakeDownloadStore struct {
	mu       sync.Mutex
	statuses map[string]string
	files    map[string]string
	errors   map[string]string
}

func newFakeDownloadStore() *fakeDownloadStore {
	return &fakeDownloadStore{
		statuses: make(map[string]string),
		files:    make(map[string]string),
		errors:   make(map[string]string),
	}
}

func (f *fakeDownloadStore) MarkDownloading(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = models.DownloadStatusDownloading
	return nil
}

func (f *fakeDownloadStore) MarkCompleted(_ context.Context, id, filePath string, _ int64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = models.DownloadStatusCompleted
	f.files[id] = filePath
	return nil
}

func (f *fakeDownloadStore) MarkFailed(_ context.Context, id, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = models.DownloadStatusFailed
	f.errors[id] = errMsg
	return nil
}

func (f *fakeDownloadStore) status(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}
