package dvr

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archivexm/archivexm/internal/logging"
	"github.com/archivexm/archivexm/pkg/models"
)

type fakeHistoryStore struct {
	mu       sync.Mutex
	recorded []models.Download
	err      error
}

func (f *fakeHistoryStore) RecordCompleted(_ context.Context, dl *models.Download) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recorded = append(f.recorded, *dl)
	return nil
}

func TestHistorySinkRecordsSave(t *testing.T) {
	log, err := logging.NewDefaultLogger()
	require.NoError(t, err)

	inner := &fakeSink{}
	store := &fakeHistoryStore{}
	sink := &HistorySink{Sink: inner, Store: store, Log: log}

	req := SaveRequest{
		ChannelID:    "chan-1",
		ChannelName:  "Test Station",
		Track:        models.Track{Artist: "A", Title: "T", StartedAt: windowBase},
		KeepDuration: 224.5,
	}

	rec, err := sink.SaveTrack(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, rec)

	require.Len(t, store.recorded, 1)
	dl := store.recorded[0]
	assert.Equal(t, models.DownloadStatusCompleted, dl.Status)
	assert.Equal(t, "Test Station", dl.ChannelName)
	assert.Equal(t, int64(224500), dl.DurationMS)
	assert.Equal(t, rec.FilePath, dl.FilePath)
	assert.True(t, dl.TrackStart.Equal(windowBase))
}

func TestHistorySinkStoreFailureIsNonFatal(t *testing.T) {
	log, err := logging.NewDefaultLogger()
	require.NoError(t, err)

	inner := &fakeSink{}
	store := &fakeHistoryStore{err: fmt.Errorf("database down")}
	sink := &HistorySink{Sink: inner, Store: store, Log: log}

	rec, err := sink.SaveTrack(context.Background(), SaveRequest{
		ChannelID: "chan-1",
		Track:     models.Track{Artist: "A", Title: "T", StartedAt: windowBase},
	})
	require.NoError(t, err, "history failures must not lose the recording")
	assert.NotNil(t, rec)
}

func TestHistorySinkPropagatesSaveError(t *testing.T) {
	log, err := logging.NewDefaultLogger()
	require.NoError(t, err)

	inner := &fakeSink{err: fmt.Errorf("encode failed")}
	store := &fakeHistoryStore{}
	sink := &HistorySink{Sink: inner, Store: store, Log: log}

	_, err = sink.SaveTrack(context.Background(), SaveRequest{
		Track: models.Track{StartedAt: time.Now()},
	})
	assert.Error(t, err)
	assert.Empty(t, store.recorded)
}
