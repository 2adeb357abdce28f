package dvr

import (
	"context"
	"os"

	"github.com/archivexm/archivexm/internal/logging"
	"github.com/archivexm/archivexm/pkg/models"
)

// HistoryStore records finished tracks in the download history.
type HistoryStore interface {
	RecordCompleted(ctx context.Context, dl *models.Download) error
}

// HistorySink decorates a TrackSink so live-recorded tracks show up in the
// download history alongside explicit downloads. History failures are
// logged, never fatal: the audio is already on disk.
type HistorySink struct {
	Sink  TrackSink
	Store HistoryStore
	Log   *logging.Logger
}

func (h *HistorySink) SaveTrack(ctx context.Context, req SaveRequest) (*models.RecordedTrack, error) {
	rec, err := h.Sink.SaveTrack(ctx, req)
	if err != nil {
		return nil, err
	}

	var size int64
	if info, statErr := os.Stat(rec.FilePath); statErr == nil {
		size = info.Size()
	}

	dl := &models.Download{
		ChannelID:   req.ChannelID,
		ChannelName: req.ChannelName,
		Artist:      req.Track.Artist,
		Title:       req.Track.Title,
		Album:       req.Track.Album,
		TrackStart:  req.Track.StartedAt,
		DurationMS:  int64(req.KeepDuration * 1000),
		ImageURL:    req.Track.ImageURL,
		FilePath:    rec.FilePath,
		FileSize:    size,
		Status:      models.DownloadStatusCompleted,
		Approximate: rec.Approximate,
	}
	if err := h.Store.RecordCompleted(ctx, dl); err != nil {
		h.Log.WithError(err).WithTrack(req.Track.Artist, req.Track.Title).Warn("Failed to record track in history")
	}

	return rec, nil
}
