package dvr

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/archivexm/archivexm/internal/hls"
	"github.com/archivexm/archivexm/internal/logging"
	"github.com/archivexm/archivexm/internal/metrics"
	"github.com/archivexm/archivexm/pkg/models"
)

// trackMatchTolerance is how close two schedule timestamps must be to
// refer to the same track.
const trackMatchTolerance = 2 * time.Second

// scheduleLookbackHours is the deepest schedule fetch used to locate a
// downloaded track's successor.
const scheduleLookbackHours = 5

// DownloadStore persists per-download status transitions.
type DownloadStore interface {
	MarkDownloading(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, filePath string, fileSize int64, approximate bool) error
	MarkFailed(ctx context.Context, id, errMsg string) error
}

// Downloader pulls already-played tracks out of the channel's DVR buffer.
type Downloader struct {
	schedule  ScheduleSource
	playlists PlaylistSource
	tokens    TokenProvider
	pool      LeasePool
	sink      TrackSink
	store     DownloadStore
	quality   string
	log       *logging.Logger
}

// NewDownloader creates a catch-up downloader
func NewDownloader(schedule ScheduleSource, playlists PlaylistSource, tokens TokenProvider, pool LeasePool, sink TrackSink, store DownloadStore, quality string, log *logging.Logger) *Downloader {
	if quality == "" {
		quality = "256k"
	}
	return &Downloader{
		schedule:  schedule,
		playlists: playlists,
		tokens:    tokens,
		pool:      pool,
		sink:      sink,
		store:     store,
		quality:   quality,
		log:       log,
	}
}

// DownloadTrack downloads a single track from the DVR buffer. When the
// schedule knows the following track, its start timestamp overrides the
// feed's advertised duration.
func (d *Downloader) DownloadTrack(ctx context.Context, dl models.Download) error {
	started := time.Now()

	grant, err := d.pool.Acquire(ctx, models.StreamKindDownload, dl.ChannelID)
	if err != nil {
		return d.fail(ctx, dl.ID, err)
	}
	defer d.releaseLease(grant.LeaseID)

	if err := d.store.MarkDownloading(ctx, dl.ID); err != nil {
		d.log.WithError(err).Warn("Failed to mark download as downloading")
	}

	token, playlist, key, err := d.openPlaylist(ctx, dl.ChannelID)
	if err != nil {
		return d.fail(ctx, dl.ID, err)
	}

	track := trackFromDownload(dl)
	nextStart := d.nextTrackStart(ctx, dl.ChannelID, track.StartedAt)

	if err := d.downloadOne(ctx, dl, track, nextStart, token, playlist, key); err != nil {
		metrics.DownloadsTotal.WithLabelValues("failure").Inc()
		return d.fail(ctx, dl.ID, err)
	}

	metrics.DownloadsTotal.WithLabelValues("success").Inc()
	metrics.DownloadDuration.Observe(time.Since(started).Seconds())
	return nil
}

// DownloadBulk downloads many tracks from one channel. The playlist and
// key are fetched once; tracks are sorted by start time so each track's
// effective duration can come from the gap to the one after it.
func (d *Downloader) DownloadBulk(ctx context.Context, job models.DownloadJob) (successful, failed int, err error) {
	if len(job.DownloadIDs) != len(job.Tracks) {
		return 0, 0, fmt.Errorf("download IDs and tracks mismatched: %d vs %d", len(job.DownloadIDs), len(job.Tracks))
	}

	grant, err := d.pool.Acquire(ctx, models.StreamKindDownload, job.ChannelID)
	if err != nil {
		return 0, 0, err
	}
	defer d.releaseLease(grant.LeaseID)

	token, playlist, key, err := d.openPlaylist(ctx, job.ChannelID)
	if err != nil {
		return 0, 0, err
	}

	type item struct {
		id    string
		track models.Track
	}
	items := make([]item, len(job.Tracks))
	for i := range job.Tracks {
		items[i] = item{id: job.DownloadIDs[i], track: job.Tracks[i]}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].track.StartedAt.Before(items[j].track.StartedAt)
	})

	d.log.WithChannelID(job.ChannelID).Infof("Starting bulk download of %d tracks", len(items))

	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return successful, failed, err
		}

		if err := d.store.MarkDownloading(ctx, it.id); err != nil {
			d.log.WithError(err).Warn("Failed to mark download as downloading")
		}

		var nextStart *time.Time
		if i+1 < len(items) {
			ts := items[i+1].track.StartedAt
			nextStart = &ts
		}

		dl := models.Download{
			ID:          it.id,
			ChannelID:   job.ChannelID,
			ChannelName: job.ChannelName,
		}
		if err := d.downloadOne(ctx, dl, it.track, nextStart, token, playlist, key); err != nil {
			d.log.WithTrack(it.track.Artist, it.track.Title).ErrorWithErr("Bulk item failed", err)
			metrics.DownloadsTotal.WithLabelValues("failure").Inc()
			if err := d.fail(ctx, it.id, err); err != nil {
				d.log.WithError(err).Warn("Failed to record download failure")
			}
			failed++
			continue
		}
		metrics.DownloadsTotal.WithLabelValues("success").Inc()
		successful++
	}

	d.log.WithChannelID(job.ChannelID).Infof("Bulk download complete: %d successful, %d failed", successful, failed)
	return successful, failed, nil
}

func (d *Downloader) downloadOne(ctx context.Context, dl models.Download, track models.Track, nextStart *time.Time, token string, playlist *hls.Playlist, key []byte) error {
	window := ResolveWindow(track, nextStart)

	segments := SegmentsInWindow(playlist.Segments, window)
	approximate := false
	if len(segments) == 0 {
		d.log.WithTrack(track.Artist, track.Title).Warn("No segments matched by timestamp, estimating from playlist tail")
		segments = FallbackSegments(playlist.Segments, window.Duration())
		approximate = true
	}
	if len(segments) == 0 {
		return fmt.Errorf("no segments available for track window")
	}

	startOffset, keep := TrimOffsets(segments, window)
	if approximate {
		startOffset, keep = 0, window.Duration().Seconds()
	}

	saved, err := d.sink.SaveTrack(ctx, SaveRequest{
		ChannelID:    dl.ChannelID,
		ChannelName:  dl.ChannelName,
		Track:        track,
		Segments:     segments,
		Key:          key,
		Token:        token,
		StartOffset:  startOffset,
		KeepDuration: keep,
		Approximate:  approximate,
	})
	if err != nil {
		return err
	}

	var size int64
	if info, statErr := os.Stat(saved.FilePath); statErr == nil {
		size = info.Size()
	}
	return d.store.MarkCompleted(ctx, dl.ID, saved.FilePath, size, approximate)
}

// openPlaylist resolves the variant playlist and decryption key once.
func (d *Downloader) openPlaylist(ctx context.Context, channelID string) (string, *hls.Playlist, []byte, error) {
	token, err := d.tokens.GetValidToken(ctx)
	if err != nil {
		return "", nil, nil, err
	}

	masterURL, err := d.schedule.GetStreamURL(ctx, channelID, "")
	if err != nil {
		return "", nil, nil, err
	}

	playlist, err := d.playlists.FetchSegments(ctx, masterURL, token, d.quality)
	if err != nil {
		return "", nil, nil, err
	}
	if playlist.KeyURL == "" {
		return "", nil, nil, fmt.Errorf("playlist has no decryption key")
	}

	key, err := d.playlists.FetchKey(ctx, playlist.KeyURL, token)
	if err != nil {
		return "", nil, nil, err
	}

	return token, playlist, key, nil
}

// nextTrackStart finds when the track after startedAt began, if the
// schedule still holds it.
func (d *Downloader) nextTrackStart(ctx context.Context, channelID string, startedAt time.Time) *time.Time {
	tracks, err := d.schedule.GetSchedule(ctx, channelID, scheduleLookbackHours)
	if err != nil {
		d.log.WithError(err).Debug("Could not fetch schedule for next-track duration")
		return nil
	}

	sort.Slice(tracks, func(i, j int) bool {
		return tracks[i].StartedAt.Before(tracks[j].StartedAt)
	})

	for i, track := range tracks {
		diff := track.StartedAt.Sub(startedAt)
		if diff < 0 {
			diff = -diff
		}
		if diff < trackMatchTolerance && i+1 < len(tracks) {
			ts := tracks[i+1].StartedAt
			return &ts
		}
	}
	return nil
}

func (d *Downloader) fail(ctx context.Context, id string, cause error) error {
	msg := cause.Error()
	if len(msg) > 100 {
		msg = msg[:100]
	}
	if err := d.store.MarkFailed(ctx, id, msg); err != nil {
		d.log.WithError(err).Warn("Failed to record download failure")
	}
	return cause
}

func (d *Downloader) releaseLease(leaseID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.pool.Release(ctx, leaseID); err != nil {
		d.log.WithError(err).Warn("Failed to release download lease")
	}
}

func trackFromDownload(dl models.Download) models.Track {
	return models.Track{
		Artist:    dl.Artist,
		Title:     dl.Title,
		Album:     dl.Album,
		StartedAt: dl.TrackStart,
		Duration:  time.Duration(dl.DurationMS) * time.Millisecond,
		ImageURL:  dl.ImageURL,
	}
}
