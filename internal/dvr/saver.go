package dvr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/sync/errgroup"

	"github.com/archivexm/archivexm/internal/encoder"
	"github.com/archivexm/archivexm/internal/hls"
	"github.com/archivexm/archivexm/internal/logging"
	"github.com/archivexm/archivexm/internal/metrics"
	"github.com/archivexm/archivexm/internal/upstream"
	"github.com/archivexm/archivexm/pkg/models"
)

// segmentFetchConcurrency bounds parallel segment downloads per track.
const segmentFetchConcurrency = 4

// SegmentFetcher downloads one encrypted segment.
type SegmentFetcher interface {
	FetchSegment(ctx context.Context, segmentURL, token string) ([]byte, error)
}

// Uploader archives a finished track to object storage.
type Uploader interface {
	UploadTrack(ctx context.Context, localPath, objectName string) error
}

// SaveRequest is one track's worth of buffered segments plus everything
// needed to turn it into a tagged m4a.
type SaveRequest struct {
	ChannelID   string
	ChannelName string
	Track       models.Track
	Segments    []hls.Segment
	Key         []byte
	Token       string

	// Trim applied after concatenation; zero values keep all audio.
	StartOffset  float64
	KeepDuration float64

	Approximate bool
}

// TrackSink consumes finished tracks.
type TrackSink interface {
	SaveTrack(ctx context.Context, req SaveRequest) (*models.RecordedTrack, error)
}

// TrackSaver writes tracks to the library: fetch the segments, decrypt
// them in batch order, concatenate, re-encode with trimming, tag, and move
// the result into place atomically so a cancelled save never leaves a
// half-written file in the library.
type TrackSaver struct {
	segments SegmentFetcher
	encoder  *encoder.Encoder
	covers   *upstream.Client
	outputDir string
	tempDir   string
	uploader  Uploader // nil disables archive upload
	log       *logging.Logger
}

// NewTrackSaver creates a track saver. uploader may be nil.
func NewTrackSaver(segments SegmentFetcher, enc *encoder.Encoder, outputDir, tempDir string, uploader Uploader, log *logging.Logger) *TrackSaver {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &TrackSaver{
		segments:  segments,
		encoder:   enc,
		covers:    upstream.NewClient(10*time.Second, ""),
		outputDir: outputDir,
		tempDir:   tempDir,
		uploader:  uploader,
		log:       log,
	}
}

// SaveTrack implements TrackSink.
func (s *TrackSaver) SaveTrack(ctx context.Context, req SaveRequest) (*models.RecordedTrack, error) {
	if len(req.Segments) == 0 {
		return nil, fmt.Errorf("no segments to save")
	}
	if len(req.Key) == 0 {
		return nil, fmt.Errorf("no decryption key")
	}

	log := s.log.WithChannelID(req.ChannelID).WithTrack(req.Track.Artist, req.Track.Title)

	workDir, err := os.MkdirTemp(s.tempDir, "track-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	concatPath, err := s.fetchAndDecrypt(ctx, req, workDir, log)
	if err != nil {
		return nil, err
	}

	finalPath := s.trackPath(req)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	encodedPath := filepath.Join(workDir, "track.m4a")
	if err := s.encoder.Encode(ctx, concatPath, encodedPath, req.StartOffset, req.KeepDuration); err != nil {
		return nil, fmt.Errorf("failed to encode track: %w", err)
	}

	if err := s.encoder.Tag(ctx, encodedPath, req.Track, s.fetchCover(ctx, req.Track.ImageURL, workDir)); err != nil {
		log.WithError(err).Warn("Failed to tag track, keeping untagged audio")
	}

	if err := placeAtomically(encodedPath, finalPath); err != nil {
		return nil, fmt.Errorf("failed to place track: %w", err)
	}

	metrics.TracksSavedTotal.WithLabelValues(req.ChannelID).Inc()
	log.LogTrackSaved(req.Track.Artist, req.Track.Title, finalPath, req.Track.Duration)

	if s.uploader != nil {
		objectName, _ := filepath.Rel(s.outputDir, finalPath)
		if err := s.uploader.UploadTrack(ctx, finalPath, filepath.ToSlash(objectName)); err != nil {
			log.WithError(err).Warn("Failed to upload track to archive storage")
		}
	}

	return &models.RecordedTrack{
		Artist:      req.Track.Artist,
		Title:       req.Track.Title,
		FilePath:    finalPath,
		Approximate: req.Approximate,
		SavedAt:     time.Now().UTC(),
	}, nil
}

// fetchAndDecrypt downloads all segments concurrently, decrypts them in
// batch order and writes the concatenated audio to a file in workDir.
// The decryption IV is each segment's position in this batch, so order is
// fixed at fetch time and unfetchable segments are skipped rather than
// compacted out.
func (s *TrackSaver) fetchAndDecrypt(ctx context.Context, req SaveRequest, workDir string, log *logging.Logger) (string, error) {
	data := make([][]byte, len(req.Segments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(segmentFetchConcurrency)
	for i, seg := range req.Segments {
		i, seg := i, seg
		g.Go(func() error {
			body, err := s.segments.FetchSegment(gctx, seg.URL, req.Token)
			if err != nil {
				log.WithError(err).Warnf("Failed to fetch segment %d, skipping", i)
				return nil
			}
			data[i] = body
			metrics.SegmentsFetchedTotal.WithLabelValues(req.ChannelID).Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	concatPath := filepath.Join(workDir, "concat.aac")
	out, err := os.Create(concatPath)
	if err != nil {
		return "", fmt.Errorf("failed to create concat file: %w", err)
	}
	defer out.Close()

	written := 0
	for i, encrypted := range data {
		if encrypted == nil {
			continue
		}
		plain, err := hls.DecryptSegment(encrypted, req.Key, i)
		if err != nil {
			if errors.Is(err, hls.ErrBadPadding) {
				log.Warnf("Segment %d undecryptable, skipping", i)
				continue
			}
			return "", fmt.Errorf("failed to decrypt segment %d: %w", i, err)
		}
		if _, err := out.Write(plain); err != nil {
			return "", fmt.Errorf("failed to write segment: %w", err)
		}
		written++
	}
	if written == 0 {
		return "", fmt.Errorf("no segments could be fetched and decrypted")
	}

	return concatPath, nil
}

// fetchCover downloads the track's cover art into workDir, returning ""
// when there is none or the download fails. Covers are best effort.
func (s *TrackSaver) fetchCover(ctx context.Context, imageURL, workDir string) string {
	if imageURL == "" {
		return ""
	}

	body, err := s.covers.Get(ctx, imageURL, "")
	if err != nil {
		s.log.WithError(err).Debug("Failed to download cover art")
		return ""
	}

	coverPath := filepath.Join(workDir, "cover.jpg")
	if err := os.WriteFile(coverPath, body, 0o644); err != nil {
		return ""
	}
	return coverPath
}

// trackPath builds <outputDir>/<station>/<YYYY-MM-DD>/<artist> - <title>.m4a
// with the date taken from the track's start, not the save time.
func (s *TrackSaver) trackPath(req SaveRequest) string {
	station := SanitizeFilename(req.ChannelName)
	if station == "" {
		station = "Unknown"
	}

	date := req.Track.StartedAt
	if date.IsZero() {
		date = time.Now().UTC()
	}

	artist := SanitizeFilename(req.Track.Artist)
	title := SanitizeFilename(req.Track.Title)
	if artist == "" {
		artist = "Unknown"
	}
	if title == "" {
		title = "Unknown"
	}

	return filepath.Join(s.outputDir, station, date.Format("2006-01-02"), artist+" - "+title+".m4a")
}

// placeAtomically moves src into dst so dst never exists half-written.
func placeAtomically(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	pending, err := renameio.TempFile(filepath.Dir(dst), dst)
	if err != nil {
		return err
	}
	defer pending.Cleanup()

	if _, err := io.Copy(pending, in); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}

// SanitizeFilename strips characters that are invalid in file names and
// bounds the length.
func SanitizeFilename(name string) string {
	const invalid = `<>:"/\|?*`
	out := strings.Map(func(r rune) rune {
		if strings.ContainsRune(invalid, r) {
			return '_'
		}
		return r
	}, name)
	if len(out) > 100 {
		out = out[:100]
	}
	return strings.TrimSpace(out)
}
