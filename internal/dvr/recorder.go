package dvr

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/archivexm/archivexm/internal/auth"
	"github.com/archivexm/archivexm/internal/hls"
	"github.com/archivexm/archivexm/internal/logging"
	"github.com/archivexm/archivexm/internal/metrics"
	"github.com/archivexm/archivexm/pkg/models"
)

const (
	// DefaultPollInterval is the playlist/schedule poll spacing. Segments
	// are ~10s, polling at half that never misses one.
	DefaultPollInterval = 5 * time.Second

	// stopTrackWaitMax is the longest remaining track time Stop will wait
	// out to finish the current track. Beyond it the partial is discarded.
	stopTrackWaitMax = 60 * time.Second

	// stopTrackWaitSlack pads the wait so the last segments reach the
	// playlist before the final save.
	stopTrackWaitSlack = 2 * time.Second

	// stopBudget bounds Stop end to end. The track-end wait and the loop
	// join share it, so a long wait leaves a shorter join before the loop
	// is hard-cancelled.
	stopBudget = 70 * time.Second

	// stopJoinMin is the least join time the loop gets for its final save
	// even after a full-length track-end wait.
	stopJoinMin = 5 * time.Second
)

var (
	// ErrAlreadyRecording is returned by Start while a session is active.
	ErrAlreadyRecording = errors.New("dvr: already recording")

	// ErrNotRecording is returned by Stop without an active session.
	ErrNotRecording = errors.New("dvr: not recording")
)

// ScheduleSource provides channel schedule and stream resolution.
type ScheduleSource interface {
	GetStreamURL(ctx context.Context, channelID, channelType string) (string, error)
	GetSchedule(ctx context.Context, channelID string, hoursBack int) ([]models.Track, error)
	CurrentTrack(ctx context.Context, channelID string) (*models.Track, error)
}

// PlaylistSource fetches and parses HLS playlists and keys.
type PlaylistSource interface {
	FetchSegments(ctx context.Context, masterURL, token, quality string) (*hls.Playlist, error)
	FetchKey(ctx context.Context, keyURL, token string) ([]byte, error)
}

// TokenProvider supplies upstream bearer tokens.
type TokenProvider interface {
	GetValidToken(ctx context.Context) (string, error)
}

// LeasePool accounts recorder streams against credential capacity.
type LeasePool interface {
	Acquire(ctx context.Context, streamKind, channelID string) (*auth.StreamGrant, error)
	Release(ctx context.Context, leaseID string) error
	Heartbeat(ctx context.Context, leaseID string) error
}

// session is the state of one recording run. All mutable state lives here
// rather than on the Recorder so a new Start never inherits leftovers.
type session struct {
	channelID   string
	channelName string
	leaseID     string
	masterURL   string
	key         []byte

	cancel   context.CancelFunc
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	mu        sync.Mutex
	startedAt time.Time

	// partialGrant names the track whose partial buffer may be saved at
	// stop, set when Stop waits out that track's remainder. A grant is
	// only honored while its track is still the current one.
	partialGrant *models.Track

	currentTrack *models.Track
	buffer       []hls.Segment
	seen         map[string]struct{}
	saved        []models.RecordedTrack
}

func (s *session) requestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Recorder records a channel's live stream, splitting the segment flow
// into one file per track at schedule boundaries.
type Recorder struct {
	schedule  ScheduleSource
	playlists PlaylistSource
	tokens    TokenProvider
	pool      LeasePool
	sink      TrackSink

	quality      string
	pollInterval time.Duration
	log          *logging.Logger

	mu   sync.Mutex
	sess *session
}

// NewRecorder creates a live recorder
func NewRecorder(schedule ScheduleSource, playlists PlaylistSource, tokens TokenProvider, pool LeasePool, sink TrackSink, quality string, pollInterval time.Duration, log *logging.Logger) *Recorder {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if quality == "" {
		quality = "256k"
	}
	return &Recorder{
		schedule:     schedule,
		playlists:    playlists,
		tokens:       tokens,
		pool:         pool,
		sink:         sink,
		quality:      quality,
		pollInterval: pollInterval,
		log:          log,
	}
}

// Start begins recording a channel. The session records from the live
// edge: segments already in the playlist are marked seen, except those
// belonging to the currently playing track, which is captured from its
// start when the DVR window still holds it.
func (r *Recorder) Start(ctx context.Context, channelID, channelName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess != nil {
		return ErrAlreadyRecording
	}

	grant, err := r.pool.Acquire(ctx, models.StreamKindRecording, channelID)
	if err != nil {
		return err
	}

	sess, err := r.openSession(ctx, channelID, channelName, grant.LeaseID)
	if err != nil {
		if rerr := r.pool.Release(ctx, grant.LeaseID); rerr != nil {
			r.log.WithError(rerr).Warn("Failed to release lease after start failure")
		}
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	r.sess = sess

	go r.loop(loopCtx, sess)

	r.log.WithChannelID(channelID).Info("Recording started")
	return nil
}

func (r *Recorder) openSession(ctx context.Context, channelID, channelName, leaseID string) (*session, error) {
	token, err := r.tokens.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}

	masterURL, err := r.schedule.GetStreamURL(ctx, channelID, "")
	if err != nil {
		return nil, err
	}

	playlist, err := r.playlists.FetchSegments(ctx, masterURL, token, r.quality)
	if err != nil {
		return nil, err
	}

	var key []byte
	if playlist.KeyURL != "" {
		key, err = r.playlists.FetchKey(ctx, playlist.KeyURL, token)
		if err != nil {
			return nil, err
		}
	}

	sess := &session{
		channelID:   channelID,
		channelName: channelName,
		leaseID:     leaseID,
		masterURL:   masterURL,
		key:         key,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		startedAt:   time.Now().UTC(),
		seen:        make(map[string]struct{}),
	}

	// Seed the seen set with everything already in the playlist, keeping
	// the current track's own segments so it is recorded whole.
	current, err := r.schedule.CurrentTrack(ctx, channelID)
	if err != nil {
		r.log.WithError(err).Warn("Failed to get current track, recording from live edge only")
	}

	var window Window
	if current != nil {
		sess.currentTrack = current
		window = ResolveWindow(*current, nil)
	}

	for _, seg := range playlist.Segments {
		if current != nil && seg.HasTimestamp() && seg.Timestamp.Before(window.End) && seg.End().After(window.Start) {
			sess.buffer = append(sess.buffer, seg)
		}
		sess.seen[seg.Filename()] = struct{}{}
	}

	return sess, nil
}

// Stop ends the recording. With waitForTrackEnd, the current track is
// allowed to finish first when it has at most a minute left, and the
// buffered partial is then saved; otherwise the partial is discarded. The
// wait and the loop join share one overall budget, after which the loop is
// hard-cancelled.
func (r *Recorder) Stop(ctx context.Context, waitForTrackEnd bool) ([]models.RecordedTrack, error) {
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()
	if sess == nil {
		return nil, ErrNotRecording
	}

	started := time.Now()
	if waitForTrackEnd {
		r.waitForTrackEnd(ctx, sess)
	}

	sess.requestStop()

	select {
	case <-sess.done:
	case <-time.After(joinBudget(time.Since(started))):
		r.log.Warn("Recording loop did not finish in time, cancelling")
		sess.cancel()
		select {
		case <-sess.done:
		case <-time.After(5 * time.Second):
		}
	}

	r.finishSession(sess)

	sess.mu.Lock()
	saved := append([]models.RecordedTrack(nil), sess.saved...)
	sess.mu.Unlock()

	r.log.WithChannelID(sess.channelID).Infof("Recording stopped, %d tracks saved", len(saved))
	return saved, nil
}

// joinBudget is how long Stop may wait for the loop to finish after
// already spending elapsed on the track-end wait.
func joinBudget(elapsed time.Duration) time.Duration {
	join := stopBudget - elapsed
	if join < stopJoinMin {
		join = stopJoinMin
	}
	return join
}

// ForceStop cancels the recording immediately without saving the buffer.
// Safe to call at any time, including with no active session.
func (r *Recorder) ForceStop() {
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()
	if sess == nil {
		return
	}

	sess.requestStop()
	sess.cancel()
	select {
	case <-sess.done:
	case <-time.After(5 * time.Second):
	}

	r.finishSession(sess)
	r.log.WithChannelID(sess.channelID).Warn("Recording force-stopped")
}

func (r *Recorder) waitForTrackEnd(ctx context.Context, sess *session) {
	current, err := r.schedule.CurrentTrack(ctx, sess.channelID)
	if err != nil || current == nil {
		return
	}

	remaining := time.Until(current.NominalEnd())
	if remaining <= 0 || remaining > stopTrackWaitMax {
		return
	}

	sess.mu.Lock()
	sess.partialGrant = current
	sess.mu.Unlock()

	r.log.Infof("Waiting %s for current track to finish", remaining.Round(time.Second))
	select {
	case <-time.After(remaining + stopTrackWaitSlack):
	case <-ctx.Done():
	}
}

func (r *Recorder) finishSession(sess *session) {
	sess.cancel()

	releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.pool.Release(releaseCtx, sess.leaseID); err != nil {
		r.log.WithError(err).Warn("Failed to release recording lease")
	}

	r.mu.Lock()
	if r.sess == sess {
		r.sess = nil
	}
	r.mu.Unlock()
}

// Status reports the current session, or Recording=false without one.
func (r *Recorder) Status() models.RecordingStatus {
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()
	if sess == nil {
		return models.RecordingStatus{}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	startedAt := sess.startedAt
	return models.RecordingStatus{
		Recording:        true,
		ChannelID:        sess.channelID,
		StartedAt:        &startedAt,
		ElapsedSeconds:   time.Since(sess.startedAt).Seconds(),
		TracksSaved:      len(sess.saved),
		SegmentsBuffered: len(sess.buffer),
		CurrentTrack:     sess.currentTrack,
	}
}

func (r *Recorder) loop(ctx context.Context, sess *session) {
	defer close(sess.done)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.stopCh:
			r.flushFinal(ctx, sess)
			return
		case <-ticker.C:
			started := time.Now()
			r.cycle(ctx, sess)
			metrics.RecorderCycleDuration.Observe(time.Since(started).Seconds())
		}
	}
}

// cycle is one poll: detect track changes, save the finished track, and
// pull new segments into the buffer.
func (r *Recorder) cycle(ctx context.Context, sess *session) {
	if err := r.pool.Heartbeat(ctx, sess.leaseID); err != nil {
		r.log.WithError(err).Warn("Failed to heartbeat recording lease")
	}

	current, err := r.schedule.CurrentTrack(ctx, sess.channelID)
	if err != nil {
		r.log.WithError(err).Warn("Failed to poll schedule")
	} else if current != nil {
		r.handleTrackChange(ctx, sess, current)
	}

	token, err := r.tokens.GetValidToken(ctx)
	if err != nil {
		r.log.WithError(err).Warn("Failed to get token for playlist poll")
		return
	}

	playlist, err := r.playlists.FetchSegments(ctx, sess.masterURL, token, r.quality)
	if err != nil {
		r.log.WithError(err).Warn("Failed to refresh playlist")
		return
	}

	sess.mu.Lock()
	added := 0
	for _, seg := range playlist.Segments {
		name := seg.Filename()
		if _, ok := sess.seen[name]; ok {
			continue
		}
		sess.seen[name] = struct{}{}
		sess.buffer = append(sess.buffer, seg)
		added++
	}
	buffered := len(sess.buffer)
	savedCount := len(sess.saved)
	sess.mu.Unlock()

	if added > 0 {
		r.log.LogRecorderCycle(sess.channelID, buffered, savedCount)
	}
}

// handleTrackChange saves the previous track's buffer when the schedule
// moves to a new track. Track identity is the start timestamp: titles
// repeat, start instants do not.
func (r *Recorder) handleTrackChange(ctx context.Context, sess *session, current *models.Track) {
	sess.mu.Lock()
	prev := sess.currentTrack
	if prev != nil && prev.SameAs(current) {
		sess.mu.Unlock()
		return
	}
	if prev == nil {
		// First successful schedule poll; the buffer may already hold
		// this track's earlier segments, keep it.
		sess.currentTrack = current
		sess.mu.Unlock()
		return
	}
	buffer := sess.buffer
	sess.buffer = nil
	sess.currentTrack = current
	sess.mu.Unlock()

	if len(buffer) == 0 {
		return
	}

	r.log.WithTrack(current.Artist, current.Title).Info("Track change")
	r.saveBuffer(ctx, sess, *prev, buffer, &current.StartedAt)
}

// flushFinal handles the buffered partial at graceful stop: saved when the
// stop waited out the current track's end, discarded otherwise. A grant
// issued for an earlier track does not carry over: once the schedule has
// moved on, that track was already saved by the track-change path and the
// buffer holds the successor's opening seconds.
func (r *Recorder) flushFinal(ctx context.Context, sess *session) {
	sess.mu.Lock()
	track := sess.currentTrack
	buffer := sess.buffer
	sess.buffer = nil
	grant := sess.partialGrant
	sess.mu.Unlock()

	if track == nil || len(buffer) == 0 {
		return
	}
	if !grant.SameAs(track) {
		metrics.PartialTracksDiscarded.Inc()
		r.log.WithTrack(track.Artist, track.Title).Infof("Discarding partial track (%d segments)", len(buffer))
		return
	}
	r.saveBuffer(ctx, sess, *track, buffer, nil)
}

func (r *Recorder) saveBuffer(ctx context.Context, sess *session, track models.Track, buffer []hls.Segment, nextStart *time.Time) {
	token, err := r.tokens.GetValidToken(ctx)
	if err != nil {
		r.log.WithError(err).Error("Failed to get token for track save")
		return
	}

	window := ResolveWindow(track, nextStart)

	segments := SegmentsInWindow(buffer, window)
	approximate := false
	if len(segments) == 0 {
		r.log.WithTrack(track.Artist, track.Title).Warn("No buffered segments matched by timestamp, estimating from buffer tail")
		segments = FallbackSegments(buffer, window.Duration())
		approximate = true
	}
	if len(segments) == 0 {
		return
	}

	startOffset, keep := TrimOffsets(segments, window)
	if approximate {
		startOffset, keep = 0, window.Duration().Seconds()
	}

	saved, err := r.sink.SaveTrack(ctx, SaveRequest{
		ChannelID:    sess.channelID,
		ChannelName:  sess.channelName,
		Track:        track,
		Segments:     segments,
		Key:          sess.key,
		Token:        token,
		StartOffset:  startOffset,
		KeepDuration: keep,
		Approximate:  approximate,
	})
	if err != nil {
		r.log.WithTrack(track.Artist, track.Title).ErrorWithErr("Failed to save track", err)
		return
	}

	sess.mu.Lock()
	sess.saved = append(sess.saved, *saved)
	sess.mu.Unlock()
}
