package dvr

import (
	"math"
	"time"

	"github.com/archivexm/archivexm/internal/hls"
	"github.com/archivexm/archivexm/pkg/models"
)

// Window is the wall-clock span of audio belonging to one track.
type Window struct {
	Start time.Time
	End   time.Time

	// Approximate is set when the window had to be estimated because no
	// segment timestamps lined up with the schedule.
	Approximate bool
}

// Duration is the window's length.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// ResolveWindow computes a track's window. The next track's start, when
// known, beats the schedule's advertised duration: the feed's duration
// field routinely overshoots the real gap between tracks.
func ResolveWindow(track models.Track, nextStart *time.Time) Window {
	end := track.NominalEnd()
	if nextStart != nil && nextStart.After(track.StartedAt) {
		end = *nextStart
	}
	return Window{Start: track.StartedAt, End: end}
}

// SegmentsInWindow returns the segments overlapping the window, in
// playlist order. A segment belongs to the window when any part of it
// does; untimestamped segments cannot be placed and are skipped.
func SegmentsInWindow(segments []hls.Segment, w Window) []hls.Segment {
	var out []hls.Segment
	for _, seg := range segments {
		if !seg.HasTimestamp() {
			continue
		}
		if seg.Timestamp.Before(w.End) && seg.End().After(w.Start) {
			out = append(out, seg)
		}
	}
	return out
}

// FallbackSegments estimates a track's segments when none could be matched
// by timestamp: the last ceil(duration/segment)+2 playlist segments, which
// for a just-finished track is where its audio sits. Results carry no
// timing guarantee, so callers must mark the result approximate.
func FallbackSegments(segments []hls.Segment, duration time.Duration) []hls.Segment {
	if len(segments) == 0 {
		return nil
	}
	n := int(math.Ceil(duration.Seconds()/hls.DefaultSegmentDuration)) + 2
	if n < 1 {
		n = 1
	}
	if n > len(segments) {
		n = len(segments)
	}
	return segments[len(segments)-n:]
}

// TrimOffsets computes the encode trim for a window given its matched
// segments: how far into the concatenated audio the track starts, and how
// many seconds to keep. With no usable first timestamp there is nothing to
// anchor a cut to and the audio is kept whole.
func TrimOffsets(segments []hls.Segment, w Window) (startOffset, keep float64) {
	keep = w.Duration().Seconds()
	if keep < 0 {
		keep = 0
	}
	if len(segments) == 0 || !segments[0].HasTimestamp() {
		return 0, keep
	}
	if w.Start.After(segments[0].Timestamp) {
		startOffset = w.Start.Sub(segments[0].Timestamp).Seconds()
	}
	return startOffset, keep
}
