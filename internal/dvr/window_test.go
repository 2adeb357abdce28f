package dvr

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archivexm/archivexm/internal/hls"
	"github.com/archivexm/archivexm/pkg/models"
)

var windowBase = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

// segmentRun builds n consecutive segments starting at start.
func segmentRun(start time.Time, n int) []hls.Segment {
	segs := make([]hls.Segment, n)
	for i := range segs {
		segs[i] = hls.Segment{
			URL:       fmt.Sprintf("https://cdn.example.com/seg_%04d.aac", i),
			Timestamp: start.Add(time.Duration(float64(i) * hls.DefaultSegmentDuration * float64(time.Second))),
			Duration:  hls.DefaultSegmentDuration,
		}
	}
	return segs
}

// untimestampedSegments builds n segments without program date-times.
func untimestampedSegments(n int) []hls.Segment {
	segs := make([]hls.Segment, n)
	for i := range segs {
		segs[i] = hls.Segment{
			URL:      fmt.Sprintf("https://cdn.example.com/seg_%04d.aac", i),
			Duration: hls.DefaultSegmentDuration,
		}
	}
	return segs
}

func TestResolveWindowNextTrackWins(t *testing.T) {
	track := models.Track{
		StartedAt: windowBase,
		Duration:  300 * time.Second, // feed says 5:00
	}

	// The next track actually started at 4:44
	nextStart := windowBase.Add(284 * time.Second)
	w := ResolveWindow(track, &nextStart)
	assert.Equal(t, windowBase, w.Start)
	assert.Equal(t, nextStart, w.End)
	assert.Equal(t, 284*time.Second, w.Duration())
}

func TestResolveWindowFallsBackToDuration(t *testing.T) {
	track := models.Track{StartedAt: windowBase, Duration: 185 * time.Second}

	w := ResolveWindow(track, nil)
	assert.Equal(t, windowBase.Add(185*time.Second), w.End)

	// A next start at or before the track start is bogus and ignored
	bogus := windowBase.Add(-time.Minute)
	w = ResolveWindow(track, &bogus)
	assert.Equal(t, windowBase.Add(185*time.Second), w.End)
}

func TestSegmentsInWindow(t *testing.T) {
	segs := segmentRun(windowBase, 40) // 6.5 minutes of audio

	w := Window{
		Start: windowBase.Add(60 * time.Second),
		End:   windowBase.Add(120 * time.Second),
	}

	matched := SegmentsInWindow(segs, w)
	require.NotEmpty(t, matched)

	// Boundary segments that only partially overlap are included
	first := matched[0]
	last := matched[len(matched)-1]
	assert.True(t, first.End().After(w.Start))
	assert.True(t, first.Timestamp.Before(w.Start.Add(time.Duration(hls.DefaultSegmentDuration*float64(time.Second)))))
	assert.True(t, last.Timestamp.Before(w.End))
	assert.True(t, last.End().After(w.End) || last.End().Equal(w.End))

	// Matching is idempotent: same window, same segments
	again := SegmentsInWindow(segs, w)
	assert.Equal(t, matched, again)
}

func TestSegmentsInWindowSkipsUntimestamped(t *testing.T) {
	segs := []hls.Segment{
		{URL: "a.aac", Duration: hls.DefaultSegmentDuration}, // no timestamp
		{URL: "b.aac", Timestamp: windowBase, Duration: hls.DefaultSegmentDuration},
	}

	w := Window{Start: windowBase, End: windowBase.Add(time.Minute)}
	matched := SegmentsInWindow(segs, w)
	require.Len(t, matched, 1)
	assert.Equal(t, "b.aac", matched[0].URL)
}

func TestSegmentsInWindowNoOverlap(t *testing.T) {
	segs := segmentRun(windowBase, 10)

	w := Window{
		Start: windowBase.Add(time.Hour),
		End:   windowBase.Add(time.Hour + time.Minute),
	}
	assert.Empty(t, SegmentsInWindow(segs, w))
}

func TestFallbackSegments(t *testing.T) {
	segs := segmentRun(windowBase, 100)

	// ceil(224 / 9.75) + 2 = 25
	got := FallbackSegments(segs, 224*time.Second)
	require.Len(t, got, 25)
	assert.Equal(t, segs[75].URL, got[0].URL, "fallback takes the newest segments")

	// Short playlists are returned whole
	short := segmentRun(windowBase, 3)
	assert.Len(t, FallbackSegments(short, 224*time.Second), 3)

	assert.Nil(t, FallbackSegments(nil, time.Minute))
}

func TestTrimOffsets(t *testing.T) {
	segs := segmentRun(windowBase, 30)

	// Track starts 3.5s into the first matched segment
	w := Window{
		Start: segs[0].Timestamp.Add(3500 * time.Millisecond),
		End:   segs[0].Timestamp.Add(3500*time.Millisecond + 224*time.Second),
	}

	startOffset, keep := TrimOffsets(segs, w)
	assert.InDelta(t, 3.5, startOffset, 0.001)
	assert.InDelta(t, 224.0, keep, 0.001)
}

func TestTrimOffsetsNoTimestamps(t *testing.T) {
	segs := []hls.Segment{{URL: "a.aac", Duration: hls.DefaultSegmentDuration}}
	w := Window{Start: windowBase, End: windowBase.Add(200 * time.Second)}

	startOffset, keep := TrimOffsets(segs, w)
	assert.Zero(t, startOffset)
	assert.InDelta(t, 200.0, keep, 0.001)
}

func TestTrimOffsetsTrackBeforeFirstSegment(t *testing.T) {
	segs := segmentRun(windowBase, 5)

	// Track started before the oldest buffered segment, nothing to skip
	w := Window{Start: windowBase.Add(-30 * time.Second), End: windowBase.Add(180 * time.Second)}
	startOffset, _ := TrimOffsets(segs, w)
	assert.Zero(t, startOffset)
}
