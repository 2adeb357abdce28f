package hls

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualityForBandwidth(t *testing.T) {
	tests := []struct {
		name      string
		bandwidth int
		want      string
	}{
		{"high tier", 256000, "256k"},
		{"high tier boundary", 250000, "256k"},
		{"mid tier", 128000, "128k"},
		{"mid tier boundary", 120000, "128k"},
		{"low tier", 64000, "64k"},
		{"low tier boundary", 60000, "64k"},
		{"floor tier", 32000, "32k"},
		{"zero", 0, "32k"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, QualityForBandwidth(tt.bandwidth))
		})
	}
}

func TestParseMasterPlaylist(t *testing.T) {
	text := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=64000,CODECS="mp4a.40.2"
64k/playlist.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=256000,CODECS="mp4a.40.2"
256k/playlist.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=128000,CODECS="mp4a.40.2"
128k/playlist.m3u8
`

	variants, err := ParseMasterPlaylist(text, "https://cdn.example.com/ch/master.m3u8")
	require.NoError(t, err)
	require.Len(t, variants, 3)

	// Sorted by descending bandwidth
	assert.Equal(t, "256k", variants[0].Quality)
	assert.Equal(t, 256000, variants[0].Bandwidth)
	assert.Equal(t, "https://cdn.example.com/ch/256k/playlist.m3u8", variants[0].URI)
	assert.Equal(t, "128k", variants[1].Quality)
	assert.Equal(t, "64k", variants[2].Quality)
}

func TestParseMasterPlaylistEmpty(t *testing.T) {
	_, err := ParseMasterPlaylist("#EXTM3U\n", "https://cdn.example.com/master.m3u8")
	assert.Error(t, err)
}

func TestPickVariant(t *testing.T) {
	variants := []Variant{
		{Quality: "256k", Bandwidth: 256000, URI: "a"},
		{Quality: "128k", Bandwidth: 128000, URI: "b"},
	}

	v, err := PickVariant(variants, "128k")
	require.NoError(t, err)
	assert.Equal(t, "b", v.URI)

	// Unknown quality falls back to highest bandwidth
	v, err = PickVariant(variants, "320k")
	require.NoError(t, err)
	assert.Equal(t, "a", v.URI)

	_, err = PickVariant(nil, "256k")
	assert.Error(t, err)
}

func TestParseVariantPlaylist(t *testing.T) {
	text := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-KEY:METHOD=AES-128,URI="https://api.example.com/key/1"
#EXT-X-PROGRAM-DATE-TIME:2026-01-15T10:00:00.000Z
#EXTINF:9.75,
seg_0001.aac?token=abc
#EXT-X-PROGRAM-DATE-TIME:2026-01-15T10:00:09.750Z
#EXTINF:9.75,
seg_0002.aac?token=abc
#EXTINF:4.25,
seg_0003.aac?token=abc
`

	pl, err := ParseVariantPlaylist(text, "https://cdn.example.com/ch/256k/playlist.m3u8")
	require.NoError(t, err)
	require.Len(t, pl.Segments, 3)

	assert.Equal(t, "https://api.example.com/key/1", pl.KeyURL)
	assert.InDelta(t, 23.75, pl.Duration, 0.001)

	first := pl.Segments[0]
	assert.Equal(t, "https://cdn.example.com/ch/256k/seg_0001.aac?token=abc", first.URL)
	assert.True(t, first.HasTimestamp())
	assert.Equal(t, time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC), first.Timestamp)
	assert.Equal(t, 9.75, first.Duration)
	assert.Equal(t, "seg_0001.aac", first.Filename())

	// Third segment had no date-time directive of its own
	third := pl.Segments[2]
	assert.False(t, third.HasTimestamp())
	assert.Equal(t, 4.25, third.Duration)
}

func TestParseVariantPlaylistDefaultDuration(t *testing.T) {
	text := `#EXTM3U
seg_0001.aac
#EXTINF:bogus,
seg_0002.aac
`

	pl, err := ParseVariantPlaylist(text, "https://cdn.example.com/playlist.m3u8")
	require.NoError(t, err)
	require.Len(t, pl.Segments, 2)

	assert.Equal(t, DefaultSegmentDuration, pl.Segments[0].Duration)
	assert.Equal(t, DefaultSegmentDuration, pl.Segments[1].Duration)
}

func TestParseVariantPlaylistEmpty(t *testing.T) {
	_, err := ParseVariantPlaylist("#EXTM3U\n#EXT-X-ENDLIST\n", "https://cdn.example.com/playlist.m3u8")
	assert.Error(t, err)
}

func TestSegmentEnd(t *testing.T) {
	seg := Segment{
		Timestamp: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
		Duration:  9.75,
	}
	assert.Equal(t, time.Date(2026, 1, 15, 10, 0, 9, 750000000, time.UTC), seg.End())
}
