package hls

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultSegmentDuration is assumed when an EXTINF directive is missing
// or malformed. The service's live segments are consistently ~9.75s.
const DefaultSegmentDuration = 9.75

// Segment is one media segment referenced by a variant playlist, ordered by
// appearance (which is chronological). Immutable once parsed.
type Segment struct {
	URL       string
	Timestamp time.Time // program date-time; zero when the tag was absent
	Duration  float64   // seconds
}

// HasTimestamp reports whether the playlist carried a program date-time
// for this segment.
func (s Segment) HasTimestamp() bool {
	return !s.Timestamp.IsZero()
}

// End is the wall-clock instant the segment's audio ends.
func (s Segment) End() time.Time {
	return s.Timestamp.Add(time.Duration(s.Duration * float64(time.Second)))
}

// Filename is the segment's identity. Signed query-string tokens rotate
// between playlist fetches of the same physical segment, so URL equality
// cannot be used for dedup.
func (s Segment) Filename() string {
	u := s.URL
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	return path.Base(u)
}

// Playlist is the parsed form of a variant playlist.
type Playlist struct {
	Segments []Segment
	KeyURL   string
	BaseURL  string
	Duration float64 // sum of segment durations, seconds
}

// Variant is one entry of a master playlist.
type Variant struct {
	Quality   string
	Bandwidth int
	URI       string
}

var keyURIRe = regexp.MustCompile(`URI="([^"]+)"`)

// QualityForBandwidth maps a variant's bandwidth to the named quality tiers
// the service exposes.
func QualityForBandwidth(bandwidth int) string {
	switch {
	case bandwidth >= 250000:
		return "256k"
	case bandwidth >= 120000:
		return "128k"
	case bandwidth >= 60000:
		return "64k"
	default:
		return "32k"
	}
}

// ParseMasterPlaylist parses a master playlist and returns its variants
// sorted by descending bandwidth.
func ParseMasterPlaylist(text, masterURL string) ([]Variant, error) {
	base := basePath(masterURL)

	var variants []Variant
	var pendingBandwidth int
	havePending := false

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)

		if strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			pendingBandwidth = 0
			for _, attr := range strings.Split(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"), ",") {
				if v, ok := strings.CutPrefix(attr, "BANDWIDTH="); ok {
					if bw, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
						pendingBandwidth = bw
					}
				}
			}
			havePending = true
			continue
		}

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if havePending {
			variants = append(variants, Variant{
				Quality:   QualityForBandwidth(pendingBandwidth),
				Bandwidth: pendingBandwidth,
				URI:       resolveURL(base, line),
			})
			havePending = false
		}
	}

	if len(variants) == 0 {
		return nil, fmt.Errorf("no variants in master playlist")
	}

	sort.Slice(variants, func(i, j int) bool {
		return variants[i].Bandwidth > variants[j].Bandwidth
	})

	return variants, nil
}

// PickVariant selects the variant matching the requested quality, falling
// back to the highest-bandwidth variant when the quality is unknown or
// unavailable.
func PickVariant(variants []Variant, quality string) (Variant, error) {
	if len(variants) == 0 {
		return Variant{}, fmt.Errorf("no variants available")
	}
	for _, v := range variants {
		if v.Quality == quality {
			return v, nil
		}
	}
	return variants[0], nil
}

// ParseVariantPlaylist parses a variant playlist line by line. A program
// date-time directive attributes a timestamp to the next segment line, an
// EXTINF directive likewise attaches the duration, and the key directive's
// URI is captured once for the whole manifest.
func ParseVariantPlaylist(text, variantURL string) (*Playlist, error) {
	base := basePath(variantURL)

	pl := &Playlist{BaseURL: base}

	var currentTimestamp time.Time
	currentDuration := DefaultSegmentDuration

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"):
			raw := strings.TrimPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:")
			ts, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				currentTimestamp = time.Time{}
			} else {
				currentTimestamp = ts.UTC()
			}

		case strings.HasPrefix(line, "#EXTINF:"):
			raw := strings.TrimPrefix(line, "#EXTINF:")
			raw = strings.TrimSuffix(strings.SplitN(raw, ",", 2)[0], ",")
			d, err := strconv.ParseFloat(raw, 64)
			if err != nil || d <= 0 {
				currentDuration = DefaultSegmentDuration
			} else {
				currentDuration = d
			}

		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			if pl.KeyURL == "" {
				if m := keyURIRe.FindStringSubmatch(line); m != nil {
					pl.KeyURL = m[1]
				}
			}

		case line != "" && !strings.HasPrefix(line, "#"):
			pl.Segments = append(pl.Segments, Segment{
				URL:       resolveURL(base, line),
				Timestamp: currentTimestamp,
				Duration:  currentDuration,
			})
			pl.Duration += currentDuration
			currentTimestamp = time.Time{}
			currentDuration = DefaultSegmentDuration
		}
	}

	if len(pl.Segments) == 0 {
		return nil, fmt.Errorf("no segments in variant playlist")
	}

	return pl, nil
}

func basePath(rawURL string) string {
	if i := strings.LastIndexByte(rawURL, '/'); i >= 0 {
		return rawURL[:i+1]
	}
	return rawURL
}

func resolveURL(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return base + ref
}
