package models

import "time"

// Track is one entry from the channel schedule feed. StartedAt carries
// millisecond precision; the feed never reports an end time, so the effective
// end must be inferred from the following track's start when one is known.
type Track struct {
	Artist    string        `json:"artist"`
	Title     string        `json:"title"`
	Album     string        `json:"album,omitempty"`
	StartedAt time.Time     `json:"timestamp_utc"`
	Duration  time.Duration `json:"duration"`
	ImageURL  string        `json:"image_url,omitempty"`
}

// SameAs reports whether two schedule entries describe the same play. The
// start timestamp is the only stable identity the feed provides.
func (t *Track) SameAs(other *Track) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.StartedAt.Equal(other.StartedAt)
}

// NominalEnd is the track end implied by the feed's own duration field.
func (t *Track) NominalEnd() time.Time {
	return t.StartedAt.Add(t.Duration)
}
