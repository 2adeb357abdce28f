package models

import "time"

// RecordedTrack is one track the live recorder has finished and written out.
type RecordedTrack struct {
	Artist      string    `json:"artist"`
	Title       string    `json:"title"`
	FilePath    string    `json:"file_path"`
	Approximate bool      `json:"approximate,omitempty"`
	SavedAt     time.Time `json:"saved_at"`
}

// RecordingStatus is a read-only snapshot of the live recorder.
type RecordingStatus struct {
	Recording        bool       `json:"recording"`
	ChannelID        string     `json:"channel_id,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	ElapsedSeconds   float64    `json:"elapsed_seconds,omitempty"`
	TracksSaved      int        `json:"tracks_saved"`
	SegmentsBuffered int        `json:"segments_buffered,omitempty"`
	CurrentTrack     *Track     `json:"current_track,omitempty"`
}
