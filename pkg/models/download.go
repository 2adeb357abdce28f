package models

import "time"

// Download status constants.
const (
	DownloadStatusPending     = "pending"
	DownloadStatusDownloading = "downloading"
	DownloadStatusCompleted   = "completed"
	DownloadStatusFailed      = "failed"
)

// Download is one archived-track request and its outcome.
type Download struct {
	ID           string    `json:"id" db:"id"`
	ChannelID    string    `json:"channel_id" db:"channel_id"`
	ChannelName  string    `json:"channel_name" db:"channel_name"`
	Artist       string    `json:"artist" db:"artist"`
	Title        string    `json:"title" db:"title"`
	Album        string    `json:"album,omitempty" db:"album"`
	TrackStart   time.Time `json:"track_start" db:"track_start"`
	DurationMS   int64     `json:"duration_ms" db:"duration_ms"`
	ImageURL     string    `json:"image_url,omitempty" db:"image_url"`
	FilePath     string    `json:"file_path,omitempty" db:"file_path"`
	FileSize     int64     `json:"file_size,omitempty" db:"file_size"`
	Status       string    `json:"status" db:"status"`
	ErrorMsg     string    `json:"error_msg,omitempty" db:"error_msg"`
	Approximate  bool      `json:"approximate,omitempty" db:"approximate"`
	DownloadedAt time.Time `json:"downloaded_at" db:"downloaded_at"`
}

// DownloadJob is the message published to the download queue. Bulk requests
// carry every track so the worker can derive effective durations from the
// gap to the following track.
type DownloadJob struct {
	DownloadIDs []string `json:"download_ids"`
	ChannelID   string   `json:"channel_id"`
	ChannelName string   `json:"channel_name"`
	Quality     string   `json:"quality,omitempty"`
	Tracks      []Track  `json:"tracks"`
}
