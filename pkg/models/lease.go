package models

import "time"

// Stream kinds counted against a credential's concurrency limit.
const (
	StreamKindLive      = "live"
	StreamKindRecording = "recording"
	StreamKindDownload  = "download"
)

// ActiveStreamLease is one in-use stream slot against a credential. Leases
// are ephemeral bookkeeping: refreshed by heartbeat and reclaimed when the
// heartbeat goes stale, so a crashed consumer cannot pin capacity forever.
type ActiveStreamLease struct {
	ID            string    `json:"id" db:"id"`
	CredentialID  int64     `json:"credential_id" db:"credential_id"`
	StreamKind    string    `json:"stream_kind" db:"stream_kind"`
	ChannelID     string    `json:"channel_id" db:"channel_id"`
	StartedAt     time.Time `json:"started_at" db:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat" db:"last_heartbeat"`
}

// CredentialUsage is one row of the usage snapshot exposed to operators.
type CredentialUsage struct {
	CredentialID    int64  `json:"credential_id"`
	Name            string `json:"name"`
	Username        string `json:"username"`
	Priority        int    `json:"priority"`
	ActiveStreams   int    `json:"active_streams"`
	MaxStreams      int    `json:"max_streams"`
	HasValidSession bool   `json:"has_valid_session"`
}
