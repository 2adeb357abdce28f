package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/archivexm/archivexm/pkg/models"
)

// Sentinel errors handlers can branch on.
var (
	ErrNotFound        = errors.New("not found")
	ErrLastCredential  = errors.New("cannot delete the last credential")
	ErrCredentialInUse = errors.New("credential has active streams")
)

// Repository provides database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Health checks if the underlying database is healthy
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

// Credentials

// CreateCredential creates a new credential record
func (r *Repository) CreateCredential(ctx context.Context, cred *models.Credential) error {
	query := `
		INSERT INTO credentials (name, username, password_encrypted, is_active, max_streams, priority)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		cred.Name, cred.Username, cred.PasswordEncrypted, cred.IsActive,
		cred.MaxStreams, cred.Priority,
	).Scan(&cred.ID, &cred.CreatedAt, &cred.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}

	return nil
}

// GetCredential retrieves a credential by ID
func (r *Repository) GetCredential(ctx context.Context, id int64) (*models.Credential, error) {
	var cred models.Credential

	query := `
		SELECT id, name, username, password_encrypted, is_active, max_streams, priority, created_at, updated_at
		FROM credentials
		WHERE id = $1
	`

	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&cred.ID, &cred.Name, &cred.Username, &cred.PasswordEncrypted, &cred.IsActive,
		&cred.MaxStreams, &cred.Priority, &cred.CreatedAt, &cred.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("credential %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return &cred, nil
}

// ListCredentials retrieves all credentials ordered by priority
func (r *Repository) ListCredentials(ctx context.Context) ([]models.Credential, error) {
	query := `
		SELECT id, name, username, password_encrypted, is_active, max_streams, priority, created_at, updated_at
		FROM credentials
		ORDER BY priority ASC, id ASC
	`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	return scanCredentials(rows)
}

// ListActiveCredentials retrieves active credentials ordered by ascending priority
func (r *Repository) ListActiveCredentials(ctx context.Context) ([]models.Credential, error) {
	query := `
		SELECT id, name, username, password_encrypted, is_active, max_streams, priority, created_at, updated_at
		FROM credentials
		WHERE is_active = true
		ORDER BY priority ASC, id ASC
	`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active credentials: %w", err)
	}
	defer rows.Close()

	return scanCredentials(rows)
}

func scanCredentials(rows pgx.Rows) ([]models.Credential, error) {
	var creds []models.Credential
	for rows.Next() {
		var cred models.Credential
		err := rows.Scan(
			&cred.ID, &cred.Name, &cred.Username, &cred.PasswordEncrypted, &cred.IsActive,
			&cred.MaxStreams, &cred.Priority, &cred.CreatedAt, &cred.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, cred)
	}

	return creds, rows.Err()
}

// UpdateCredential updates a credential record
func (r *Repository) UpdateCredential(ctx context.Context, cred *models.Credential) error {
	query := `
		UPDATE credentials
		SET name = $2, username = $3, password_encrypted = $4, is_active = $5,
		    max_streams = $6, priority = $7, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Pool.Exec(ctx, query,
		cred.ID, cred.Name, cred.Username, cred.PasswordEncrypted, cred.IsActive,
		cred.MaxStreams, cred.Priority,
	)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential %w", ErrNotFound)
	}

	return nil
}

// DeleteCredential removes a credential. The last remaining credential and
// credentials with in-flight stream leases cannot be deleted.
func (r *Repository) DeleteCredential(ctx context.Context, id int64) error {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM credentials`).Scan(&total); err != nil {
		return fmt.Errorf("failed to count credentials: %w", err)
	}
	if total <= 1 {
		return ErrLastCredential
	}

	active, err := r.CountLeasesForCredential(ctx, id)
	if err != nil {
		return err
	}
	if active > 0 {
		return fmt.Errorf("%w (%d)", ErrCredentialInUse, active)
	}

	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential %w", ErrNotFound)
	}

	return nil
}

// Sessions

// CreateSession inserts a new valid session
func (r *Repository) CreateSession(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO sessions (credential_id, bearer_token, expires_at, is_valid)
		VALUES ($1, $2, $3, true)
		RETURNING id, created_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		session.CredentialID, session.BearerToken, session.ExpiresAt,
	).Scan(&session.ID, &session.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	session.IsValid = true

	return nil
}

// LatestValid returns the most recent valid session for any credential,
// or nil when none exists
func (r *Repository) LatestValid(ctx context.Context) (*models.Session, error) {
	query := `
		SELECT id, credential_id, bearer_token, expires_at, created_at, is_valid
		FROM sessions
		WHERE is_valid = true
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.scanSession(r.db.Pool.QueryRow(ctx, query))
}

// LatestValidFor returns the most recent valid session for one credential,
// or nil when none exists
func (r *Repository) LatestValidFor(ctx context.Context, credentialID int64) (*models.Session, error) {
	query := `
		SELECT id, credential_id, bearer_token, expires_at, created_at, is_valid
		FROM sessions
		WHERE is_valid = true AND credential_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.scanSession(r.db.Pool.QueryRow(ctx, query, credentialID))
}

func (r *Repository) scanSession(row pgx.Row) (*models.Session, error) {
	var session models.Session
	err := row.Scan(
		&session.ID, &session.CredentialID, &session.BearerToken,
		&session.ExpiresAt, &session.CreatedAt, &session.IsValid,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &session, nil
}

// InvalidateAll marks every session for the credential invalid
func (r *Repository) InvalidateAll(ctx context.Context, credentialID int64) error {
	query := `UPDATE sessions SET is_valid = false WHERE credential_id = $1 AND is_valid = true`

	if _, err := r.db.Pool.Exec(ctx, query, credentialID); err != nil {
		return fmt.Errorf("failed to invalidate sessions: %w", err)
	}

	return nil
}

// Stream leases

// CreateLease inserts an active stream lease
func (r *Repository) CreateLease(ctx context.Context, lease *models.ActiveStreamLease) error {
	query := `
		INSERT INTO active_stream_leases (id, credential_id, stream_kind, channel_id, started_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		lease.ID, lease.CredentialID, lease.StreamKind, lease.ChannelID,
		lease.StartedAt, lease.LastHeartbeat,
	)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	return nil
}

// DeleteLease removes a lease by ID
func (r *Repository) DeleteLease(ctx context.Context, id string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM active_stream_leases WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}

	return nil
}

// HeartbeatLease advances a lease's heartbeat timestamp
func (r *Repository) HeartbeatLease(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE active_stream_leases SET last_heartbeat = $2 WHERE id = $1`

	tag, err := r.db.Pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to heartbeat lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lease %w", ErrNotFound)
	}

	return nil
}

// DeleteStaleLeases removes leases whose heartbeat is older than cutoff and
// returns how many were reclaimed
func (r *Repository) DeleteStaleLeases(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM active_stream_leases WHERE last_heartbeat < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale leases: %w", err)
	}

	return tag.RowsAffected(), nil
}

// CountLeasesForCredential counts in-flight leases held against a credential
func (r *Repository) CountLeasesForCredential(ctx context.Context, credentialID int64) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM active_stream_leases WHERE credential_id = $1`

	if err := r.db.Pool.QueryRow(ctx, query, credentialID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count leases: %w", err)
	}

	return count, nil
}

// Channels

// UpsertChannel inserts or refreshes a catalog channel keyed by its upstream ID
func (r *Repository) UpsertChannel(ctx context.Context, ch *models.Channel) error {
	query := `
		INSERT INTO channels (channel_id, name, number, category, genre, description, channel_type, image_url, large_image_url, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (channel_id) DO UPDATE
		SET name = EXCLUDED.name, number = EXCLUDED.number, category = EXCLUDED.category,
		    genre = EXCLUDED.genre, description = EXCLUDED.description,
		    channel_type = EXCLUDED.channel_type, image_url = EXCLUDED.image_url,
		    large_image_url = EXCLUDED.large_image_url, updated_at = NOW()
		RETURNING id, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		ch.ChannelID, ch.Name, ch.Number, ch.Category, ch.Genre,
		ch.Description, ch.ChannelType, ch.ImageURL, ch.LargeImageURL,
	).Scan(&ch.ID, &ch.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert channel: %w", err)
	}

	return nil
}

// ListChannels retrieves the cached channel catalog ordered by channel number
func (r *Repository) ListChannels(ctx context.Context) ([]models.Channel, error) {
	query := `
		SELECT id, channel_id, name, number, category, genre, description, channel_type, image_url, large_image_url, updated_at
		FROM channels
		ORDER BY number ASC, name ASC
	`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []models.Channel
	for rows.Next() {
		var ch models.Channel
		err := rows.Scan(
			&ch.ID, &ch.ChannelID, &ch.Name, &ch.Number, &ch.Category, &ch.Genre,
			&ch.Description, &ch.ChannelType, &ch.ImageURL, &ch.LargeImageURL, &ch.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, ch)
	}

	return channels, rows.Err()
}

// GetChannel retrieves one channel by its upstream channel ID
func (r *Repository) GetChannel(ctx context.Context, channelID string) (*models.Channel, error) {
	var ch models.Channel

	query := `
		SELECT id, channel_id, name, number, category, genre, description, channel_type, image_url, large_image_url, updated_at
		FROM channels
		WHERE channel_id = $1
	`

	err := r.db.Pool.QueryRow(ctx, query, channelID).Scan(
		&ch.ID, &ch.ChannelID, &ch.Name, &ch.Number, &ch.Category, &ch.Genre,
		&ch.Description, &ch.ChannelType, &ch.ImageURL, &ch.LargeImageURL, &ch.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("channel %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}

	return &ch, nil
}

// Downloads

// CreateDownload creates a pending download record
func (r *Repository) CreateDownload(ctx context.Context, dl *models.Download) error {
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	if dl.Status == "" {
		dl.Status = models.DownloadStatusPending
	}

	query := `
		INSERT INTO downloads (id, channel_id, channel_name, artist, title, album, track_start, duration_ms, image_url, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING downloaded_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		dl.ID, dl.ChannelID, dl.ChannelName, dl.Artist, dl.Title, dl.Album,
		dl.TrackStart, dl.DurationMS, dl.ImageURL, dl.Status,
	).Scan(&dl.DownloadedAt)

	if err != nil {
		return fmt.Errorf("failed to create download: %w", err)
	}

	return nil
}

// RecordCompleted inserts an already-finished track straight into the
// download history. Used by the live recorder, which has no pending row
// to transition.
func (r *Repository) RecordCompleted(ctx context.Context, dl *models.Download) error {
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	dl.Status = models.DownloadStatusCompleted

	query := `
		INSERT INTO downloads (id, channel_id, channel_name, artist, title, album, track_start, duration_ms,
		                       image_url, file_path, file_size, status, approximate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING downloaded_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		dl.ID, dl.ChannelID, dl.ChannelName, dl.Artist, dl.Title, dl.Album,
		dl.TrackStart, dl.DurationMS, dl.ImageURL, dl.FilePath, dl.FileSize,
		dl.Status, dl.Approximate,
	).Scan(&dl.DownloadedAt)

	if err != nil {
		return fmt.Errorf("failed to record completed track: %w", err)
	}

	return nil
}

// GetDownload retrieves a download by ID
func (r *Repository) GetDownload(ctx context.Context, id string) (*models.Download, error) {
	var dl models.Download

	query := `
		SELECT id, channel_id, channel_name, artist, title, album, track_start, duration_ms,
		       image_url, file_path, file_size, status, error_msg, approximate, downloaded_at
		FROM downloads
		WHERE id = $1
	`

	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&dl.ID, &dl.ChannelID, &dl.ChannelName, &dl.Artist, &dl.Title, &dl.Album,
		&dl.TrackStart, &dl.DurationMS, &dl.ImageURL, &dl.FilePath, &dl.FileSize,
		&dl.Status, &dl.ErrorMsg, &dl.Approximate, &dl.DownloadedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("download %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download: %w", err)
	}

	return &dl, nil
}

// ListDownloads retrieves downloads with pagination, newest first. An empty
// status lists every download.
func (r *Repository) ListDownloads(ctx context.Context, status string, limit, offset int) ([]models.Download, error) {
	query := `
		SELECT id, channel_id, channel_name, artist, title, album, track_start, duration_ms,
		       image_url, file_path, file_size, status, error_msg, approximate, downloaded_at
		FROM downloads
		WHERE ($1 = '' OR status = $1)
		ORDER BY downloaded_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var downloads []models.Download
	for rows.Next() {
		var dl models.Download
		err := rows.Scan(
			&dl.ID, &dl.ChannelID, &dl.ChannelName, &dl.Artist, &dl.Title, &dl.Album,
			&dl.TrackStart, &dl.DurationMS, &dl.ImageURL, &dl.FilePath, &dl.FileSize,
			&dl.Status, &dl.ErrorMsg, &dl.Approximate, &dl.DownloadedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		downloads = append(downloads, dl)
	}

	return downloads, rows.Err()
}

// MarkDownloading flips a download to the downloading state
func (r *Repository) MarkDownloading(ctx context.Context, id string) error {
	return r.setDownloadStatus(ctx, id, models.DownloadStatusDownloading)
}

// MarkCompleted records a finished download and its output file
func (r *Repository) MarkCompleted(ctx context.Context, id, filePath string, fileSize int64, approximate bool) error {
	query := `
		UPDATE downloads
		SET status = $2, file_path = $3, file_size = $4, approximate = $5, error_msg = '', downloaded_at = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Pool.Exec(ctx, query, id, models.DownloadStatusCompleted, filePath, fileSize, approximate)
	if err != nil {
		return fmt.Errorf("failed to mark download completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("download %w", ErrNotFound)
	}

	return nil
}

// MarkFailed records a download failure
func (r *Repository) MarkFailed(ctx context.Context, id, errMsg string) error {
	query := `UPDATE downloads SET status = $2, error_msg = $3 WHERE id = $1`

	tag, err := r.db.Pool.Exec(ctx, query, id, models.DownloadStatusFailed, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark download failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("download %w", ErrNotFound)
	}

	return nil
}

func (r *Repository) setDownloadStatus(ctx context.Context, id, status string) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE downloads SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update download status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("download %w", ErrNotFound)
	}

	return nil
}
