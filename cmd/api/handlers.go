package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/archivexm/archivexm/internal/auth"
	"github.com/archivexm/archivexm/internal/cache"
	"github.com/archivexm/archivexm/internal/database"
	"github.com/archivexm/archivexm/internal/dvr"
	"github.com/archivexm/archivexm/pkg/models"
)

// healthCheck reports database and cache health
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := api.repo.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	if err := api.cache.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

// Credentials

type createCredentialRequest struct {
	Name       string `json:"name" binding:"required"`
	Username   string `json:"username" binding:"required"`
	Password   string `json:"password" binding:"required"`
	MaxStreams int    `json:"max_streams"`
	Priority   int    `json:"priority"`
	IsActive   *bool  `json:"is_active"`
}

func (api *API) createCredential(c *gin.Context) {
	var req createCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	encrypted, err := api.secrets.Encrypt(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encrypt password"})
		return
	}

	cred := &models.Credential{
		Name:              req.Name,
		Username:          req.Username,
		PasswordEncrypted: encrypted,
		IsActive:          true,
		MaxStreams:        req.MaxStreams,
		Priority:          req.Priority,
	}
	if req.IsActive != nil {
		cred.IsActive = *req.IsActive
	}
	if cred.MaxStreams <= 0 {
		cred.MaxStreams = 3
	}
	if cred.Priority <= 0 {
		cred.Priority = 100
	}

	if err := api.repo.CreateCredential(c.Request.Context(), cred); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, cred)
}

func (api *API) listCredentials(c *gin.Context) {
	creds, err := api.repo.ListCredentials(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"credentials": creds})
}

type updateCredentialRequest struct {
	Name       *string `json:"name"`
	Username   *string `json:"username"`
	Password   *string `json:"password"`
	MaxStreams *int    `json:"max_streams"`
	Priority   *int    `json:"priority"`
	IsActive   *bool   `json:"is_active"`
}

func (api *API) updateCredential(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid credential ID"})
		return
	}

	var req updateCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cred, err := api.repo.GetCredential(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, database.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if req.Name != nil {
		cred.Name = *req.Name
	}
	if req.Username != nil {
		cred.Username = *req.Username
	}
	if req.Password != nil {
		encrypted, err := api.secrets.Encrypt(*req.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encrypt password"})
			return
		}
		cred.PasswordEncrypted = encrypted
	}
	if req.MaxStreams != nil {
		cred.MaxStreams = *req.MaxStreams
	}
	if req.Priority != nil {
		cred.Priority = *req.Priority
	}
	if req.IsActive != nil {
		cred.IsActive = *req.IsActive
	}

	if err := api.repo.UpdateCredential(c.Request.Context(), cred); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, cred)
}

func (api *API) deleteCredential(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid credential ID"})
		return
	}

	if err := api.repo.DeleteCredential(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, database.ErrLastCredential), errors.Is(err, database.ErrCredentialInUse):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, database.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.Status(http.StatusNoContent)
}

// validateCredential replays the stored password against the upstream login
// flow and persists the resulting session on success.
func (api *API) validateCredential(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid credential ID"})
		return
	}

	cred, err := api.repo.GetCredential(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, database.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	password, err := api.secrets.Decrypt(cred.PasswordEncrypted)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to decrypt password"})
		return
	}

	result, err := api.authn.Login(c.Request.Context(), cred.Username, password)
	if err != nil {
		if errors.Is(err, auth.ErrBadCredentials) {
			c.JSON(http.StatusOK, gin.H{"valid": false, "error": "Upstream rejected the credentials"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	// Keep the fresh session; the old ones are dead upstream anyway
	if err := api.repo.InvalidateAll(c.Request.Context(), cred.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	session := &models.Session{
		CredentialID: cred.ID,
		BearerToken:  result.BearerToken,
		ExpiresAt:    &result.ExpiresAt,
	}
	if err := api.repo.CreateSession(c.Request.Context(), session); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true, "expires_at": result.ExpiresAt})
}

func (api *API) usageSnapshot(c *gin.Context) {
	usage, err := api.pool.UsageSnapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"credentials": usage})
}

// Channels

func (api *API) listChannels(c *gin.Context) {
	ctx := c.Request.Context()

	channels, err := api.cache.GetChannels(ctx)
	if err != nil {
		api.log.WithError(err).Warn("channel cache read failed")
	}
	if channels == nil {
		channels, err = api.repo.ListChannels(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if len(channels) > 0 {
			if err := api.cache.SetChannels(ctx, channels, cache.ChannelCatalogTTL); err != nil {
				api.log.WithError(err).Warn("channel cache write failed")
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"channels": channels, "count": len(channels)})
}

// refreshChannels pulls the upstream catalog and replaces the local copy
func (api *API) refreshChannels(c *gin.Context) {
	ctx := c.Request.Context()

	fetched, err := api.sxm.FetchChannels(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	for i := range fetched {
		if err := api.repo.UpsertChannel(ctx, &fetched[i]); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	if err := api.cache.SetChannels(ctx, fetched, cache.ChannelCatalogTTL); err != nil {
		api.log.WithError(err).Warn("channel cache write failed")
	}

	c.JSON(http.StatusOK, gin.H{"count": len(fetched)})
}

func (api *API) channelSchedule(c *gin.Context) {
	channelID := c.Param("id")
	hoursBack, _ := strconv.Atoi(c.DefaultQuery("hours_back", "1"))

	ctx := c.Request.Context()

	// Only the default window is cached; ad-hoc lookbacks go straight out
	if hoursBack <= 1 {
		if tracks, err := api.cache.GetSchedule(ctx, channelID); err == nil && tracks != nil {
			c.JSON(http.StatusOK, gin.H{"tracks": tracks, "cached": true})
			return
		}
	}

	tracks, err := api.sxm.GetSchedule(ctx, channelID, hoursBack)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	if hoursBack <= 1 {
		if err := api.cache.SetSchedule(ctx, channelID, tracks, cache.ScheduleTTL); err != nil {
			api.log.WithError(err).Warn("schedule cache write failed")
		}
	}

	c.JSON(http.StatusOK, gin.H{"tracks": tracks})
}

func (api *API) nowPlaying(c *gin.Context) {
	track, err := api.sxm.CurrentTrack(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if track == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Nothing playing"})
		return
	}

	c.JSON(http.StatusOK, track)
}

// Live recording

type startRecordingRequest struct {
	ChannelID string `json:"channel_id" binding:"required"`
}

func (api *API) startRecording(c *gin.Context) {
	var req startRecordingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	channelName := req.ChannelID
	if ch, err := api.repo.GetChannel(c.Request.Context(), req.ChannelID); err == nil {
		channelName = ch.Name
	}

	if err := api.recorder.Start(c.Request.Context(), req.ChannelID, channelName); err != nil {
		switch {
		case errors.Is(err, dvr.ErrAlreadyRecording):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, auth.ErrCapacityExhausted):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, api.recorder.Status())
}

func (api *API) stopRecording(c *gin.Context) {
	waitForTrackEnd := c.DefaultQuery("wait_for_track_end", "false") == "true"

	saved, err := api.recorder.Stop(c.Request.Context(), waitForTrackEnd)
	if err != nil {
		if errors.Is(err, dvr.ErrNotRecording) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tracks_saved": saved})
}

func (api *API) forceStopRecording(c *gin.Context) {
	api.recorder.ForceStop()
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (api *API) recordingStatus(c *gin.Context) {
	c.JSON(http.StatusOK, api.recorder.Status())
}

// Downloads

type createDownloadRequest struct {
	ChannelID  string `json:"channel_id" binding:"required"`
	Artist     string `json:"artist"`
	Title      string `json:"title"`
	Album      string `json:"album"`
	TrackStart string `json:"track_start" binding:"required"`
	DurationMS int64  `json:"duration_ms"`
	ImageURL   string `json:"image_url"`
	Quality    string `json:"quality"`
}

func (api *API) createDownload(c *gin.Context) {
	var req createDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	trackStart, err := time.Parse(time.RFC3339, req.TrackStart)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "track_start must be RFC 3339"})
		return
	}

	ctx := c.Request.Context()

	channelName := req.ChannelID
	if ch, err := api.repo.GetChannel(ctx, req.ChannelID); err == nil {
		channelName = ch.Name
	}

	dl := &models.Download{
		ChannelID:   req.ChannelID,
		ChannelName: channelName,
		Artist:      req.Artist,
		Title:       req.Title,
		Album:       req.Album,
		TrackStart:  trackStart.UTC(),
		DurationMS:  req.DurationMS,
		ImageURL:    req.ImageURL,
	}

	if err := api.repo.CreateDownload(ctx, dl); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	job := &models.DownloadJob{
		DownloadIDs: []string{dl.ID},
		ChannelID:   dl.ChannelID,
		ChannelName: channelName,
		Quality:     req.Quality,
		Tracks: []models.Track{{
			Artist:    dl.Artist,
			Title:     dl.Title,
			Album:     dl.Album,
			StartedAt: dl.TrackStart,
			Duration:  time.Duration(dl.DurationMS) * time.Millisecond,
			ImageURL:  dl.ImageURL,
		}},
	}
	if err := api.queue.PublishJob(ctx, job); err != nil {
		_ = api.repo.MarkFailed(ctx, dl.ID, "failed to enqueue job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, dl)
}

type bulkDownloadRequest struct {
	ChannelID string `json:"channel_id" binding:"required"`
	HoursBack int    `json:"hours_back"`
	Quality   string `json:"quality"`
}

// createBulkDownload queues every track of a channel's recent schedule as a
// single worker job, so effective durations can be derived from track gaps.
func (api *API) createBulkDownload(c *gin.Context) {
	var req bulkDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()

	tracks, err := api.sxm.GetSchedule(ctx, req.ChannelID, req.HoursBack)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if len(tracks) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "No tracks in the requested window"})
		return
	}

	channelName := req.ChannelID
	if ch, err := api.repo.GetChannel(ctx, req.ChannelID); err == nil {
		channelName = ch.Name
	}

	ids := make([]string, 0, len(tracks))
	for _, track := range tracks {
		dl := &models.Download{
			ChannelID:   req.ChannelID,
			ChannelName: channelName,
			Artist:      track.Artist,
			Title:       track.Title,
			Album:       track.Album,
			TrackStart:  track.StartedAt,
			DurationMS:  track.Duration.Milliseconds(),
			ImageURL:    track.ImageURL,
		}
		if err := api.repo.CreateDownload(ctx, dl); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		ids = append(ids, dl.ID)
	}

	job := &models.DownloadJob{
		DownloadIDs: ids,
		ChannelID:   req.ChannelID,
		ChannelName: channelName,
		Quality:     req.Quality,
		Tracks:      tracks,
	}
	if err := api.queue.PublishJob(ctx, job); err != nil {
		for _, id := range ids {
			_ = api.repo.MarkFailed(ctx, id, "failed to enqueue job")
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"download_ids": ids, "count": len(ids)})
}

func (api *API) listDownloads(c *gin.Context) {
	status := c.Query("status")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	downloads, err := api.repo.ListDownloads(c.Request.Context(), status, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"downloads": downloads, "count": len(downloads)})
}

func (api *API) getDownload(c *gin.Context) {
	dl, err := api.repo.GetDownload(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, database.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, dl)
}
