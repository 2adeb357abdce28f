package sxm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/archivexm/archivexm/internal/logging"
	"github.com/archivexm/archivexm/internal/upstream"
	"github.com/archivexm/archivexm/pkg/models"
)

const (
	// ScheduleMaxHoursBack is the deepest DVR lookback the live-update
	// endpoint serves.
	ScheduleMaxHoursBack = 5

	// ChannelTypeLinear is the channel type of regular linear channels.
	ChannelTypeLinear = "channel-linear"
)

// TokenSource supplies bearer tokens and replays requests once the token
// has been refreshed after a 401/403.
type TokenSource interface {
	ExecuteWithRetry(ctx context.Context, fn func(ctx context.Context, token string) error) error
}

// Client talks to the streaming service's playback and browse endpoints.
type Client struct {
	http     *upstream.Client
	tokens   TokenSource
	apiBase  string
	imageCDN string
	log      *logging.Logger
	now      func() time.Time
}

// NewClient creates a service API client
func NewClient(tokens TokenSource, apiBase, imageCDN, userAgent string, timeout time.Duration, log *logging.Logger) *Client {
	return &Client{
		http:     upstream.NewClient(timeout, userAgent),
		tokens:   tokens,
		apiBase:  apiBase,
		imageCDN: imageCDN,
		log:      log,
		now:      time.Now,
	}
}

type tuneSourceResponse struct {
	Streams []struct {
		URLs []struct {
			URL string `json:"url"`
		} `json:"urls"`
	} `json:"streams"`
	HLSURL           string `json:"hlsUrl"`
	PrimaryStreamURL string `json:"primaryStreamUrl"`
}

// GetStreamURL resolves the master playlist URL for a channel.
func (c *Client) GetStreamURL(ctx context.Context, channelID, channelType string) (string, error) {
	if channelType == "" {
		channelType = ChannelTypeLinear
	}
	manifestVariant := "FULL"
	if channelType == ChannelTypeLinear {
		manifestVariant = "WEB"
	}

	payload := map[string]string{
		"id":              channelID,
		"type":            channelType,
		"hlsVersion":      "V3",
		"manifestVariant": manifestVariant,
		"mtcVersion":      "V2",
	}

	var streamURL string
	err := c.tokens.ExecuteWithRetry(ctx, func(ctx context.Context, token string) error {
		body, err := c.http.PostJSON(ctx, c.apiBase+"/playback/play/v1/tuneSource", token, payload)
		if err != nil {
			return err
		}

		var resp tuneSourceResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("failed to parse tune response: %w", err)
		}

		if len(resp.Streams) > 0 && len(resp.Streams[0].URLs) > 0 {
			streamURL = resp.Streams[0].URLs[0].URL
		}
		if streamURL == "" {
			streamURL = resp.HLSURL
		}
		if streamURL == "" {
			streamURL = resp.PrimaryStreamURL
		}
		if streamURL == "" {
			return fmt.Errorf("no stream URL in tune response")
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to get stream URL: %w", err)
	}

	return streamURL, nil
}

type imageRef struct {
	URL string `json:"url"`
}

type aspectImages struct {
	Preferred imageRef `json:"preferredImage"`
	Default   imageRef `json:"defaultImage"`
}

type imageSet struct {
	Tile map[string]aspectImages `json:"tile"`
}

// pick returns the best image path, trying square before widescreen.
func (s imageSet) pick() string {
	for _, aspect := range []string{"aspect_1x1", "aspect_16x9"} {
		images, ok := s.Tile[aspect]
		if !ok {
			continue
		}
		if images.Preferred.URL != "" {
			return images.Preferred.URL
		}
		if images.Default.URL != "" {
			return images.Default.URL
		}
	}
	return ""
}

type scheduleItem struct {
	IsInterstitial bool     `json:"isInterstitial"`
	ArtistName     string   `json:"artistName"`
	Name           string   `json:"name"`
	AlbumName      string   `json:"albumName"`
	Timestamp      string   `json:"timestamp"`
	Duration       int64    `json:"duration"`
	Images         imageSet `json:"images"`
	ArtistImages   imageSet `json:"artistImages"`
}

type liveUpdateResponse struct {
	Items []scheduleItem `json:"items"`
}

// GetSchedule fetches the channel's played-track history. The endpoint
// returns tracks chronologically with the last entry currently on air;
// interstitials and tracks stamped in the future are dropped.
func (c *Client) GetSchedule(ctx context.Context, channelID string, hoursBack int) ([]models.Track, error) {
	if hoursBack < 1 {
		hoursBack = 1
	}
	if hoursBack > ScheduleMaxHoursBack {
		hoursBack = ScheduleMaxHoursBack
	}

	payload := map[string]string{
		"channelId":       channelID,
		"hlsVersion":      "V3",
		"manifestVariant": "WEB",
		"mtcVersion":      "V2",
		"startTimestamp":  c.now().UTC().Add(-time.Duration(hoursBack) * time.Hour).Format(time.RFC3339),
	}

	var tracks []models.Track
	err := c.tokens.ExecuteWithRetry(ctx, func(ctx context.Context, token string) error {
		body, err := c.http.PostJSON(ctx, c.apiBase+"/playback/play/v1/liveUpdate", token, payload)
		if err != nil {
			return err
		}

		var resp liveUpdateResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("failed to parse schedule: %w", err)
		}

		now := c.now()
		tracks = tracks[:0]
		for _, item := range resp.Items {
			if item.IsInterstitial {
				continue
			}

			startedAt, err := time.Parse(time.RFC3339Nano, item.Timestamp)
			if err != nil {
				continue
			}
			startedAt = startedAt.UTC()
			if startedAt.After(now) {
				continue
			}

			imagePath := item.Images.pick()
			if imagePath == "" {
				imagePath = item.ArtistImages.pick()
			}

			tracks = append(tracks, models.Track{
				Artist:    item.ArtistName,
				Title:     item.Name,
				Album:     item.AlbumName,
				StartedAt: startedAt,
				Duration:  time.Duration(item.Duration) * time.Millisecond,
				ImageURL:  c.ImageURL(imagePath, 300, 300),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}

	return tracks, nil
}

// CurrentTrack returns the track currently on air, nil when the channel
// has no recent schedule.
func (c *Client) CurrentTrack(ctx context.Context, channelID string) (*models.Track, error) {
	tracks, err := c.GetSchedule(ctx, channelID, 1)
	if err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		return nil, nil
	}
	return &tracks[len(tracks)-1], nil
}
