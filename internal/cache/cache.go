package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/archivexm/archivexm/pkg/models"
)

// Default TTLs. The channel catalog changes rarely; schedules roll every
// few minutes as tracks play out.
const (
	ChannelCatalogTTL = 6 * time.Hour
	ScheduleTTL       = 30 * time.Second
	StreamURLTTL      = 30 * time.Minute
)

// Cache provides caching functionality using Redis
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Channel catalog operations

// SetChannels caches the full channel catalog
func (c *Cache) SetChannels(ctx context.Context, channels []models.Channel, ttl time.Duration) error {
	data, err := json.Marshal(channels)
	if err != nil {
		return fmt.Errorf("failed to marshal channels: %w", err)
	}

	return c.client.Set(ctx, "channels:catalog", data, ttl).Err()
}

// GetChannels retrieves the channel catalog from cache. A miss returns nil.
func (c *Cache) GetChannels(ctx context.Context) ([]models.Channel, error) {
	data, err := c.client.Get(ctx, "channels:catalog").Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get channels from cache: %w", err)
	}

	var channels []models.Channel
	if err := json.Unmarshal(data, &channels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal channels: %w", err)
	}

	return channels, nil
}

// InvalidateChannels drops the cached catalog
func (c *Cache) InvalidateChannels(ctx context.Context) error {
	return c.client.Del(ctx, "channels:catalog").Err()
}

// Schedule operations

// SetSchedule caches a channel's recent schedule
func (c *Cache) SetSchedule(ctx context.Context, channelID string, tracks []models.Track, ttl time.Duration) error {
	data, err := json.Marshal(tracks)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}

	key := fmt.Sprintf("schedule:%s", channelID)
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetSchedule retrieves a channel's schedule from cache. A miss returns nil.
func (c *Cache) GetSchedule(ctx context.Context, channelID string) ([]models.Track, error) {
	key := fmt.Sprintf("schedule:%s", channelID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get schedule from cache: %w", err)
	}

	var tracks []models.Track
	if err := json.Unmarshal(data, &tracks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
	}

	return tracks, nil
}

// Stream URL operations

// SetStreamURL caches a resolved master playlist URL for a channel
func (c *Cache) SetStreamURL(ctx context.Context, channelID, url string, ttl time.Duration) error {
	key := fmt.Sprintf("stream:%s", channelID)
	return c.client.Set(ctx, key, url, ttl).Err()
}

// GetStreamURL retrieves a cached master playlist URL. A miss returns "".
func (c *Cache) GetStreamURL(ctx context.Context, channelID string) (string, error) {
	key := fmt.Sprintf("stream:%s", channelID)
	url, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil // Cache miss
		}
		return "", fmt.Errorf("failed to get stream URL from cache: %w", err)
	}
	return url, nil
}

// InvalidateStreamURL drops a cached master playlist URL. Signed playlist
// URLs stop working after an upstream re-login, so the token manager calls
// this on refresh.
func (c *Cache) InvalidateStreamURL(ctx context.Context, channelID string) error {
	key := fmt.Sprintf("stream:%s", channelID)
	return c.client.Del(ctx, key).Err()
}

// Health check
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
