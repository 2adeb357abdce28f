package sxm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archivexm/archivexm/internal/logging"
)

// staticTokens hands the same token to every call without retrying.
type staticTokens struct{ token string }

func (s staticTokens) ExecuteWithRetry(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	return fn(ctx, s.token)
}

func newTestClient(t *testing.T, apiBase string) *Client {
	t.Helper()
	log, err := logging.NewDefaultLogger()
	require.NoError(t, err)
	return NewClient(staticTokens{token: "test-token"}, apiBase, "https://img.example.com/", "test-agent", 5*time.Second, log)
}

func TestGetStreamURL(t *testing.T) {
	var gotPayload map[string]string
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/playback/play/v1/tuneSource", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"streams": []map[string]interface{}{
				{"urls": []map[string]string{{"url": "https://cdn.example.com/master.m3u8"}}},
			},
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	url, err := client.GetStreamURL(context.Background(), "chan-1", "")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/master.m3u8", url)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "chan-1", gotPayload["id"])
	assert.Equal(t, ChannelTypeLinear, gotPayload["type"])
	assert.Equal(t, "WEB", gotPayload["manifestVariant"])
}

func TestGetStreamURLFallbackField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"hlsUrl": "https://cdn.example.com/hls.m3u8"})
	}))
	defer srv.Close()

	url, err := newTestClient(t, srv.URL).GetStreamURL(context.Background(), "chan-1", "aod-episode")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/hls.m3u8", url)
}

func TestGetStreamURLMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{})
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).GetStreamURL(context.Background(), "chan-1", "")
	assert.Error(t, err)
}

func TestGetSchedule(t *testing.T) {
	now := time.Now().UTC()
	var gotPayload map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/playback/play/v1/liveUpdate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []map[string]interface{}{
				{
					"artistName": "First Artist",
					"name":       "Older Song",
					"albumName":  "Album A",
					"timestamp":  now.Add(-10 * time.Minute).Format(time.RFC3339Nano),
					"duration":   224000,
				},
				{
					"isInterstitial": true,
					"name":           "Station Promo",
					"timestamp":      now.Add(-6 * time.Minute).Format(time.RFC3339Nano),
				},
				{
					"artistName": "Second Artist",
					"name":       "Now Playing",
					"timestamp":  now.Add(-2 * time.Minute).Format(time.RFC3339Nano),
					"duration":   300000,
					"images": map[string]interface{}{
						"tile": map[string]interface{}{
							"aspect_1x1": map[string]interface{}{
								"preferredImage": map[string]string{"url": "covers/now.jpeg"},
							},
						},
					},
				},
				{
					"artistName": "Future Artist",
					"name":       "Not Yet Played",
					"timestamp":  now.Add(10 * time.Minute).Format(time.RFC3339Nano),
				},
			},
		})
	}))
	defer srv.Close()

	tracks, err := newTestClient(t, srv.URL).GetSchedule(context.Background(), "chan-1", 3)
	require.NoError(t, err)
	require.Len(t, tracks, 2, "interstitials and future tracks are dropped")

	assert.Equal(t, "First Artist", tracks[0].Artist)
	assert.Equal(t, 224*time.Second, tracks[0].Duration)
	assert.Empty(t, tracks[0].ImageURL)

	assert.Equal(t, "Now Playing", tracks[1].Title)
	assert.Contains(t, tracks[1].ImageURL, "https://img.example.com/")

	// startTimestamp reflects the requested lookback
	start, err := time.Parse(time.RFC3339, gotPayload["startTimestamp"])
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(-3*time.Hour), start, time.Minute)
}

func TestGetScheduleClampsLookback(t *testing.T) {
	now := time.Now().UTC()
	var gotPayload map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		json.NewEncoder(w).Encode(map[string]interface{}{"items": []interface{}{}})
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).GetSchedule(context.Background(), "chan-1", 24)
	require.NoError(t, err)

	start, err := time.Parse(time.RFC3339, gotPayload["startTimestamp"])
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(-ScheduleMaxHoursBack*time.Hour), start, time.Minute)
}

func TestCurrentTrack(t *testing.T) {
	now := time.Now().UTC()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []map[string]interface{}{
				{"artistName": "A", "name": "Older", "timestamp": now.Add(-8 * time.Minute).Format(time.RFC3339Nano)},
				{"artistName": "B", "name": "Current", "timestamp": now.Add(-1 * time.Minute).Format(time.RFC3339Nano)},
			},
		})
	}))
	defer srv.Close()

	track, err := newTestClient(t, srv.URL).CurrentTrack(context.Background(), "chan-1")
	require.NoError(t, err)
	require.NotNil(t, track)
	assert.Equal(t, "Current", track.Title)
}

func TestCurrentTrackEmptySchedule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"items": []interface{}{}})
	}))
	defer srv.Close()

	track, err := newTestClient(t, srv.URL).CurrentTrack(context.Background(), "chan-1")
	require.NoError(t, err)
	assert.Nil(t, track)
}

func TestImageURL(t *testing.T) {
	client := newTestClient(t, "http://unused")

	// Absolute URLs pass through
	assert.Equal(t, "https://other.example.com/a.jpg", client.ImageURL("https://other.example.com/a.jpg", 300, 300))
	assert.Empty(t, client.ImageURL("", 300, 300))

	url := client.ImageURL("covers/track.jpeg", 300, 200)
	require.Contains(t, url, "https://img.example.com/")

	raw, err := base64.StdEncoding.DecodeString(url[len("https://img.example.com/"):])
	require.NoError(t, err)

	var config struct {
		Key   string                   `json:"key"`
		Edits []map[string]interface{} `json:"edits"`
	}
	require.NoError(t, json.Unmarshal(raw, &config))
	assert.Equal(t, "covers/track.jpeg", config.Key)
	assert.Len(t, config.Edits, 2)
}

func TestFetchChannels(t *testing.T) {
	var batchCalls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/browse/v1/pages/curated-grouping/" + channelGroupingID + "/view":
			items := make([]map[string]interface{}, 0, channelPageSize)
			for i := 0; i < channelPageSize; i++ {
				items = append(items, map[string]interface{}{
					"entity": map[string]interface{}{
						"id": "chan-first-page",
						"texts": map[string]interface{}{
							"title": map[string]string{"default": "Channel"},
						},
					},
				})
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"page": map[string]interface{}{
					"containers": []map[string]interface{}{
						{"sets": []map[string]interface{}{
							{
								"items":      items,
								"pagination": map[string]interface{}{"offset": map[string]int{"size": channelPageSize + 1}},
							},
						}},
					},
				},
			})

		case "/browse/v1/pages/curated-grouping/" + channelGroupingID + "/containers/" + channelContainerID + "/view":
			batchCalls++
			json.NewEncoder(w).Encode(map[string]interface{}{
				"container": map[string]interface{}{
					"sets": []map[string]interface{}{
						{"items": []map[string]interface{}{
							{
								"entity": map[string]interface{}{
									"id": "chan-batch",
									"texts": map[string]interface{}{
										"title": map[string]string{"default": "Batch Channel"},
									},
								},
								"decorations": map[string]string{"genre": "Rock"},
							},
						}},
					},
				},
			})

		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	channels, err := newTestClient(t, srv.URL).FetchChannels(context.Background())
	require.NoError(t, err)
	assert.Len(t, channels, channelPageSize+1)
	assert.Equal(t, 1, batchCalls)

	last := channels[len(channels)-1]
	assert.Equal(t, "chan-batch", last.ChannelID)
	assert.Equal(t, "Batch Channel", last.Name)
	assert.Equal(t, "Rock", last.Genre)
	assert.Equal(t, ChannelTypeLinear, last.ChannelType)
}
