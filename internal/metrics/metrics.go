package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivexm_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archivexm_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Auth Metrics
	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivexm_token_refreshes_total",
			Help: "Total number of upstream token refresh attempts",
		},
		[]string{"status"},
	)

	AuthRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archivexm_auth_retries_total",
			Help: "Total number of requests retried after a 401/403",
		},
	)

	ActiveLeases = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "archivexm_active_stream_leases",
			Help: "Number of active stream leases across all credentials",
		},
	)

	StaleLeaseReclaims = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archivexm_stale_lease_reclaims_total",
			Help: "Total number of leases reclaimed after a stale heartbeat",
		},
	)

	// Recorder Metrics
	SegmentsFetchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivexm_segments_fetched_total",
			Help: "Total number of HLS segments fetched",
		},
		[]string{"channel_id"},
	)

	TracksSavedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivexm_tracks_saved_total",
			Help: "Total number of finished tracks written to disk",
		},
		[]string{"channel_id"},
	)

	PartialTracksDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archivexm_partial_tracks_discarded_total",
			Help: "Total number of partial tracks discarded at stop",
		},
	)

	RecorderCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archivexm_recorder_cycle_duration_seconds",
			Help:    "Duration of one recorder poll cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Download Metrics
	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivexm_downloads_total",
			Help: "Total number of catch-up track downloads",
		},
		[]string{"status"},
	)

	DownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archivexm_download_duration_seconds",
			Help:    "Time to download and encode one track",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	// Queue Metrics
	JobsPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archivexm_jobs_published_total",
			Help: "Total number of bulk download jobs published",
		},
	)

	JobsConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivexm_jobs_consumed_total",
			Help: "Total number of bulk download jobs consumed",
		},
		[]string{"status"},
	)
)
