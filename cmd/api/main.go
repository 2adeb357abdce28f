package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/archivexm/archivexm/internal/auth"
	"github.com/archivexm/archivexm/internal/cache"
	"github.com/archivexm/archivexm/internal/config"
	"github.com/archivexm/archivexm/internal/database"
	"github.com/archivexm/archivexm/internal/dvr"
	"github.com/archivexm/archivexm/internal/encoder"
	"github.com/archivexm/archivexm/internal/hls"
	"github.com/archivexm/archivexm/internal/logging"
	"github.com/archivexm/archivexm/internal/middleware"
	"github.com/archivexm/archivexm/internal/queue"
	"github.com/archivexm/archivexm/internal/storage"
	"github.com/archivexm/archivexm/internal/sxm"
)

// API holds the wiring for every HTTP handler
type API struct {
	cfg      *config.Config
	repo     *database.Repository
	cache    *cache.Cache
	queue    *queue.Queue
	sxm      *sxm.Client
	tokens   *auth.TokenManager
	pool     *auth.CredentialManager
	secrets  *auth.SecretBox
	authn    auth.Authenticator
	recorder *dvr.Recorder
	log      *logging.Logger
}

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	repo := database.NewRepository(db)

	// Initialize cache
	cch, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer cch.Close()

	// Initialize queue
	q, err := queue.New(cfg.Queue)
	if err != nil {
		logger.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()

	// Secret encryption for stored credentials
	secrets, err := auth.NewSecretBox(cfg.Auth.SecretKeyFile)
	if err != nil {
		logger.Fatalf("Failed to initialize secret box: %v", err)
	}

	// Upstream auth and token management
	authn := auth.NewUpstreamAuthenticator(cfg.Upstream.APIBase, cfg.Upstream.UserAgent, cfg.Upstream.Timeout)
	credStore := database.CredentialStore{Repository: repo}
	sessStore := database.SessionStore{Repository: repo}
	leaseStore := database.LeaseStore{Repository: repo}

	tokens := auth.NewTokenManager(credStore, sessStore, authn, secrets, logger, auth.DefaultRefreshThreshold)
	pool := auth.NewCredentialManager(credStore, sessStore, leaseStore, authn, secrets, logger)

	// Streaming plumbing
	hlsEngine := hls.NewEngine(cfg.Upstream.Timeout, cfg.Upstream.UserAgent)
	sxmClient := sxm.NewClient(tokens, cfg.Upstream.APIBase, cfg.Upstream.ImageCDN, cfg.Upstream.UserAgent, cfg.Upstream.Timeout, logger)

	enc := encoder.NewEncoder(encoder.Config{
		FFmpegPath: cfg.Encoder.FFmpegPath,
		AudioCodec: cfg.Encoder.AudioCodec,
		Bitrate:    cfg.Encoder.Bitrate,
	}, logger)

	var uploader dvr.Uploader
	if cfg.Storage.Enabled {
		stor, err := storage.New(cfg.Storage)
		if err != nil {
			logger.Fatalf("Failed to initialize storage: %v", err)
		}
		uploader = stor
	}

	saver := dvr.NewTrackSaver(hlsEngine, enc, cfg.Recorder.OutputDir, cfg.Recorder.TempDir, uploader, logger)
	sink := &dvr.HistorySink{Sink: saver, Store: repo, Log: logger}
	recorder := dvr.NewRecorder(sxmClient, hlsEngine, tokens, pool, sink, cfg.Recorder.Quality, cfg.Recorder.PollInterval, logger)

	api := &API{
		cfg:      cfg,
		repo:     repo,
		cache:    cch,
		queue:    q,
		sxm:      sxmClient,
		tokens:   tokens,
		pool:     pool,
		secrets:  secrets,
		authn:    authn,
		recorder: recorder,
		log:      logger,
	}

	// Keep the upstream token warm for the whole process lifetime
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go tokens.RunBackgroundRefresh(bgCtx, time.Duration(cfg.Auth.RefreshMinutes)*time.Minute)

	router := setupRouter(api)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// A live recording cannot survive the process; stop it cleanly so the
	// lease is released and the partial buffer is handled.
	recorder.ForceStop()
	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server stopped")
}

func setupRouter(api *API) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(api.log))
	router.Use(middleware.RateLimit(middleware.NewRateLimiter(api.cfg.Server.RateLimitRPS, api.cfg.Server.RateLimitBurst)))

	// Health and metrics stay open
	router.GET("/health", api.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	if api.cfg.Auth.JWTSecret != "" {
		v1.Use(middleware.JWTAuth(api.cfg.Auth.JWTSecret))
	}
	{
		// Credentials
		v1.POST("/credentials", api.createCredential)
		v1.GET("/credentials", api.listCredentials)
		v1.PUT("/credentials/:id", api.updateCredential)
		v1.DELETE("/credentials/:id", api.deleteCredential)
		v1.POST("/credentials/:id/validate", api.validateCredential)
		v1.GET("/usage", api.usageSnapshot)

		// Channels
		v1.GET("/channels", api.listChannels)
		v1.POST("/channels/refresh", api.refreshChannels)
		v1.GET("/channels/:id/schedule", api.channelSchedule)
		v1.GET("/channels/:id/now-playing", api.nowPlaying)

		// Live recording
		v1.POST("/recording/start", api.startRecording)
		v1.POST("/recording/stop", api.stopRecording)
		v1.POST("/recording/force-stop", api.forceStopRecording)
		v1.GET("/recording/status", api.recordingStatus)

		// Downloads
		v1.POST("/downloads", api.createDownload)
		v1.POST("/downloads/bulk", api.createBulkDownload)
		v1.GET("/downloads", api.listDownloads)
		v1.GET("/downloads/:id", api.getDownload)
	}

	return router
}
