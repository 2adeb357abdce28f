package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/archivexm/archivexm/internal/auth"
	"github.com/archivexm/archivexm/internal/config"
	"github.com/archivexm/archivexm/internal/database"
	"github.com/archivexm/archivexm/internal/dvr"
	"github.com/archivexm/archivexm/internal/encoder"
	"github.com/archivexm/archivexm/internal/hls"
	"github.com/archivexm/archivexm/internal/logging"
	"github.com/archivexm/archivexm/internal/queue"
	"github.com/archivexm/archivexm/internal/storage"
	"github.com/archivexm/archivexm/internal/sxm"
	"github.com/archivexm/archivexm/pkg/models"
)

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

	// Initialize queue
	q, err := queue.New(cfg.Queue)
	if err != nil {
		logger.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()

	// Upstream auth and token management
	secrets, err := auth.NewSecretBox(cfg.Auth.SecretKeyFile)
	if err != nil {
		logger.Fatalf("Failed to initialize secret box: %v", err)
	}

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
	downloader := dvr.NewDownloader(sxmClient, hlsEngine, tokens, pool, saver, repo, cfg.Recorder.Quality, logger)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down worker gracefully...")
		cancel()
	}()

	// Keep the upstream token warm between jobs
	go tokens.RunBackgroundRefresh(ctx, time.Duration(cfg.Auth.RefreshMinutes)*time.Minute)

	// Job handler
	jobHandler := func(job *models.DownloadJob) error {
		jobLog := logger.WithChannelID(job.ChannelID).WithField("downloads", len(job.DownloadIDs))
		jobLog.Info("Processing download job")

		successful, failed, err := downloader.DownloadBulk(ctx, *job)
		if err != nil {
			jobLog.ErrorWithErr("Failed to process download job", err)
			return err
		}

		jobLog.WithField("successful", successful).WithField("failed", failed).Info("Download job finished")
		return nil
	}

	// Start consuming jobs
	logger.Info("Worker started, waiting for jobs...")
	if err := q.ConsumeJobs(ctx, jobHandler); err != nil {
		logger.Fatalf("Failed to consume jobs: %v", err)
	}

	// Wait for shutdown
	<-ctx.Done()
	logger.Info("Worker stopped")
}
