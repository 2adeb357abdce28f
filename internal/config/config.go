package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Queue    QueueConfig
	Auth     AuthConfig
	Upstream UpstreamConfig
	Recorder RecorderConfig
	Encoder  EncoderConfig
	Logging  LoggingConfig
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    int
	RateLimitBurst  int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig holds object storage configuration for the track archive
type StorageConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
}

// AuthConfig holds local API auth and secret encryption configuration
type AuthConfig struct {
	JWTSecret      string
	TokenTTL       time.Duration
	SecretKeyFile  string
	RefreshMinutes int
}

// UpstreamConfig holds the streaming service endpoints
type UpstreamConfig struct {
	APIBase   string
	ImageCDN  string
	UserAgent string
	Timeout   time.Duration
}

// RecorderConfig holds live recorder configuration
type RecorderConfig struct {
	OutputDir    string
	Quality      string
	PollInterval time.Duration
	TempDir      string
}

// EncoderConfig holds external encoder configuration
type EncoderConfig struct {
	FFmpegPath  string
	FFprobePath string
	AudioCodec  string
	Bitrate     string
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.readTimeout", "30s")
	viper.SetDefault("server.writeTimeout", "30s")
	viper.SetDefault("server.shutdownTimeout", "10s")
	viper.SetDefault("server.rateLimitRPS", 20)
	viper.SetDefault("server.rateLimitBurst", 40)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "archivexm")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.maxConns", 25)
	viper.SetDefault("database.minConns", 5)

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Storage defaults
	viper.SetDefault("storage.enabled", false)
	viper.SetDefault("storage.endpoint", "localhost:9000")
	viper.SetDefault("storage.accessKeyID", "minioadmin")
	viper.SetDefault("storage.secretAccessKey", "minioadmin")
	viper.SetDefault("storage.bucketName", "tracks")
	viper.SetDefault("storage.region", "us-east-1")
	viper.SetDefault("storage.useSSL", false)

	// Queue defaults
	viper.SetDefault("queue.host", "localhost")
	viper.SetDefault("queue.port", 5672)
	viper.SetDefault("queue.user", "guest")
	viper.SetDefault("queue.password", "guest")
	viper.SetDefault("queue.vhost", "/")

	// Auth defaults
	viper.SetDefault("auth.jwtSecret", "")
	viper.SetDefault("auth.tokenTTL", "24h")
	viper.SetDefault("auth.secretKeyFile", "data/.secret_key")
	viper.SetDefault("auth.refreshMinutes", 10)

	// Upstream defaults
	viper.SetDefault("upstream.apiBase", "https://api.edge-gateway.siriusxm.com")
	viper.SetDefault("upstream.imageCDN", "https://imgsrv-sxm-prod-device.streaming.siriusxm.com/")
	viper.SetDefault("upstream.userAgent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")
	viper.SetDefault("upstream.timeout", "30s")

	// Recorder defaults
	viper.SetDefault("recorder.outputDir", "downloads")
	viper.SetDefault("recorder.quality", "256k")
	viper.SetDefault("recorder.pollInterval", "5s")
	viper.SetDefault("recorder.tempDir", "/tmp/archivexm")

	// Encoder defaults
	viper.SetDefault("encoder.ffmpegPath", "ffmpeg")
	viper.SetDefault("encoder.ffprobePath", "ffprobe")
	viper.SetDefault("encoder.audioCodec", "aac")
	viper.SetDefault("encoder.bitrate", "256k")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}
