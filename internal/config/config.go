package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the PixelForge server and worker.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Stream    StreamConfig
	Storage   StorageConfig
	SecretKey string
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type QueueConfig struct {
	Name            string
	DedupTTL        time.Duration
	VisibilityTTL   time.Duration
	PromoteInterval time.Duration
	ReapInterval    time.Duration
	SampleInterval  time.Duration
}

type WorkerConfig struct {
	Concurrency     int
	ProviderTimeout time.Duration
	MaxRetries      int
	BaseBackoff     time.Duration
	RateLimitWindow time.Duration
	RateLimitMax    int

	// Base URL overrides for provider adapters; empty picks each vendor's
	// default endpoint.
	OpenAIBaseURL string
	GoogleBaseURL string
	FALBaseURL    string
}

type StreamConfig struct {
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	MaxDuration       time.Duration
	ReplayTTL         time.Duration
	MaxLen            int64
}

type StorageConfig struct {
	RootDir    string
	PublicURL  string
	SignSecret string
	URLTTL     time.Duration
}

// Load reads configuration from environment variables and returns a
// validated Config. Returns an error with a descriptive message if any
// required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("PIXELFORGE_PORT", 8080),
			Env:  envString("PIXELFORGE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			Name:            envString("QUEUE_NAME", "ai-jobs"),
			DedupTTL:        envDuration("QUEUE_DEDUP_TTL", 24*time.Hour),
			VisibilityTTL:   envDuration("QUEUE_VISIBILITY_TTL", 15*time.Minute),
			PromoteInterval: envDuration("QUEUE_PROMOTE_INTERVAL", time.Second),
			ReapInterval:    envDuration("QUEUE_REAP_INTERVAL", 30*time.Second),
			SampleInterval:  envDuration("QUEUE_SAMPLE_INTERVAL", 30*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency:     envInt("WORKER_CONCURRENCY", 5),
			ProviderTimeout: envDurationSecs("PROVIDER_TIMEOUT_SECS", 10*time.Minute),
			MaxRetries:      envInt("WORKER_MAX_RETRIES", 3),
			BaseBackoff:     envDuration("WORKER_BASE_BACKOFF", time.Second),
			RateLimitWindow: envDuration("RATE_LIMIT_WINDOW", time.Minute),
			RateLimitMax:    envInt("RATE_LIMIT_MAX", 60),
			OpenAIBaseURL:   os.Getenv("OPENAI_BASE_URL"),
			GoogleBaseURL:   os.Getenv("GOOGLE_BASE_URL"),
			FALBaseURL:      os.Getenv("FAL_BASE_URL"),
		},
		Stream: StreamConfig{
			HeartbeatInterval: envDuration("SSE_HEARTBEAT_INTERVAL", 6*time.Second),
			PollInterval:      envDuration("SSE_POLL_INTERVAL", 3*time.Second),
			MaxDuration:       envDuration("SSE_MAX_DURATION", 10*time.Minute),
			ReplayTTL:         envDuration("STREAM_REPLAY_TTL", 5*time.Minute),
			MaxLen:            int64(envInt("STREAM_MAX_LEN", 1000)),
		},
		Storage: StorageConfig{
			RootDir:    envString("STORAGE_ROOT", "data/storage"),
			PublicURL:  envString("STORAGE_PUBLIC_URL", "http://localhost:8080/files"),
			SignSecret: os.Getenv("STORAGE_SIGN_SECRET"),
			URLTTL:     envDuration("STORAGE_URL_TTL", 15*time.Minute),
		},
		SecretKey: os.Getenv("SECRET_KEY"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY is required")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1; got %d", c.Worker.Concurrency)
	}

	if c.Storage.SignSecret == "" {
		return fmt.Errorf("STORAGE_SIGN_SECRET is required")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
