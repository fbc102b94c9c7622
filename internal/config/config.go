package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	WatchURL    string `envconfig:"WATCH_URL"`
	DownloadDir string `envconfig:"DOWNLOAD_DIR" default:"./downloads"`

	SupportedExtensions []string      `envconfig:"SUPPORTED_EXTENSIONS" default:".pdf,.zip,.tar,.gz,.csv,.json,.xml,.txt,.jpg,.jpeg,.png,.mp4,.mp3,.doc,.docx,.xls,.xlsx"`
	MaxRetries          int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryBaseDelay      time.Duration `envconfig:"RETRY_BASE_DELAY" default:"2s"`
	RequestTimeout      time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	PollInterval        time.Duration `envconfig:"POLL_INTERVAL" default:"5m"`
	MaxParallel         int           `envconfig:"MAX_PARALLEL" default:"5"`

	DBPath            string        `envconfig:"DB_PATH" default:"records.db"`
	ManifestPath      string        `envconfig:"MANIFEST_PATH" default:"manifest.log"`
	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		Exporter     string `split_words:"true" default:"prometheus"`
		OTLPEndpoint string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
	}

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
