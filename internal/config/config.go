package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Error policies applied when the transfer engine reports a failed download.
const (
	ErrorPolicyRetain  = "retain"
	ErrorPolicyRelease = "release"
)

// Network preferences for downloading.
const (
	NetworkAny  = "any"
	NetworkWiFi = "wifi"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`
	DBPath      string `envconfig:"DB_PATH" default:"podcasts.db"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"INFO"`

	// DownloadNetwork is the user's downloading preference; ConnectionType
	// overrides detection of the current connection (e.g. in containers).
	DownloadNetwork string `envconfig:"DOWNLOAD_NETWORK" default:"any"`
	ConnectionType  string `envconfig:"CONNECTION_TYPE"`

	ErrorPolicy      string        `envconfig:"ERROR_POLICY" default:"retain"`
	MaxConcurrent    int           `envconfig:"MAX_CONCURRENT" default:"0"`
	StallTimeout     time.Duration `envconfig:"STALL_TIMEOUT" default:"0s"`
	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL" default:"1s"`
	CleanupInterval  time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	KeepPartialFor   time.Duration `envconfig:"KEEP_PARTIAL_FOR" default:"72h"`

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	// TagEpisodes fills missing ID3 tags of finished MP3 downloads.
	TagEpisodes bool `envconfig:"TAG_EPISODES" default:"true"`

	Telemetry struct {
		Enabled        bool          `split_words:"true" default:"true"`
		ServiceName    string        `split_words:"true" default:"podcast_downloader"`
		OTLPEndpoint   string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure   bool          `envconfig:"OTLP_INSECURE" default:"false"`
		ExportInterval time.Duration `split_words:"true" default:"60s"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		// Username enables basic auth on the API when set.
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot express as tags.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DownloadDir) == "" {
		return fmt.Errorf("DOWNLOAD_DIR must not be empty")
	}

	switch strings.ToLower(c.ErrorPolicy) {
	case ErrorPolicyRetain, ErrorPolicyRelease:
	default:
		return fmt.Errorf("invalid ERROR_POLICY %q: want %s or %s", c.ErrorPolicy, ErrorPolicyRetain, ErrorPolicyRelease)
	}

	switch strings.ToLower(c.DownloadNetwork) {
	case NetworkAny, NetworkWiFi:
	default:
		return fmt.Errorf("invalid DOWNLOAD_NETWORK %q: want %s or %s", c.DownloadNetwork, NetworkAny, NetworkWiFi)
	}

	if c.MaxConcurrent < 0 {
		return fmt.Errorf("invalid MAX_CONCURRENT %d: must not be negative", c.MaxConcurrent)
	}

	if c.StallTimeout < 0 {
		return fmt.Errorf("invalid STALL_TIMEOUT %s: must not be negative", c.StallTimeout)
	}

	if c.CleanupInterval <= 0 {
		return fmt.Errorf("invalid CLEANUP_INTERVAL %s: must be positive", c.CleanupInterval)
	}

	return nil
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
