package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vaultguard/core/pricing"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for vaultd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	LogLevel      string          `yaml:"log_level"`
	Storage       StorageConfig   `yaml:"storage"`
	Pricing       PricingConfig   `yaml:"pricing"`
	Rebalance     RebalanceConfig `yaml:"rebalance"`
	Oracle        OracleConfig    `yaml:"oracle"`
	Sources       []Source        `yaml:"sources"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	NATS          NATSConfig      `yaml:"nats"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	Stream        StreamConfig    `yaml:"stream"`
}

// StorageConfig selects the database backend.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// PricingConfig points at the static price table. Mode overrides the mode
// declared inside the table file when set.
type PricingConfig struct {
	TablePath string `yaml:"table"`
	Mode      string `yaml:"mode"`
}

// RebalanceConfig tunes the rebalance workflow.
type RebalanceConfig struct {
	TotalSeconds int64    `yaml:"total_seconds"`
	TickInterval Duration `yaml:"tick_interval"`
	RefreshEvery Duration `yaml:"refresh_every"`
	HistoryLimit int      `yaml:"history_limit"`
}

// OracleConfig tunes the price aggregation loop.
type OracleConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
	MaxAge   Duration `yaml:"max_age"`
	MinFeeds int      `yaml:"min_feeds"`
	Symbols  []string `yaml:"symbols"`
}

// Source describes an upstream price feed.
type Source struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Endpoint string            `yaml:"endpoint"`
	Assets   map[string]string `yaml:"assets"`
}

// RateLimitConfig bounds per-client request rates on the API.
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"rps"`
	Burst         int     `yaml:"burst"`
}

// NATSConfig enables event publication when URL is set.
type NATSConfig struct {
	URL           string   `yaml:"url"`
	Name          string   `yaml:"name"`
	Subject       string   `yaml:"subject"`
	ReconnectWait Duration `yaml:"reconnect_wait"`
	MaxReconnects int      `yaml:"max_reconnects"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	Traces      bool              `yaml:"traces"`
	Metrics     bool              `yaml:"metrics"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// StreamConfig tunes the websocket event feed.
type StreamConfig struct {
	Buffer       int      `yaml:"buffer"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if env := strings.TrimSpace(os.Getenv("VAULTD_ENV")); env != "" {
		cfg.Environment = env
	}
	if dsn := strings.TrimSpace(os.Getenv("VAULTD_DSN")); dsn != "" {
		cfg.Storage.DSN = dsn
	}
	if url := strings.TrimSpace(os.Getenv("VAULTD_NATS_URL")); url != "" {
		cfg.NATS.URL = url
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" && cfg.Storage.Driver == "sqlite" {
		cfg.Storage.DSN = "/var/data/vaultd.sqlite"
	}
	if cfg.Rebalance.TotalSeconds <= 0 {
		cfg.Rebalance.TotalSeconds = 600
	}
	if cfg.Rebalance.TickInterval.Duration == 0 {
		cfg.Rebalance.TickInterval.Duration = time.Second
	}
	if cfg.Rebalance.RefreshEvery.Duration == 0 {
		cfg.Rebalance.RefreshEvery.Duration = 30 * time.Second
	}
	if cfg.Rebalance.HistoryLimit <= 0 {
		cfg.Rebalance.HistoryLimit = 1000
	}
	if cfg.Oracle.Interval.Duration == 0 {
		cfg.Oracle.Interval.Duration = 30 * time.Second
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 2 * time.Minute
	}
	if cfg.Oracle.MinFeeds <= 0 {
		cfg.Oracle.MinFeeds = 1
	}
	if cfg.RateLimit.RatePerSecond == 0 {
		cfg.RateLimit.RatePerSecond = 20
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 40
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "vaultguard.events"
	}
	if cfg.NATS.ReconnectWait.Duration == 0 {
		cfg.NATS.ReconnectWait.Duration = 2 * time.Second
	}
	if cfg.Stream.Buffer <= 0 {
		cfg.Stream.Buffer = 64
	}
	if cfg.Stream.WriteTimeout.Duration == 0 {
		cfg.Stream.WriteTimeout.Duration = 5 * time.Second
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Storage.DSN) == "" {
		return fmt.Errorf("storage.dsn must be configured")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
	if cfg.Pricing.Mode != "" {
		if _, err := pricing.ParseMode(cfg.Pricing.Mode); err != nil {
			return err
		}
	}
	if cfg.Pricing.TablePath == "" && !cfg.Oracle.Enabled {
		return fmt.Errorf("pricing.table must be configured when the oracle is disabled")
	}
	if cfg.Oracle.Enabled {
		if len(cfg.Sources) == 0 {
			return fmt.Errorf("at least one oracle source must be configured")
		}
		if len(cfg.Oracle.Symbols) == 0 {
			return fmt.Errorf("oracle.symbols must list at least one token")
		}
	}
	if cfg.RateLimit.RatePerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}
