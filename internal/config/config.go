// Package config loads taskwised configuration from a YAML file layered
// under TASKWISE_-prefixed environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (TASKWISE_SERVER__PORT, ...)
//  2. YAML config file (~/.config/taskwise/config.yaml by default)
//  3. Defaults from DefaultConfig
//
// The pipeline packages receive plain structs; nothing below this package
// reads the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the complete taskwised configuration tree.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Database   DatabaseConfig   `koanf:"database"`
	Detection  DetectionConfig  `koanf:"detection"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Classifier ClassifierConfig `koanf:"classifier"`
	Redaction  RedactionConfig  `koanf:"redaction"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr is the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `koanf:"level"`
	// Format is json or console.
	Format string `koanf:"format"`
}

// DatabaseConfig locates the SQLite data directory.
type DatabaseConfig struct {
	DataDir string `koanf:"data_dir"`
}

// DetectionConfig tunes the matching pipeline.
type DetectionConfig struct {
	// MinMatchRatio is the default acceptance threshold; requests may
	// override it per run.
	MinMatchRatio float64 `koanf:"min_match_ratio"`
	// DirectMatchMargin is the top-two score gap required to accept a
	// match without arbitration.
	DirectMatchMargin float64 `koanf:"direct_match_margin"`
	// MaxArbitrations caps classifier calls per detection run.
	MaxArbitrations int `koanf:"max_arbitrations"`
	// ShortlistSize caps the candidates presented per classifier call.
	ShortlistSize int `koanf:"shortlist_size"`
	// EmbeddingWeight is the cosine-similarity share of the hybrid score;
	// token overlap carries the remainder.
	EmbeddingWeight float64 `koanf:"embedding_weight"`
	// RequireAttendeeMatch makes attendee restriction the server default
	// for requests that do not ask for it themselves. Unassigned-task
	// matching is allowed exactly when attendee restriction is off.
	RequireAttendeeMatch bool `koanf:"require_attendee_match"`
	// ExtraCues extends the built-in completion vocabulary.
	ExtraCues []string `koanf:"extra_cues"`
	// ExtraNegators extends the built-in negation vocabulary.
	ExtraNegators []string `koanf:"extra_negators"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	// Provider is none, openai or local.
	Provider  string `koanf:"provider"`
	Model     string `koanf:"model"`
	BaseURL   string `koanf:"base_url"`
	APIKey    Secret `koanf:"api_key"`
	CacheDir  string `koanf:"cache_dir"`
	BatchSize int    `koanf:"batch_size"`
}

// ClassifierConfig selects the arbitration classifier backend.
type ClassifierConfig struct {
	// Provider is none, anthropic or openai.
	Provider   string   `koanf:"provider"`
	Model      string   `koanf:"model"`
	APIKey     Secret   `koanf:"api_key"`
	BaseURL    string   `koanf:"base_url"`
	Timeout    Duration `koanf:"timeout"`
	MaxRetries int      `koanf:"max_retries"`
}

// RedactionConfig controls secret redaction of outbound text.
type RedactionConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// TelemetryConfig controls OTLP trace and metric export.
type TelemetryConfig struct {
	Enabled bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
	// Protocol is grpc or http.
	Protocol       string   `koanf:"protocol"`
	Insecure       bool     `koanf:"insecure"`
	SampleRate     float64  `koanf:"sample_rate"`
	MetricInterval Duration `koanf:"metric_interval"`
}

// DefaultConfig returns the full default configuration tree.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8275,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			DataDir: defaultDataDir(),
		},
		Detection: DetectionConfig{
			MinMatchRatio:     0.6,
			DirectMatchMargin: 0.10,
			MaxArbitrations:   12,
			ShortlistSize:     4,
			EmbeddingWeight:   0.75,
		},
		Embeddings: EmbeddingsConfig{
			Provider:  "none",
			BatchSize: 40,
		},
		Classifier: ClassifierConfig{
			Provider:   "none",
			Timeout:    Duration(60 * time.Second),
			MaxRetries: 3,
		},
		Redaction: RedactionConfig{
			Enabled: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			Insecure:       true,
			SampleRate:     1.0,
			MetricInterval: Duration(15 * time.Second),
		},
	}
}

// defaultDataDir keeps data next to the config directory. Falls back to a
// relative directory when the home directory cannot be resolved.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "taskwise-data"
	}
	return filepath.Join(home, ".config", "taskwise", "data")
}

// applyDefaults fills zero-valued fields from DefaultConfig. Booleans keep
// their loaded value: false is a meaningful setting, not an absence.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()

	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}

	if cfg.Database.DataDir == "" {
		cfg.Database.DataDir = def.Database.DataDir
	}

	if cfg.Detection.MinMatchRatio == 0 {
		cfg.Detection.MinMatchRatio = def.Detection.MinMatchRatio
	}
	if cfg.Detection.DirectMatchMargin == 0 {
		cfg.Detection.DirectMatchMargin = def.Detection.DirectMatchMargin
	}
	if cfg.Detection.MaxArbitrations == 0 {
		cfg.Detection.MaxArbitrations = def.Detection.MaxArbitrations
	}
	if cfg.Detection.ShortlistSize == 0 {
		cfg.Detection.ShortlistSize = def.Detection.ShortlistSize
	}
	if cfg.Detection.EmbeddingWeight == 0 {
		cfg.Detection.EmbeddingWeight = def.Detection.EmbeddingWeight
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = def.Embeddings.Provider
	}
	if cfg.Embeddings.BatchSize == 0 {
		cfg.Embeddings.BatchSize = def.Embeddings.BatchSize
	}

	if cfg.Classifier.Provider == "" {
		cfg.Classifier.Provider = def.Classifier.Provider
	}
	if cfg.Classifier.Timeout == 0 {
		cfg.Classifier.Timeout = def.Classifier.Timeout
	}
	if cfg.Classifier.MaxRetries == 0 {
		cfg.Classifier.MaxRetries = def.Classifier.MaxRetries
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = def.Telemetry.Endpoint
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = def.Telemetry.Protocol
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = def.Telemetry.SampleRate
	}
	if cfg.Telemetry.MetricInterval == 0 {
		cfg.Telemetry.MetricInterval = def.Telemetry.MetricInterval
	}
}

// Validate checks the configuration tree and returns the first problem.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range 1-65535", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q not one of json, console", c.Logging.Format)
	}

	if c.Database.DataDir == "" {
		return fmt.Errorf("database.data_dir is required")
	}

	d := c.Detection
	if d.MinMatchRatio <= 0 || d.MinMatchRatio > 1 {
		return fmt.Errorf("detection.min_match_ratio %v out of range (0, 1]", d.MinMatchRatio)
	}
	if d.DirectMatchMargin < 0 || d.DirectMatchMargin >= 1 {
		return fmt.Errorf("detection.direct_match_margin %v out of range [0, 1)", d.DirectMatchMargin)
	}
	if d.MaxArbitrations < 1 {
		return fmt.Errorf("detection.max_arbitrations must be at least 1")
	}
	if d.ShortlistSize < 1 {
		return fmt.Errorf("detection.shortlist_size must be at least 1")
	}
	if d.EmbeddingWeight <= 0 || d.EmbeddingWeight > 1 {
		return fmt.Errorf("detection.embedding_weight %v out of range (0, 1]", d.EmbeddingWeight)
	}

	switch c.Embeddings.Provider {
	case "none", "openai", "local":
	default:
		return fmt.Errorf("embeddings.provider %q not one of none, openai, local", c.Embeddings.Provider)
	}
	if c.Embeddings.Provider == "openai" && !c.Embeddings.APIKey.IsSet() {
		return fmt.Errorf("embeddings.api_key is required for the openai provider")
	}
	if c.Embeddings.BatchSize < 1 {
		return fmt.Errorf("embeddings.batch_size must be at least 1")
	}

	switch c.Classifier.Provider {
	case "none", "anthropic", "openai":
	default:
		return fmt.Errorf("classifier.provider %q not one of none, anthropic, openai", c.Classifier.Provider)
	}
	if c.Classifier.Provider != "none" && !c.Classifier.APIKey.IsSet() {
		return fmt.Errorf("classifier.api_key is required for provider %q", c.Classifier.Provider)
	}
	if c.Classifier.Timeout.Duration() <= 0 {
		return fmt.Errorf("classifier.timeout must be positive")
	}

	t := c.Telemetry
	if t.Enabled && t.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	switch t.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol %q not one of grpc, http", t.Protocol)
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate %v out of range [0, 1]", t.SampleRate)
	}
	if t.MetricInterval.Duration() <= 0 {
		return fmt.Errorf("telemetry.metric_interval must be positive")
	}

	return nil
}
