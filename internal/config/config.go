// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig      `mapstructure:"server"`
	Auth     AuthConfig        `mapstructure:"auth"`
	Pipeline PipelineConfig    `mapstructure:"pipeline"`
	Sources  []pipeline.Source `mapstructure:"sources"`
	Store    StoreConfig       `mapstructure:"store"`
	Staging  BlobConfig        `mapstructure:"staging"`
	Archive  BlobConfig        `mapstructure:"archive"`
	Review   ReviewConfig      `mapstructure:"review"`
	HTTP     HTTPConfig        `mapstructure:"http"`
	Logging  LoggingConfig     `mapstructure:"logging"`
	Tracing  TracingConfig     `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PipelineConfig governs the orchestrator loop.
type PipelineConfig struct {
	ConcurrencyLimit       int           `mapstructure:"concurrency_limit"`
	PolitenessDelaySeconds float64       `mapstructure:"politeness_delay_seconds"`
	RetryCeiling           int           `mapstructure:"retry_ceiling"`
	InitialState           string        `mapstructure:"initial_state"`
	LoopInterval           time.Duration `mapstructure:"loop_interval"`
	SleepInterval          time.Duration `mapstructure:"sleep_interval"`
	ErrorBackoff           time.Duration `mapstructure:"error_backoff"`
	ErrorBackoffMax        time.Duration `mapstructure:"error_backoff_max"`
	SaturationBackoff      time.Duration `mapstructure:"saturation_backoff"`
	DiscoveryBackoff       time.Duration `mapstructure:"discovery_backoff"`
	DiscoveryBackoffMax    time.Duration `mapstructure:"discovery_backoff_max"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout"`
	ClaimLease             time.Duration `mapstructure:"claim_lease"`
}

// StoreConfig selects and configures the artifact store.
type StoreConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// BlobConfig selects a blob store for staged assets or archive uploads.
type BlobConfig struct {
	// Driver is memory, local or gcs.
	Driver string `mapstructure:"driver"`
	Dir    string `mapstructure:"dir"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// ReviewConfig configures where review requests are published.
type ReviewConfig struct {
	// Publisher is memory or pubsub.
	Publisher string `mapstructure:"publisher"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// HTTPConfig configures outbound fetches made by the stage workers.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	IgnoreRobots   bool   `mapstructure:"ignore_robots"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
	MaxAssets      int    `mapstructure:"max_assets"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// Exporter is none or stdout.
	Exporter string `mapstructure:"exporter"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("pipeline.concurrency_limit", 4)
	v.SetDefault("pipeline.politeness_delay_seconds", 2.0)
	v.SetDefault("pipeline.retry_ceiling", 3)
	v.SetDefault("pipeline.initial_state", string(pipeline.RunStateRunning))
	v.SetDefault("pipeline.loop_interval", "2s")
	v.SetDefault("pipeline.sleep_interval", "10s")
	v.SetDefault("pipeline.error_backoff", "10s")
	v.SetDefault("pipeline.error_backoff_max", "5m")
	v.SetDefault("pipeline.saturation_backoff", "500ms")
	v.SetDefault("pipeline.discovery_backoff", "60s")
	v.SetDefault("pipeline.discovery_backoff_max", "1h")
	v.SetDefault("pipeline.shutdown_timeout", "30s")
	v.SetDefault("pipeline.claim_lease", "30m")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "data/pipeline.db")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.migrate", true)
	v.SetDefault("staging.driver", "local")
	v.SetDefault("staging.dir", "data/staging")
	v.SetDefault("archive.driver", "local")
	v.SetDefault("archive.dir", "data/archive")
	v.SetDefault("archive.prefix", "artifacts")
	v.SetDefault("review.publisher", "memory")
	v.SetDefault("review.topic", "artifact-review")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "artifact-pipeline/0.1")
	v.SetDefault("http.ignore_robots", false)
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("http.max_assets", 8)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "artifact-pipeline")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.exporter", "none")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pipeline.ConcurrencyLimit <= 0 {
		return fmt.Errorf("pipeline.concurrency_limit must be > 0")
	}
	if c.Pipeline.PolitenessDelaySeconds < 0 {
		return fmt.Errorf("pipeline.politeness_delay_seconds must be >= 0")
	}
	if c.Pipeline.RetryCeiling <= 0 {
		return fmt.Errorf("pipeline.retry_ceiling must be > 0")
	}
	if _, err := pipeline.ParseRunState(c.Pipeline.InitialState); err != nil {
		return fmt.Errorf("pipeline.initial_state: %w", err)
	}
	if c.Pipeline.LoopInterval <= 0 {
		return fmt.Errorf("pipeline.loop_interval must be > 0")
	}
	if c.Pipeline.ClaimLease < 0 {
		return fmt.Errorf("pipeline.claim_lease must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.validateSources(); err != nil {
		return err
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("store.driver %q is not one of memory, sqlite, postgres", c.Store.Driver)
	}
	if err := c.Staging.validate("staging"); err != nil {
		return err
	}
	if err := c.Archive.validate("archive"); err != nil {
		return err
	}
	switch c.Review.Publisher {
	case "memory":
	case "pubsub":
		if c.Review.ProjectID == "" || c.Review.Topic == "" {
			return fmt.Errorf("review.project_id and review.topic are required for pubsub")
		}
	default:
		return fmt.Errorf("review.publisher %q is not one of memory, pubsub", c.Review.Publisher)
	}
	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		if c.Tracing.Exporter != "none" && c.Tracing.Exporter != "stdout" {
			return fmt.Errorf("tracing.exporter %q is not one of none, stdout", c.Tracing.Exporter)
		}
	}
	return nil
}

func (c Config) validateSources() error {
	seen := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("sources[%d].name is required", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("sources[%d].name %q is duplicated", i, s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.SeedPage == "" {
			return fmt.Errorf("sources[%d].seed_page is required", i)
		}
		if !strings.Contains(s.SeedPage, "{page}") && s.PageParam == "" {
			return fmt.Errorf("sources[%d] needs a {page} placeholder or page_param", i)
		}
	}
	return nil
}

func (b BlobConfig) validate(section string) error {
	switch b.Driver {
	case "memory":
	case "local":
		if b.Dir == "" {
			return fmt.Errorf("%s.dir is required for local", section)
		}
	case "gcs":
		if b.Bucket == "" {
			return fmt.Errorf("%s.bucket is required for gcs", section)
		}
	default:
		return fmt.Errorf("%s.driver %q is not one of memory, local, gcs", section, b.Driver)
	}
	return nil
}

// PolitenessDelay returns the per-domain spacing as a duration.
func (c Config) PolitenessDelay() time.Duration {
	return time.Duration(c.Pipeline.PolitenessDelaySeconds * float64(time.Second))
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// InitialRunState returns the run state used until one is persisted.
func (c Config) InitialRunState() pipeline.RunState {
	state, err := pipeline.ParseRunState(c.Pipeline.InitialState)
	if err != nil {
		return pipeline.RunStateRunning
	}
	return state
}
