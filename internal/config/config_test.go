package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pipeline.ConcurrencyLimit != 4 || cfg.Pipeline.RetryCeiling != 3 {
		t.Fatalf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.LoopInterval != 2*time.Second || cfg.Pipeline.SleepInterval != 10*time.Second {
		t.Fatalf("unexpected loop timings: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.DiscoveryBackoff != time.Minute {
		t.Fatalf("expected 60s discovery backoff, got %v", cfg.Pipeline.DiscoveryBackoff)
	}
	if cfg.Pipeline.ClaimLease != 30*time.Minute {
		t.Fatalf("expected 30m claim lease, got %v", cfg.Pipeline.ClaimLease)
	}
	if got := cfg.PolitenessDelay(); got != 2*time.Second {
		t.Fatalf("expected 2s politeness delay, got %v", got)
	}
	if cfg.Store.Driver != "sqlite" || cfg.InitialRunState() != pipeline.RunStateRunning {
		t.Fatalf("unexpected store defaults: %+v", cfg.Store)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
pipeline:
  concurrency_limit: 6
  politeness_delay_seconds: 0.5
  retry_ceiling: 5
  initial_state: STOPPED
  loop_interval: 250ms
sources:
  - name: museum
    seed_page: https://museum.example/collection?page={page}
    link_pattern: /objects/\d+
  - name: archive
    seed_page: https://archive.example/items
    page_param: p
store:
  driver: postgres
  dsn: postgres://localhost/pipeline
archive:
  driver: gcs
  bucket: artifacts
review:
  publisher: pubsub
  project_id: demo
  topic: reviews
http:
  timeout_seconds: 45
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Pipeline.ConcurrencyLimit != 6 || cfg.Pipeline.RetryCeiling != 5 {
		t.Fatalf("expected pipeline overrides to apply: %+v", cfg.Pipeline)
	}
	if got := cfg.PolitenessDelay(); got != 500*time.Millisecond {
		t.Fatalf("expected 500ms politeness delay, got %v", got)
	}
	if cfg.Pipeline.LoopInterval != 250*time.Millisecond {
		t.Fatalf("expected 250ms loop interval, got %v", cfg.Pipeline.LoopInterval)
	}
	if cfg.InitialRunState() != pipeline.RunStateStopped {
		t.Fatalf("expected STOPPED initial state, got %q", cfg.InitialRunState())
	}
	if len(cfg.Sources) != 2 || cfg.Sources[0].Name != "museum" || cfg.Sources[1].PageParam != "p" {
		t.Fatalf("expected sources to be loaded: %+v", cfg.Sources)
	}
	if cfg.Sources[0].LinkPattern != `/objects/\d+` {
		t.Fatalf("expected link pattern to be preserved, got %q", cfg.Sources[0].LinkPattern)
	}
	if cfg.Store.Driver != "postgres" || cfg.Archive.Bucket != "artifacts" {
		t.Fatalf("expected store and archive overrides: %+v %+v", cfg.Store, cfg.Archive)
	}
	if got := cfg.FetchTimeout(); got != 45*time.Second {
		t.Fatalf("expected fetch timeout 45s, got %v", got)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Pipeline: PipelineConfig{
			ConcurrencyLimit: 1,
			RetryCeiling:     3,
			InitialState:     "RUNNING",
			LoopInterval:     time.Second,
		},
		Store:   StoreConfig{Driver: "memory"},
		Staging: BlobConfig{Driver: "memory"},
		Archive: BlobConfig{Driver: "memory"},
		Review:  ReviewConfig{Publisher: "memory"},
		HTTP:    HTTPConfig{TimeoutSeconds: 10},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid concurrency", func(c *Config) { c.Pipeline.ConcurrencyLimit = 0 }, "pipeline.concurrency_limit"},
		{"negative delay", func(c *Config) { c.Pipeline.PolitenessDelaySeconds = -1 }, "politeness_delay_seconds"},
		{"invalid ceiling", func(c *Config) { c.Pipeline.RetryCeiling = 0 }, "pipeline.retry_ceiling"},
		{"invalid initial state", func(c *Config) { c.Pipeline.InitialState = "PAUSED" }, "pipeline.initial_state"},
		{"negative claim lease", func(c *Config) { c.Pipeline.ClaimLease = -time.Minute }, "pipeline.claim_lease"},
		{"invalid timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown store", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"gcs without bucket", func(c *Config) { c.Archive.Driver = "gcs" }, "archive.bucket"},
		{"pubsub without topic", func(c *Config) { c.Review.Publisher = "pubsub" }, "review.project_id"},
		{"tracing exporter", func(c *Config) {
			c.Tracing = TracingConfig{Enabled: true, ServiceName: "p", Exporter: "jaeger"}
		}, "tracing.exporter"},
		{"source without name", func(c *Config) {
			c.Sources = []pipeline.Source{{SeedPage: "https://x.example/{page}"}}
		}, "sources[0].name"},
		{"duplicate source", func(c *Config) {
			c.Sources = []pipeline.Source{
				{Name: "a", SeedPage: "https://x.example/{page}"},
				{Name: "a", SeedPage: "https://y.example/{page}"},
			}
		}, "duplicated"},
		{"source without paging", func(c *Config) {
			c.Sources = []pipeline.Source{{Name: "a", SeedPage: "https://x.example/list"}}
		}, "page_param"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
