package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	r := cfg.Retrieval
	if r.ChunkSize != 500 || r.ChunkOverlap != 100 || r.DefaultTopK != 5 || r.RelevanceThreshold != 0.1 {
		t.Errorf("unexpected retrieval defaults: %+v", r)
	}
	if cfg.Redis.Enabled || cfg.Kafka.Enabled || cfg.Postgres.Enabled {
		t.Error("external dependencies should be disabled by default")
	}
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: 9000
redis:
  enabled: true
  cacheTTL: 30s
retrieval:
  chunkSize: 300
  chunkOverlap: 50
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if !cfg.Redis.Enabled || cfg.Redis.CacheTTL != 30*time.Second {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.Retrieval.ChunkSize != 300 || cfg.Retrieval.ChunkOverlap != 50 {
		t.Errorf("retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Retrieval.DefaultTopK != 5 {
		t.Errorf("unset field lost its default: %+v", cfg.Retrieval)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KB_SERVER_PORT", "7070")
	t.Setenv("KB_KAFKA_ENABLED", "true")
	t.Setenv("KB_KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("KB_RETRIEVAL_RELEVANCE_THRESHOLD", "0.25")
	t.Setenv("KB_RETRIEVAL_MAX_TOP_K", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
	if cfg.Retrieval.RelevanceThreshold != 0.25 {
		t.Errorf("threshold = %v", cfg.Retrieval.RelevanceThreshold)
	}
	if cfg.Retrieval.MaxTopK != 50 {
		t.Errorf("bad number should be ignored, maxTopK = %d", cfg.Retrieval.MaxTopK)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero chunk size", func(c *Config) { c.Retrieval.ChunkSize = 0 }, "chunkSize"},
		{"overlap equals size", func(c *Config) { c.Retrieval.ChunkOverlap = c.Retrieval.ChunkSize }, "chunkOverlap"},
		{"negative threshold", func(c *Config) { c.Retrieval.RelevanceThreshold = -1 }, "relevanceThreshold"},
		{"max below default", func(c *Config) { c.Retrieval.MaxTopK = 2 }, "maxTopK"},
		{"no upload budget", func(c *Config) { c.Ingestion.MaxUploadBytes = 0 }, "maxUploadBytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
