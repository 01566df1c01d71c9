// Package config loads and validates service configuration from a YAML file
// with environment-variable overrides. Every subsystem (server, postgres,
// kafka, redis, retrieval, ingestion, logging, tracing, metrics) has its own
// typed section.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "KB_"

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
}

// PostgresConfig holds connection parameters for the upload ledger.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled bool        `yaml:"enabled"`
	Brokers []string    `yaml:"brokers"`
	Topics  KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	CorpusEvents    string `yaml:"corpusEvents"`
	AnalyticsEvents string `yaml:"analyticsEvents"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// RetrievalConfig controls chunking, ranking and the relevance gate.
type RetrievalConfig struct {
	ChunkSize          int     `yaml:"chunkSize"`
	ChunkOverlap       int     `yaml:"chunkOverlap"`
	DefaultTopK        int     `yaml:"defaultTopK"`
	MaxTopK            int     `yaml:"maxTopK"`
	RelevanceThreshold float64 `yaml:"relevanceThreshold"`
}

// IngestionConfig bounds document uploads.
type IngestionConfig struct {
	MaxUploadBytes int64         `yaml:"maxUploadBytes"`
	LedgerTimeout  time.Duration `yaml:"ledgerTimeout"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls span logging.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sampleRate"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. Missing values keep their defaults. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config suitable for local development. External
// dependencies are disabled so the service runs with nothing else started.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  20 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "finwise",
			User:            "finwise",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topics: KafkaTopics{
				CorpusEvents:    "corpus-events",
				AnalyticsEvents: "analytics-events",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 5 * time.Minute,
		},
		Retrieval: RetrievalConfig{
			ChunkSize:          500,
			ChunkOverlap:       100,
			DefaultTopK:        5,
			MaxTopK:            50,
			RelevanceThreshold: 0.1,
		},
		Ingestion: IngestionConfig{
			MaxUploadBytes: 10 << 20,
			LedgerTimeout:  5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			SampleRate: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Validate rejects settings the retrieval pipeline cannot work with.
func (c *Config) Validate() error {
	var errs []error
	r := c.Retrieval
	if r.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.chunkSize must be positive, got %d", r.ChunkSize))
	}
	if r.ChunkOverlap < 0 || r.ChunkOverlap >= r.ChunkSize {
		errs = append(errs, fmt.Errorf("retrieval.chunkOverlap must be in [0, chunkSize), got %d", r.ChunkOverlap))
	}
	if r.DefaultTopK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.defaultTopK must be positive, got %d", r.DefaultTopK))
	}
	if r.MaxTopK < r.DefaultTopK {
		errs = append(errs, fmt.Errorf("retrieval.maxTopK (%d) is below defaultTopK (%d)", r.MaxTopK, r.DefaultTopK))
	}
	if r.RelevanceThreshold < 0 {
		errs = append(errs, fmt.Errorf("retrieval.relevanceThreshold must not be negative, got %v", r.RelevanceThreshold))
	}
	if c.Ingestion.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("ingestion.maxUploadBytes must be positive, got %d", c.Ingestion.MaxUploadBytes))
	}
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be positive, got %d", c.Server.Port))
	}
	return errors.Join(errs...)
}

// applyEnvOverrides reads KB_* environment variables and overrides the
// corresponding config fields. Unparseable numbers are ignored.
func applyEnvOverrides(cfg *Config) {
	setInt("SERVER_PORT", &cfg.Server.Port)
	if v := env("SERVER_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
	}

	setBool("POSTGRES_ENABLED", &cfg.Postgres.Enabled)
	setString("POSTGRES_HOST", &cfg.Postgres.Host)
	setInt("POSTGRES_PORT", &cfg.Postgres.Port)
	setString("POSTGRES_DATABASE", &cfg.Postgres.Database)
	setString("POSTGRES_USER", &cfg.Postgres.User)
	setString("POSTGRES_PASSWORD", &cfg.Postgres.Password)
	setString("POSTGRES_SSLMODE", &cfg.Postgres.SSLMode)

	setBool("KAFKA_ENABLED", &cfg.Kafka.Enabled)
	if v := env("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}

	setBool("REDIS_ENABLED", &cfg.Redis.Enabled)
	setString("REDIS_ADDR", &cfg.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Redis.Password)
	if v := env("REDIS_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Redis.CacheTTL = d
		}
	}

	setInt("RETRIEVAL_CHUNK_SIZE", &cfg.Retrieval.ChunkSize)
	setInt("RETRIEVAL_CHUNK_OVERLAP", &cfg.Retrieval.ChunkOverlap)
	setInt("RETRIEVAL_DEFAULT_TOP_K", &cfg.Retrieval.DefaultTopK)
	setInt("RETRIEVAL_MAX_TOP_K", &cfg.Retrieval.MaxTopK)
	if v := env("RETRIEVAL_RELEVANCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Retrieval.RelevanceThreshold = f
		}
	}
	if v := env("INGESTION_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Ingestion.MaxUploadBytes = n
		}
	}

	setString("LOGGING_LEVEL", &cfg.Logging.Level)
	setString("LOGGING_FORMAT", &cfg.Logging.Format)
	setBool("TRACING_ENABLED", &cfg.Tracing.Enabled)
	setBool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	setInt("METRICS_PORT", &cfg.Metrics.Port)
}

func env(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func setString(key string, dst *string) {
	if v := env(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := env(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(key string, dst *bool) {
	if v := env(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
