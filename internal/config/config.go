// Package config provides unified configuration loading for the document
// pipeline. Supports YAML files, environment variables, and programmatic
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the document pipeline services.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Worker        WorkerConfig        `yaml:"worker"`
	Extraction    ExtractionConfig    `yaml:"extraction"`
	LLM           LLMConfig           `yaml:"llm"`
	Blob          BlobConfig          `yaml:"blob"`
	Migrations    MigrationsConfig    `yaml:"migrations"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`

	// APITokens maps bearer tokens to caller identities.
	APITokens map[string]string `yaml:"api_tokens"`
	// ServiceTokens authenticate trusted server-side callers (workers,
	// backend services). They bypass per-document authorization and gate
	// the jobs RPC surface.
	ServiceTokens []string `yaml:"service_tokens"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds Redis settings, shared by the notification channel and
// the signed-URL cache. When disabled, notifications degrade to no-ops and
// polling carries all status observation.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	ServiceName  string        `yaml:"service_name"`
	PollInterval time.Duration `yaml:"poll_interval"`
	LeaseSeconds int           `yaml:"lease_seconds"`
	BatchSize    int           `yaml:"batch_size"`
	Concurrency  int           `yaml:"concurrency"`
	MaxAttempts  int           `yaml:"max_attempts"`
	JobTypes     []string      `yaml:"job_types"`
}

// ExtractionConfig holds settings for the extraction backends.
type ExtractionConfig struct {
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	DocAI           DocAIConfig   `yaml:"docai"`
	OCR             OCRConfig     `yaml:"ocr"`
}

// DocAIConfig holds document-understanding service settings.
type DocAIConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout"`
	MinConfidence float64       `yaml:"min_confidence"`
}

// OCRConfig holds vision OCR service settings.
type OCRConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// LLMConfig holds settings for the LLM used by output generation and the
// OCR fallback.
type LLMConfig struct {
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"`
	Model           string        `yaml:"model"`
	OCRModel        string        `yaml:"ocr_model"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
}

// BlobConfig holds document byte storage settings.
type BlobConfig struct {
	Provider     string        `yaml:"provider"` // s3 or local
	SignedURLTTL time.Duration `yaml:"signed_url_ttl"`
	S3           S3Config      `yaml:"s3"`
	Local        LocalConfig   `yaml:"local"`
}

// S3Config holds S3-compatible storage settings.
type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// LocalConfig holds local filesystem storage settings (dev and tests).
type LocalConfig struct {
	Root string `yaml:"root"`
}

// MigrationsConfig holds schema migration settings.
type MigrationsConfig struct {
	Dir     string `yaml:"dir"`
	AutoRun bool   `yaml:"auto_run"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
			APITokens:        map[string]string{},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/docpipe.db",
				MaxOpenConns: 1,
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Redis: RedisConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "docpipe:",
		},
		Worker: WorkerConfig{
			ServiceName:  "docpipe-worker",
			PollInterval: 2 * time.Second,
			LeaseSeconds: 120,
			BatchSize:    10,
			Concurrency:  4,
			MaxAttempts:  5,
			JobTypes:     []string{"extract_text", "generate_output"},
		},
		Extraction: ExtractionConfig{
			DownloadTimeout: 60 * time.Second,
			DocAI: DocAIConfig{
				Enabled:       false,
				Timeout:       120 * time.Second,
				MinConfidence: 0.7,
			},
			OCR: OCRConfig{
				Enabled: false,
				Timeout: 60 * time.Second,
			},
		},
		LLM: LLMConfig{
			Model:           "gpt-4o",
			OCRModel:        "gpt-4o",
			Timeout:         120 * time.Second,
			MaxOutputTokens: 4096,
		},
		Blob: BlobConfig{
			Provider:     "local",
			SignedURLTTL: 15 * time.Minute,
			S3: S3Config{
				Region:       "us-east-1",
				UsePathStyle: false,
			},
			Local: LocalConfig{
				Root: "/tmp/docpipe-blobs",
			},
		},
		Migrations: MigrationsConfig{
			Dir:     "db/migrations",
			AutoRun: true,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "debug",
			LogFormat: "json",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Database.Driver == "postgres" && c.Database.Postgres.DSN == "" {
		return fmt.Errorf("postgres driver requires a dsn")
	}

	if c.Worker.LeaseSeconds < 10 {
		return fmt.Errorf("worker lease_seconds must be at least 10, got %d", c.Worker.LeaseSeconds)
	}

	if c.Worker.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("worker poll_interval must be at least 100ms")
	}

	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker max_attempts must be at least 1")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1")
	}

	if c.Blob.Provider != "s3" && c.Blob.Provider != "local" {
		return fmt.Errorf("invalid blob provider: %s", c.Blob.Provider)
	}

	if c.Blob.Provider == "s3" && c.Blob.S3.Bucket == "" {
		return fmt.Errorf("s3 blob provider requires a bucket")
	}

	return nil
}

// IsDevelopment returns true if running against SQLite with no auth tokens.
func (c *Config) IsDevelopment() bool {
	return c.Database.Driver == "sqlite" && len(c.Server.APITokens) == 0
}

// DatabaseDSN returns the appropriate database connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// WorkerOwnerID derives the stable lease owner identity for this process.
// Co-scheduled instances of the same service get distinct owners via the pid.
func (c *Config) WorkerOwnerID() string {
	return fmt.Sprintf("%s-%d", c.Worker.ServiceName, os.Getpid())
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DOCPIPE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("DOCPIPE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := firstEnv("DOCPIPE_DATABASE_URL", "DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}

	if v := firstEnv("DOCPIPE_REDIS_URL", "REDIS_URL"); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("DOCPIPE_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("DOCPIPE_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	if v := os.Getenv("DOCPIPE_SERVICE_NAME"); v != "" {
		cfg.Worker.ServiceName = v
	}

	if v := os.Getenv("DOCPIPE_POLL_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Worker.PollInterval = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("DOCPIPE_LEASE_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Worker.LeaseSeconds = secs
		}
	}

	if v := os.Getenv("DOCPIPE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.BatchSize = n
		}
	}

	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}

	if v := os.Getenv("DOCPIPE_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}

	if v := os.Getenv("DOCPIPE_DOCAI_URL"); v != "" {
		cfg.Extraction.DocAI.Enabled = true
		cfg.Extraction.DocAI.BaseURL = v
	}

	if v := os.Getenv("DOCPIPE_DOCAI_API_KEY"); v != "" {
		cfg.Extraction.DocAI.APIKey = v
	}

	if v := os.Getenv("DOCPIPE_OCR_URL"); v != "" {
		cfg.Extraction.OCR.Enabled = true
		cfg.Extraction.OCR.BaseURL = v
	}

	if v := os.Getenv("DOCPIPE_OCR_API_KEY"); v != "" {
		cfg.Extraction.OCR.APIKey = v
	}

	if v := os.Getenv("DOCPIPE_S3_BUCKET"); v != "" {
		cfg.Blob.Provider = "s3"
		cfg.Blob.S3.Bucket = v
	}

	if v := os.Getenv("DOCPIPE_S3_ENDPOINT"); v != "" {
		cfg.Blob.S3.Endpoint = v
		cfg.Blob.S3.UsePathStyle = true
	}

	if v := os.Getenv("DOCPIPE_S3_REGION"); v != "" {
		cfg.Blob.S3.Region = v
	}

	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Blob.S3.AccessKeyID = v
	}

	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Blob.S3.SecretAccessKey = v
	}

	if v := os.Getenv("DOCPIPE_MIGRATIONS_DIR"); v != "" {
		cfg.Migrations.Dir = v
	}

	// DOCPIPE_API_TOKENS is a comma-separated list of token:caller pairs.
	if v := os.Getenv("DOCPIPE_API_TOKENS"); v != "" {
		if cfg.Server.APITokens == nil {
			cfg.Server.APITokens = map[string]string{}
		}
		for _, pair := range strings.Split(v, ",") {
			parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
			if len(parts) == 2 && parts[0] != "" {
				cfg.Server.APITokens[parts[0]] = parts[1]
			}
		}
	}

	if v := os.Getenv("DOCPIPE_SERVICE_TOKENS"); v != "" {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				cfg.Server.ServiceTokens = append(cfg.Server.ServiceTokens, tok)
			}
		}
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// ResolveRelativePath resolves a path relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if filepath.IsAbs(targetPath) {
		return targetPath
	}
	configDir := filepath.Dir(configPath)
	return filepath.Join(configDir, targetPath)
}
