// Package config loads shapesync configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/janovincze/shapesync/internal/shape"
	"github.com/janovincze/shapesync/internal/vault"
)

// Config holds configuration for every shapesync binary. Each binary reads
// only the sections it needs.
type Config struct {
	Version     string
	Environment string

	API        APIConfig
	Database   DatabaseConfig
	Source     SourceConfig
	Shapes     ShapesConfig
	Compaction CompactionConfig
	Worker     WorkerConfig
	Client     ClientConfig
	Metrics    MetricsConfig
	Retry      RetryConfig
	Vault      vault.Config
}

// APIConfig configures shapesync-api.
type APIConfig struct {
	ListenAddr   string
	BaseURL      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int

	// LongPollTimeout is how long a live shape request waits for new entries
	// before answering with only an up-to-date control message.
	LongPollTimeout time.Duration

	// PageSize is the default and maximum number of messages per response.
	PageSize int
}

// DatabaseConfig is the Postgres database holding the shape log and the
// source tables.
type DatabaseConfig struct {
	Host         string
	Port         int
	Name         string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// DSN returns a key/value connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode,
	)
}

// URL returns a postgres:// connection URL, as required for replication.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// SourceConfig configures logical replication for the worker.
type SourceConfig struct {
	Name              string
	SlotName          string
	PublicationName   string
	EventBufferSize   int
	BatchSize         int
	ReconnectInterval time.Duration

	CheckpointEnabled  bool
	CheckpointInterval time.Duration
}

// ShapesConfig lists the tables that may be synced.
type ShapesConfig struct {
	Tables []string

	// KeyColumns overrides the primary key per table. Tables without an
	// entry use their replica identity.
	KeyColumns map[string][]string

	// SeedOnStart loads existing rows into an empty shape log when the worker
	// starts.
	SeedOnStart bool
}

// Allowed reports whether table is a configured shape table.
func (s ShapesConfig) Allowed(table string) bool {
	for _, t := range s.Tables {
		if t == table {
			return true
		}
	}
	return false
}

// Keys returns the key columns for table, defaulting to "id".
func (s ShapesConfig) Keys(table string) []string {
	if cols := s.KeyColumns[table]; len(cols) > 0 {
		return cols
	}
	return []string{"id"}
}

// CompactionConfig configures the shape log compactor.
type CompactionConfig struct {
	Enabled bool

	// Schedule is a standard five-field cron expression or an @every
	// descriptor.
	Schedule string

	// Retention is how long tombstones are kept before compaction may drop
	// them.
	Retention time.Duration
}

// WorkerConfig configures shapesync-worker's health listener.
type WorkerConfig struct {
	HealthListenAddr string
	HealthTimeout    time.Duration
}

// ClientConfig configures shapesync-cli.
type ClientConfig struct {
	BaseURL      string
	LocalDB      string
	PollInterval time.Duration
	Timeout      time.Duration
}

// MetricsConfig toggles Prometheus collection and the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool
}

// RetryConfig is the backoff policy for changelog writes and client
// reconnects.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Load reads configuration from SHAPESYNC_* environment variables.
func Load() (*Config, error) {
	keys, err := parseKeyColumns(os.Getenv("SHAPESYNC_SHAPES_KEY_COLUMNS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Version:     getEnv("SHAPESYNC_VERSION", "0.1.0"),
		Environment: getEnv("SHAPESYNC_ENV", "development"),

		API: APIConfig{
			ListenAddr:      getEnv("SHAPESYNC_API_LISTEN_ADDR", ":8080"),
			BaseURL:         getEnv("SHAPESYNC_API_BASE_URL", "http://localhost:8080"),
			ReadTimeout:     getDurationEnv("SHAPESYNC_API_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationEnv("SHAPESYNC_API_WRITE_TIMEOUT", 60*time.Second),
			CORSOrigins:     getSliceEnv("SHAPESYNC_API_CORS_ORIGINS", []string{"*"}),
			RateLimitRPS:    getFloatEnv("SHAPESYNC_API_RATE_LIMIT_RPS", 100),
			RateLimitBurst:  getIntEnv("SHAPESYNC_API_RATE_LIMIT_BURST", 200),
			LongPollTimeout: getDurationEnv("SHAPESYNC_API_LONG_POLL_TIMEOUT", 20*time.Second),
			PageSize:        getIntEnv("SHAPESYNC_API_PAGE_SIZE", 1000),
		},

		Database: DatabaseConfig{
			Host:         getEnv("SHAPESYNC_DB_HOST", "localhost"),
			Port:         getIntEnv("SHAPESYNC_DB_PORT", 5432),
			Name:         getEnv("SHAPESYNC_DB_NAME", "shapesync"),
			User:         getEnv("SHAPESYNC_DB_USER", "shapesync"),
			Password:     getEnv("SHAPESYNC_DB_PASSWORD", "shapesync"),
			SSLMode:      getEnv("SHAPESYNC_DB_SSLMODE", "disable"),
			MaxOpenConns: getIntEnv("SHAPESYNC_DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getIntEnv("SHAPESYNC_DB_MAX_IDLE_CONNS", 5),
		},

		Source: SourceConfig{
			Name:               getEnv("SHAPESYNC_SOURCE_NAME", "postgres"),
			SlotName:           getEnv("SHAPESYNC_REPLICATION_SLOT", "shapesync_slot"),
			PublicationName:    getEnv("SHAPESYNC_PUBLICATION", "shapesync_pub"),
			EventBufferSize:    getIntEnv("SHAPESYNC_SOURCE_BUFFER_SIZE", 1000),
			BatchSize:          getIntEnv("SHAPESYNC_SOURCE_BATCH_SIZE", 100),
			ReconnectInterval:  getDurationEnv("SHAPESYNC_SOURCE_RECONNECT_INTERVAL", 5*time.Second),
			CheckpointEnabled:  getBoolEnv("SHAPESYNC_CHECKPOINT_ENABLED", true),
			CheckpointInterval: getDurationEnv("SHAPESYNC_CHECKPOINT_INTERVAL", 10*time.Second),
		},

		Shapes: ShapesConfig{
			Tables:      getSliceEnv("SHAPESYNC_SHAPES_TABLES", []string{"items"}),
			KeyColumns:  keys,
			SeedOnStart: getBoolEnv("SHAPESYNC_SHAPES_SEED_ON_START", true),
		},

		Compaction: CompactionConfig{
			Enabled:   getBoolEnv("SHAPESYNC_COMPACTION_ENABLED", true),
			Schedule:  getEnv("SHAPESYNC_COMPACTION_SCHEDULE", "*/15 * * * *"),
			Retention: getDurationEnv("SHAPESYNC_COMPACTION_RETENTION", 24*time.Hour),
		},

		Worker: WorkerConfig{
			HealthListenAddr: getEnv("SHAPESYNC_WORKER_HEALTH_ADDR", ":8081"),
			HealthTimeout:    getDurationEnv("SHAPESYNC_WORKER_HEALTH_TIMEOUT", 5*time.Second),
		},

		Client: ClientConfig{
			BaseURL:      getEnv("SHAPESYNC_CLIENT_BASE_URL", "http://localhost:8080"),
			LocalDB:      getEnv("SHAPESYNC_CLIENT_LOCAL_DB", "shapesync.db"),
			PollInterval: getDurationEnv("SHAPESYNC_CLIENT_POLL_INTERVAL", 0),
			Timeout:      getDurationEnv("SHAPESYNC_CLIENT_MATCH_TIMEOUT", 2*time.Second),
		},

		Metrics: MetricsConfig{
			Enabled: getBoolEnv("SHAPESYNC_METRICS_ENABLED", true),
		},

		Retry: RetryConfig{
			MaxAttempts:     getIntEnv("SHAPESYNC_RETRY_MAX_ATTEMPTS", 5),
			InitialInterval: getDurationEnv("SHAPESYNC_RETRY_INITIAL_INTERVAL", time.Second),
			MaxInterval:     getDurationEnv("SHAPESYNC_RETRY_MAX_INTERVAL", 30*time.Second),
			Multiplier:      getFloatEnv("SHAPESYNC_RETRY_MULTIPLIER", 2.0),
		},
	}

	cfg.Vault = vault.DefaultConfig()
	cfg.Vault.Enabled = getBoolEnv("SHAPESYNC_VAULT_ENABLED", false)
	cfg.Vault.Address = getEnv("SHAPESYNC_VAULT_ADDR", "")
	cfg.Vault.Namespace = getEnv("SHAPESYNC_VAULT_NAMESPACE", "")
	cfg.Vault.AuthMethod = getEnv("SHAPESYNC_VAULT_AUTH_METHOD", cfg.Vault.AuthMethod)
	cfg.Vault.Role = getEnv("SHAPESYNC_VAULT_ROLE", cfg.Vault.Role)
	cfg.Vault.TokenPath = getEnv("SHAPESYNC_VAULT_TOKEN_PATH", cfg.Vault.TokenPath)
	cfg.Vault.Token = getEnv("SHAPESYNC_VAULT_TOKEN", "")
	cfg.Vault.CACert = getEnv("SHAPESYNC_VAULT_CACERT", "")
	cfg.Vault.SecretMountPath = getEnv("SHAPESYNC_VAULT_MOUNT_PATH", cfg.Vault.SecretMountPath)
	cfg.Vault.DatabasePath = getEnv("SHAPESYNC_VAULT_DATABASE_PATH", cfg.Vault.DatabasePath)
	cfg.Vault.FallbackToEnv = getBoolEnv("SHAPESYNC_VAULT_FALLBACK_TO_ENV", cfg.Vault.FallbackToEnv)

	return cfg, nil
}

// Validate checks the values every binary relies on.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Shapes.Tables) == 0 {
		errs = append(errs, errors.New("SHAPESYNC_SHAPES_TABLES: at least one table is required"))
	}
	for _, t := range c.Shapes.Tables {
		if !shape.ValidTableName(t) {
			errs = append(errs, fmt.Errorf("SHAPESYNC_SHAPES_TABLES: invalid table %q", t))
		}
	}
	for t, cols := range c.Shapes.KeyColumns {
		if !c.Shapes.Allowed(t) {
			errs = append(errs, fmt.Errorf("SHAPESYNC_SHAPES_KEY_COLUMNS: %q is not a shape table", t))
		}
		for _, col := range cols {
			if !shape.ValidColumnName(col) {
				errs = append(errs, fmt.Errorf("SHAPESYNC_SHAPES_KEY_COLUMNS: invalid column %q", col))
			}
		}
	}
	if c.API.PageSize <= 0 {
		errs = append(errs, errors.New("SHAPESYNC_API_PAGE_SIZE must be positive"))
	}
	if c.API.LongPollTimeout <= 0 {
		errs = append(errs, errors.New("SHAPESYNC_API_LONG_POLL_TIMEOUT must be positive"))
	}
	if c.Compaction.Enabled {
		if _, err := cron.ParseStandard(c.Compaction.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("SHAPESYNC_COMPACTION_SCHEDULE: %w", err))
		}
	}
	if c.Vault.Enabled && c.Vault.Address == "" {
		errs = append(errs, errors.New("SHAPESYNC_VAULT_ADDR is required when vault is enabled"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("SHAPESYNC_RETRY_MULTIPLIER must be at least 1"))
	}

	return errors.Join(errs...)
}

// parseKeyColumns parses "items=id;orders=tenant_id,id".
func parseKeyColumns(value string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, part := range splitAndTrim(value, ";") {
		table, cols, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("SHAPESYNC_SHAPES_KEY_COLUMNS: expected table=col[,col], got %q", part)
		}
		keys := splitAndTrim(cols, ",")
		if len(keys) == 0 {
			return nil, fmt.Errorf("SHAPESYNC_SHAPES_KEY_COLUMNS: no columns for %q", table)
		}
		out[strings.TrimSpace(table)] = keys
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	if parts := splitAndTrim(os.Getenv(key), ","); len(parts) > 0 {
		return parts
	}
	return defaultValue
}

func splitAndTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var parts []string
	for _, p := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
