// Package config loads the worklens configuration from a YAML file with
// environment variable overrides (via `env` struct tags) and .env files.
package config

import (
	"fmt"
	"time"

	"github.com/jonesrussell/worklens/internal/domain"
)

// Default configuration values.
const (
	defaultServiceName = "worklens"
	defaultServicePort = 8095
	defaultVersion     = "0.1.0"
	defaultPprofPort   = 6060

	defaultDBHost          = "localhost"
	defaultDBPort          = 5432
	defaultDBName          = "worklens"
	defaultDBUser          = "postgres"
	defaultDBSSLMode       = "disable"
	defaultDBMaxOpenConns  = 25
	defaultDBMaxIdleConns  = 5
	defaultDBConnLifetimeM = 30

	defaultRedisAddr = "localhost:6379"

	defaultInteractiveTimeout = 30 * time.Second
	defaultJobTimeout         = 10 * time.Minute
	defaultRowCap             = 100000
	defaultCacheTTL           = 5 * time.Minute
	defaultMaxConcurrent      = 32
	defaultTenantRatePerSec   = 10
	defaultTenantRateBurst    = 20

	defaultWorkers            = 4
	defaultWorkerMetricsPort  = 8096
	defaultPollInterval       = 2 * time.Second
	defaultCheckpointInterval = 1 * time.Second
	defaultClaimTTL           = 10 * time.Minute
	defaultRetention          = 7 * 24 * time.Hour
	defaultPurgeSchedule      = "@hourly"
	defaultStaleResetInterval = time.Minute

	defaultTranslatorTimeout     = 20 * time.Second
	defaultTranslatorMaxAttempts = 3
	defaultTranslatorRatePerSec  = 2

	defaultChangeStream  = "worklens:changes"
	defaultConsumerGroup = "worklens-engine"
	defaultStreamBatch   = 32
	defaultStreamBlock   = 5 * time.Second
)

// Config holds the application configuration.
type Config struct {
	Service      ServiceConfig      `yaml:"service"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Auth         AuthConfig         `yaml:"auth"`
	Query        QueryConfig        `yaml:"query"`
	Jobs         JobsConfig         `yaml:"jobs"`
	Translator   TranslatorConfig   `yaml:"translator"`
	Invalidation InvalidationConfig `yaml:"invalidation"`
}

// ServiceConfig holds service-level configuration.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	Port      int    `env:"WORKLENS_PORT" yaml:"port"`
	Debug     bool   `env:"APP_DEBUG"     yaml:"debug"`
	Pprof     bool   `env:"PPROF_ENABLED" yaml:"pprof"`
	PprofPort int    `yaml:"pprof_port"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `env:"POSTGRES_WORKLENS_HOST"     yaml:"host"`
	Port            int           `env:"POSTGRES_WORKLENS_PORT"     yaml:"port"`
	User            string        `env:"POSTGRES_WORKLENS_USER"     yaml:"user"`
	Password        string        `env:"POSTGRES_WORKLENS_PASSWORD" yaml:"password"`
	Database        string        `env:"POSTGRES_WORKLENS_DB"       yaml:"database"`
	SSLMode         string        `env:"POSTGRES_WORKLENS_SSLMODE"  yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// URL returns the postgres:// form used by the migrate tool.
func (d *DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// RedisConfig holds Redis configuration for the result cache and the
// change-notification stream.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"     yaml:"addr"`
	Password string `env:"REDIS_PASSWORD" yaml:"password"`
	DB       int    `env:"REDIS_DB"       yaml:"db"`
}

// AuthConfig holds JWT configuration. Tokens carry the tenant identity.
type AuthConfig struct {
	JWTSecret string `env:"WORKLENS_JWT_SECRET" yaml:"jwt_secret"`
}

// QueryConfig bounds the interactive execution path.
type QueryConfig struct {
	InteractiveTimeout time.Duration `yaml:"interactive_timeout"`
	JobTimeout         time.Duration `yaml:"job_timeout"`
	RowCap             int           `yaml:"row_cap"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	MaxConcurrent      int           `yaml:"max_concurrent"`
	TenantRatePerSec   int           `yaml:"tenant_rate_per_sec"`
	TenantRateBurst    int           `yaml:"tenant_rate_burst"`
}

// JobsConfig tunes the asynchronous worker pool. MetricsPort is the worker
// binary's own health/metrics listener, separate from the API port so both
// processes can share a host.
type JobsConfig struct {
	Workers            int           `env:"WORKLENS_JOB_WORKERS" yaml:"workers"`
	MetricsPort        int           `env:"WORKLENS_WORKER_PORT" yaml:"metrics_port"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	ClaimTTL           time.Duration `yaml:"claim_ttl"`
	Retention          time.Duration `yaml:"retention"`
	PurgeSchedule      string        `yaml:"purge_schedule"`
	StaleResetInterval time.Duration `yaml:"stale_reset_interval"`
}

// TranslatorConfig points at the external natural-language translator.
// Leaving the base URL empty disables the translate endpoint.
type TranslatorConfig struct {
	BaseURL     string        `env:"TRANSLATOR_URL"   yaml:"base_url"`
	APIToken    string        `env:"TRANSLATOR_TOKEN" yaml:"api_token"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	RatePerSec  int           `yaml:"rate_per_sec"`
}

// InvalidationConfig names the change-notification stream the engine
// consumes to invalidate cached results.
type InvalidationConfig struct {
	Stream        string        `env:"WORKLENS_CHANGE_STREAM" yaml:"stream"`
	ConsumerGroup string        `yaml:"consumer_group"`
	BatchSize     int           `yaml:"batch_size"`
	BlockTimeout  time.Duration `yaml:"block_timeout"`
}

// Load loads configuration from the specified path.
func Load(path string) (*Config, error) {
	return load(path, setDefaults)
}

// setDefaults applies default values to the config.
func setDefaults(cfg *Config) {
	setServiceDefaults(&cfg.Service)
	setDatabaseDefaults(&cfg.Database)
	setRedisDefaults(&cfg.Redis)
	setQueryDefaults(&cfg.Query)
	setJobsDefaults(&cfg.Jobs)
	setTranslatorDefaults(&cfg.Translator)
	setInvalidationDefaults(&cfg.Invalidation)
}

func setServiceDefaults(svc *ServiceConfig) {
	if svc.Name == "" {
		svc.Name = defaultServiceName
	}
	if svc.Version == "" {
		svc.Version = defaultVersion
	}
	if svc.Port == 0 {
		svc.Port = defaultServicePort
	}
	if svc.PprofPort == 0 {
		svc.PprofPort = defaultPprofPort
	}
}

func setDatabaseDefaults(db *DatabaseConfig) {
	if db.Host == "" {
		db.Host = defaultDBHost
	}
	if db.Port == 0 {
		db.Port = defaultDBPort
	}
	if db.User == "" {
		db.User = defaultDBUser
	}
	if db.Database == "" {
		db.Database = defaultDBName
	}
	if db.SSLMode == "" {
		db.SSLMode = defaultDBSSLMode
	}
	if db.MaxOpenConns == 0 {
		db.MaxOpenConns = defaultDBMaxOpenConns
	}
	if db.MaxIdleConns == 0 {
		db.MaxIdleConns = defaultDBMaxIdleConns
	}
	if db.ConnMaxLifetime == 0 {
		db.ConnMaxLifetime = defaultDBConnLifetimeM * time.Minute
	}
}

func setRedisDefaults(r *RedisConfig) {
	if r.Addr == "" {
		r.Addr = defaultRedisAddr
	}
}

func setQueryDefaults(q *QueryConfig) {
	if q.InteractiveTimeout == 0 {
		q.InteractiveTimeout = defaultInteractiveTimeout
	}
	if q.JobTimeout == 0 {
		q.JobTimeout = defaultJobTimeout
	}
	if q.RowCap == 0 {
		q.RowCap = defaultRowCap
	}
	if q.CacheTTL == 0 {
		q.CacheTTL = defaultCacheTTL
	}
	if q.MaxConcurrent == 0 {
		q.MaxConcurrent = defaultMaxConcurrent
	}
	if q.TenantRatePerSec == 0 {
		q.TenantRatePerSec = defaultTenantRatePerSec
	}
	if q.TenantRateBurst == 0 {
		q.TenantRateBurst = defaultTenantRateBurst
	}
}

func setJobsDefaults(j *JobsConfig) {
	if j.Workers == 0 {
		j.Workers = defaultWorkers
	}
	if j.MetricsPort == 0 {
		j.MetricsPort = defaultWorkerMetricsPort
	}
	if j.PollInterval == 0 {
		j.PollInterval = defaultPollInterval
	}
	if j.CheckpointInterval == 0 {
		j.CheckpointInterval = defaultCheckpointInterval
	}
	if j.ClaimTTL == 0 {
		j.ClaimTTL = defaultClaimTTL
	}
	if j.Retention == 0 {
		j.Retention = defaultRetention
	}
	if j.PurgeSchedule == "" {
		j.PurgeSchedule = defaultPurgeSchedule
	}
	if j.StaleResetInterval == 0 {
		j.StaleResetInterval = defaultStaleResetInterval
	}
}

func setTranslatorDefaults(t *TranslatorConfig) {
	if t.Timeout == 0 {
		t.Timeout = defaultTranslatorTimeout
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = defaultTranslatorMaxAttempts
	}
	if t.RatePerSec == 0 {
		t.RatePerSec = defaultTranslatorRatePerSec
	}
}

func setInvalidationDefaults(inv *InvalidationConfig) {
	if inv.Stream == "" {
		inv.Stream = defaultChangeStream
	}
	if inv.ConsumerGroup == "" {
		inv.ConsumerGroup = defaultConsumerGroup
	}
	if inv.BatchSize == 0 {
		inv.BatchSize = defaultStreamBatch
	}
	if inv.BlockTimeout == 0 {
		inv.BlockTimeout = defaultStreamBlock
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := ValidatePort("service.port", c.Service.Port); err != nil {
		return err
	}
	if c.Auth.JWTSecret == "" {
		return &ValidationError{Field: "auth.jwt_secret", Message: "is required"}
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if c.Query.RowCap < domain.MaxJobLimit {
		return &ValidationError{
			Field:   "query.row_cap",
			Message: fmt.Sprintf("must be at least %d so job results are never capped below their limit", domain.MaxJobLimit),
		}
	}
	if c.Jobs.Workers < 1 {
		return &ValidationError{Field: "jobs.workers", Message: "must be at least 1"}
	}
	return nil
}

// Validate validates the database section.
func (d *DatabaseConfig) Validate() error {
	if d.Host == "" {
		return &ValidationError{Field: "database.host", Message: "is required"}
	}
	if err := ValidatePort("database.port", d.Port); err != nil {
		return err
	}
	if d.User == "" {
		return &ValidationError{Field: "database.user", Message: "is required"}
	}
	if d.Database == "" {
		return &ValidationError{Field: "database.database", Message: "is required"}
	}
	return nil
}
