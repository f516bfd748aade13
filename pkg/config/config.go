package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/logging"
)

const (
	// DefaultConfigPath is read when no explicit path is given.
	DefaultConfigPath = "config.yaml"

	// DefaultMaxPoolSize applies to databases that leave max_pool_size unset.
	DefaultMaxPoolSize = 10

	// ConnectionStringEnvPrefix + NAME + ConnectionStringEnvSuffix overrides a
	// database's connection string, e.g. DBRUNTIME_ORDERS_CONNECTION_STRING.
	ConnectionStringEnvPrefix = "DBRUNTIME_"
	ConnectionStringEnvSuffix = "_CONNECTION_STRING"
)

// Config holds all configuration for the database runtime.
// Configuration comes from a YAML file with environment variable overrides.
// Connection strings carry secrets and should be supplied through the environment
// in anything but local setups.
type Config struct {
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`

	// DefaultDatabase is the logical database the "main"/"default"/"primary"
	// aliases point at. Defaults to the first configured database.
	DefaultDatabase string `yaml:"default_database" env:"DBRUNTIME_DEFAULT_DATABASE"`

	Databases []DatabaseConfig `yaml:"databases"`

	// Aliases maps friendly names to logical database names, on top of the
	// built-in and derived aliases.
	Aliases map[string]string `yaml:"aliases"`

	Pool    PoolConfig    `yaml:"pool"`
	Retry   RetryConfig   `yaml:"retry"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// DatabaseConfig describes one logical database.
type DatabaseConfig struct {
	Name             string `yaml:"name"`
	Provider         string `yaml:"provider"`
	ConnectionString string `yaml:"connection_string"`
	MaxPoolSize      int    `yaml:"max_pool_size"`
}

// PoolConfig holds connection pool tuning shared by all databases.
type PoolConfig struct {
	// ValidationTimeout bounds every liveness probe.
	ValidationTimeout time.Duration `yaml:"validation_timeout" env:"DBRUNTIME_POOL_VALIDATION_TIMEOUT" env-default:"5s"`
	// EvictionInterval is how often idle connections are re-validated.
	EvictionInterval time.Duration `yaml:"eviction_interval" env:"DBRUNTIME_POOL_EVICTION_INTERVAL" env-default:"1m"`
	// MaxIdleTime closes idle connections unused for longer than this. Zero keeps them.
	MaxIdleTime time.Duration `yaml:"max_idle_time" env:"DBRUNTIME_POOL_MAX_IDLE_TIME" env-default:"5m"`
	// MaxIdleConns caps idle connections per database. Zero means the database's max_pool_size.
	MaxIdleConns int `yaml:"max_idle_conns" env:"DBRUNTIME_POOL_MAX_IDLE_CONNS"`
}

// Backoff modes accepted by RetryConfig.Backoff.
const (
	BackoffExponential = "exponential"
	BackoffConstant    = "constant"
)

// RetryConfig configures the default retry policy.
// cleanenv treats zero values as unset, so "no retries" is expressed with Disabled
// rather than max_retries: 0.
type RetryConfig struct {
	Disabled     bool          `yaml:"disabled" env:"DBRUNTIME_RETRY_DISABLED"`
	MaxRetries   int           `yaml:"max_retries" env:"DBRUNTIME_RETRY_MAX_RETRIES" env-default:"3"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"DBRUNTIME_RETRY_INITIAL_DELAY" env-default:"100ms"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"DBRUNTIME_RETRY_MAX_DELAY" env-default:"5s"`
	Backoff      string        `yaml:"backoff" env:"DBRUNTIME_RETRY_BACKOFF" env-default:"exponential"`
	JitterFactor float64       `yaml:"jitter_factor" env:"DBRUNTIME_RETRY_JITTER_FACTOR"`
}

// EffectiveMaxRetries is MaxRetries, or zero when retries are disabled.
func (r RetryConfig) EffectiveMaxRetries() int {
	if r.Disabled {
		return 0
	}
	return r.MaxRetries
}

// MetricsConfig controls the connection monitor's Prometheus collectors.
type MetricsConfig struct {
	Disabled  bool   `yaml:"disabled" env:"DBRUNTIME_METRICS_DISABLED"`
	Namespace string `yaml:"namespace" env:"DBRUNTIME_METRICS_NAMESPACE" env-default:"dbruntime"`
}

// Load reads configuration from path (config.yaml when empty) with environment
// variable overrides, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := &Config{}
	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.applyConnectionStringOverrides(os.LookupEnv)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ConnectionStringEnvVar returns the environment variable that overrides the
// connection string of the named database.
func ConnectionStringEnvVar(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return ConnectionStringEnvPrefix + b.String() + ConnectionStringEnvSuffix
}

func (c *Config) applyConnectionStringOverrides(lookup func(string) (string, bool)) {
	for i := range c.Databases {
		if v, ok := lookup(ConnectionStringEnvVar(c.Databases[i].Name)); ok && v != "" {
			c.Databases[i].ConnectionString = v
		}
	}
}

func (c *Config) applyDefaults() {
	for i := range c.Databases {
		if c.Databases[i].MaxPoolSize == 0 {
			c.Databases[i].MaxPoolSize = DefaultMaxPoolSize
		}
		c.Databases[i].Provider = strings.ToLower(strings.TrimSpace(c.Databases[i].Provider))
	}
	c.Retry.Backoff = strings.ToLower(strings.TrimSpace(c.Retry.Backoff))
	if c.DefaultDatabase == "" && len(c.Databases) > 0 {
		c.DefaultDatabase = c.Databases[0].Name
	}
}

// Validate checks the configuration for errors that would only surface later as
// confusing runtime failures.
func (c *Config) Validate() error {
	if len(c.Databases) == 0 {
		return fmt.Errorf("at least one database must be configured")
	}

	seen := make(map[string]bool, len(c.Databases))
	defaultFound := false
	for i, db := range c.Databases {
		if strings.TrimSpace(db.Name) == "" {
			return fmt.Errorf("databases[%d]: name is required", i)
		}
		key := strings.ToLower(db.Name)
		if seen[key] {
			return fmt.Errorf("databases[%d]: duplicate database name %q", i, db.Name)
		}
		seen[key] = true
		if db.Provider == "" {
			return fmt.Errorf("database %q: provider is required", db.Name)
		}
		if db.MaxPoolSize <= 0 {
			return fmt.Errorf("database %q: max_pool_size must be positive, got %d", db.Name, db.MaxPoolSize)
		}
		if strings.EqualFold(db.Name, c.DefaultDatabase) {
			defaultFound = true
		}
	}
	if !defaultFound {
		return fmt.Errorf("default_database %q is not a configured database", c.DefaultDatabase)
	}

	for alias, target := range c.Aliases {
		if strings.TrimSpace(alias) == "" || strings.TrimSpace(target) == "" {
			return fmt.Errorf("aliases: empty alias or target (%q -> %q)", alias, target)
		}
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.InitialDelay < 0 {
		return fmt.Errorf("retry.initial_delay must not be negative")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry.max_delay (%s) must be >= retry.initial_delay (%s)", c.Retry.MaxDelay, c.Retry.InitialDelay)
	}
	if c.Retry.Backoff != BackoffExponential && c.Retry.Backoff != BackoffConstant {
		return fmt.Errorf("retry.backoff must be %q or %q, got %q", BackoffExponential, BackoffConstant, c.Retry.Backoff)
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		return fmt.Errorf("retry.jitter_factor must be within [0, 1]")
	}

	if c.Pool.ValidationTimeout <= 0 {
		return fmt.Errorf("pool.validation_timeout must be positive")
	}
	if c.Pool.EvictionInterval <= 0 {
		return fmt.Errorf("pool.eviction_interval must be positive")
	}
	if c.Pool.MaxIdleTime < 0 {
		return fmt.Errorf("pool.max_idle_time must not be negative")
	}
	if c.Pool.MaxIdleConns < 0 {
		return fmt.Errorf("pool.max_idle_conns must not be negative")
	}
	return nil
}

// Redacted returns a copy with credentials removed from every connection string.
func (c *Config) Redacted() *Config {
	out := *c
	out.Databases = make([]DatabaseConfig, len(c.Databases))
	for i, db := range c.Databases {
		db.ConnectionString = logging.SanitizeConnectionString(db.ConnectionString)
		out.Databases[i] = db
	}
	out.Aliases = make(map[string]string, len(c.Aliases))
	for k, v := range c.Aliases {
		out.Aliases[k] = v
	}
	return &out
}

// YAML renders the redacted effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}
