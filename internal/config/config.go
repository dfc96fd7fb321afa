package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the ledger service.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Events      EventsConfig      `mapstructure:"events"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig holds database configuration. Driver "memory" runs the
// ledger on in-process stores and ignores the connection settings.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// LedgerConfig tunes the posting path.
type LedgerConfig struct {
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
	ConflictRetries int           `mapstructure:"conflict_retries"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
}

type IdempotencyConfig struct {
	Retention       time.Duration `mapstructure:"retention"`
	InFlightTimeout time.Duration `mapstructure:"inflight_timeout"`
	InFlightWait    time.Duration `mapstructure:"inflight_wait"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	CacheEnabled    bool          `mapstructure:"cache_enabled"`
	SweepSchedule   string        `mapstructure:"sweep_schedule"`
}

// AuditConfig decides what happens when an audit row cannot be written.
// Mandatory audit aborts the surrounding transfer; otherwise the failure is
// logged and the transfer commits.
type AuditConfig struct {
	Mandatory bool `mapstructure:"mandatory"`
}

type EventsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Queue          string        `mapstructure:"queue"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RequestsPerWindow int           `mapstructure:"requests_per_window"`
	Window            time.Duration `mapstructure:"window"`
}

type JWTConfig struct {
	SecretKey string `mapstructure:"secret_key"`
	Required  bool   `mapstructure:"required"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"https://*", "http://*"})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.name", "ledger")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("ledger.lock_timeout", 5*time.Second)
	v.SetDefault("ledger.conflict_retries", 3)
	v.SetDefault("ledger.retry_base_delay", 25*time.Millisecond)
	v.SetDefault("ledger.retry_max_delay", time.Second)

	v.SetDefault("idempotency.retention", 24*time.Hour)
	v.SetDefault("idempotency.inflight_timeout", 30*time.Second)
	v.SetDefault("idempotency.inflight_wait", 2*time.Second)
	v.SetDefault("idempotency.poll_interval", 50*time.Millisecond)
	v.SetDefault("idempotency.cache_enabled", true)
	v.SetDefault("idempotency.sweep_schedule", "@every 1m")

	v.SetDefault("audit.mandatory", false)

	v.SetDefault("events.enabled", true)
	v.SetDefault("events.queue", "ledger_events")
	v.SetDefault("events.publish_timeout", 5*time.Second)

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.requests_per_window", 120)
	v.SetDefault("rate_limit.window", time.Minute)

	v.SetDefault("jwt.secret_key", "")
	v.SetDefault("jwt.required", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from defaults, an optional config file and the
// environment. Environment variables use upper-case keys with "." replaced
// by "_", e.g. DATABASE_HOST or LEDGER_LOCK_TIMEOUT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the ledger cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver))
	}
	if c.Ledger.LockTimeout < 0 {
		errs = append(errs, errors.New("ledger.lock_timeout must not be negative"))
	}
	if c.Ledger.ConflictRetries < 0 {
		errs = append(errs, errors.New("ledger.conflict_retries must not be negative"))
	}
	if c.Idempotency.Retention <= 0 {
		errs = append(errs, errors.New("idempotency.retention must be positive"))
	}
	if c.Idempotency.InFlightTimeout <= 0 {
		errs = append(errs, errors.New("idempotency.inflight_timeout must be positive"))
	}
	if c.Idempotency.InFlightWait < 0 {
		errs = append(errs, errors.New("idempotency.inflight_wait must not be negative"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("rate_limit requires a positive requests_per_window and window"))
	}
	if c.JWT.Required && c.JWT.SecretKey == "" {
		errs = append(errs, errors.New("jwt.required needs jwt.secret_key"))
	}

	return errors.Join(errs...)
}
