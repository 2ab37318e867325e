// Package config loads process configuration from the environment and the
// health rules from a YAML file.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration. Every field has an environment
// variable prefixed WORKGATE_.
type Config struct {
	HTTPAddr         string `env:"HTTP_ADDR" envDefault:":8080"`
	EngineToken      string `env:"ENGINE_TOKEN"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"workgate"`

	Log      LogConfig      `envPrefix:"LOG_"`
	Database DatabaseConfig `envPrefix:"DB_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	Lease    LeaseConfig    `envPrefix:"LEASE_"`
	Health   HealthConfig   `envPrefix:"HEALTH_"`
	Gate     GateConfig     `envPrefix:"BACKPRESSURE_"`
	Notify   NotifyConfig   `envPrefix:"NOTIFY_"`

	// QueueDriver selects where lane depth is read: "redis" or "database".
	QueueDriver string `env:"QUEUE_DRIVER" envDefault:"database"`
	// CriticalLanes are never subject to backpressure.
	CriticalLanes []string `env:"CRITICAL_LANES" envSeparator:"," envDefault:"default"`
	// Lanes are sampled in addition to the default lane and those in the health file.
	Lanes []string `env:"LANES" envSeparator:","`
}

type LogConfig struct {
	Format string `env:"FORMAT" envDefault:"json"`
	Level  string `env:"LEVEL" envDefault:"info"`
}

type DatabaseConfig struct {
	Driver          string        `env:"DRIVER" envDefault:"sqlite"`
	DSN             string        `env:"DSN" envDefault:"file:workgate.db?_busy_timeout=5000"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"5m"`
}

// RedisConfig is optional. With no address the key-value store is in-process
// and the redis queue driver is unavailable.
type RedisConfig struct {
	Addr      string `env:"ADDR"`
	Password  string `env:"PASSWORD"`
	DB        int    `env:"DB" envDefault:"0"`
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"workgate:"`
}

type LeaseConfig struct {
	Default       time.Duration `env:"DEFAULT" envDefault:"5m"`
	Min           time.Duration `env:"MIN" envDefault:"30s"`
	Max           time.Duration `env:"MAX" envDefault:"1h"`
	MaxAttempts   int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
}

type HealthConfig struct {
	File                 string        `env:"FILE"`
	EvaluateInterval     time.Duration `env:"EVALUATE_INTERVAL" envDefault:"1m"`
	SampleInterval       time.Duration `env:"SAMPLE_INTERVAL" envDefault:"1m"`
	SampleMaxAge         time.Duration `env:"SAMPLE_MAX_AGE" envDefault:"5m"`
	SampleRetention      time.Duration `env:"SAMPLE_RETENTION" envDefault:"168h"`
	RollupSchedule       string        `env:"ROLLUP_SCHEDULE" envDefault:"*/15 * * * *"`
	RollupLookback       time.Duration `env:"ROLLUP_LOOKBACK" envDefault:"48h"`
	ReportTTL            time.Duration `env:"REPORT_TTL" envDefault:"10m"`
	WorkerStaleAfter     time.Duration `env:"WORKER_STALE_AFTER" envDefault:"2m"`
	SupervisorStaleAfter time.Duration `env:"SUPERVISOR_STALE_AFTER" envDefault:"2m"`
	// SupervisorSource is "redis" (heartbeat sorted set) or "workers" (engine registrations).
	SupervisorSource string `env:"SUPERVISOR_SOURCE" envDefault:"workers"`
}

type GateConfig struct {
	Enabled      bool          `env:"ENABLED" envDefault:"true"`
	MaxReportAge time.Duration `env:"MAX_REPORT_AGE" envDefault:"5m"`
	BlockOn      []string      `env:"BLOCK_ON" envSeparator:"," envDefault:"critical"`
	RetryAfter   time.Duration `env:"RETRY_AFTER" envDefault:"1m"`
}

type NotifyConfig struct {
	Cooldown       time.Duration `env:"COOLDOWN" envDefault:"10m"`
	StateTTL       time.Duration `env:"STATE_TTL" envDefault:"24h"`
	WebhookURL     string        `env:"WEBHOOK_URL"`
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"5s"`
	SMTPHost       string        `env:"SMTP_HOST"`
	SMTPPort       int           `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername   string        `env:"SMTP_USERNAME"`
	SMTPPassword   string        `env:"SMTP_PASSWORD"`
	MailFrom       string        `env:"MAIL_FROM"`
	MailTo         []string      `env:"MAIL_TO" envSeparator:","`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: "WORKGATE_"})
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: "WORKGATE_", Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.Lease.Min <= 0 || c.Lease.Min > c.Lease.Max {
		errs = append(errs, fmt.Errorf("lease bounds invalid: min %s, max %s", c.Lease.Min, c.Lease.Max))
	}
	if c.Lease.Default < c.Lease.Min || c.Lease.Default > c.Lease.Max {
		errs = append(errs, fmt.Errorf("default lease %s outside [%s, %s]", c.Lease.Default, c.Lease.Min, c.Lease.Max))
	}
	if c.Lease.MaxAttempts < 1 {
		errs = append(errs, errors.New("max attempts must be at least 1"))
	}
	if !slices.Contains([]string{"redis", "database"}, c.QueueDriver) {
		errs = append(errs, fmt.Errorf("unknown queue driver %q", c.QueueDriver))
	}
	if c.QueueDriver == "redis" && c.Redis.Addr == "" {
		errs = append(errs, errors.New("queue driver redis needs WORKGATE_REDIS_ADDR"))
	}
	if c.Health.SupervisorSource == "redis" && c.Redis.Addr == "" {
		errs = append(errs, errors.New("supervisor source redis needs WORKGATE_REDIS_ADDR"))
	}
	if c.Notify.Cooldown < 0 {
		errs = append(errs, errors.New("notify cooldown must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
