package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"

	"github.com/SirClappington/jobq/internal/queue"
	"github.com/SirClappington/jobq/internal/retry"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	Queue  Queue
	Worker Worker
	Sweep  Sweep
}

// Queue selects and tunes the backend.
type Queue struct {
	// Backend is memory, postgres or redis. Empty picks one from the urls below.
	Backend          string `env:"QUEUE_BACKEND"`
	ConnectionString string `env:"QUEUE_CONNECTION_STRING"`
	DatabaseURL      string `env:"DATABASE_URL"`
	RedisURL         string `env:"REDIS_URL"`

	VisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" envDefault:"5m"`
	PollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`
	WorkerID          string        `env:"QUEUE_WORKER_ID"`

	MaxRetries         int           `env:"QUEUE_MAX_RETRIES" envDefault:"3"`
	BaseDelay          time.Duration `env:"QUEUE_BASE_DELAY" envDefault:"1s"`
	MaxDelay           time.Duration `env:"QUEUE_MAX_DELAY" envDefault:"5m"`
	ExponentialBackoff bool          `env:"QUEUE_EXPONENTIAL_BACKOFF" envDefault:"true"`
	Jitter             bool          `env:"QUEUE_JITTER" envDefault:"true"`

	RedisKeyPrefix string `env:"QUEUE_REDIS_KEY_PREFIX" envDefault:"jobq"`
	PGMaxConns     int32  `env:"QUEUE_PG_MAX_CONNS" envDefault:"5"`
	MigrationsDir  string `env:"QUEUE_MIGRATIONS_DIR" envDefault:"."`
}

type Worker struct {
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`
}

// Sweep drives the maintenance scheduler.
type Sweep struct {
	StaleSpec           string        `env:"SWEEP_STALE_SPEC" envDefault:"@every 30s"`
	PurgeSpec           string        `env:"SWEEP_PURGE_SPEC" envDefault:"@hourly"`
	PurgeCompletedAfter time.Duration `env:"PURGE_COMPLETED_AFTER" envDefault:"24h"`
	PurgeDeadAfter      time.Duration `env:"PURGE_DEAD_AFTER" envDefault:"168h"`
}

// RetryPolicy builds the backoff policy the queue settings describe.
func (q Queue) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:  q.MaxRetries,
		BaseDelay:   q.BaseDelay,
		MaxDelay:    q.MaxDelay,
		Exponential: q.ExponentialBackoff,
		Jitter:      q.Jitter,
	}
}

// Production reports whether the service runs with production logging.
func (c Config) Production() bool {
	return strings.EqualFold(c.AppEnv, "production") || strings.EqualFold(c.AppEnv, "prod")
}

// Load reads the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, errors.Wrap(err, "config")
	}
	if c.Queue.WorkerID == "" {
		c.Queue.WorkerID = queue.DefaultWorkerID()
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Queue.Backend) {
	case "", "memory", "postgres", "postgresql", "redis":
	default:
		return errors.Errorf("config: unknown QUEUE_BACKEND %q", c.Queue.Backend)
	}
	if err := c.Queue.RetryPolicy().Validate(); err != nil {
		return errors.Wrap(err, "config")
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return errors.New("config: QUEUE_VISIBILITY_TIMEOUT must be positive")
	}
	if c.Queue.PollInterval <= 0 {
		return errors.New("config: QUEUE_POLL_INTERVAL must be positive")
	}
	if c.Worker.Concurrency < 1 {
		return errors.New("config: WORKER_CONCURRENCY must be at least 1")
	}
	return nil
}
