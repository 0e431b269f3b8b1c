package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hookrelay/internal/webhooks"
)

// Config holds all configuration for the engine host.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Worker    WorkerConfig    `yaml:"worker"`
	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
	Auth      AuthConfig      `yaml:"auth"`
	// Webhooks are registered at startup; there is no management API.
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	Driver  string `yaml:"driver"` // memory | sqlite | postgres
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type WorkerConfig struct {
	Interval       time.Duration `yaml:"interval"`
	BatchSize      int           `yaml:"batch_size"`
	Concurrency    int           `yaml:"concurrency"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type RetryConfig struct {
	Strategy     string        `yaml:"strategy"` // exponential | fixed | none
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"` // 0 disables
	Burst     int     `yaml:"burst"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"` // 0 disables
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

type RetentionConfig struct {
	MaxAge time.Duration `yaml:"max_age"` // 0 keeps everything
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

type AuthConfig struct {
	Mode       string `yaml:"mode"` // dev | hmac
	HMACSecret string `yaml:"hmac_secret"`
}

type WebhookConfig struct {
	ID          string   `yaml:"id"`
	URL         string   `yaml:"url"`
	Events      []string `yaml:"events"`
	Secret      string   `yaml:"secret"`
	Active      *bool    `yaml:"active"`
	Description string   `yaml:"description"`
}

// IsActive defaults an unset active flag to true.
func (w WebhookConfig) IsActive() bool { return w.Active == nil || *w.Active }

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		HTTP:  HTTPConfig{Addr: ":8080"},
		Store: StoreConfig{Driver: "memory", Migrate: true},
		Worker: WorkerConfig{
			Interval:       time.Second,
			BatchSize:      100,
			Concurrency:    8,
			RequestTimeout: 15 * time.Second,
		},
		Retry: RetryConfig{
			Strategy:     "exponential",
			MaxRetries:   5,
			InitialDelay: time.Second,
			Multiplier:   webhooks.DefaultMultiplier,
			MaxDelay:     time.Hour,
		},
		RateLimit: RateLimitConfig{PerSecond: 0, Burst: 1},
		Breaker:   BreakerConfig{FailureThreshold: 5, OpenTimeout: 30 * time.Second},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Auth:      AuthConfig{Mode: "dev"},
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the optional YAML file at path, applies environment overrides and validates.
// ${VAR} references in the file are expanded from the environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(m string) string {
			return os.Getenv(envVarPattern.FindStringSubmatch(m)[1])
		})
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTP.Addr = getEnv("HOOKRELAY_HTTP_ADDR", c.HTTP.Addr)
	if port := os.Getenv("PORT"); port != "" {
		c.HTTP.Addr = ":" + port
	}
	c.Store.Driver = getEnv("HOOKRELAY_STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = getEnv("HOOKRELAY_STORE_DSN", c.Store.DSN)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Store.DSN = dsn
		if os.Getenv("HOOKRELAY_STORE_DRIVER") == "" {
			c.Store.Driver = "postgres"
		}
	}
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Auth.Mode = strings.ToLower(getEnv("AUTH_MODE", c.Auth.Mode))
	c.Auth.HMACSecret = getEnv("AUTH_HMAC_SECRET", c.Auth.HMACSecret)

	var err error
	if c.Store.Migrate, err = getEnvBool("HOOKRELAY_STORE_MIGRATE", c.Store.Migrate); err != nil {
		return err
	}
	if c.Worker.Interval, err = getEnvDuration("HOOKRELAY_WORKER_INTERVAL", c.Worker.Interval); err != nil {
		return err
	}
	if c.Worker.BatchSize, err = getEnvInt("HOOKRELAY_WORKER_BATCH_SIZE", c.Worker.BatchSize); err != nil {
		return err
	}
	if c.Worker.Concurrency, err = getEnvInt("HOOKRELAY_WORKER_CONCURRENCY", c.Worker.Concurrency); err != nil {
		return err
	}
	if c.Worker.RequestTimeout, err = getEnvDuration("HOOKRELAY_REQUEST_TIMEOUT", c.Worker.RequestTimeout); err != nil {
		return err
	}
	c.Retry.Strategy = getEnv("HOOKRELAY_RETRY_STRATEGY", c.Retry.Strategy)
	if c.Retry.MaxRetries, err = getEnvInt("HOOKRELAY_RETRY_MAX", c.Retry.MaxRetries); err != nil {
		return err
	}
	if c.Retention.MaxAge, err = getEnvDuration("HOOKRELAY_RETENTION_MAX_AGE", c.Retention.MaxAge); err != nil {
		return err
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Worker.Interval <= 0 {
		return fmt.Errorf("worker.interval must be positive")
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	if c.Worker.RequestTimeout <= 0 {
		return fmt.Errorf("worker.request_timeout must be positive")
	}
	if c.RateLimit.PerSecond < 0 {
		return fmt.Errorf("ratelimit.per_second must not be negative")
	}
	if c.Retention.MaxAge < 0 {
		return fmt.Errorf("retention.max_age must not be negative")
	}
	switch c.Auth.Mode {
	case "dev":
	case "hmac":
		if c.Auth.HMACSecret == "" {
			return fmt.Errorf("auth.hmac_secret is required in hmac mode")
		}
	default:
		return fmt.Errorf("unknown auth.mode %q", c.Auth.Mode)
	}
	if _, err := c.RetryPolicy(); err != nil {
		return err
	}
	seen := map[string]bool{}
	for i, w := range c.Webhooks {
		if seen[w.ID] {
			return fmt.Errorf("webhooks[%d]: duplicate id %q", i, w.ID)
		}
		seen[w.ID] = true
	}
	return nil
}

// RetryPolicy builds the configured retry policy.
func (c *Config) RetryPolicy() (webhooks.RetryPolicy, error) {
	r := c.Retry
	switch r.Strategy {
	case "", "exponential":
		mult := r.Multiplier
		if mult == 0 {
			mult = webhooks.DefaultMultiplier
		}
		p, err := webhooks.NewExponentialBackoff(r.MaxRetries, r.InitialDelay, mult, r.MaxDelay)
		if err != nil {
			return nil, fmt.Errorf("retry: %w", err)
		}
		return p, nil
	case "fixed":
		if r.MaxRetries < 0 || r.InitialDelay <= 0 {
			return nil, fmt.Errorf("retry: fixed strategy needs max_retries >= 0 and a positive initial_delay")
		}
		return webhooks.FixedDelay{Retries: r.MaxRetries, Delay: r.InitialDelay}, nil
	case "none":
		return webhooks.NoRetry{}, nil
	}
	return nil, fmt.Errorf("retry: unknown strategy %q", r.Strategy)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
