package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Backend struct {
	ID          string `mapstructure:"id"`
	Capability  string `mapstructure:"capability"`
	BaseAddress string `mapstructure:"base_address"`
	MaxInFlight int    `mapstructure:"max_in_flight"`
}

type Pool struct {
	Connections     int           `mapstructure:"connections"`
	MaxSize         int           `mapstructure:"max_size"`
	IdleExpiry      time.Duration `mapstructure:"idle_expiry"`
	Timeout         time.Duration `mapstructure:"timeout"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

type Batch struct {
	MaxSize  int           `mapstructure:"max_size"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

type Cache struct {
	TTL     time.Duration `mapstructure:"ttl"`
	Backend string        `mapstructure:"backend"` // "in-process" or "redis"
	MaxKeys int           `mapstructure:"max_keys"`
}

type Admission struct {
	GlobalQueueCap int `mapstructure:"global_queue_cap"`
}

// CircuitBreaker configures the per-backend consecutive-failure breaker:
// a closed circuit opens after FailureThreshold consecutive failures and
// stays open for CooldownPeriod before allowing a single Half-Open probe.
type CircuitBreaker struct {
	FailureThreshold int           `mapstructure:"circuit_failure_threshold"`
	CooldownPeriod   time.Duration `mapstructure:"circuit_cooldown_seconds"`
}

type Health struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

type Retry struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type JobRetention struct {
	Window time.Duration `mapstructure:"window"`
}

type Redis struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type RateLimit struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type Audit struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// Observability names the metrics/log-level knobs read throughout this
// package and by cmd/gateway.
type Observability = ObservabilityConfig

type Config struct {
	Backends        []Backend      `mapstructure:"backends"`
	Pool            Pool           `mapstructure:"pool"`
	Batch           Batch          `mapstructure:"batch"`
	Cache           Cache          `mapstructure:"cache"`
	Admission       Admission      `mapstructure:"admission"`
	CircuitBreaker  CircuitBreaker `mapstructure:"circuit_breaker"`
	Health          Health         `mapstructure:"health"`
	Retry           Retry          `mapstructure:"retry"`
	JobRetention    JobRetention   `mapstructure:"job_retention"`
	Redis           Redis          `mapstructure:"redis"`
	RateLimit       RateLimit      `mapstructure:"rate_limit"`
	Audit           Audit          `mapstructure:"audit"`
	Observability   Observability  `mapstructure:"observability"`
	WaitForResult   time.Duration  `mapstructure:"wait_for_result"`
}

func defaultConfig() *Config {
	return &Config{
		Backends: []Backend{
			{ID: "llm", Capability: "llm_completion", MaxInFlight: 32},
			{ID: "llm", Capability: "llm_chat", MaxInFlight: 32},
			{ID: "vision", Capability: "vision_analyze", MaxInFlight: 16},
			{ID: "nlp", Capability: "nlp_analyze", MaxInFlight: 32},
			{ID: "data", Capability: "data_process", MaxInFlight: 16},
		},
		Pool: Pool{
			Connections:    20,
			MaxSize:        20,
			IdleExpiry:     30 * time.Second,
			Timeout:        30 * time.Second,
			ConnectTimeout: 5 * time.Second,
		},
		Batch: Batch{
			MaxSize: 8,
			MaxWait: 100 * time.Millisecond,
		},
		Cache: Cache{
			TTL:     2 * time.Hour,
			Backend: "in-process",
			MaxKeys: 10000,
		},
		Admission: Admission{
			GlobalQueueCap: 1000,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 5,
			CooldownPeriod:   30 * time.Second,
		},
		Health: Health{
			ProbeInterval: 5 * time.Second,
		},
		Retry: Retry{
			MaxAttempts: 3,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		JobRetention: JobRetention{
			Window: 10 * time.Minute,
		},
		Redis: Redis{
			Addr:        "localhost:6379",
			DialTimeout: 5 * time.Second,
			ReadTimeout: 3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		RateLimit: RateLimit{
			RequestsPerSecond: 200,
			Burst:             400,
		},
		Audit: Audit{
			Enabled:    true,
			Path:       "./log/audit.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false},
		},
		WaitForResult: 5 * time.Second,
	}
}

// Load reads configuration from a YAML file (optional) and env overrides,
// then applies the LLM_SERVICE_URL / VISION_SERVICE_URL / NLP_SERVICE_URL /
// DATA_PROCESSOR_URL environment variables on top, matching the backend
// addressing scheme callers expect regardless of file content.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("pool.connections", def.Pool.Connections)
	v.SetDefault("pool.max_size", def.Pool.MaxSize)
	v.SetDefault("pool.idle_expiry", def.Pool.IdleExpiry)
	v.SetDefault("pool.timeout", def.Pool.Timeout)
	v.SetDefault("pool.connect_timeout", def.Pool.ConnectTimeout)

	v.SetDefault("batch.max_size", def.Batch.MaxSize)
	v.SetDefault("batch.max_wait", def.Batch.MaxWait)

	v.SetDefault("cache.ttl", def.Cache.TTL)
	v.SetDefault("cache.backend", def.Cache.Backend)
	v.SetDefault("cache.max_keys", def.Cache.MaxKeys)

	v.SetDefault("admission.global_queue_cap", def.Admission.GlobalQueueCap)

	v.SetDefault("circuit_breaker.circuit_failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.circuit_cooldown_seconds", def.CircuitBreaker.CooldownPeriod)

	v.SetDefault("health.probe_interval", def.Health.ProbeInterval)

	v.SetDefault("retry.max_attempts", def.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", def.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", def.Retry.MaxDelay)

	v.SetDefault("job_retention.window", def.JobRetention.Window)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)

	v.SetDefault("rate_limit.requests_per_second", def.RateLimit.RequestsPerSecond)
	v.SetDefault("rate_limit.burst", def.RateLimit.Burst)

	v.SetDefault("audit.enabled", def.Audit.Enabled)
	v.SetDefault("audit.path", def.Audit.Path)
	v.SetDefault("audit.max_size_mb", def.Audit.MaxSizeMB)
	v.SetDefault("audit.max_backups", def.Audit.MaxBackups)
	v.SetDefault("audit.max_age_days", def.Audit.MaxAgeDays)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)

	v.SetDefault("wait_for_result", def.WaitForResult)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Backends) == 0 {
		cfg.Backends = def.Backends
	}

	applyServiceURLEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyServiceURLEnv overrides backend base addresses from the well-known
// per-service environment variables, taking precedence over file config so
// operators can repoint a capability without editing YAML.
func applyServiceURLEnv(cfg *Config) {
	byCapability := map[string]string{
		"llm_completion": os.Getenv("LLM_SERVICE_URL"),
		"llm_chat":       os.Getenv("LLM_SERVICE_URL"),
		"vision_analyze": os.Getenv("VISION_SERVICE_URL"),
		"nlp_analyze":    os.Getenv("NLP_SERVICE_URL"),
		"data_process":   os.Getenv("DATA_PROCESSOR_URL"),
	}
	for i := range cfg.Backends {
		if url, ok := byCapability[cfg.Backends[i].Capability]; ok && url != "" {
			cfg.Backends[i].BaseAddress = url
		}
	}
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if len(cfg.Backends) == 0 {
		return fmt.Errorf("backends must be non-empty")
	}
	for _, b := range cfg.Backends {
		if b.BaseAddress == "" {
			return fmt.Errorf("backend %q (%s) has no base_address; set it in config or via its *_SERVICE_URL env var", b.ID, b.Capability)
		}
		if b.MaxInFlight < 1 {
			return fmt.Errorf("backend %q (%s) max_in_flight must be >= 1", b.ID, b.Capability)
		}
	}
	if cfg.Pool.MaxSize < 1 {
		return fmt.Errorf("pool.max_size must be >= 1")
	}
	if cfg.Batch.MaxSize < 1 {
		return fmt.Errorf("batch.max_size must be >= 1")
	}
	if cfg.Admission.GlobalQueueCap < 1 {
		return fmt.Errorf("admission.global_queue_cap must be >= 1")
	}
	if cfg.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.circuit_failure_threshold must be >= 1")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Cache.Backend != "in-process" && cfg.Cache.Backend != "redis" {
		return fmt.Errorf("cache.backend must be 'in-process' or 'redis'")
	}
	return nil
}
