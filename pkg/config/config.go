// Package config loads the service configuration: a single YAML file
// validated up front, with defaults for everything but the paths and
// credentials a deployment must provide.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/engine"
	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/telemetry"
	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/transports/rest"
)

// Environment variables consulted for secrets left out of the file.
const (
	envSigningKey     = "ROSFLEET_SIGNING_KEY"
	envDevicePassword = "ROSFLEET_DEVICE_PASSWORD"
)

// Config is the full service configuration.
type Config struct {
	// Store configures the durable SQLite store.
	Store StoreConfig `yaml:"store"`

	// InventoryPath is the device inventory YAML file.
	InventoryPath string `yaml:"inventory_path" validate:"required"`

	// PolicyPaths lists extra .rego admission policy files or directories.
	PolicyPaths []string `yaml:"policy_paths"`

	// SigningKey signs approval tokens. Falls back to ROSFLEET_SIGNING_KEY.
	SigningKey string `yaml:"signing_key" validate:"required,min=16"`

	// ApprovalTTL is the approval token validity window.
	ApprovalTTL time.Duration `yaml:"approval_ttl"`

	// Transport configures the RouterOS REST client.
	Transport TransportConfig `yaml:"transport"`

	// Executor tunes the job execution engine.
	Executor ExecutorConfig `yaml:"executor"`

	// Worker tunes the job claim loop.
	Worker WorkerConfig `yaml:"worker"`

	// Breaker tunes the per-device circuit breaker.
	Breaker BreakerConfig `yaml:"breaker"`

	// Telemetry configures logging, metrics, and tracing.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// Path is the database file path.
	Path string `yaml:"path" validate:"required"`

	// MaxOpenConns caps the connection pool.
	MaxOpenConns int `yaml:"max_open_conns"`
}

// TransportConfig configures device REST access.
type TransportConfig struct {
	// Username authenticates against device REST APIs.
	Username string `yaml:"username" validate:"required"`

	// Password authenticates against device REST APIs. Falls back to
	// ROSFLEET_DEVICE_PASSWORD.
	Password string `yaml:"password" validate:"required"`

	// TLSInsecureSkipVerify disables certificate verification.
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify"`

	// CallTimeout bounds a single device call.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// HealthTimeout bounds a single health probe.
	HealthTimeout time.Duration `yaml:"health_timeout"`

	// DegradedLatency is the health probe latency above which a device
	// counts as degraded.
	DegradedLatency time.Duration `yaml:"degraded_latency"`
}

// ExecutorConfig tunes the job execution engine.
type ExecutorConfig struct {
	// GlobalConcurrency caps parallel device operations within a batch.
	GlobalConcurrency int `yaml:"global_concurrency" validate:"min=0,max=64"`

	// DegradedThreshold is the post-batch degraded fraction that halts a job.
	DegradedThreshold float64 `yaml:"degraded_threshold" validate:"min=0,max=1"`
}

// WorkerConfig tunes the job claim loop.
type WorkerConfig struct {
	// PollInterval is the queue poll cadence.
	PollInterval time.Duration `yaml:"poll_interval"`

	// LeaseTTL is the job lease duration; heartbeats renew at a third of it.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// BreakerConfig tunes the per-device circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a circuit.
	FailureThreshold int `yaml:"failure_threshold" validate:"min=0"`

	// BaseInterval is the backoff after the first failure.
	BaseInterval time.Duration `yaml:"base_interval"`

	// MaxInterval caps the exponential backoff.
	MaxInterval time.Duration `yaml:"max_interval"`
}

var validate = validator.New()

// Load reads, defaults, and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.SigningKey == "" {
		cfg.SigningKey = os.Getenv(envSigningKey)
	}
	if cfg.Transport.Password == "" {
		cfg.Transport.Password = os.Getenv(envDevicePassword)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	executor := engine.DefaultExecutorConfig()
	worker := engine.DefaultWorkerConfig()
	breaker := engine.DefaultBreakerConfig()
	return &Config{
		Store: StoreConfig{
			Path:         "rosfleet.db",
			MaxOpenConns: 4,
		},
		ApprovalTTL: engine.DefaultApprovalTTL,
		Transport: TransportConfig{
			CallTimeout:     executor.CallTimeout,
			HealthTimeout:   10 * time.Second,
			DegradedLatency: 3 * time.Second,
		},
		Executor: ExecutorConfig{
			GlobalConcurrency: executor.GlobalConcurrency,
			DegradedThreshold: executor.DegradedThreshold,
		},
		Worker: WorkerConfig{
			PollInterval: worker.PollInterval,
			LeaseTTL:     worker.LeaseTTL,
		},
		Breaker: BreakerConfig{
			FailureThreshold: breaker.FailureThreshold,
			BaseInterval:     breaker.BaseInterval,
			MaxInterval:      breaker.MaxInterval,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// EngineExecutorConfig maps the file settings onto the engine's tuning.
func (c *Config) EngineExecutorConfig() engine.ExecutorConfig {
	cfg := engine.DefaultExecutorConfig()
	cfg.GlobalConcurrency = c.Executor.GlobalConcurrency
	cfg.DegradedThreshold = c.Executor.DegradedThreshold
	cfg.CallTimeout = c.Transport.CallTimeout
	return cfg
}

// EngineWorkerConfig maps the file settings onto the worker's tuning.
func (c *Config) EngineWorkerConfig() engine.WorkerConfig {
	return engine.WorkerConfig{
		PollInterval: c.Worker.PollInterval,
		LeaseTTL:     c.Worker.LeaseTTL,
	}
}

// EngineBreakerConfig maps the file settings onto the breaker's tuning.
func (c *Config) EngineBreakerConfig() engine.BreakerConfig {
	return engine.BreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		BaseInterval:     c.Breaker.BaseInterval,
		MaxInterval:      c.Breaker.MaxInterval,
	}
}

// RESTClientConfig maps the file settings onto the REST transport.
func (c *Config) RESTClientConfig() rest.ClientConfig {
	return rest.ClientConfig{
		Username:              c.Transport.Username,
		Password:              c.Transport.Password,
		TLSInsecureSkipVerify: c.Transport.TLSInsecureSkipVerify,
	}
}

// RESTHealthConfig maps the file settings onto the health checker.
func (c *Config) RESTHealthConfig() rest.HealthCheckerConfig {
	cfg := rest.DefaultHealthCheckerConfig()
	cfg.Timeout = c.Transport.HealthTimeout
	cfg.DegradedLatency = c.Transport.DegradedLatency
	return cfg
}
