package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"

	"github.com/explaindio/musetalk-container/pkg/log"
)

// ErrMissingAPIKey is returned by Validate when INTERNAL_API_KEY is not set.
// The worker refuses to start without it.
var ErrMissingAPIKey = errors.New("INTERNAL_API_KEY not set")

// Config holds the worker agent configuration. Keys match the environment
// variables the worker containers are deployed with.
type Config struct {
	// Base URL of the orchestrator
	OrchestratorURL string `mapstructure:"orchestrator_base_url" yaml:"orchestrator_base_url"`

	// Shared internal API key sent as X-Internal-API-Key
	APIKey string `mapstructure:"internal_api_key" yaml:"internal_api_key"`

	// Explicit worker id. Provider signals take precedence.
	WorkerID string `mapstructure:"worker_id" yaml:"worker_id"`

	// Pool the worker belongs to: main, transient, expensive
	WorkerType string `mapstructure:"worker_type" yaml:"worker_type"`

	// GPU provider name: salad, octaspace, vast, tensordock, runpod
	Provider string `mapstructure:"provider" yaml:"provider"`

	// GPU class label reported to the orchestrator
	GPUClass string `mapstructure:"gpu_class_name" yaml:"gpu_class_name"`

	// Seconds to sleep between claims when no job was handed out
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	// Seconds between heartbeats
	HeartbeatIntervalSec int `mapstructure:"heartbeat_interval_sec" yaml:"heartbeat_interval_sec"`

	// Local processing endpoint
	GenerateURL string `mapstructure:"generate_url" yaml:"generate_url"`

	// Readiness probe of the local processing endpoint. Empty disables it.
	GenerateHealthURL string `mapstructure:"generate_health_url" yaml:"generate_health_url"`

	// Upper bound for one /generate call
	GenerateTimeout time.Duration `mapstructure:"generate_timeout" yaml:"generate_timeout"`

	// File fetched once at startup to measure download speed. Empty skips it.
	SpeedtestURL string `mapstructure:"speedtest_url" yaml:"speedtest_url"`

	// Listen address of the local status server. Empty disables it.
	StatusAddr string `mapstructure:"status_addr" yaml:"status_addr"`

	// Directory for the job journal. Empty disables it.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" yaml:"log_json"`
}

// Defaults are applied for every option except the API key
var Defaults = map[string]any{
	"orchestrator_base_url":  "https://orch.avatargen.online",
	"internal_api_key":       "",
	"worker_id":              "",
	"worker_type":            "main",
	"provider":               "unknown",
	"gpu_class_name":         "unknown",
	"poll_interval_sec":      5,
	"heartbeat_interval_sec": 5,
	"generate_url":           "http://localhost:8000/generate",
	"generate_health_url":    "http://localhost:8000/hc",
	"generate_timeout":       600 * time.Second,
	"speedtest_url":          "",
	"status_addr":            "127.0.0.1:9100",
	"data_dir":               "./gpuworker-data",
	"log_level":              "info",
	"log_json":               true,
}

// NewViper returns a viper instance with defaults, environment lookup and
// the optional gpuworker.yaml config file search paths registered.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range Defaults {
		v.SetDefault(key, value)
	}

	// Keys are the lower-cased environment variable names, no prefix
	v.AutomaticEnv()

	v.SetConfigName("gpuworker")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/gpuworker/")
	v.AddConfigPath("$HOME/.config/gpuworker")
	v.AddConfigPath(".")
	return v
}

// Load reads the config file if present and decodes all settings
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := Unmarshal(v, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration can run a worker
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}

	if c.OrchestratorURL == "" {
		return errors.New("an orchestrator base URL is required")
	}
	if u, err := url.Parse(c.OrchestratorURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("orchestrator base URL %q is not a valid URL", c.OrchestratorURL)
	}

	if u, err := url.Parse(c.GenerateURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("generate URL %q is not a valid URL", c.GenerateURL)
	}

	if c.PollIntervalSec <= 0 {
		return errors.New("poll interval must be greater than zero")
	}
	if c.HeartbeatIntervalSec <= 0 {
		return errors.New("heartbeat interval must be greater than zero")
	}
	if c.GenerateTimeout <= 0 {
		return errors.New("generate timeout must be greater than zero")
	}

	return nil
}

// PollInterval returns the idle poll interval
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// HeartbeatInterval returns the heartbeat cadence
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// Redacted returns a copy that is safe to print
func (c *Config) Redacted() Config {
	out := *c
	if out.APIKey != "" {
		out.APIKey = "<redacted>"
	}
	return out
}

// Log writes the effective configuration at info level
func (c *Config) Log() {
	l := log.WithComponent("config")
	l.Info().
		Str("orchestrator_base_url", c.OrchestratorURL).
		Str("worker_type", c.WorkerType).
		Str("provider", c.Provider).
		Str("gpu_class_name", c.GPUClass).
		Int("poll_interval_sec", c.PollIntervalSec).
		Int("heartbeat_interval_sec", c.HeartbeatIntervalSec).
		Str("generate_url", c.GenerateURL).
		Str("generate_health_url", c.GenerateHealthURL).
		Dur("generate_timeout", c.GenerateTimeout).
		Str("status_addr", c.StatusAddr).
		Str("data_dir", c.DataDir).
		Msg("Worker configuration")
}
