package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ailightning/ailightning/pkg/nodeapi"
	"github.com/ailightning/ailightning/pkg/payment"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the control API server configuration
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	AdvertiseAddress string        `yaml:"advertise_address"`
	ControlToken     string        `yaml:"control_token"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// CoordinatorConfig holds coordinator client configuration
type CoordinatorConfig struct {
	URL               string        `yaml:"url"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	MaxRetries        int           `yaml:"max_retries"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// ModelConfig describes one locally installed model
type ModelConfig struct {
	Path           string `yaml:"path"`
	Context        int    `yaml:"context"`
	PricePerMinute int64  `yaml:"price_per_minute"`
	GPULayers      int    `yaml:"gpu_layers"`
}

// SupervisorConfig holds inference process supervision settings
type SupervisorConfig struct {
	Binary            string        `yaml:"binary"`
	ExtraArgs         []string      `yaml:"extra_args"`
	PortRangeStart    int           `yaml:"port_range_start"`
	PortRangeEnd      int           `yaml:"port_range_end"`
	ReadinessInterval time.Duration `yaml:"readiness_interval"`
	ReadinessAttempts int           `yaml:"readiness_attempts"`
	StopGrace         time.Duration `yaml:"stop_grace"`
	CompletionTimeout time.Duration `yaml:"completion_timeout"`
	Workers           int           `yaml:"workers"`
	QueueSize         int           `yaml:"queue_size"`
}

// JournalConfig holds the pid journal location
type JournalConfig struct {
	Dir string `yaml:"dir"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for a compute node
type Config struct {
	Server        ServerConfig           `yaml:"server"`
	Coordinator   CoordinatorConfig      `yaml:"coordinator"`
	OwnerID       string                 `yaml:"owner_id"`
	PayoutAddress string                 `yaml:"payout_address"`
	Models        map[string]ModelConfig `yaml:"models"`
	Supervisor    SupervisorConfig       `yaml:"supervisor"`
	Payment       payment.Config         `yaml:"payment"`
	Journal       JournalConfig          `yaml:"journal"`
	Metrics       MetricsConfig          `yaml:"metrics"`
	Logging       LoggingConfig          `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates raw YAML configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7000
	}
	if cfg.Server.AdvertiseAddress == "" {
		cfg.Server.AdvertiseAddress = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Coordinator.RetryInterval == 0 {
		cfg.Coordinator.RetryInterval = 5 * time.Second
	}
	if cfg.Coordinator.MaxRetries == 0 {
		cfg.Coordinator.MaxRetries = 10
	}
	if cfg.Coordinator.HeartbeatInterval == 0 {
		cfg.Coordinator.HeartbeatInterval = 5 * time.Second
	}
	if cfg.Coordinator.RequestTimeout == 0 {
		cfg.Coordinator.RequestTimeout = 10 * time.Second
	}

	if cfg.Supervisor.Binary == "" {
		cfg.Supervisor.Binary = "llama-server"
	}
	if cfg.Supervisor.PortRangeStart == 0 {
		cfg.Supervisor.PortRangeStart = 11000
	}
	if cfg.Supervisor.PortRangeEnd == 0 {
		cfg.Supervisor.PortRangeEnd = 11100
	}
	if cfg.Supervisor.ReadinessInterval == 0 {
		cfg.Supervisor.ReadinessInterval = time.Second
	}
	if cfg.Supervisor.ReadinessAttempts == 0 {
		cfg.Supervisor.ReadinessAttempts = 60
	}
	if cfg.Supervisor.StopGrace == 0 {
		cfg.Supervisor.StopGrace = 5 * time.Second
	}
	if cfg.Supervisor.CompletionTimeout == 0 {
		cfg.Supervisor.CompletionTimeout = 5 * time.Minute
	}
	if cfg.Supervisor.Workers == 0 {
		cfg.Supervisor.Workers = 8
	}
	if cfg.Supervisor.QueueSize == 0 {
		cfg.Supervisor.QueueSize = 64
	}

	if cfg.Payment.Mode == "" {
		cfg.Payment.Mode = payment.ModeSimulated
	}
	if cfg.Payment.Timeout == 0 {
		cfg.Payment.Timeout = 30 * time.Second
	}

	if cfg.Journal.Dir == "" {
		cfg.Journal.Dir = "/var/lib/ailightning/journal"
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9100
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	for name, m := range cfg.Models {
		if m.Context == 0 {
			m.Context = 2048
			cfg.Models[name] = m
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Coordinator.URL == "" {
		return fmt.Errorf("coordinator.url is required")
	}
	if _, err := url.ParseRequestURI(c.Coordinator.URL); err != nil {
		return fmt.Errorf("coordinator.url is invalid: %w", err)
	}
	if c.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("models must list at least one model")
	}
	for name, m := range c.Models {
		if m.Path == "" {
			return fmt.Errorf("models.%s.path is required", name)
		}
		if m.PricePerMinute <= 0 {
			return fmt.Errorf("models.%s.price_per_minute must be positive", name)
		}
	}
	s := c.Supervisor
	if s.PortRangeStart < 1 || s.PortRangeEnd > 65535 || s.PortRangeStart > s.PortRangeEnd {
		return fmt.Errorf("supervisor port range %d-%d is invalid", s.PortRangeStart, s.PortRangeEnd)
	}
	if s.ReadinessAttempts < 1 {
		return fmt.Errorf("supervisor.readiness_attempts must be positive")
	}
	if err := c.Payment.Validate(); err != nil {
		return err
	}
	return nil
}

// Capabilities converts the configured models to their advertised form
func (c *Config) Capabilities() map[string]nodeapi.Capability {
	caps := make(map[string]nodeapi.Capability, len(c.Models))
	for name, m := range c.Models {
		caps[name] = nodeapi.Capability{Path: m.Path, Context: m.Context, PricePerMinute: m.PricePerMinute}
	}
	return caps
}
