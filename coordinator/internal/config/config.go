package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ailightning/ailightning/pkg/payment"
)

// Config represents the coordinator service configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Store       StoreConfig       `mapstructure:"store"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Sessions    SessionsConfig    `mapstructure:"sessions"`
	Settlement  SettlementConfig  `mapstructure:"settlement"`
	Payment     payment.Config    `mapstructure:"payment"`
	Events      EventsConfig      `mapstructure:"events"`
	Cluster     ClusterConfig     `mapstructure:"cluster"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	NodeID          string        `mapstructure:"node_id"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig represents PostgreSQL session store configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// RedisConfig represents the shared registry store configuration
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxRetries   int    `mapstructure:"max_retries"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	Type string `mapstructure:"type"` // postgres | memory
}

// RegistryConfig represents node registry configuration
type RegistryConfig struct {
	LivenessTimeout   time.Duration `mapstructure:"liveness_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	KeyPrefix         string        `mapstructure:"key_prefix"`
}

// SessionsConfig represents session lifecycle configuration
type SessionsConfig struct {
	PaymentWindow  time.Duration `mapstructure:"payment_window"`
	StartTimeout   time.Duration `mapstructure:"start_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SweepWorkers   int           `mapstructure:"sweep_workers"`
	MinMinutes     int           `mapstructure:"min_minutes"`
	MaxMinutes     int           `mapstructure:"max_minutes"`
	Locking        string        `mapstructure:"locking"` // redis | local
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"` // 0 disables Idempotency-Key
}

// SettlementConfig represents node payout configuration
type SettlementConfig struct {
	PayoutRatio    float64       `mapstructure:"payout_ratio"`
	MinPayout      int64         `mapstructure:"min_payout"`
	InvoiceTimeout time.Duration `mapstructure:"invoice_timeout"`
	// StaleAfter is how long a settlement may stay pending before the
	// sweeper closes it as unsettled.
	StaleAfter     time.Duration `mapstructure:"stale_after"`
}

// EventsConfig represents NATS event publishing configuration
type EventsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// ClusterConfig represents memberlist configuration
type ClusterConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	BindAddr string   `mapstructure:"bind_addr"`
	BindPort int      `mapstructure:"bind_port"`
	Seeds    []string `mapstructure:"seeds"`
}

// RateLimiterConfig represents API rate limiting configuration
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	switch c.Store.Type {
	case "postgres":
		if c.Database.Host == "" {
			return errors.New("database.host is required")
		}
		if c.Database.Database == "" {
			return errors.New("database.database is required")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required")
		}
	case "memory":
	default:
		return errors.New("store.type must be one of: postgres, memory")
	}
	if c.Redis.Host == "" {
		return errors.New("redis.host is required")
	}
	if c.Registry.LivenessTimeout <= 0 {
		return errors.New("registry.liveness_timeout must be positive")
	}
	if c.Registry.HeartbeatInterval <= 0 || c.Registry.HeartbeatInterval >= c.Registry.LivenessTimeout {
		return errors.New("registry.heartbeat_interval must be positive and shorter than liveness_timeout")
	}
	if c.Sessions.PaymentWindow <= 0 {
		return errors.New("sessions.payment_window must be positive")
	}
	if c.Sessions.StartTimeout <= 0 || c.Sessions.StopTimeout <= 0 || c.Sessions.RequestTimeout <= 0 {
		return errors.New("sessions timeouts must be positive")
	}
	if c.Sessions.SweepInterval <= 0 {
		return errors.New("sessions.sweep_interval must be positive")
	}
	if c.Sessions.MinMinutes <= 0 || c.Sessions.MaxMinutes < c.Sessions.MinMinutes {
		return errors.New("sessions.min_minutes must be positive and not above max_minutes")
	}
	if c.Sessions.Locking != "redis" && c.Sessions.Locking != "local" {
		return errors.New("sessions.locking must be one of: redis, local")
	}
	if c.Sessions.Locking == "redis" {
		// The lock covers a start that fails over into a stop and a settlement.
		held := c.Sessions.StartTimeout + c.Sessions.StopTimeout + c.Settlement.InvoiceTimeout + c.Payment.Timeout
		if c.Sessions.LockTTL < held {
			return fmt.Errorf("sessions.lock_ttl must be at least %s (start + stop + invoice + payment timeouts)", held)
		}
	}
	if c.Settlement.PayoutRatio <= 0 || c.Settlement.PayoutRatio > 1 {
		return errors.New("settlement.payout_ratio must be in (0, 1]")
	}
	if c.Settlement.MinPayout < 0 {
		return errors.New("settlement.min_payout must not be negative")
	}
	if c.Settlement.StaleAfter <= 0 {
		return errors.New("settlement.stale_after must be positive")
	}
	if c.Sessions.Locking == "redis" && c.Settlement.StaleAfter < c.Sessions.LockTTL {
		return errors.New("settlement.stale_after must not be shorter than sessions.lock_ttl")
	}
	if err := c.Payment.Validate(); err != nil {
		return err
	}
	if c.Events.Enabled && c.Events.URL == "" {
		return errors.New("events.url is required when events are enabled")
	}
	if c.RateLimiter.Enabled && (c.RateLimiter.RequestsPerSecond <= 0 || c.RateLimiter.Burst <= 0) {
		return errors.New("rate_limiter.requests_per_second and burst must be positive")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			NodeID:          "coordinator-1",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			IdleTimeout:     2 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "ailightning",
			User:            "coordinator",
			SSLMode:         "disable",
			MaxConnections:  50,
			MinConnections:  5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			MaxRetries:   3,
			PoolSize:     100,
			MinIdleConns: 10,
		},
		Store: StoreConfig{
			Type: "postgres",
		},
		Registry: RegistryConfig{
			LivenessTimeout:   30 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			KeyPrefix:         "ailightning",
		},
		Sessions: SessionsConfig{
			PaymentWindow:  15 * time.Minute,
			StartTimeout:   90 * time.Second,
			StopTimeout:    15 * time.Second,
			RequestTimeout: 5 * time.Minute,
			SweepInterval:  15 * time.Second,
			SweepWorkers:   8,
			MinMinutes:     1,
			MaxMinutes:     240,
			Locking:        "redis",
			LockTTL:        3 * time.Minute,
			IdempotencyTTL: 24 * time.Hour,
		},
		Settlement: SettlementConfig{
			PayoutRatio:    0.7,
			MinPayout:      1,
			InvoiceTimeout: 15 * time.Second,
			StaleAfter:     10 * time.Minute,
		},
		Payment: payment.Config{
			Mode:    payment.ModeSimulated,
			Timeout: 30 * time.Second,
		},
		Events: EventsConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "ailightning",
		},
		Cluster: ClusterConfig{
			BindAddr: "0.0.0.0",
			BindPort: 7946,
		},
		RateLimiter: RateLimiterConfig{
			Enabled:           true,
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
