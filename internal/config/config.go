// Package config provides Viper-based configuration loading for the session synchronizer.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DispatcherConfig holds settings for the session directory's listening endpoint.
type DispatcherConfig struct {
	// Host is the bind address for the directory listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the directory listener.
	Port int `mapstructure:"port"`
	// ReadTimeout bounds the preamble exchange on a new connection.
	// Zero disables the deadline.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-flush timeout on every connection.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Handshake enables the HTTP-like preamble exchange before the object stream starts.
	Handshake bool `mapstructure:"handshake"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (d DispatcherConfig) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// SessionConfig holds the tick loop settings shared by every session.
type SessionConfig struct {
	// TickInterval is the wall-clock period of the broadcast loop.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// HeartBeat is how many paused ticks elapse between liveness broadcasts.
	HeartBeat int `mapstructure:"heart_beat"`
	// StartPaused makes a freshly activated session wait for a resume request.
	StartPaused bool `mapstructure:"start_paused"`
}

// ClientConfig holds client proxy settings.
type ClientConfig struct {
	// PollInterval is the period of the inbound polling timer.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// DialTimeout bounds the initial connection to the directory.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// DatabaseConfig holds PostgreSQL settings for the session history archive.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// OpsConfig holds the operational HTTP and gRPC endpoints.
type OpsConfig struct {
	Host string `mapstructure:"host"`
	// HTTPPort serves /healthz, /metrics and /sessions. Zero disables it.
	HTTPPort int `mapstructure:"http_port"`
	// GRPCPort serves grpc.health.v1. Zero disables it.
	GRPCPort int `mapstructure:"grpc_port"`
}

// HTTPAddr returns the "host:port" address of the HTTP ops listener.
func (o OpsConfig) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.HTTPPort)
}

// GRPCAddr returns the "host:port" address of the gRPC health listener.
func (o OpsConfig) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.GRPCPort)
}

// Config is the top-level application configuration.
type Config struct {
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Session    SessionConfig    `mapstructure:"session"`
	Client     ClientConfig     `mapstructure:"client"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Ops        OpsConfig        `mapstructure:"ops"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateDispatcher(c.Dispatcher),
		validateSession(c.Session),
		validateClient(c.Client),
		validateLogging(c.Logging),
		validateDatabase(c.Database),
		validateOps(c.Ops),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDispatcher(d DispatcherConfig) error {
	var errs []string
	if d.Port < 0 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("dispatcher.port must be 0-65535, got %d", d.Port))
	}
	if d.ReadTimeout < 0 {
		errs = append(errs, "dispatcher.read_timeout must not be negative")
	}
	if d.WriteTimeout < 0 {
		errs = append(errs, "dispatcher.write_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateSession(s SessionConfig) error {
	var errs []string
	if s.TickInterval <= 0 {
		errs = append(errs, fmt.Sprintf("session.tick_interval must be > 0, got %s", s.TickInterval))
	}
	if s.HeartBeat < 1 {
		errs = append(errs, fmt.Sprintf("session.heart_beat must be >= 1, got %d", s.HeartBeat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateClient(c ClientConfig) error {
	var errs []string
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Sprintf("client.poll_interval must be > 0, got %s", c.PollInterval))
	}
	if c.DialTimeout < 0 {
		errs = append(errs, "client.dial_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	if !d.Enabled {
		return nil
	}
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateOps(o OpsConfig) error {
	var errs []string
	if o.HTTPPort < 0 || o.HTTPPort > 65535 {
		errs = append(errs, fmt.Sprintf("ops.http_port must be 0-65535, got %d", o.HTTPPort))
	}
	if o.GRPCPort < 0 || o.GRPCPort > 65535 {
		errs = append(errs, fmt.Sprintf("ops.grpc_port must be 0-65535, got %d", o.GRPCPort))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path loads defaults and environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := NewViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// NewViper returns a Viper instance with SYNC_ environment overrides and all defaults set.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in configuration with no file or environment applied.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dispatcher.host", "0.0.0.0")
	v.SetDefault("dispatcher.port", 1555)
	v.SetDefault("dispatcher.read_timeout", "0s")
	v.SetDefault("dispatcher.write_timeout", "10s")
	v.SetDefault("dispatcher.handshake", true)

	v.SetDefault("session.tick_interval", "40ms")
	v.SetDefault("session.heart_beat", 100)
	v.SetDefault("session.start_paused", true)

	v.SetDefault("client.poll_interval", "4ms")
	v.SetDefault("client.dial_timeout", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "sync")
	v.SetDefault("database.password", "sync")
	v.SetDefault("database.name", "sync")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 5)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("ops.host", "127.0.0.1")
	v.SetDefault("ops.http_port", 9090)
	v.SetDefault("ops.grpc_port", 50051)
}
