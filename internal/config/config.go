// Package config holds the client configuration: where the scanning backend
// lives, connection and request timeouts, retry budgets, logging and metrics.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/scanlink/internal/errors"
)

// Config represents the complete client configuration
type Config struct {
	// Backend endpoint
	Endpoint EndpointConfig `yaml:"endpoint" json:"endpoint"`

	// Connection tuning
	Connection ConnectionConfig `yaml:"connection" json:"connection"`

	// First-contact retry budget
	Bootstrap BootstrapConfig `yaml:"bootstrap" json:"bootstrap"`

	// Automatic reconnection after an unexpected drop
	Reconnect ReconnectConfig `yaml:"reconnect" json:"reconnect"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// EndpointConfig describes the scanning backend address
type EndpointConfig struct {
	// ws or wss
	Scheme string `yaml:"scheme" json:"scheme" validate:"oneof=ws wss"`

	// host:port, user overridable
	Address string `yaml:"address" json:"address" validate:"required,hostname_port"`

	// Websocket path on the backend
	Path string `yaml:"path" json:"path" validate:"required,startswith=/"`
}

// ConnectionConfig holds connection and request timeouts
type ConnectionConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" validate:"gt=0"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" validate:"gt=0"`
	WriteWait      time.Duration `yaml:"write_wait" json:"write_wait" validate:"gt=0"`
	PongWait       time.Duration `yaml:"pong_wait" json:"pong_wait" validate:"gt=0"`
	MaxMessageSize int64         `yaml:"max_message_size" json:"max_message_size" validate:"gt=0"`
}

// BootstrapConfig holds the bounded retry used for first contact
type BootstrapConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts" validate:"gte=1"`
	RetryDelay  time.Duration `yaml:"retry_delay" json:"retry_delay" validate:"gte=0"`
}

// ReconnectConfig holds the exponential policy used after a mid-session drop
type ReconnectConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval" validate:"gtefield=InitialInterval"`

	// Zero retries forever
	MaxElapsedTime time.Duration `yaml:"max_elapsed_time" json:"max_elapsed_time" validate:"gte=0"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`

	// Log output (stdout, stderr, discard, file path)
	Output string `yaml:"output" json:"output" validate:"required"`
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			Scheme:  "ws",
			Address: "127.0.0.1:8766",
			Path:    "/ws",
		},
		Connection: ConnectionConfig{
			ConnectTimeout: 10 * time.Second,
			RequestTimeout: 30 * time.Second,
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
			MaxMessageSize: 4 * 1024 * 1024,
		},
		Bootstrap: BootstrapConfig{
			MaxAttempts: 8,
			RetryDelay:  2500 * time.Millisecond,
		},
		Reconnect: ReconnectConfig{
			Enabled:         true,
			InitialInterval: 1 * time.Second,
			MaxInterval:     30 * time.Second,
			MaxElapsedTime:  5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9466",
		},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	// Start with defaults
	config := Default()

	if path == "" {
		return config, nil
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil // Return defaults if no config file
	}

	// #nosec G304 - config path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	// YAML is a superset of JSON, one decoder covers both extensions
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse config %s", filepath.Base(path)), err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			first := verrs[0]
			return errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("failed on '%s' rule", first.Tag()), first.Namespace(), first.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "invalid configuration", err)
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.ListenAddr); err != nil {
			return errors.NewConfigFieldError(errors.CodeValidation,
				"metrics listen address must be host:port", "metrics.listen_addr", c.Metrics.ListenAddr)
		}
	}

	return nil
}

// URL returns the websocket URL of the configured endpoint
func (e EndpointConfig) URL() string {
	return BuildURL(e.Scheme, e.Address, e.Path)
}

// BuildURL assembles a websocket URL from its parts
func BuildURL(scheme, address, path string) string {
	if scheme == "" {
		scheme = "ws"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{Scheme: scheme, Host: address, Path: path}
	return u.String()
}

// WithAddress returns a copy of the endpoint pointing at address
func (e EndpointConfig) WithAddress(address string) EndpointConfig {
	e.Address = address
	return e
}

// ValidateAddress checks a user supplied host:port override
func ValidateAddress(address string) error {
	if err := validate.Var(address, "required,hostname_port"); err != nil {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"address must be host:port", "endpoint.address", address)
	}
	return nil
}
