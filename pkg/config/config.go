// Package config provides configuration management for the gatekeeper proxy.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opd-ai/gatekeeper/pkg/filter"
	"github.com/opd-ai/gatekeeper/pkg/logger"
)

// Duration is a time.Duration that marshals to and from YAML duration
// strings like "10s" or "2m".
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the duration string form
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q (line %d): %w", node.Value, node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Config represents the gatekeeper proxy configuration
type Config struct {
	// BindAddr is the listen address (default 0.0.0.0)
	BindAddr string `yaml:"bind_addr"`
	// BindPort is the listen port (default 1080)
	BindPort int `yaml:"bind_port"`
	// DialTimeout bounds upstream connection attempts (default 10s)
	DialTimeout Duration `yaml:"dial_timeout"`
	// RelayBufferSize is the per-direction relay buffer in bytes (default 8192)
	RelayBufferSize int `yaml:"relay_buffer_size"`
	// ShutdownGrace bounds the wait for live sessions at shutdown (default 5s)
	ShutdownGrace Duration `yaml:"shutdown_grace"`
	// MaxClients caps concurrent client connections (0 = unlimited)
	MaxClients int `yaml:"max_clients"`
	// AcceptRate throttles accepted connections per second (0 = unlimited)
	AcceptRate float64 `yaml:"accept_rate"`
	// DecisionCache is the filter verdict cache capacity (0 disables)
	DecisionCache int `yaml:"decision_cache"`
	// AdminPort serves the metrics/health endpoint (0 = disabled)
	AdminPort int `yaml:"admin_port"`
	// LogLevel is one of debug, info, warn, error (default info)
	LogLevel string `yaml:"log_level"`
	// Rules is the ordered allow/deny list; empty means allow everything
	Rules []filter.Entry `yaml:"rules"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		BindAddr:        "0.0.0.0",
		BindPort:        1080,
		DialTimeout:     Duration(10 * time.Second),
		RelayBufferSize: 8192,
		ShutdownGrace:   Duration(5 * time.Second),
		MaxClients:      0,
		AcceptRate:      0,
		DecisionCache:   filter.DefaultCacheSize,
		AdminPort:       0,
		LogLevel:        "info",
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if net.ParseIP(c.BindAddr) == nil {
		return fmt.Errorf("config: bind_addr %q is not an IP address", c.BindAddr)
	}
	if c.BindPort < 0 || c.BindPort > 65535 {
		return fmt.Errorf("config: bind_port %d out of range", c.BindPort)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("config: dial_timeout must be positive")
	}
	if c.RelayBufferSize <= 0 {
		return fmt.Errorf("config: relay_buffer_size must be positive")
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("config: shutdown_grace must not be negative")
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("config: max_clients must not be negative")
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("config: accept_rate must not be negative")
	}
	if c.DecisionCache < 0 {
		return fmt.Errorf("config: decision_cache must not be negative")
	}
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		return fmt.Errorf("config: admin_port %d out of range", c.AdminPort)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.RuleSet(); err != nil {
		return err
	}
	return nil
}

// ListenAddr returns the bind address in host:port form
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.BindPort))
}

// AdminAddr returns the admin endpoint address in host:port form
func (c *Config) AdminAddr() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.AdminPort))
}

// RuleSet compiles the configured rules. An absent rule list yields the
// allow-everything default.
func (c *Config) RuleSet() (*filter.RuleSet, error) {
	if len(c.Rules) == 0 {
		return filter.DefaultRuleSet(), nil
	}
	return filter.NewRuleSet(c.Rules)
}
