package config

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.BindAddr != "0.0.0.0" {
		t.Errorf("BindAddr = %q, want 0.0.0.0", cfg.BindAddr)
	}
	if cfg.BindPort != 1080 {
		t.Errorf("BindPort = %d, want 1080", cfg.BindPort)
	}
	if cfg.DialTimeout.Std() != 10*time.Second {
		t.Errorf("DialTimeout = %v, want 10s", cfg.DialTimeout)
	}
	if cfg.RelayBufferSize != 8192 {
		t.Errorf("RelayBufferSize = %d, want 8192", cfg.RelayBufferSize)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v, want nil", err)
	}
}

func TestListenAddr(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.ListenAddr(); got != "0.0.0.0:1080" {
		t.Errorf("ListenAddr() = %q, want 0.0.0.0:1080", got)
	}
	cfg.BindAddr = "::1"
	cfg.BindPort = 9
	if got := cfg.ListenAddr(); got != "[::1]:9" {
		t.Errorf("ListenAddr() = %q, want [::1]:9", got)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad bind addr", func(c *Config) { c.BindAddr = "not-an-ip" }},
		{"bad port", func(c *Config) { c.BindPort = 70000 }},
		{"zero dial timeout", func(c *Config) { c.DialTimeout = 0 }},
		{"zero buffer", func(c *Config) { c.RelayBufferSize = 0 }},
		{"negative grace", func(c *Config) { c.ShutdownGrace = Duration(-time.Second) }},
		{"negative max clients", func(c *Config) { c.MaxClients = -1 }},
		{"negative accept rate", func(c *Config) { c.AcceptRate = -1 }},
		{"negative cache", func(c *Config) { c.DecisionCache = -1 }},
		{"bad admin port", func(c *Config) { c.AdminPort = -2 }},
		{"bad log level", func(c *Config) { c.LogLevel = "chatty" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestRuleSetDefault(t *testing.T) {
	cfg := DefaultConfig()
	rules, err := cfg.RuleSet()
	if err != nil {
		t.Fatalf("RuleSet() error = %v", err)
	}
	if rules.Len() != 1 {
		t.Errorf("default rule set has %d entries, want 1 allow-everything entry", rules.Len())
	}
}

func TestDurationYAML(t *testing.T) {
	d := Duration(90 * time.Second)
	out, err := d.MarshalYAML()
	if err != nil {
		t.Fatal(err)
	}
	if out != "1m30s" {
		t.Errorf("MarshalYAML() = %v, want 1m30s", out)
	}
}
