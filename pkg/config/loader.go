// Package config provides configuration file loading for the gatekeeper proxy.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	gkerrors "github.com/opd-ai/gatekeeper/pkg/errors"
	"github.com/opd-ai/gatekeeper/pkg/filter"
)

// LoadFromFile loads configuration from a YAML file into cfg. Keys absent
// from the file keep the values cfg already carries, so callers pass in
// DefaultConfig() and get defaults for free. Unknown keys are rejected.
func LoadFromFile(path string, cfg *Config) error {
	if cfg == nil {
		return gkerrors.ConfigurationError("config cannot be nil", nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return gkerrors.ConfigurationError("failed to read config file", err).
			WithContext("path", path)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return gkerrors.ConfigurationError("failed to parse config file", err).
			WithContext("path", path)
	}
	return nil
}

// LoadRuleFile loads and compiles a standalone YAML rule file: either a
// bare sequence of entries or a mapping with a top-level rules key.
func LoadRuleFile(path string) (*filter.RuleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, gkerrors.ConfigurationError("failed to open rule file", err).
			WithContext("path", path)
	}
	defer f.Close()

	rules, err := filter.LoadRules(f)
	if err != nil {
		return nil, gkerrors.ConfigurationError(fmt.Sprintf("invalid rule file %s", path), err)
	}
	return rules, nil
}
