package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Load builds a configuration with the precedence
// environment variables > YAML file > defaults, then validates it.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 -- path comes from the operator's command line
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays the environment variables named by the envconfig tags
// onto c. PORT, when set, replaces the listen address with ":PORT".
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process("", c); err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}
	c.MaxWorkers = ClampWorkers(c.MaxWorkers)

	var port struct {
		Port string `envconfig:"PORT"`
	}
	if err := envconfig.Process("", &port); err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}
	if p := strings.TrimSpace(port.Port); p != "" {
		c.Server.Addr = ":" + p
	}
	return nil
}

// List is a ';'-separated list in the environment. Positions are kept so
// that the three domain lists stay aligned; trailing empty elements are dropped.
type List []string

// Decode implements envconfig.Decoder.
func (l *List) Decode(v string) error {
	parts := strings.Split(v, ";")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	*l = parts
	return nil
}
