package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gobwas/glob"
	"github.com/wzdat/wzdat/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the configuration file looked up in the workspace root.
const DefaultFileName = "wzdat.yaml"

// DefaultConfig returns the configuration used by "wzdat init".
func DefaultConfig() *Config {
	return &Config{
		UnitDir:    "units",
		DataDir:    "data",
		HistoryDB:  ".wzdat/wzdat.db",
		ArtifactDB: ".wzdat/wzdat.db",
		Runner: RunnerConfig{
			Timeout: 30 * time.Minute,
		},
		Watch: WatchConfig{
			Debounce: 2 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads a configuration file. Missing keys keep their defaults and
// relative paths are resolved against the directory of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}
	cfg.resolvePaths(base)

	if err := cfg.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of DefaultConfig. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints, the telemetry section and every
// selector entry against the #Selector schema.
func (c *Config) Validate(ctx context.Context) error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	registry := NewSchemaRegistry()
	owners := make(map[string]bool, len(c.Selectors))
	for _, sel := range c.Selectors {
		if owners[sel.Owner] {
			return fmt.Errorf("selector %s: duplicate owner", sel.Owner)
		}
		owners[sel.Owner] = true

		if err := registry.ValidateSelector(ctx, sel); err != nil {
			return fmt.Errorf("selector %s: %w", sel.Owner, err)
		}
		if sel.DatePattern != "" {
			if _, err := regexp.Compile(sel.DatePattern); err != nil {
				return fmt.Errorf("selector %s: invalid date_pattern: %w", sel.Owner, err)
			}
		}
		for kind, patterns := range sel.Kinds {
			for _, p := range patterns {
				if _, err := glob.Compile(p, '/'); err != nil {
					return fmt.Errorf("selector %s: kind %s: invalid pattern %q: %w", sel.Owner, kind, p, err)
				}
			}
		}
	}
	return nil
}

// Write saves the configuration as YAML.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.UnitDir = abs(c.UnitDir)
	c.DataDir = abs(c.DataDir)
	c.HistoryDB = abs(c.HistoryDB)
	c.ArtifactDB = abs(c.ArtifactDB)
	for i := range c.Selectors {
		c.Selectors[i].Root = abs(c.Selectors[i].Root)
	}
	for i := range c.Watch.Paths {
		c.Watch.Paths[i] = abs(c.Watch.Paths[i])
	}
}
