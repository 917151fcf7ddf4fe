package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/tsstream/errors"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

// durationSuffixes mark keys whose string values are parsed as durations in
// JSON files.
var durationSuffixes = []string{"timeout", "interval", "wait", "delay"}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "TSSUB",
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load decodes every layer over Default, applies environment overrides and
// validates when enabled.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		data, err := readConfigFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config.Loader", "Load", "read "+path)
		}
		if err := decode(data, formatOf(path), cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config.Loader", "Load", "decode "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Load is a shorthand for a validating single-file load.
func Load(path string) (*Config, error) {
	l := NewLoader()
	l.EnableValidation(true)
	return l.LoadFile(path)
}

// Parse decodes data of the given format ("json" or "yaml") over Default
// without validating.
func Parse(data []byte, format string) (*Config, error) {
	cfg := Default()
	if err := decode(data, format, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Parse", "decode")
	}
	return cfg, nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	default:
		return ""
	}
}

// decode overlays data onto cfg. Keys absent from data keep their current
// values; unknown keys are rejected.
func decode(data []byte, format string, cfg *Config) error {
	switch format {
	case formatJSON:
		return decodeJSON(data, cfg)
	case formatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported config format %q", errors.ErrInvalidConfig, format)
	}
}

func decodeJSON(data []byte, cfg *Config) error {
	if err := checkJSONDepth(data); err != nil {
		return fmt.Errorf("invalid JSON structure: %w", err)
	}

	var raw map[string]any
	rawDec := json.NewDecoder(bytes.NewReader(data))
	rawDec.UseNumber()
	if err := rawDec.Decode(&raw); err != nil {
		return err
	}
	if err := parseDurations(raw); err != nil {
		return err
	}

	normalized, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(normalized))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any) error {
	for key, value := range data {
		switch v := value.(type) {
		case map[string]any:
			if key == "headers" {
				continue
			}
			if err := parseDurations(v); err != nil {
				return err
			}
		case string:
			if !isDurationKey(key) {
				continue
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, key, err)
			}
			data[key] = d.Nanoseconds()
		}
	}
	return nil
}

func isDurationKey(key string) bool {
	for _, suffix := range durationSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// applyEnvOverrides applies <prefix>_* environment variables. They win over
// every file layer.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	overrides := []struct {
		name  string
		apply func(string) error
	}{
		{"HOST", func(v string) error { cfg.Connection.Host = v; return nil }},
		{"PORT", func(v string) error {
			port, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			cfg.Connection.Port = port
			return nil
		}},
		{"FILTER", func(v string) error { cfg.Subscription.FilterExpression = v; return nil }},
		{"NATS_URL", func(v string) error { cfg.NATS.URL = v; return nil }},
		{"METRICS_ADDR", func(v string) error { cfg.Metrics.Addr = v; return nil }},
	}

	for _, o := range overrides {
		key := l.envPrefix + "_" + o.name
		value := os.Getenv(key)
		if value == "" {
			continue
		}
		if err := checkEnvValue(key, value); err != nil {
			return errors.WrapInvalid(err, "config.Loader", "applyEnvOverrides", key)
		}
		if err := o.apply(value); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %s=%q: %v", errors.ErrInvalidConfig, key, value, err),
				"config.Loader", "applyEnvOverrides", key)
		}
	}
	return nil
}
