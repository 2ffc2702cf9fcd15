package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SAFECHECKPOINT_"

// Load builds the effective configuration: the file at path (or Default
// when path is empty), then environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = FromFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromFile loads configuration from a file, auto-detecting format by extension.
// Supported extensions: .yaml, .yml, .json
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data into a Config.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return Parse(NewValues(m)), nil
}

// FromJSON parses JSON data into a Config.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return Parse(NewValues(m)), nil
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. With no paths it loads
// ./.env if present.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(paths...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg from SAFECHECKPOINT_* environment variables.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, os.LookupEnv)
}

type envBinding struct {
	name string
	set  func(cfg *Config, value string) error
}

func setString(dst func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		*dst(cfg) = value
		return nil
	}
}

var envBindings = []envBinding{
	{"BACKEND", setString(func(c *Config) *string { return &c.Backend })},
	{"SQLITE_PATH", setString(func(c *Config) *string { return &c.SQLite.Path })},
	{"SQLITE_TABLE", setString(func(c *Config) *string { return &c.SQLite.Table })},
	{"BADGER_PATH", setString(func(c *Config) *string { return &c.Badger.Path })},
	{"BADGER_IN_MEMORY", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		c.Badger.InMemory = b
		return err
	}},
	{"BADGER_SYNC_WRITES", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		c.Badger.SyncWrites = b
		return err
	}},
	{"BADGER_GC_INTERVAL", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		c.Badger.GCInterval = d
		return err
	}},
	{"POSTGRES_DSN", setString(func(c *Config) *string { return &c.Postgres.DSN })},
	{"POSTGRES_TABLE", setString(func(c *Config) *string { return &c.Postgres.Table })},
	{"CODEC", setString(func(c *Config) *string { return &c.Serializer.Codec })},
	{"COMPRESSION", setString(func(c *Config) *string { return &c.Serializer.Compression })},
	{"FALLBACK", setString(func(c *Config) *string { return &c.Normalizer.Fallback })},
	{"LOG_LEVEL", setString(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_FORMAT", setString(func(c *Config) *string { return &c.Logging.Format })},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, b := range envBindings {
		value, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		next := *cfg
		if err := b.set(&next, value); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, b.name, err))
			continue
		}
		*cfg = next
	}
	return errors.Join(errs...)
}
