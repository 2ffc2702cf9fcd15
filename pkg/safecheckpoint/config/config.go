package config

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// Config is the complete saver configuration.
type Config struct {
	Backend    string           `yaml:"backend" validate:"oneof=memory sqlite badger postgres"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	Badger     BadgerConfig     `yaml:"badger"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Serializer SerializerConfig `yaml:"serializer"`
	Normalizer NormalizerConfig `yaml:"normalizer"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path  string `yaml:"path"`
	Table string `yaml:"table" validate:"omitempty,sqlident"`
}

// BadgerConfig configures the Badger backend.
type BadgerConfig struct {
	Path           string        `yaml:"path"`
	InMemory       bool          `yaml:"in_memory"`
	SyncWrites     bool          `yaml:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gt=0,lt=1"`
}

// PostgresConfig configures the Postgres backend.
type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table" validate:"omitempty,sqlident"`
}

// SerializerConfig selects the blob codec and compression.
type SerializerConfig struct {
	Codec       string `yaml:"codec" validate:"oneof=json msgpack"`
	Compression string `yaml:"compression" validate:"oneof=none zstd"`
}

// NormalizerConfig selects the version fallback strategy.
type NormalizerConfig struct {
	Fallback string `yaml:"fallback" validate:"oneof=hash constant"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Backend: BackendMemory,
		SQLite: SQLiteConfig{
			Path:  "checkpoints.db",
			Table: "checkpoints",
		},
		Badger: BadgerConfig{
			Path:           "checkpoints.badger",
			SyncWrites:     true,
			GCInterval:     5 * time.Minute,
			GCDiscardRatio: 0.5,
		},
		Postgres: PostgresConfig{
			Table: "checkpoints",
		},
		Serializer: SerializerConfig{
			Codec:       "json",
			Compression: "none",
		},
		Normalizer: NormalizerConfig{
			Fallback: "hash",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Parse overlays v onto Default. Values of the wrong type keep their default.
func Parse(v Values) Config {
	cfg := Default()

	cfg.Backend = v.String("backend", cfg.Backend)

	s := v.Section("sqlite")
	cfg.SQLite.Path = s.String("path", cfg.SQLite.Path)
	cfg.SQLite.Table = s.String("table", cfg.SQLite.Table)

	b := v.Section("badger")
	cfg.Badger.Path = b.String("path", cfg.Badger.Path)
	cfg.Badger.InMemory = b.Bool("in_memory", cfg.Badger.InMemory)
	cfg.Badger.SyncWrites = b.Bool("sync_writes", cfg.Badger.SyncWrites)
	cfg.Badger.GCInterval = b.Duration("gc_interval", cfg.Badger.GCInterval)
	cfg.Badger.GCDiscardRatio = b.Float("gc_discard_ratio", cfg.Badger.GCDiscardRatio)

	p := v.Section("postgres")
	cfg.Postgres.DSN = p.String("dsn", cfg.Postgres.DSN)
	cfg.Postgres.Table = p.String("table", cfg.Postgres.Table)

	ser := v.Section("serializer")
	cfg.Serializer.Codec = ser.String("codec", cfg.Serializer.Codec)
	cfg.Serializer.Compression = ser.String("compression", cfg.Serializer.Compression)

	cfg.Normalizer.Fallback = v.Section("normalizer").String("fallback", cfg.Normalizer.Fallback)

	l := v.Section("logging")
	cfg.Logging.Level = l.String("level", cfg.Logging.Level)
	cfg.Logging.Format = l.String("format", cfg.Logging.Format)

	return cfg
}

// ErrInvalid is wrapped by every error Validate returns.
var ErrInvalid = errors.New("invalid config")

var sqlIdentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their config key.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	_ = v.RegisterValidation("sqlident", func(fl validator.FieldLevel) bool {
		return sqlIdentPattern.MatchString(fl.Field().String())
	})

	v.RegisterStructValidation(validateBackend, Config{})
	return v
}

// validateBackend requires the location of the selected backend.
func validateBackend(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	switch cfg.Backend {
	case BackendSQLite:
		if cfg.SQLite.Path == "" {
			sl.ReportError(cfg.SQLite.Path, "sqlite.path", "Path", "required_for_backend", cfg.Backend)
		}
	case BackendBadger:
		if !cfg.Badger.InMemory && cfg.Badger.Path == "" {
			sl.ReportError(cfg.Badger.Path, "badger.path", "Path", "required_for_backend", cfg.Backend)
		}
	case BackendPostgres:
		if cfg.Postgres.DSN == "" {
			sl.ReportError(cfg.Postgres.DSN, "postgres.dsn", "DSN", "required_for_backend", cfg.Backend)
		}
	}
}

// Validate checks field values and backend requirements.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "oneof":
		return fmt.Sprintf("%s: %q is not one of [%s]", field, fe.Value(), fe.Param())
	case "required_for_backend":
		return fmt.Sprintf("%s: required for backend %s", fe.Field(), fe.Param())
	case "sqlident":
		return fmt.Sprintf("%s: %q is not a valid table name", field, fe.Value())
	default:
		return fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
}
