package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint"
	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/checkpoint"
	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/config"
	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/observability"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config     string
	Backend    string
	Path       string
	Format     string // "json" | "text"
	Verbose    bool
	OtelStdout bool

	shutdown func(context.Context) error
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for cpctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	return newRootCommand(opts)
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cpctl",
		Short: "Inspect and repair checkpoint stores",
		Long: `cpctl reads and writes checkpoint stores through the version-normalizing
saver, so every channel version it returns is an integer.

The store is selected by --config (YAML or JSON), SAFECHECKPOINT_* environment
variables and a .env file in the working directory, then --backend and --path.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.OtelStdout {
				shutdown, err := observability.InstallStdout(cmd.ErrOrStderr())
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to install telemetry", err)
				}
				opts.shutdown = shutdown
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})

	// Global flags
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "config file (yaml|json)")
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", "", "backend override (memory|sqlite|badger|postgres)")
	cmd.PersistentFlags().StringVar(&opts.Path, "path", "", "store path override (postgres: DSN)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().BoolVar(&opts.OtelStdout, "otel-stdout", false, "write traces and metrics to stderr")

	cmd.AddCommand(NewNormalizeCommand(opts))
	cmd.AddCommand(NewPutCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewScanCommand(opts))
	cmd.AddCommand(NewDeleteThreadCommand(opts))

	return cmd
}

// Execute runs cpctl with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	var exitErr *ExitError
	if err != nil && !errors.As(err, &exitErr) {
		// Raised by cobra before RunE: arg counts, required flags.
		err = WrapExitError(ExitCommandError, "invalid usage", err)
	}
	if opts.shutdown != nil {
		if serr := opts.shutdown(context.WithoutCancel(ctx)); serr != nil {
			fmt.Fprintf(stderr, "telemetry shutdown: %v\n", serr)
		}
	}
	if err != nil && !isQuiet(err) {
		opts.formatter(cmd).Error(err)
	}
	return GetExitCode(err)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// loadConfig resolves the configuration: .env, file or defaults,
// environment, then flags.
func (o *RootOptions) loadConfig() (config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load .env", err)
	}

	cfg := config.Default()
	if o.Config != "" {
		var err error
		if cfg, err = config.FromFile(o.Config); err != nil {
			return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
		}
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid environment", err)
	}

	if o.Backend != "" {
		cfg.Backend = o.Backend
	}
	if o.Path != "" {
		switch cfg.Backend {
		case config.BackendSQLite:
			cfg.SQLite.Path = o.Path
		case config.BackendBadger:
			cfg.Badger.Path = o.Path
		case config.BackendPostgres:
			cfg.Postgres.DSN = o.Path
		}
	}
	if o.Verbose {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

func (o *RootOptions) logger(cmd *cobra.Command, cfg config.Config) (*slog.Logger, error) {
	logger, err := observability.NewLogger(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid logging configuration", err)
	}
	return logger, nil
}

// openSaver opens the configured store behind the normalizing wrapper.
func (o *RootOptions) openSaver(cmd *cobra.Command) (*checkpoint.TypeSafeSaver, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := o.logger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	openOpts := []safecheckpoint.OpenOption{safecheckpoint.WithLogger(logger)}
	if o.OtelStdout {
		openOpts = append(openOpts, safecheckpoint.WithMetrics(), safecheckpoint.WithTracing())
	}
	saver, err := safecheckpoint.Open(cmd.Context(), cfg, openOpts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return saver, nil
}

// openRawSaver opens the configured store without normalization.
func (o *RootOptions) openRawSaver(cmd *cobra.Command) (checkpoint.Saver, config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, cfg, err
	}
	logger, err := o.logger(cmd, cfg)
	if err != nil {
		return nil, cfg, err
	}
	saver, err := safecheckpoint.OpenRaw(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, cfg, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return saver, cfg, nil
}
