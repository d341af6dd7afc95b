package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/offermatch/internal/config"
	"github.com/roach88/offermatch/internal/engine"
	"github.com/roach88/offermatch/internal/ir"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	EnvFile    string

	// Config is loaded before any subcommand runs. Commands executed
	// without the root see the zero value and fall back to defaults.
	Config config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the offermatch CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "offermatch",
		Short: "offermatch - incremental offer-to-product matching",
		Long: `Group offers into products, one instance at a time.

Each instance is a sealed batch of insert, update and delete deltas under
<work>/db/mdb/<YYYYMMDDHHMMSS>/. The engine applies it on top of the grouping
state of the previous instance (or from scratch on reindex) and emits the
complete product set to b5mp/.

Settings come from offermatch.cue, then OFFERMATCH_* variables (and .env),
then flags.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			setupLogging(opts.Verbose)

			cfg, err := config.LoadOptional(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			if err := cfg.ApplyEnv(opts.EnvFile); err != nil {
				return WrapExitError(ExitCommandError, "failed to apply environment", err)
			}
			opts.Config = cfg
			slog.Debug("config loaded", "file", opts.ConfigPath, "work_dir", cfg.WorkDir, "policy", cfg.Policy, "shards", cfg.Shards)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", config.DefaultFile, "path to CUE config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file read before OFFERMATCH_* overrides")

	cmd.AddCommand(NewGenerateCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// setupLogging installs the process logger: text on stderr, debug when
// verbose.
func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// workDir resolves the work directory: flag, then config, then "work".
func (o *RootOptions) workDir(flag string) string {
	switch {
	case flag != "":
		return flag
	case o.Config.WorkDir != "":
		return o.Config.WorkDir
	}
	return "work"
}

// validator builds the delta validator for the configured id width.
func (o *RootOptions) validator() *ir.Validator {
	return ir.NewValidator(o.Config.DocIDWidth)
}

// newEngine builds an engine from config. strict forces the strict policy.
func (o *RootOptions) newEngine(strict bool, extra ...engine.Option) *engine.Engine {
	policy := o.Config.EnginePolicy()
	if strict {
		policy = ir.PolicyStrict
	}
	shards := o.Config.Shards
	if shards == 0 {
		shards = engine.DefaultShards
	}
	opts := []engine.Option{
		engine.WithPolicy(policy),
		engine.WithShards(shards),
		engine.WithValidator(o.validator()),
	}
	return engine.New(append(opts, extra...)...)
}

// commandContext returns the command's context, or Background when the
// command was not started through Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
