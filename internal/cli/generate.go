package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/offermatch/internal/engine"
	"github.com/roach88/offermatch/internal/instance"
	"github.com/roach88/offermatch/internal/ir"
	"github.com/roach88/offermatch/internal/scd"
)

// GenerateOptions holds flags for the generate-products command.
type GenerateOptions struct {
	*RootOptions
	Instance     string
	LastInstance string
	Reindex      bool
	Strict       bool
	PublishDir   string

	// RunIDs overrides the run id generator (for testing).
	RunIDs engine.RunIDGenerator
}

// GenerateResult is the outcome of one generate-products run.
type GenerateResult struct {
	Instance   string    `json:"instance"`
	Previous   string    `json:"previous,omitempty"`
	Mode       ir.Mode   `json:"mode"`
	Policy     ir.Policy `json:"policy"`
	Applied    int       `json:"applied"`
	Rejected   int       `json:"rejected"`
	Violations int       `json:"violations"`
	Products   int       `json:"products"`
	Offers     int       `json:"offers"`
	Digest     string    `json:"digest"`
	Published  []string  `json:"published,omitempty"`
}

// NewGenerateCommand creates the generate-products command.
func NewGenerateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GenerateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "generate-products",
		Short: "Match one instance and emit its products",
		Long: `Apply the deltas of an instance and emit the complete product set.

Without --last-mdb-instance (or with --reindex) the grouping state is rebuilt
from the instance alone. Otherwise the run continues from the state.db of the
last instance. An instance that is not sealed yet is sealed first.

On success the instance holds b5mp/ and state.db. A strict-policy abort
leaves both untouched.

Exit codes:
  0 - Products emitted
  1 - Instance aborted on an integrity violation
  2 - Command error (missing instance, missing previous state, etc.)

Examples:
  offermatch generate-products --mdb-instance work/db/mdb/20240101000000
  offermatch generate-products --mdb-instance work/db/mdb/20240101000100 \
      --last-mdb-instance work/db/mdb/20240101000000 --strict`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Instance, "mdb-instance", "", "instance directory to match (required)")
	_ = cmd.MarkFlagRequired("mdb-instance")
	cmd.Flags().StringVar(&opts.LastInstance, "last-mdb-instance", "", "previous instance to continue from")
	cmd.Flags().BoolVar(&opts.Reindex, "reindex", false, "rebuild state from this instance only")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "abort the instance on the first integrity violation")
	cmd.Flags().StringVar(&opts.PublishDir, "publish-dir", "", "copy the emitted SCD files into this directory")

	return cmd
}

func runGenerate(opts *GenerateOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)

	cur, err := openInstance(opts.Instance)
	if err != nil {
		return err
	}
	if !cur.Sealed() {
		slog.Info("sealing instance", "instance", cur.Name())
		if _, err := cur.Seal(opts.validator()); err != nil {
			return WrapExitError(ExitCommandError, "failed to seal instance", err)
		}
	}

	req := engine.Request{Current: cur}
	if opts.Reindex {
		req.Mode = ir.ModeReindex
	}
	// A reindex instance never continues from a previous one, whatever
	// --last-mdb-instance says.
	switch {
	case opts.LastInstance == "":
	case opts.Reindex || cur.Mode() == ir.ModeReindex:
		slog.Info("ignoring previous instance for reindex", "instance", cur.Name(), "previous", opts.LastInstance)
	default:
		prev, err := openInstance(opts.LastInstance)
		if err != nil {
			return err
		}
		req.Previous = prev
		req.Mode = ir.ModeIncremental
	}

	var extra []engine.Option
	if opts.RunIDs != nil {
		extra = append(extra, engine.WithRunIDGenerator(opts.RunIDs))
	}
	eng := opts.newEngine(opts.Strict, extra...)

	res, err := eng.Run(ctx, req)
	if err != nil {
		if engine.IsIntegrityError(err) {
			if opts.Format == "json" {
				if werr := writeJSON(cmd.OutOrStdout(), CLIResponse{
					Status: "error",
					Error:  &CLIError{Code: CodeIntegrity, Message: "instance aborted", Details: err.Error()},
				}); werr != nil {
					return werr
				}
			}
			return WrapExitError(ExitFailure, fmt.Sprintf("instance %s aborted", cur.Name()), err)
		}
		return WrapExitError(ExitCommandError, fmt.Sprintf("failed to match instance %s", cur.Name()), err)
	}

	result := GenerateResult{
		Instance:   res.Run.Instance,
		Previous:   res.Run.Previous,
		Mode:       res.Run.Mode,
		Policy:     res.Run.Policy,
		Applied:    res.Run.Applied,
		Rejected:   res.Run.Rejected,
		Violations: res.Run.Violations,
		Products:   res.Run.Products,
		Offers:     res.Run.Offers,
		Digest:     res.Run.Digest,
	}

	if opts.PublishDir != "" {
		published, err := scd.Publish(cur.ProductDir(), opts.PublishDir)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to publish products", err)
		}
		result.Published = published
		slog.Info("products published", "instance", cur.Name(), "dir", opts.PublishDir, "files", len(published))
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: result, RunID: res.Run.RunID})
	}
	return outputGenerateText(cmd, result)
}

func outputGenerateText(cmd *cobra.Command, r GenerateResult) error {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "✓ %s (%s, %s)\n", r.Instance, r.Mode, r.Policy)
	if r.Previous != "" {
		fmt.Fprintf(w, "  Previous: %s\n", r.Previous)
	}
	fmt.Fprintf(w, "  Deltas: %d applied, %d rejected, %d violations\n", r.Applied, r.Rejected, r.Violations)
	fmt.Fprintf(w, "  Products: %d (%d offers)\n", r.Products, r.Offers)
	fmt.Fprintf(w, "  Digest: %s\n", r.Digest)
	for _, name := range r.Published {
		fmt.Fprintf(w, "  Published: %s\n", name)
	}
	return nil
}

// newInstanceStore opens the store under the resolved work dir.
func newInstanceStore(opts *RootOptions, workDir string) (*instance.Store, error) {
	st, err := instance.OpenStore(instance.MDBDir(opts.workDir(workDir)))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open instance store", err)
	}
	return st, nil
}
