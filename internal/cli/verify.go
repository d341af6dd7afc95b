package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/offermatch/internal/instance"
	"github.com/roach88/offermatch/internal/ir"
	"github.com/roach88/offermatch/internal/oracle"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	WorkDir  string
	Instance string // optional - verify this instance instead of the latest
}

// VerifyResult holds the verification result.
type VerifyResult struct {
	Instance   string   `json:"instance"`
	Chain      []string `json:"chain"`
	Offers     int      `json:"offers"`
	Products   int      `json:"products"`
	Pass       bool     `json:"pass"`
	Mismatches []string `json:"mismatches,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check emitted products against ground truth rebuilt from raw deltas",
		Long: `Rebuild the expected products from the raw deltas of every instance in
the chain that produced the latest emission, starting at its reindex, and
compare them with the emitted b5mp/.

The chain is read from the run records in each state.db, so instances that
aborted are skipped the way the engine skipped them.

Exit codes:
  0 - Emitted products match ground truth
  1 - Mismatch found
  2 - Command error (no matched instance, broken chain, etc.)

Examples:
  offermatch verify --work-dir ./work
  offermatch verify --work-dir ./work --mdb-instance 20240101000300`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.WorkDir, "work-dir", "", "work directory (default from config)")
	cmd.Flags().StringVar(&opts.Instance, "mdb-instance", "", "instance name to verify (default latest matched)")

	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)

	st, err := newInstanceStore(opts.RootOptions, opts.WorkDir)
	if err != nil {
		return err
	}
	var target *instance.Instance
	if opts.Instance != "" {
		target, err = st.Open(opts.Instance)
	} else {
		target, err = latestMatched(st)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "no instance to verify", err)
	}

	chain, _, err := resolveChain(ctx, st, target)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to resolve instance chain", err)
	}

	validator := opts.validator()
	truth := oracle.NewTruth()
	result := VerifyResult{Instance: target.Name(), Chain: []string{}}
	for _, inst := range chain {
		result.Chain = append(result.Chain, inst.Name())
		if err := replayRaw(inst, func(d ir.Delta) {
			if validator.Validate(d) == nil {
				_ = truth.Apply(d)
			}
		}); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to read raw deltas of %s", inst.Name()), err)
		}
	}

	products, err := target.ReadProducts()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read emitted products", err)
	}
	result.Offers = truth.Len()
	result.Products = len(products)
	for _, m := range oracle.Compare(truth, products) {
		result.Mismatches = append(result.Mismatches, m.String())
	}
	result.Pass = len(result.Mismatches) == 0
	slog.Debug("verified", "instance", target.Name(), "chain", len(chain), "mismatches", len(result.Mismatches))

	if opts.Format == "json" {
		return respond(cmd.OutOrStdout(), result, !result.Pass, CodeMismatch, "emitted products differ from ground truth")
	}
	return outputVerifyText(cmd, result)
}

func outputVerifyText(cmd *cobra.Command, result VerifyResult) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Instance: %s\n", result.Instance)
	fmt.Fprintf(w, "Chain: %d instance(s) from %s\n", len(result.Chain), result.Chain[0])
	fmt.Fprintf(w, "Ground truth: %d offers, emitted: %d products\n", result.Offers, result.Products)

	if result.Pass {
		fmt.Fprintln(w, "✓ Emitted products match ground truth")
		return nil
	}
	for _, m := range result.Mismatches {
		fmt.Fprintf(w, "  %s\n", m)
	}
	fmt.Fprintf(w, "✗ %d mismatch(es)\n", len(result.Mismatches))
	return NewExitError(ExitFailure, "emitted products differ from ground truth")
}

// replayRaw calls fn for every raw delta of inst in ingest order. Records
// that do not decode are skipped, as sealing drops them.
func replayRaw(inst *instance.Instance, fn func(ir.Delta)) error {
	r, err := inst.RawStream()
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		d, err := r.Next()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, ir.ErrMalformed):
			continue
		case err != nil:
			return err
		}
		fn(d)
	}
}
