package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/offermatch/internal/engine"
	"github.com/roach88/offermatch/internal/grouping"
	"github.com/roach88/offermatch/internal/instance"
	"github.com/roach88/offermatch/internal/ir"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	WorkDir  string
	Instance string // optional - replay the chain ending here
}

// ReplayStep holds the replay result for a single instance of the chain.
type ReplayStep struct {
	Instance       string  `json:"instance"`
	Mode           ir.Mode `json:"mode"`
	RecordedDigest string  `json:"recorded_digest"`
	ReplayedDigest string  `json:"replayed_digest"`
	Match          bool    `json:"match"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Instance          string       `json:"instance"`
	Steps             []ReplayStep `json:"steps"`
	IncrementalDigest string       `json:"incremental_digest"`
	ReindexDigest     string       `json:"reindex_digest"`
	PersistedDigest   string       `json:"persisted_digest"`
	Equivalent        bool         `json:"equivalent"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay an instance chain and check incremental equals reindex",
		Long: `Replay the chain of instances behind the latest emission in memory.

The chain is applied twice: instance by instance, the way the engine ran it,
and as one reindex pass over the concatenated offer streams. Both product
sets must equal the persisted b5mp/ of the last instance, and every replayed
step must reproduce the partition digest recorded in its run.

Exit codes:
  0 - Incremental, reindex and persisted products agree
  1 - Difference detected
  2 - Command error (no matched instance, broken chain, etc.)

Examples:
  offermatch replay --work-dir ./work
  offermatch replay --work-dir ./work --mdb-instance 20240101000300 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.WorkDir, "work-dir", "", "work directory (default from config)")
	cmd.Flags().StringVar(&opts.Instance, "mdb-instance", "", "last instance of the chain (default latest matched)")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
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
		return WrapExitError(ExitCommandError, "no instance to replay", err)
	}

	chain, runs, err := resolveChain(ctx, st, target)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to resolve instance chain", err)
	}

	// Replay with the policy the chain was matched under.
	eng := engine.New(
		engine.WithPolicy(runs[len(runs)-1].Policy),
		engine.WithValidator(opts.validator()),
	)

	result := ReplayResult{Instance: target.Name(), Steps: []ReplayStep{}}

	var state *grouping.State
	for i, inst := range chain {
		state, err = applyInstance(ctx, eng, state, inst)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay %s", inst.Name()), err)
		}
		products, err := eng.Emit(ctx, state)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to emit products", err)
		}
		digest, err := ir.PartitionDigest(ir.Groups(products))
		if err != nil {
			return err
		}
		result.Steps = append(result.Steps, ReplayStep{
			Instance:       inst.Name(),
			Mode:           runs[i].Mode,
			RecordedDigest: runs[i].Digest,
			ReplayedDigest: digest,
			Match:          digest == runs[i].Digest,
		})
	}

	incremental, err := eng.Emit(ctx, state)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to emit products", err)
	}
	reindex, err := reindexChain(ctx, eng, chain)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to replay chain as reindex", err)
	}
	persisted, err := target.ReadProducts()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read emitted products", err)
	}

	if result.IncrementalDigest, err = ir.ProductsDigest(incremental); err != nil {
		return err
	}
	if result.ReindexDigest, err = ir.ProductsDigest(reindex); err != nil {
		return err
	}
	if result.PersistedDigest, err = ir.ProductsDigest(persisted); err != nil {
		return err
	}

	result.Equivalent = result.IncrementalDigest == result.ReindexDigest &&
		result.IncrementalDigest == result.PersistedDigest
	for _, step := range result.Steps {
		result.Equivalent = result.Equivalent && step.Match
	}

	if opts.Format == "json" {
		return respond(cmd.OutOrStdout(), result, !result.Equivalent, CodeNotEquivalent, "replay is not equivalent")
	}
	return outputReplayText(cmd, result, opts.Verbose)
}

// applyInstance applies the offer stream of inst on top of state.
func applyInstance(ctx context.Context, eng *engine.Engine, state *grouping.State, inst *instance.Instance) (*grouping.State, error) {
	stream, err := inst.OfferStream()
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	next, _, err := eng.Apply(ctx, state, stream)
	return next, err
}

// reindexChain applies every offer stream of chain in one pass from empty
// state.
func reindexChain(ctx context.Context, eng *engine.Engine, chain []*instance.Instance) ([]ir.Product, error) {
	sources := make([]engine.DeltaSource, 0, len(chain))
	for _, inst := range chain {
		stream, err := inst.OfferStream()
		if err != nil {
			return nil, err
		}
		defer stream.Close()
		sources = append(sources, stream)
	}
	state, _, err := eng.Apply(ctx, nil, engine.Concat(sources...))
	if err != nil {
		return nil, err
	}
	return eng.Emit(ctx, state)
}

func outputReplayText(cmd *cobra.Command, result ReplayResult, verbose bool) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Replay Summary: %d instance(s) ending at %s\n", len(result.Steps), result.Instance)
	fmt.Fprintln(w)

	for _, step := range result.Steps {
		status := "✓"
		if !step.Match {
			status = "✗"
		}
		fmt.Fprintf(w, "%s %s (%s)\n", status, step.Instance, step.Mode)
		if verbose || !step.Match {
			fmt.Fprintf(w, "  Recorded: %s\n", step.RecordedDigest)
			fmt.Fprintf(w, "  Replayed: %s\n", step.ReplayedDigest)
		}
	}
	fmt.Fprintln(w)

	if verbose {
		fmt.Fprintf(w, "Incremental: %s\n", result.IncrementalDigest)
		fmt.Fprintf(w, "Reindex:     %s\n", result.ReindexDigest)
		fmt.Fprintf(w, "Persisted:   %s\n", result.PersistedDigest)
	}

	if result.Equivalent {
		fmt.Fprintln(w, "✓ Incremental and reindex replays match the persisted products")
		return nil
	}

	fmt.Fprintln(w, "✗ Replay is not equivalent")
	return NewExitError(ExitFailure, "replay is not equivalent")
}
