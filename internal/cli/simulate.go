package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offermatch/internal/engine"
	"github.com/roach88/offermatch/internal/instance"
	"github.com/roach88/offermatch/internal/ir"
	"github.com/roach88/offermatch/internal/oracle"
	"github.com/roach88/offermatch/internal/workload"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	WorkDir    string
	Iterations int
	Seed       uint64
	MaxOffers  int
	Strict     bool

	// Now overrides the clock stamping instances (for testing).
	Now func() time.Time
}

// SimulateIteration is the outcome of one simulated instance.
type SimulateIteration struct {
	Index      int      `json:"index"`
	Instance   string   `json:"instance"`
	Mode       ir.Mode  `json:"mode"`
	Deltas     int      `json:"deltas"`
	Applied    int      `json:"applied"`
	Rejected   int      `json:"rejected"`
	Violations int      `json:"violations"`
	Products   int      `json:"products"`
	Aborted    bool     `json:"aborted,omitempty"`
	Mismatches []string `json:"mismatches,omitempty"`
}

// SimulateResult holds the overall simulation result.
type SimulateResult struct {
	Seed       uint64              `json:"seed"`
	Iterations []SimulateIteration `json:"iterations"`
	Pass       bool                `json:"pass"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run random instances and check them against ground truth",
		Long: `Generate random instances, match each one and compare the emitted
products with an independently maintained ground truth.

Every iteration decides whether to reindex (the first one always does),
creates an instance in the work dir, fills it from the workload generator,
seals it, runs the engine and compares. The run stops at the first mismatch.

Exit codes:
  0 - Every iteration matched the ground truth
  1 - A mismatch was found
  2 - Command error

Examples:
  offermatch simulate --iterations 50 --seed 7
  offermatch simulate --work-dir /tmp/sim --max-offers 2000 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.WorkDir, "work-dir", "", "work directory (default from config)")
	cmd.Flags().IntVar(&opts.Iterations, "iterations", 10, "number of instances to generate")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 1, "workload random seed")
	cmd.Flags().IntVar(&opts.MaxOffers, "max-offers", 0, "offer id range (default from config)")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "abort instances on integrity violations")

	return cmd
}

func runSimulate(opts *SimulateOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	if opts.Iterations < 1 {
		return NewExitError(ExitCommandError, "--iterations must be at least 1")
	}

	wcfg := opts.Config.WorkloadConfig()
	if wcfg.MaxOffers == 0 {
		wcfg = workload.DefaultConfig()
	}
	if opts.MaxOffers > 0 {
		wcfg.MaxOffers = opts.MaxOffers
	}
	gen := workload.New(wcfg, opts.Seed)

	now := opts.Now
	if now == nil {
		now = newSecondClock().Now
	}
	st, err := instance.OpenStore(instance.MDBDir(opts.workDir(opts.WorkDir)), instance.WithClock(now))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open instance store", err)
	}

	validator := opts.validator()
	eng := opts.newEngine(opts.Strict)
	truth := oracle.NewTruth()
	var last *instance.Instance

	result := SimulateResult{Seed: opts.Seed, Iterations: []SimulateIteration{}, Pass: true}
	for i := range opts.Iterations {
		mode := ir.ModeIncremental
		if i == 0 || gen.NextReindex() {
			mode = ir.ModeReindex
		}
		if mode == ir.ModeReindex {
			if err := st.Reset(); err != nil {
				return WrapExitError(ExitCommandError, "failed to reset instances", err)
			}
			truth.Reset()
			last = nil
		}

		inst, err := st.Create(mode)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create instance", err)
		}
		batch := gen.Batch(mode)
		for _, d := range batch {
			if err := inst.AppendDelta(d); err != nil {
				return WrapExitError(ExitCommandError, "failed to write delta", err)
			}
		}
		if _, err := inst.Seal(validator); err != nil {
			return WrapExitError(ExitCommandError, "failed to seal instance", err)
		}

		it := SimulateIteration{Index: i, Instance: inst.Name(), Mode: mode, Deltas: len(batch)}
		res, err := eng.Run(ctx, engine.Request{Current: inst, Previous: last, Mode: mode})
		switch {
		case err == nil:
		case engine.IsIntegrityError(err):
			it.Aborted = true
			result.Iterations = append(result.Iterations, it)
			slog.Info("iteration aborted", "index", i, "instance", inst.Name(), "error", err)
			continue
		default:
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to match instance %s", inst.Name()), err)
		}

		for _, d := range batch {
			if validator.Validate(d) == nil {
				_ = truth.Apply(d)
			}
		}
		last = inst

		it.Applied = res.Run.Applied
		it.Rejected = res.Run.Rejected
		it.Violations = res.Run.Violations
		it.Products = res.Run.Products
		for _, m := range oracle.Compare(truth, res.Products) {
			it.Mismatches = append(it.Mismatches, m.String())
		}
		result.Iterations = append(result.Iterations, it)

		if len(it.Mismatches) > 0 {
			result.Pass = false
			slog.Error("ground truth mismatch", "index", i, "instance", inst.Name(), "mismatches", len(it.Mismatches))
			break
		}
		slog.Debug("iteration matched", "index", i, "instance", inst.Name(), "mode", mode, "products", it.Products)
	}

	if opts.Format == "json" {
		return respond(cmd.OutOrStdout(), result, !result.Pass, CodeMismatch, "emitted products differ from ground truth")
	}
	return outputSimulateText(cmd, result, opts.Verbose)
}

func outputSimulateText(cmd *cobra.Command, result SimulateResult, verbose bool) error {
	w := cmd.OutOrStdout()

	for _, it := range result.Iterations {
		switch {
		case it.Aborted:
			fmt.Fprintf(w, "- %d %s %s: aborted\n", it.Index, it.Instance, it.Mode)
		case len(it.Mismatches) > 0:
			fmt.Fprintf(w, "✗ %d %s %s: %d mismatches\n", it.Index, it.Instance, it.Mode, len(it.Mismatches))
			for _, m := range it.Mismatches {
				fmt.Fprintf(w, "  %s\n", m)
			}
		default:
			fmt.Fprintf(w, "✓ %d %s %s: %d products\n", it.Index, it.Instance, it.Mode, it.Products)
			if verbose {
				fmt.Fprintf(w, "  Deltas: %d (%d applied, %d rejected, %d violations)\n", it.Deltas, it.Applied, it.Rejected, it.Violations)
			}
		}
	}

	fmt.Fprintln(w)
	if !result.Pass {
		fmt.Fprintln(w, "✗ Simulation failed")
		return NewExitError(ExitFailure, "emitted products differ from ground truth")
	}
	fmt.Fprintf(w, "✓ %d iteration(s) matched ground truth (seed %d)\n", len(result.Iterations), result.Seed)
	return nil
}

// secondClock hands out wall-clock times at least one second apart, so a
// fast loop never collides on an instance name.
type secondClock struct {
	last time.Time
}

func newSecondClock() *secondClock {
	return &secondClock{}
}

func (c *secondClock) Now() time.Time {
	now := time.Now().UTC().Truncate(time.Second)
	if !now.After(c.last) {
		now = c.last.Add(time.Second)
	}
	c.last = now
	return now
}
