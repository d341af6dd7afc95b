package harness

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/roach88/offermatch/internal/engine"
	"github.com/roach88/offermatch/internal/instance"
	"github.com/roach88/offermatch/internal/ir"
	"github.com/roach88/offermatch/internal/oracle"
	"github.com/roach88/offermatch/internal/store"
	"github.com/roach88/offermatch/internal/testutil"
)

// Harness holds the per-scenario fixtures.
type Harness struct {
	store     *instance.Store
	engine    *engine.Engine
	validator *ir.Validator
	truth     *oracle.Truth

	// last is the most recent successfully matched instance.
	last *instance.Instance
}

// Run executes a scenario in a fresh temporary work directory.
//
// Execution errors (unreadable files, store failures) are returned as
// errors; failed expectations are recorded in the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	workDir, err := os.MkdirTemp("", "offermatch-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	clock := testutil.NewStepClock(testutil.Epoch, time.Second)
	st, err := instance.OpenStore(instance.MDBDir(workDir), instance.WithClock(clock.Now))
	if err != nil {
		return nil, err
	}

	policy, err := ir.ParsePolicy(scenario.Policy)
	if err != nil {
		return nil, err
	}
	validator := ir.NewValidator(scenario.DocIDWidth)

	h := &Harness{
		store: st,
		engine: engine.New(
			engine.WithPolicy(policy),
			engine.WithValidator(validator),
			engine.WithRunIDGenerator(testutil.NewFixedRunID(scenario.RunID)),
		),
		validator: validator,
		truth:     oracle.NewTruth(),
	}

	result := NewResult()
	for i, step := range scenario.Instances {
		if err := h.runInstance(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("instances[%d]: %w", i, err)
		}
	}
	return result, nil
}

func (h *Harness) runInstance(ctx context.Context, index int, step InstanceStep, result *Result) error {
	mode, err := ir.ParseMode(step.Mode)
	if err != nil {
		return err
	}
	deltas := make([]ir.Delta, len(step.Deltas))
	for i, spec := range step.Deltas {
		if deltas[i], err = spec.Delta(); err != nil {
			return err
		}
	}

	if mode == ir.ModeReindex {
		if err := h.store.Reset(); err != nil {
			return err
		}
		h.truth.Reset()
		h.last = nil
	}

	inst, err := h.store.Create(mode)
	if err != nil {
		return err
	}
	for _, d := range deltas {
		if err := inst.AppendDelta(d); err != nil {
			return err
		}
	}
	if _, err := inst.Seal(h.validator); err != nil {
		return err
	}

	out := InstanceResult{Instance: inst.Name(), Mode: mode, Partition: [][]string{}, Products: []ir.Product{}}
	res, err := h.engine.Run(ctx, engine.Request{Current: inst, Previous: h.last, Mode: mode})
	switch {
	case err == nil:
		out.Mode = res.Run.Mode
		out.Applied = res.Run.Applied
		out.Rejected = res.Run.Rejected
		out.Violations = res.Run.Violations
		out.Partition = res.State.Partition()
		out.Products = res.Products
		out.Digest = res.Run.Digest
	case engine.IsIntegrityError(err):
		out.Aborted = true
	default:
		return err
	}
	result.Instances = append(result.Instances, out)

	// The truth only advances with instances the engine committed.
	base := h.truth
	if out.Mode == ir.ModeReindex {
		base = oracle.NewTruth()
	}
	next := base.Clone()
	for _, d := range deltas {
		if h.validator.Validate(d) == nil {
			_ = next.Apply(d)
		}
	}

	h.checkExpect(index, step.Expect, out, result)
	if out.Aborted {
		return nil
	}
	h.truth = next
	h.last = inst

	for _, m := range oracle.Compare(h.truth, out.Products) {
		result.AddError(fmt.Sprintf("instance %s: oracle: %s", inst.Name(), m))
	}

	if len(step.Assertions) > 0 {
		st, err := store.Open(inst.StatePath())
		if err != nil {
			return err
		}
		defer st.Close()
		actx := &AssertionContext{Ctx: ctx, Instance: inst.Name(), Products: out.Products, State: st}
		for _, err := range EvaluateAssertions(step.Assertions, actx) {
			result.AddError(err.Error())
		}
	}
	return nil
}

func (h *Harness) checkExpect(index int, want *Expect, got InstanceResult, result *Result) {
	if want == nil {
		if got.Aborted {
			result.AddError(fmt.Sprintf("instances[%d]: unexpected abort", index))
		}
		return
	}
	fail := func(what string, w, g any) {
		result.AddError(fmt.Sprintf("instances[%d]: %s: expected %v, got %v", index, what, w, g))
	}

	if want.Aborted != got.Aborted {
		fail("aborted", want.Aborted, got.Aborted)
	}
	if got.Aborted {
		return
	}
	if want.Partition != nil && !slices.EqualFunc(ir.CanonicalPartition(want.Partition), got.Partition, slices.Equal[[]string]) {
		fail("partition", ir.CanonicalPartition(want.Partition), got.Partition)
	}
	if want.Products != nil && *want.Products != len(got.Products) {
		fail("products", *want.Products, len(got.Products))
	}
	if want.Rejected != nil && *want.Rejected != got.Rejected {
		fail("rejected", *want.Rejected, got.Rejected)
	}
	if want.Violations != nil && *want.Violations != got.Violations {
		fail("violations", *want.Violations, got.Violations)
	}
}
