package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/roach88/offermatch/internal/instance"
	"github.com/roach88/offermatch/internal/ir"
	"github.com/roach88/offermatch/internal/store"
)

// errNoState marks an instance the engine has not committed.
var errNoState = errors.New("no grouping state")

// openInstance opens an instance directory given on the command line.
func openInstance(dir string) (*instance.Instance, error) {
	inst, err := instance.OpenDir(dir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("cannot open instance %s", dir), err)
	}
	return inst, nil
}

// storeOf opens the instance store an instance directory lives in.
func storeOf(inst *instance.Instance) (*instance.Store, error) {
	return instance.OpenStore(filepath.Dir(inst.Dir()))
}

// openState opens the committed state.db of inst without creating one.
func openState(inst *instance.Instance) (*store.Store, error) {
	if _, err := os.Stat(inst.StatePath()); err != nil {
		return nil, fmt.Errorf("instance %s: %w", inst.Name(), errNoState)
	}
	return store.Open(inst.StatePath())
}

// runRecord reads the run that produced the state of inst.
func runRecord(ctx context.Context, inst *instance.Instance) (ir.RunRecord, error) {
	st, err := openState(inst)
	if err != nil {
		return ir.RunRecord{}, err
	}
	defer st.Close()

	run, found, err := st.ReadRun(ctx)
	if err != nil {
		return ir.RunRecord{}, err
	}
	if !found {
		return ir.RunRecord{}, fmt.Errorf("instance %s: %w", inst.Name(), errNoState)
	}
	return run, nil
}

// latestMatched returns the newest instance with emitted products.
func latestMatched(st *instance.Store) (*instance.Instance, error) {
	all, err := st.List()
	if err != nil {
		return nil, err
	}
	for _, inst := range slices.Backward(all) {
		if inst.HasProducts() {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("%w: no matched instance in %s", instance.ErrNotFound, st.Dir())
}

// resolveChain follows the previous-instance links recorded in each run
// from target back to the reindex it descends from. The chain is returned
// oldest first, with the run of each instance.
func resolveChain(ctx context.Context, st *instance.Store, target *instance.Instance) ([]*instance.Instance, []ir.RunRecord, error) {
	var chain []*instance.Instance
	var runs []ir.RunRecord

	cur := target
	for {
		run, err := runRecord(ctx, cur)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, cur)
		runs = append(runs, run)
		if run.Mode == ir.ModeReindex || run.Previous == "" {
			break
		}
		prev, err := st.Open(run.Previous)
		if err != nil {
			return nil, nil, fmt.Errorf("instance %s: previous %s: %w", cur.Name(), run.Previous, err)
		}
		cur = prev
	}

	slices.Reverse(chain)
	slices.Reverse(runs)
	return chain, runs, nil
}
