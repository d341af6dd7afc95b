package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/roach88/offermatch/internal/grouping"
	"github.com/roach88/offermatch/internal/instance"
	"github.com/roach88/offermatch/internal/ir"
	"github.com/roach88/offermatch/internal/metrics"
	"github.com/roach88/offermatch/internal/store"
)

// Request names the instance to match and how to seed its state.
type Request struct {
	// Current is the sealed instance to apply.
	Current *instance.Instance

	// Previous is the instance whose persisted state an incremental run
	// continues from. nil makes the run a reindex.
	Previous *instance.Instance

	// Mode requested for the run. Empty uses the mode recorded on Current.
	Mode ir.Mode
}

// Result is the outcome of a successful Run.
type Result struct {
	Run      ir.RunRecord
	Report   Report
	Products []ir.Product
	State    *grouping.State
}

// Run matches one instance end to end: load, apply, emit, persist.
//
// On success Current holds b5mp/ (the full product set) and state.db (the
// grouping state for the next incremental run). On any error, including a
// strict abort, neither is written and an earlier result is left untouched.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	cur := req.Current
	if cur == nil {
		return nil, errors.New("run: no current instance")
	}
	if !cur.Sealed() {
		return nil, fmt.Errorf("run: %w: %s", instance.ErrNotSealed, cur.Name())
	}

	mode := req.Mode
	if mode == "" {
		mode = cur.Mode()
	}
	if mode == "" {
		mode = ir.ModeIncremental
	}
	if mode == ir.ModeIncremental && req.Previous == nil {
		slog.Info("no previous instance, running as reindex", "instance", cur.Name())
		mode = ir.ModeReindex
	}

	defer e.setPhase(PhaseIdle, cur.Name())

	result, err := e.run(ctx, req, mode)
	metrics.ObserveDuration(metrics.RunDuration, start, string(mode))
	if err != nil {
		status := metrics.StatusFailed
		if IsIntegrityError(err) {
			status = metrics.StatusAborted
		}
		metrics.IncRun(string(mode), status)
		return nil, err
	}

	metrics.IncRun(string(mode), metrics.StatusOK)
	metrics.LiveProducts.Set(float64(len(result.Products)))
	slog.Info("instance matched",
		"instance", cur.Name(),
		"mode", mode,
		"applied", result.Run.Applied,
		"rejected", result.Run.Rejected,
		"violations", result.Run.Violations,
		"products", result.Run.Products,
		"duration", time.Since(start),
	)
	return result, nil
}

func (e *Engine) run(ctx context.Context, req Request, mode ir.Mode) (*Result, error) {
	cur := req.Current

	e.setPhase(PhaseLoading, cur.Name())
	state := grouping.New()
	previous := ""
	if mode == ir.ModeIncremental {
		previous = req.Previous.Name()
		loaded, err := LoadState(ctx, req.Previous)
		if err != nil {
			return nil, err
		}
		state = loaded
	}

	e.setPhase(PhaseApplying, cur.Name())
	stream, err := cur.OfferStream()
	if err != nil {
		return nil, err
	}
	next, report, err := e.apply(ctx, cur.Name(), state, stream)
	stream.Close()
	if err != nil {
		return nil, err
	}
	// Deltas dropped while sealing count as rejected for this run.
	report.Rejected += cur.Metadata().Rejected

	e.setPhase(PhaseEmitting, cur.Name())
	products, err := e.Emit(ctx, next)
	if err != nil {
		return nil, err
	}
	digest, err := ir.PartitionDigest(ir.Groups(products))
	if err != nil {
		return nil, err
	}

	run := ir.RunRecord{
		RunID:         e.runIDs.Generate(),
		Instance:      cur.Name(),
		Previous:      previous,
		Mode:          mode,
		Policy:        e.policy,
		Applied:       report.Applied(),
		Rejected:      report.Rejected,
		Violations:    len(report.Violations),
		Products:      len(products),
		Offers:        next.Len(),
		Digest:        digest,
		EngineVersion: ir.EngineVersion,
		StateVersion:  ir.StateVersion,
	}

	if err := persist(ctx, cur, next, products, run); err != nil {
		return nil, err
	}

	return &Result{Run: run, Report: report, Products: products, State: next}, nil
}

// LoadState reads the grouping state persisted for inst.
func LoadState(ctx context.Context, inst *instance.Instance) (*grouping.State, error) {
	path := inst.StatePath()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("load state of %s: %w", inst.Name(), err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load state of %s: %w", inst.Name(), err)
	}
	defer st.Close()

	offers, err := st.LoadOffers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state of %s: %w", inst.Name(), err)
	}
	state, err := grouping.FromOffers(offers)
	if err != nil {
		return nil, fmt.Errorf("load state of %s: %w", inst.Name(), err)
	}
	slog.Debug("state loaded", "instance", inst.Name(), "offers", state.Len(), "products", state.ProductCount())
	return state, nil
}

// persist writes state and products next to their final locations and
// renames both into place once everything is on disk.
func persist(ctx context.Context, inst *instance.Instance, state *grouping.State, products []ir.Product, run ir.RunRecord) error {
	statePath := inst.StatePath()
	stateTmp := statePath + ".tmp"
	productDir := inst.ProductDir()
	productTmp := productDir + ".tmp"

	cleanup := func() {
		removeDB(stateTmp)
		os.RemoveAll(productTmp)
	}
	cleanup()

	st, err := store.Open(stateTmp)
	if err != nil {
		cleanup()
		return fmt.Errorf("persist state: %w", err)
	}
	if err := st.SaveSnapshot(ctx, state.Offers(), run); err != nil {
		st.Close()
		cleanup()
		return fmt.Errorf("persist state: %w", err)
	}
	if err := st.Close(); err != nil {
		cleanup()
		return fmt.Errorf("persist state: %w", err)
	}

	if err := instance.WriteProducts(productTmp, inst.Timestamp().Time(), products); err != nil {
		cleanup()
		return fmt.Errorf("persist products: %w", err)
	}

	// Commit state and products as a pair: the previous state.db is kept
	// aside until b5mp/ is in place and restored if the swap fails.
	stateBackup := statePath + ".prev"
	productBackup := productDir + ".prev"
	removeDB(stateBackup)
	os.RemoveAll(productBackup)

	hadState := exists(statePath)
	if hadState {
		if err := rename(statePath, stateBackup); err != nil {
			cleanup()
			return fmt.Errorf("persist state: %w", err)
		}
	}
	restoreState := func() {
		os.Remove(statePath)
		if hadState {
			rename(stateBackup, statePath)
		}
	}
	if err := rename(stateTmp, statePath); err != nil {
		restoreState()
		cleanup()
		return fmt.Errorf("persist state: %w", err)
	}

	hadProducts := exists(productDir)
	if hadProducts {
		if err := rename(productDir, productBackup); err != nil {
			restoreState()
			cleanup()
			return fmt.Errorf("persist products: %w", err)
		}
	}
	if err := rename(productTmp, productDir); err != nil {
		if hadProducts {
			rename(productBackup, productDir)
		}
		restoreState()
		cleanup()
		return fmt.Errorf("persist products: %w", err)
	}

	removeDB(stateBackup)
	os.RemoveAll(productBackup)
	return nil
}

// rename is replaced in tests to fail a commit step.
var rename = os.Rename

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func removeDB(path string) {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		os.Remove(path + suffix)
	}
}
