package watch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offermatch/internal/engine"
	"github.com/roach88/offermatch/internal/instance"
	"github.com/roach88/offermatch/internal/ir"
	"github.com/roach88/offermatch/internal/testutil"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

func ins(doc, product string) ir.Delta {
	return ir.Delta{Op: ir.OpInsert, DocID: doc, ProductID: product, Price: decimal.NewFromInt(1), Source: "SA"}
}

func sealed(t *testing.T, s *instance.Store, mode ir.Mode, deltas ...ir.Delta) *instance.Instance {
	t.Helper()
	inst, err := s.Create(mode)
	require.NoError(t, err)
	for _, d := range deltas {
		require.NoError(t, inst.AppendDelta(d))
	}
	_, err = inst.Seal(ir.NewValidator(0))
	require.NoError(t, err)
	return inst
}

type recorder struct {
	mu      sync.Mutex
	results map[string]*engine.Result
	errs    map[string]error
}

func newRecorder() *recorder {
	return &recorder{results: map[string]*engine.Result{}, errs: map[string]error{}}
}

func (r *recorder) record(name string, res *engine.Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errs[name] = err
		return
	}
	r.results[name] = res
}

func (r *recorder) result(name string) (*engine.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[name]
	return res, ok
}

func newStore(t *testing.T) *instance.Store {
	t.Helper()
	clock := testutil.NewStepClock(testutil.Epoch, time.Second)
	s, err := instance.OpenStore(instance.MDBDir(t.TempDir()), instance.WithClock(clock.Now))
	require.NoError(t, err)
	return s
}

func TestScan_MatchesChainInOrder(t *testing.T) {
	s := newStore(t)
	first := sealed(t, s, ir.ModeReindex, ins("A", "P1"), ins("B", "P1"))
	second := sealed(t, s, ir.ModeIncremental, ins("C", "P2"))
	unsealed, err := s.Create(ir.ModeIncremental)
	require.NoError(t, err)

	rec := newRecorder()
	w, err := New(s, engine.New(), WithResultFunc(rec.record))
	require.NoError(t, err)
	defer w.Close()

	n, err := w.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, ok := rec.result(second.Name())
	require.True(t, ok)
	assert.Equal(t, first.Name(), res.Run.Previous)
	assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, res.State.Partition())

	_, ok = rec.result(unsealed.Name())
	assert.False(t, ok)

	n, err = w.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "matched instances are not matched again")
}

func TestScan_FailedInstanceNotRetried(t *testing.T) {
	s := newStore(t)
	bad := sealed(t, s, ir.ModeReindex, ins("A", "P1"), ins("A", "P1"))

	rec := newRecorder()
	w, err := New(s, engine.New(engine.WithPolicy(ir.PolicyStrict)), WithResultFunc(rec.record))
	require.NoError(t, err)
	defer w.Close()

	n, err := w.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Contains(t, rec.errs, bad.Name())
	assert.True(t, engine.IsDuplicateInsert(rec.errs[bad.Name()]))

	delete(rec.errs, bad.Name())
	_, err = w.Scan(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, rec.errs, bad.Name())
}

func TestScan_AbortedInstanceDoesNotBreakChain(t *testing.T) {
	s := newStore(t)
	first := sealed(t, s, ir.ModeReindex, ins("A", "P1"))
	aborted := sealed(t, s, ir.ModeIncremental, ins("A", "P1"))
	third := sealed(t, s, ir.ModeIncremental, ins("B", "P2"))

	rec := newRecorder()
	w, err := New(s, engine.New(engine.WithPolicy(ir.PolicyStrict)), WithResultFunc(rec.record))
	require.NoError(t, err)
	defer w.Close()

	n, err := w.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Contains(t, rec.errs, aborted.Name())
	assert.True(t, engine.IsDuplicateInsert(rec.errs[aborted.Name()]))

	res, ok := rec.result(third.Name())
	require.True(t, ok, "errors: %v", rec.errs)
	assert.Equal(t, first.Name(), res.Run.Previous)
	assert.Equal(t, ir.ModeIncremental, res.Run.Mode)
	assert.Equal(t, [][]string{{"A"}, {"B"}}, res.State.Partition())

	// A fresh watcher chains the same way from what is on disk.
	fourth := sealed(t, s, ir.ModeIncremental, ins("C", "P2"))
	w2, err := New(s, engine.New(engine.WithPolicy(ir.PolicyStrict)), WithResultFunc(rec.record))
	require.NoError(t, err)
	defer w2.Close()
	_, err = w2.Scan(context.Background())
	require.NoError(t, err)

	res, ok = rec.result(fourth.Name())
	require.True(t, ok)
	assert.Equal(t, third.Name(), res.Run.Previous)
}

func TestRun_MatchesNewlySealedInstance(t *testing.T) {
	s := newStore(t)
	rec := newRecorder()
	w, err := New(s, engine.New(), WithResultFunc(rec.record))
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give Run time to register the store watch.
	time.Sleep(100 * time.Millisecond)
	inst := sealed(t, s, ir.ModeReindex, ins("A", "P1"))

	require.Eventually(t, func() bool {
		_, ok := rec.result(inst.Name())
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.True(t, inst.HasProducts())
}

func TestRelevant(t *testing.T) {
	assert.True(t, relevant(fsnotify.Event{Name: "/w/db/mdb/20240101000000", Op: fsnotify.Create}))
	assert.True(t, relevant(fsnotify.Event{Name: "/w/db/mdb/20240101000000/SEALED", Op: fsnotify.Create}))
	assert.False(t, relevant(fsnotify.Event{Name: "/w/db/mdb/20240101000000/SEALED", Op: fsnotify.Remove}))
	assert.False(t, relevant(fsnotify.Event{Name: "/w/db/mdb/20240101000000/raw", Op: fsnotify.Create}))
}
