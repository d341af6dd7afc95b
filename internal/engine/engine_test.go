package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/roach88/offermatch/internal/grouping"
	"github.com/roach88/offermatch/internal/instance"
	"github.com/roach88/offermatch/internal/ir"
	"github.com/roach88/offermatch/internal/store"
	"github.com/roach88/offermatch/internal/testutil"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

func ins(doc, product string, price int64) ir.Delta {
	return ir.Delta{Op: ir.OpInsert, DocID: doc, ProductID: product, Price: decimal.NewFromInt(price), Source: "SA"}
}

func upd(doc string, price int64) ir.Delta {
	return ir.Delta{Op: ir.OpUpdate, DocID: doc, Price: decimal.NewFromInt(price)}
}

func del(doc string) ir.Delta {
	return ir.Delta{Op: ir.OpDelete, DocID: doc}
}

func applyAll(t *testing.T, e *Engine, state *grouping.State, deltas ...ir.Delta) (*grouping.State, Report) {
	t.Helper()
	next, report, err := e.Apply(context.Background(), state, NewSliceSource(deltas...))
	require.NoError(t, err)
	return next, report
}

func TestApply_InsertDeleteScenario(t *testing.T) {
	e := New()

	s, report := applyAll(t, e, nil, ins("A", "P1", 1), ins("B", "P1", 1), ins("C", "P2", 1))
	assert.Equal(t, 3, report.Inserted)
	assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, s.Partition())

	s, _ = applyAll(t, e, s, del("A"))
	assert.Equal(t, [][]string{{"B"}, {"C"}}, s.Partition())

	s, _ = applyAll(t, e, s, del("B"))
	assert.Equal(t, [][]string{{"C"}}, s.Partition())
	assert.Equal(t, []string{"P2"}, s.ProductIDs(), "P1 must no longer be emitted")
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	e := New()
	s, _ := applyAll(t, e, nil, ins("A", "P1", 1))

	next, _ := applyAll(t, e, s, del("A"), ins("B", "P2", 1))
	assert.Equal(t, [][]string{{"A"}}, s.Partition())
	assert.Equal(t, [][]string{{"B"}}, next.Partition())
}

func TestApply_UpdatePreservesMembership(t *testing.T) {
	e := New()
	s, _ := applyAll(t, e, nil, ins("A", "P1", 10), ins("B", "P2", 20))
	next, report := applyAll(t, e, s, upd("A", 99))

	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, s.Partition(), next.Partition())
	o, _ := next.Lookup("A")
	assert.Equal(t, "P1", o.ProductID)
	assert.True(t, o.Price.Equal(decimal.NewFromInt(99)))
}

func TestApply_InsertThenUpdateInSameInstance(t *testing.T) {
	s, report := applyAll(t, New(), nil, ins("A", "P1", 10), upd("A", 11), del("A"), ins("A", "P2", 3))
	assert.Equal(t, 2, report.Inserted)
	assert.Empty(t, report.Violations)
	o, _ := s.Lookup("A")
	assert.Equal(t, "P2", o.ProductID)
}

func TestApply_NoOpIgnored(t *testing.T) {
	s, report := applyAll(t, New(), nil, ins("A", "P1", 1), ir.Delta{Op: ir.OpNoop})
	assert.Equal(t, 1, report.NoOps)
	assert.Equal(t, 1, report.Applied())
	assert.Equal(t, 1, s.Len())
}

func TestApply_LenientSkipsViolations(t *testing.T) {
	e := New(WithPolicy(ir.PolicyLenient))
	s, report := applyAll(t, e, nil,
		ins("A", "P1", 1),
		ins("A", "P2", 1),
		upd("X", 5),
		del("Y"),
		ins("B", "P1", 1),
	)

	assert.Equal(t, [][]string{{"A", "B"}}, s.Partition())
	require.Len(t, report.Violations, 3)
	assert.Equal(t, Violation{Index: 1, DocID: "A", Op: ir.OpInsert, Code: ErrCodeDuplicateInsert}, report.Violations[0])
	assert.Equal(t, ErrCodeUnknownOffer, report.Violations[1].Code)
	assert.Equal(t, ErrCodeUnknownOffer, report.Violations[2].Code)
	assert.Equal(t, 2, report.Inserted)
}

func TestApply_StrictAborts(t *testing.T) {
	e := New(WithPolicy(ir.PolicyStrict))
	base, _ := applyAll(t, e, nil, ins("A", "P1", 1))

	next, _, err := e.Apply(context.Background(), base, NewSliceSource(ins("B", "P1", 1), ins("A", "P2", 1)))
	require.Error(t, err)
	assert.Nil(t, next)
	assert.True(t, IsIntegrityError(err))
	assert.True(t, IsDuplicateInsert(err))
	assert.True(t, errors.Is(err, grouping.ErrDuplicateOffer))

	var de *DeltaError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 1, de.Index)

	assert.Equal(t, [][]string{{"A"}}, base.Partition(), "aborted apply must not leak")

	_, _, err = e.Apply(context.Background(), base, NewSliceSource(del("Z")))
	assert.True(t, IsUnknownOffer(err))
}

func TestApply_RejectsMalformed(t *testing.T) {
	e := New(WithPolicy(ir.PolicyStrict))
	s, report := applyAll(t, e, nil,
		ir.Delta{Op: ir.OpInsert, DocID: "A", Price: decimal.NewFromInt(1), Source: "SA"},
		ins("B", "P1", 1),
		ir.Delta{Op: ir.OpUpdate, DocID: "B"},
	)
	assert.Equal(t, 2, report.Rejected)
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, [][]string{{"B"}}, s.Partition())
}

func TestApply_SourceErrorIsFatal(t *testing.T) {
	boom := errors.New("disk gone")
	_, _, err := New().Apply(context.Background(), nil, failingSource{err: boom})
	assert.True(t, errors.Is(err, boom))
	assert.False(t, IsIntegrityError(err))
}

type failingSource struct{ err error }

func (f failingSource) Next() (ir.Delta, error) { return ir.Delta{}, f.err }

func TestApply_SeqResumesAfterLoadedState(t *testing.T) {
	e := New()
	s, _ := applyAll(t, e, nil, ins("A", "P1", 1), ins("B", "P1", 1))
	s, _ = applyAll(t, e, s, ins("C", "P1", 1))

	offers := s.Offers()
	require.Len(t, offers, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{offers[0].ID, offers[1].ID, offers[2].ID})
	assert.Equal(t, int64(3), offers[2].Seq)
}

func TestEmit_IdempotentAndShardIndependent(t *testing.T) {
	var deltas []ir.Delta
	for i := 0; i < 200; i++ {
		deltas = append(deltas, ins(fmt.Sprintf("%04d", i), fmt.Sprintf("P%02d", i%37), int64(i%9+1)))
	}
	s, _ := applyAll(t, New(), nil, deltas...)

	ctx := context.Background()
	one, err := New(WithShards(1)).Emit(ctx, s)
	require.NoError(t, err)
	many, err := New(WithShards(8)).Emit(ctx, s)
	require.NoError(t, err)
	again, err := New(WithShards(8)).Emit(ctx, s)
	require.NoError(t, err)

	assert.Len(t, one, 37)
	assert.Equal(t, one, many)
	assert.Equal(t, many, again)
}

func TestEmit_Empty(t *testing.T) {
	for name, state := range map[string]*grouping.State{"empty": grouping.New(), "nil": nil} {
		t.Run(name, func(t *testing.T) {
			products, err := New().Emit(context.Background(), state)
			require.NoError(t, err)
			assert.NotNil(t, products)
			assert.Empty(t, products)
		})
	}
}

func TestConcat(t *testing.T) {
	src := Concat(NewSliceSource(ins("A", "P1", 1)), NewSliceSource(), NewSliceSource(del("A")))
	s, report, err := New().Apply(context.Background(), nil, src)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied())
	assert.Zero(t, s.Len())

	_, err = Concat().Next()
	assert.ErrorIs(t, err, io.EOF)
}

// genBatches draws instances of valid deltas: inserts of fresh offers,
// updates and deletes of live ones.
func genBatches(t *rapid.T) [][]ir.Delta {
	live := map[string]bool{}
	nextID := 0
	n := rapid.IntRange(1, 5).Draw(t, "instances")
	batches := make([][]ir.Delta, n)
	for b := range batches {
		size := rapid.IntRange(0, 25).Draw(t, "size")
		for i := 0; i < size; i++ {
			var ids []string
			for id := range live {
				ids = append(ids, id)
			}
			op := rapid.IntRange(0, 2).Draw(t, "op")
			if len(ids) == 0 || op == 0 {
				id := fmt.Sprintf("%04d", nextID)
				nextID++
				live[id] = true
				pid := fmt.Sprintf("%04d", rapid.IntRange(0, 6).Draw(t, "product"))
				batches[b] = append(batches[b], ins(id, pid, int64(rapid.IntRange(1, 100).Draw(t, "price"))))
				continue
			}
			slices.Sort(ids)
			id := rapid.SampledFrom(ids).Draw(t, "offer")
			if op == 1 {
				batches[b] = append(batches[b], upd(id, int64(rapid.IntRange(1, 100).Draw(t, "price"))))
			} else {
				batches[b] = append(batches[b], del(id))
				delete(live, id)
			}
		}
	}
	return batches
}

func TestProperty_IncrementalEqualsReindex(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		batches := genBatches(t)
		e := New(WithPolicy(ir.PolicyStrict))
		ctx := context.Background()

		var incremental *grouping.State
		var all []ir.Delta
		for _, b := range batches {
			next, _, err := e.Apply(ctx, incremental, NewSliceSource(b...))
			if err != nil {
				t.Fatalf("incremental apply: %v", err)
			}
			incremental = next
			all = append(all, b...)
		}

		reindex, _, err := e.Apply(ctx, nil, NewSliceSource(all...))
		if err != nil {
			t.Fatalf("reindex apply: %v", err)
		}

		inc, err := e.Emit(ctx, incremental)
		if err != nil {
			t.Fatal(err)
		}
		full, err := e.Emit(ctx, reindex)
		if err != nil {
			t.Fatal(err)
		}
		if ir.MustPartitionDigest(ir.Groups(inc)) != ir.MustPartitionDigest(ir.Groups(full)) {
			t.Fatalf("partitions differ:\nincremental %v\nreindex     %v", incremental.Partition(), reindex.Partition())
		}
		d1, _ := ir.ProductsDigest(inc)
		d2, _ := ir.ProductsDigest(full)
		if d1 != d2 {
			t.Fatalf("product attributes differ")
		}
	})
}

// Run tests use a real instance store on disk.

type runFixture struct {
	store  *instance.Store
	engine *Engine
}

func newRunFixture(t *testing.T, opts ...Option) *runFixture {
	t.Helper()
	clock := testutil.NewStepClock(testutil.Epoch, time.Second)
	s, err := instance.OpenStore(instance.MDBDir(t.TempDir()), instance.WithClock(clock.Now))
	require.NoError(t, err)
	opts = append([]Option{WithRunIDGenerator(testutil.NewFixedRunID("run"))}, opts...)
	return &runFixture{store: s, engine: New(opts...)}
}

func (f *runFixture) instance(t *testing.T, mode ir.Mode, deltas ...ir.Delta) *instance.Instance {
	t.Helper()
	inst, err := f.store.Create(mode)
	require.NoError(t, err)
	for _, d := range deltas {
		require.NoError(t, inst.AppendDelta(d))
	}
	_, err = inst.Seal(ir.NewValidator(0))
	require.NoError(t, err)
	return inst
}

func (f *runFixture) run(t *testing.T, inst *instance.Instance) (*Result, error) {
	t.Helper()
	prev, ok, err := f.store.Previous(inst)
	require.NoError(t, err)
	if !ok {
		prev = nil
	}
	return f.engine.Run(context.Background(), Request{Current: inst, Previous: prev})
}

func TestRun_ReindexThenEmptyIncremental(t *testing.T) {
	f := newRunFixture(t)

	first := f.instance(t, ir.ModeReindex, ins("A", "P1", 1), ins("B", "P1", 2), ins("C", "P2", 3))
	r1, err := f.run(t, first)
	require.NoError(t, err)
	assert.Equal(t, ir.ModeReindex, r1.Run.Mode)
	assert.Equal(t, 2, r1.Run.Products)
	assert.Equal(t, PhaseIdle, f.engine.Phase())

	second := f.instance(t, ir.ModeIncremental)
	r2, err := f.run(t, second)
	require.NoError(t, err)
	assert.Equal(t, ir.ModeIncremental, r2.Run.Mode)
	assert.Equal(t, first.Name(), r2.Run.Previous)
	assert.Equal(t, r1.Run.Digest, r2.Run.Digest, "empty incremental must reproduce the partition")

	products, err := second.ReadProducts()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, ir.CanonicalPartition(ir.Groups(products)))
}

func TestRun_IncrementalContinuesState(t *testing.T) {
	f := newRunFixture(t)

	first := f.instance(t, ir.ModeReindex, ins("A", "P1", 1), ins("B", "P1", 2))
	_, err := f.run(t, first)
	require.NoError(t, err)

	second := f.instance(t, ir.ModeIncremental, del("A"), ins("C", "P2", 3), upd("B", 7))
	r, err := f.run(t, second)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Run.Applied)
	assert.Equal(t, [][]string{{"B"}, {"C"}}, r.State.Partition())

	st, err := store.Open(second.StatePath())
	require.NoError(t, err)
	defer st.Close()
	run, found, err := st.ReadRun(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, r.Run, run)
}

func TestRun_IncrementalWithoutPreviousFallsBack(t *testing.T) {
	f := newRunFixture(t)
	inst := f.instance(t, ir.ModeIncremental, ins("A", "P1", 1))

	r, err := f.engine.Run(context.Background(), Request{Current: inst})
	require.NoError(t, err)
	assert.Equal(t, ir.ModeReindex, r.Run.Mode)
	assert.Empty(t, r.Run.Previous)
}

func TestRun_ReindexIgnoresPrevious(t *testing.T) {
	f := newRunFixture(t)
	first := f.instance(t, ir.ModeReindex, ins("A", "P1", 1))
	_, err := f.run(t, first)
	require.NoError(t, err)

	second := f.instance(t, ir.ModeReindex, ins("B", "P2", 1))
	r, err := f.run(t, second)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"B"}}, r.State.Partition())
}

func TestRun_StrictAbortPersistsNothing(t *testing.T) {
	f := newRunFixture(t, WithPolicy(ir.PolicyStrict))
	inst := f.instance(t, ir.ModeReindex, ins("A", "P1", 1), ins("A", "P1", 1))

	_, err := f.run(t, inst)
	require.Error(t, err)
	assert.True(t, IsIntegrityError(err))
	assert.Equal(t, PhaseIdle, f.engine.Phase())

	assert.False(t, inst.HasProducts())
	_, statErr := os.Stat(inst.StatePath())
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(inst.StatePath() + ".tmp")
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_CountsSealRejections(t *testing.T) {
	f := newRunFixture(t)
	inst := f.instance(t, ir.ModeReindex,
		ins("A", "P1", 1),
		ir.Delta{Op: ir.OpInsert, DocID: "B", Price: decimal.NewFromInt(1), Source: "SA"},
	)

	r, err := f.run(t, inst)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Run.Rejected)
	assert.Equal(t, 1, r.Run.Applied)
}

func TestRun_RequiresSealedInstance(t *testing.T) {
	f := newRunFixture(t)
	inst, err := f.store.Create(ir.ModeReindex)
	require.NoError(t, err)

	_, err = f.engine.Run(context.Background(), Request{Current: inst})
	assert.True(t, errors.Is(err, instance.ErrNotSealed))
}

func TestRun_MissingPreviousStateIsFatal(t *testing.T) {
	f := newRunFixture(t)
	first := f.instance(t, ir.ModeReindex, ins("A", "P1", 1))
	second := f.instance(t, ir.ModeIncremental, ins("B", "P1", 1))

	_, err := f.engine.Run(context.Background(), Request{Current: second, Previous: first})
	require.Error(t, err)
	assert.False(t, second.HasProducts())
}

func TestRun_RerunReplacesOutput(t *testing.T) {
	f := newRunFixture(t)
	inst := f.instance(t, ir.ModeReindex, ins("A", "P1", 1), ins("B", "P2", 1))

	r1, err := f.run(t, inst)
	require.NoError(t, err)
	r2, err := f.run(t, inst)
	require.NoError(t, err)
	assert.Equal(t, r1.Products, r2.Products)

	products, err := inst.ReadProducts()
	require.NoError(t, err)
	assert.Len(t, products, 2)
}

// failProductSwap makes renaming inst's staged b5mp/ fail until the test ends.
func failProductSwap(t *testing.T, inst *instance.Instance) {
	t.Helper()
	orig := rename
	t.Cleanup(func() { rename = orig })
	rename = func(from, to string) error {
		if from == inst.ProductDir()+".tmp" {
			return errors.New("disk full")
		}
		return orig(from, to)
	}
}

func assertNoLeftovers(t *testing.T, inst *instance.Instance) {
	t.Helper()
	for _, suffix := range []string{".tmp", ".prev"} {
		_, err := os.Stat(inst.StatePath() + suffix)
		assert.True(t, os.IsNotExist(err), "state.db%s", suffix)
		_, err = os.Stat(inst.ProductDir() + suffix)
		assert.True(t, os.IsNotExist(err), "b5mp%s", suffix)
	}
}

func TestRun_FailedProductSwapCommitsNothing(t *testing.T) {
	f := newRunFixture(t)
	first := f.instance(t, ir.ModeReindex, ins("A", "P1", 1))
	_, err := f.run(t, first)
	require.NoError(t, err)

	second := f.instance(t, ir.ModeIncremental, ins("B", "P2", 1))
	failProductSwap(t, second)

	_, err = f.run(t, second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.False(t, second.HasProducts())
	_, statErr := os.Stat(second.StatePath())
	assert.True(t, os.IsNotExist(statErr))
	assertNoLeftovers(t, second)
}

func TestRun_FailedProductSwapRestoresPreviousState(t *testing.T) {
	f := newRunFixture(t)
	first := f.instance(t, ir.ModeReindex, ins("A", "P1", 1))
	_, err := f.run(t, first)
	require.NoError(t, err)
	second := f.instance(t, ir.ModeIncremental, ins("B", "P2", 1))
	committed, err := f.run(t, second)
	require.NoError(t, err)
	require.Len(t, committed.Products, 2)

	// A rerun as reindex would shrink the state to {B}; it fails instead.
	failProductSwap(t, second)
	_, err = f.engine.Run(context.Background(), Request{Current: second, Mode: ir.ModeReindex})
	require.Error(t, err)

	state, err := LoadState(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, 2, state.Len())

	products, err := second.ReadProducts()
	require.NoError(t, err)
	want, err := ir.ProductsDigest(committed.Products)
	require.NoError(t, err)
	got, err := ir.ProductsDigest(products)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assertNoLeftovers(t, second)
}
