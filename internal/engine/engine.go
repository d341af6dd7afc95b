package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/offermatch/internal/grouping"
	"github.com/roach88/offermatch/internal/ir"
	"github.com/roach88/offermatch/internal/metrics"
)

// DefaultShards is the default number of emission workers.
const DefaultShards = 4

// Engine applies instances to grouping state. The grouping state itself is
// never held by the engine between calls; it is passed in and returned.
//
// Thread-safety: Apply and Emit may be called from several goroutines on
// distinct states. Phase reflects the most recent transition of any call.
type Engine struct {
	policy    ir.Policy
	shards    int
	validator *ir.Validator
	runIDs    RunIDGenerator

	phase atomic.Int32
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the integrity-violation policy. Default: lenient.
func WithPolicy(p ir.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithShards sets the number of emission workers. Values below 1 are
// treated as 1.
func WithShards(n int) Option {
	return func(e *Engine) { e.shards = max(n, 1) }
}

// WithValidator sets the delta validator. Default: width-agnostic.
func WithValidator(v *ir.Validator) Option {
	return func(e *Engine) { e.validator = v }
}

// WithRunIDGenerator sets the run id source. Default: UUIDv7Generator.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(e *Engine) { e.runIDs = g }
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		policy:    ir.PolicyLenient,
		shards:    DefaultShards,
		validator: ir.NewValidator(0),
		runIDs:    UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the configured integrity policy.
func (e *Engine) Policy() ir.Policy {
	return e.policy
}

// Phase returns the current engine phase.
func (e *Engine) Phase() Phase {
	return Phase(e.phase.Load())
}

func (e *Engine) setPhase(p Phase, instance string) {
	e.phase.Store(int32(p))
	slog.Debug("engine phase", "phase", p.String(), "instance", instance)
}

// Violation is an integrity violation skipped under the lenient policy.
type Violation struct {
	Index int       `json:"index"`
	DocID string    `json:"docid"`
	Op    ir.Op     `json:"op"`
	Code  ErrorCode `json:"code"`
}

// Report summarizes one Apply call.
type Report struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
	NoOps    int `json:"noops"`

	// Rejected counts malformed deltas.
	Rejected int `json:"rejected"`

	Violations []Violation `json:"violations,omitempty"`
}

// Applied returns the number of deltas that changed the state.
func (r Report) Applied() int {
	return r.Inserted + r.Updated + r.Deleted
}

// Apply applies every delta of src, in order, to a clone of state and
// returns the clone. state itself is never modified; a nil state is empty.
//
// Under the strict policy the first integrity violation aborts the call: the
// returned state is nil and the error is a *DeltaError. Errors reading src
// are returned as-is and are always fatal.
func (e *Engine) Apply(ctx context.Context, state *grouping.State, src DeltaSource) (*grouping.State, Report, error) {
	return e.apply(ctx, "", state, src)
}

func (e *Engine) apply(ctx context.Context, instance string, state *grouping.State, src DeltaSource) (*grouping.State, Report, error) {
	var report Report

	next := grouping.New()
	if state != nil {
		next = state.Clone()
	}
	clock := NewClockAt(maxSeq(next))

	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}

		d, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, report, fmt.Errorf("read delta %d: %w", index, err)
		}

		if err := e.validator.Validate(d); err != nil {
			report.Rejected++
			metrics.IncDelta(string(d.Op), metrics.OutcomeRejected)
			slog.Warn("delta rejected",
				"instance", instance,
				"index", index,
				"docid", d.DocID,
				"op", d.Op,
				"code", ErrCodeMalformedDelta,
				"error", err,
			)
			continue
		}

		err = applyDelta(next, d, clock)
		if err == nil {
			switch d.Op {
			case ir.OpInsert:
				report.Inserted++
			case ir.OpUpdate:
				report.Updated++
			case ir.OpDelete:
				report.Deleted++
			case ir.OpNoop:
				report.NoOps++
			}
			metrics.IncDelta(string(d.Op), metrics.OutcomeApplied)
			continue
		}

		de := integrityError(err, instance, index, d)
		metrics.IncDelta(string(d.Op), metrics.OutcomeViolation)
		if e.policy == ir.PolicyStrict {
			slog.Error("integrity violation, aborting instance",
				"instance", instance,
				"index", index,
				"docid", d.DocID,
				"op", d.Op,
				"code", de.Code,
			)
			return nil, report, de
		}
		slog.Warn("integrity violation, delta skipped",
			"instance", instance,
			"index", index,
			"docid", d.DocID,
			"op", d.Op,
			"code", de.Code,
		)
		report.Violations = append(report.Violations, Violation{
			Index: index,
			DocID: d.DocID,
			Op:    d.Op,
			Code:  de.Code,
		})
	}

	return next, report, nil
}

func applyDelta(s *grouping.State, d ir.Delta, clock *Clock) error {
	switch d.Op {
	case ir.OpInsert:
		if s.Has(d.DocID) {
			return fmt.Errorf("%w: %s", grouping.ErrDuplicateOffer, d.DocID)
		}
		return s.Insert(ir.Offer{
			ID:        d.DocID,
			ProductID: d.ProductID,
			Source:    d.Source,
			Price:     d.Price,
			Title:     d.Title,
			Seq:       clock.Next(),
		})
	case ir.OpUpdate:
		if !s.Has(d.DocID) {
			return fmt.Errorf("%w: %s", grouping.ErrUnknownOffer, d.DocID)
		}
		return s.Update(d.DocID, d.Price, d.Title, clock.Next())
	case ir.OpDelete:
		return s.Delete(d.DocID)
	}
	return nil
}

func integrityError(err error, instance string, index int, d ir.Delta) *DeltaError {
	de := &DeltaError{
		Instance: instance,
		Index:    index,
		DocID:    d.DocID,
		Op:       d.Op,
		Err:      err,
	}
	if errors.Is(err, grouping.ErrDuplicateOffer) {
		de.Code = ErrCodeDuplicateInsert
		de.Message = "offer inserted twice"
	} else {
		de.Code = ErrCodeUnknownOffer
		de.Message = "offer is not bound"
	}
	return de
}

func maxSeq(s *grouping.State) int64 {
	offers := s.Offers()
	if len(offers) == 0 {
		return 0
	}
	return offers[len(offers)-1].Seq
}

// Emit derives the complete set of live products, ordered by product id.
// Emitting twice from the same state yields identical output. A nil state is
// empty.
func (e *Engine) Emit(ctx context.Context, state *grouping.State) ([]ir.Product, error) {
	if state == nil {
		state = grouping.New()
	}
	ids := state.ProductIDs()
	if len(ids) == 0 {
		return []ir.Product{}, nil
	}

	shards := make([][]string, min(e.shards, len(ids)))
	for _, id := range ids {
		i := shardOf(id, len(shards))
		shards[i] = append(shards[i], id)
	}

	results := make([][]ir.Product, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		g.Go(func() error {
			out := make([]ir.Product, 0, len(shard))
			for _, id := range shard {
				if err := gctx.Err(); err != nil {
					return err
				}
				p, ok := state.Product(id)
				if !ok {
					return fmt.Errorf("emit: product %s vanished", id)
				}
				out = append(out, p)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	products := make([]ir.Product, 0, len(ids))
	for _, r := range results {
		products = append(products, r...)
	}
	slices.SortFunc(products, func(a, b ir.Product) int {
		return strings.Compare(a.ID, b.ID)
	})
	return products, nil
}

func shardOf(productID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(productID))
	return int(h.Sum32() % uint32(n))
}
