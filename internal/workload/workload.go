// Package workload generates random delta batches for simulations.
//
// A Generator draws offer ids from a fixed pool, assigns each inserted
// offer one of a fixed number of product labels and re-prices or removes
// offers in later batches. It remembers which offers are live so every
// batch it produces is valid against the state the previous batches built,
// unless Config.Violations asks for the raw, unchecked draw.
package workload

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/roach88/offermatch/internal/ir"
)

// Probabilities of each op in an incremental batch. Whatever is left to 1
// is drawn as NoOp.
type Probabilities struct {
	Insert float64 `json:"insert"`
	Update float64 `json:"update"`
	Delete float64 `json:"delete"`
}

// Config sizes the workload.
type Config struct {
	MaxOffers   int
	MaxProducts int
	MaxPrice    int
	// Width is the zero-padded width of offer ids and product labels.
	Width   int
	Sources []ir.Source

	Incremental Probabilities
	// ReindexProb is the chance that the next instance is a reindex.
	ReindexProb float64

	// Violations disables liveness tracking: inserts may name live offers
	// and updates or deletes may name dead ones.
	Violations bool
}

// DefaultConfig returns the sizes the matcher has always been exercised with.
func DefaultConfig() Config {
	return Config{
		MaxOffers:   20000,
		MaxProducts: 500,
		MaxPrice:    10000,
		Width:       32,
		Sources:     slices.Clone(ir.DefaultSources),
		Incremental: Probabilities{Insert: 0.2, Update: 0.7, Delete: 0.1},
		ReindexProb: 0.05,
	}
}

// ReindexSize is the number of deltas in a reindex batch.
func (c Config) ReindexSize() int { return c.MaxOffers / 4 }

// IncrementalSize is the number of deltas in an incremental batch.
func (c Config) IncrementalSize() int { return c.MaxOffers / 10 }

// Generator produces batches. Not safe for concurrent use.
type Generator struct {
	cfg   Config
	rng   *rand.Rand
	live  map[int]bool
	batch int
}

// New returns a generator seeded with seed. The same seed and config always
// produce the same batches.
func New(cfg Config, seed uint64) *Generator {
	if len(cfg.Sources) == 0 {
		cfg.Sources = slices.Clone(ir.DefaultSources)
	}
	return &Generator{
		cfg:  cfg,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		live: make(map[int]bool),
	}
}

// Config returns the generator's configuration.
func (g *Generator) Config() Config {
	return g.cfg
}

// Live returns the number of offers the generator believes are live.
func (g *Generator) Live() int {
	return len(g.live)
}

// Reset forgets all live offers. Call it when a reindex instance starts.
func (g *Generator) Reset() {
	clear(g.live)
}

// NextReindex draws whether the next instance should be a reindex.
func (g *Generator) NextReindex() bool {
	return g.rng.Float64() < g.cfg.ReindexProb
}

// Batch draws the deltas of one instance. A reindex batch resets liveness
// and holds only inserts. The batch is grouped by op (inserts, then updates,
// then deletes, then noops); each offer id appears at most once, so the
// grouping does not change the outcome.
func (g *Generator) Batch(mode ir.Mode) []ir.Delta {
	g.batch++

	probs := g.cfg.Incremental
	count := g.cfg.IncrementalSize()
	if mode == ir.ModeReindex {
		g.Reset()
		probs = Probabilities{Insert: 1}
		count = g.cfg.ReindexSize()
	}
	count = min(count, g.cfg.MaxOffers)

	pool := g.rng.Perm(g.cfg.MaxOffers)
	var inserts, updates, deletes, noops []ir.Delta
	for _, n := range pool[:count] {
		n++
		op := g.drawOp(probs)
		if !g.cfg.Violations {
			op = g.fix(op, n)
		}
		switch op {
		case ir.OpInsert:
			inserts = append(inserts, g.insert(n))
			g.live[n] = true
		case ir.OpUpdate:
			updates = append(updates, ir.Delta{Op: ir.OpUpdate, DocID: g.id(n), Price: g.price()})
		case ir.OpDelete:
			deletes = append(deletes, ir.Delta{Op: ir.OpDelete, DocID: g.id(n)})
			delete(g.live, n)
		default:
			noops = append(noops, ir.Delta{Op: ir.OpNoop, DocID: g.id(n)})
		}
	}

	out := make([]ir.Delta, 0, count)
	out = append(out, inserts...)
	out = append(out, updates...)
	out = append(out, deletes...)
	return append(out, noops...)
}

func (g *Generator) drawOp(p Probabilities) ir.Op {
	r := g.rng.Float64()
	switch {
	case r < p.Insert:
		return ir.OpInsert
	case r < p.Insert+p.Update:
		return ir.OpUpdate
	case r < p.Insert+p.Update+p.Delete:
		return ir.OpDelete
	}
	return ir.OpNoop
}

// fix turns an op that would violate integrity into the closest valid one:
// inserting a live offer re-prices it, touching a dead one inserts it.
func (g *Generator) fix(op ir.Op, n int) ir.Op {
	switch op {
	case ir.OpInsert:
		if g.live[n] {
			return ir.OpUpdate
		}
	case ir.OpUpdate, ir.OpDelete:
		if !g.live[n] {
			return ir.OpInsert
		}
	}
	return op
}

func (g *Generator) insert(n int) ir.Delta {
	return ir.Delta{
		Op:        ir.OpInsert,
		DocID:     g.id(n),
		ProductID: g.id(g.rng.IntN(g.cfg.MaxProducts) + 1),
		Title:     fmt.Sprintf("offer %d batch %d", n, g.batch),
		Price:     g.price(),
		Source:    g.cfg.Sources[g.rng.IntN(len(g.cfg.Sources))],
	}
}

func (g *Generator) id(n int) string {
	return fmt.Sprintf("%0*d", g.cfg.Width, n)
}

func (g *Generator) price() decimal.Decimal {
	return decimal.NewFromInt(int64(g.rng.IntN(g.cfg.MaxPrice) + 1))
}
