package oracle

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/roach88/offermatch/internal/ir"
)

var (
	// ErrDuplicate is returned when an Insert names a live offer.
	ErrDuplicate = errors.New("oracle: offer already live")

	// ErrUnknown is returned when an Update or Delete names no live offer.
	ErrUnknown = errors.New("oracle: offer not live")
)

type labeled struct {
	uuid   string
	price  decimal.Decimal
	source ir.Source
	title  string
}

// Truth is the expected state after replaying deltas.
type Truth struct {
	offers map[string]labeled
}

// NewTruth returns an empty ground truth.
func NewTruth() *Truth {
	return &Truth{offers: make(map[string]labeled)}
}

// Clone returns an independent copy.
func (t *Truth) Clone() *Truth {
	return &Truth{offers: maps.Clone(t.offers)}
}

// Reset forgets every offer. Called when a reindex instance starts.
func (t *Truth) Reset() {
	clear(t.offers)
}

// Len returns the number of live offers.
func (t *Truth) Len() int {
	return len(t.offers)
}

// Apply replays one delta. A delta that would be an integrity violation
// leaves the truth unchanged and returns ErrDuplicate or ErrUnknown, so
// callers mirroring the lenient policy can ignore the error.
func (t *Truth) Apply(d ir.Delta) error {
	switch d.Op {
	case ir.OpInsert:
		if _, ok := t.offers[d.DocID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicate, d.DocID)
		}
		t.offers[d.DocID] = labeled{uuid: d.ProductID, price: d.Price, source: d.Source, title: d.Title}
	case ir.OpUpdate:
		o, ok := t.offers[d.DocID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknown, d.DocID)
		}
		if !d.Price.IsZero() {
			o.price = d.Price
		}
		if d.Title != "" {
			o.title = d.Title
		}
		t.offers[d.DocID] = o
	case ir.OpDelete:
		if _, ok := t.offers[d.DocID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknown, d.DocID)
		}
		delete(t.offers, d.DocID)
	}
	return nil
}

// ApplyAll replays deltas in order and returns the violations it skipped.
func (t *Truth) ApplyAll(deltas []ir.Delta) []error {
	var skipped []error
	for _, d := range deltas {
		if err := t.Apply(d); err != nil {
			skipped = append(skipped, err)
		}
	}
	return skipped
}

// Partition returns the canonical expected partition.
func (t *Truth) Partition() [][]string {
	byLabel := make(map[string][]string)
	for id, o := range t.offers {
		byLabel[o.uuid] = append(byLabel[o.uuid], id)
	}
	return ir.CanonicalPartition(slices.Collect(maps.Values(byLabel)))
}

// Products returns the expected products keyed by their uuid label, in
// label order, with derived attributes filled in.
func (t *Truth) Products() []ir.Product {
	byLabel := make(map[string][]string)
	for id, o := range t.offers {
		byLabel[o.uuid] = append(byLabel[o.uuid], id)
	}

	out := make([]ir.Product, 0, len(byLabel))
	for _, label := range slices.Sorted(maps.Keys(byLabel)) {
		members := byLabel[label]
		slices.Sort(members)
		p := ir.Product{ID: label, Members: members}
		seen := make(map[ir.Source]bool)
		for i, id := range members {
			o := t.offers[id]
			if i == 0 || o.price.LessThan(p.PriceLow) {
				p.PriceLow = o.price
			}
			if i == 0 || o.price.GreaterThan(p.PriceHigh) {
				p.PriceHigh = o.price
			}
			if i == 0 {
				p.Title = o.title
			}
			if !seen[o.source] {
				seen[o.source] = true
				p.Sources = append(p.Sources, o.source)
			}
		}
		slices.Sort(p.Sources)
		out = append(out, p)
	}
	return out
}
