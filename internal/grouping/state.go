// Package grouping holds the offer to product mapping maintained by the
// matching engine.
//
// A State is a plain owned value. The engine clones it before applying an
// instance, so a failed or aborted run never leaks partial changes into the
// state it was given.
package grouping

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/offermatch/internal/ir"
)

// State maps every live offer to exactly one product.
type State struct {
	offers   map[string]*ir.Offer
	products map[string]map[string]struct{}
}

// New returns an empty state.
func New() *State {
	return &State{
		offers:   make(map[string]*ir.Offer),
		products: make(map[string]map[string]struct{}),
	}
}

// FromOffers rebuilds a state from persisted offers.
func FromOffers(offers []ir.Offer) (*State, error) {
	s := New()
	for i := range offers {
		o := offers[i]
		if err := s.bind(&o); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := &State{
		offers:   make(map[string]*ir.Offer, len(s.offers)),
		products: make(map[string]map[string]struct{}, len(s.products)),
	}
	for id, o := range s.offers {
		cp := *o
		c.offers[id] = &cp
	}
	for pid, members := range s.products {
		c.products[pid] = maps.Clone(members)
	}
	return c
}

// Len returns the number of live offers.
func (s *State) Len() int {
	return len(s.offers)
}

// ProductCount returns the number of live products.
func (s *State) ProductCount() int {
	return len(s.products)
}

// Has reports whether the offer is bound.
func (s *State) Has(offerID string) bool {
	_, ok := s.offers[offerID]
	return ok
}

// Lookup returns the recorded offer.
func (s *State) Lookup(offerID string) (ir.Offer, bool) {
	o, ok := s.offers[offerID]
	if !ok {
		return ir.Offer{}, false
	}
	return *o, true
}

// Insert binds a new offer to its product, creating the product if absent.
func (s *State) Insert(o ir.Offer) error {
	return s.bind(&o)
}

// Update changes the price and title of a bound offer. A zero price or an
// empty title leaves that attribute unchanged. Membership never changes.
func (s *State) Update(offerID string, price decimal.Decimal, title string, seq int64) error {
	o, ok := s.offers[offerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOffer, offerID)
	}
	if !price.IsZero() {
		o.Price = price
	}
	if title != "" {
		o.Title = title
	}
	o.Seq = seq
	return nil
}

// Delete unbinds an offer. A product left without members is removed.
func (s *State) Delete(offerID string) error {
	o, ok := s.offers[offerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOffer, offerID)
	}
	delete(s.offers, offerID)

	members := s.products[o.ProductID]
	delete(members, offerID)
	if len(members) == 0 {
		delete(s.products, o.ProductID)
	}
	return nil
}

func (s *State) bind(o *ir.Offer) error {
	if _, ok := s.offers[o.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOffer, o.ID)
	}
	s.offers[o.ID] = o
	members, ok := s.products[o.ProductID]
	if !ok {
		members = make(map[string]struct{})
		s.products[o.ProductID] = members
	}
	members[o.ID] = struct{}{}
	return nil
}

// Offers returns all live offers ordered by seq, then offer id.
func (s *State) Offers() []ir.Offer {
	out := make([]ir.Offer, 0, len(s.offers))
	for _, o := range s.offers {
		out = append(out, *o)
	}
	slices.SortFunc(out, func(a, b ir.Offer) int {
		if a.Seq != b.Seq {
			if a.Seq < b.Seq {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// ProductIDs returns the live product ids in order.
func (s *State) ProductIDs() []string {
	return slices.Sorted(maps.Keys(s.products))
}

// Product derives the emitted record for one product.
func (s *State) Product(productID string) (ir.Product, bool) {
	members, ok := s.products[productID]
	if !ok {
		return ir.Product{}, false
	}

	p := ir.Product{
		ID:      productID,
		Members: slices.Sorted(maps.Keys(members)),
	}
	sources := make(map[ir.Source]struct{})
	for i, id := range p.Members {
		o := s.offers[id]
		if i == 0 {
			p.PriceLow, p.PriceHigh = o.Price, o.Price
			p.Title = o.Title
		} else {
			if o.Price.LessThan(p.PriceLow) {
				p.PriceLow = o.Price
			}
			if o.Price.GreaterThan(p.PriceHigh) {
				p.PriceHigh = o.Price
			}
		}
		sources[o.Source] = struct{}{}
	}
	p.Sources = slices.Sorted(maps.Keys(sources))
	return p, true
}

// Products derives every live product, ordered by product id.
func (s *State) Products() []ir.Product {
	ids := s.ProductIDs()
	out := make([]ir.Product, 0, len(ids))
	for _, id := range ids {
		p, _ := s.Product(id)
		out = append(out, p)
	}
	return out
}

// Partition returns the label-free canonical partition of live offers.
func (s *State) Partition() [][]string {
	groups := make([][]string, 0, len(s.products))
	for _, members := range s.products {
		groups = append(groups, slices.Collect(maps.Keys(members)))
	}
	return ir.CanonicalPartition(groups)
}
