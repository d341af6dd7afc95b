package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/offermatch/internal/ir"
	"github.com/roach88/offermatch/internal/store"
)

// Assertion checks one fact about a matched instance.
type Assertion struct {
	Type    string   `yaml:"type"`
	Offer   string   `yaml:"offer,omitempty"`
	Product string   `yaml:"product,omitempty"`
	Members []string `yaml:"members,omitempty"`
	Price   string   `yaml:"price,omitempty"`
	Sources []string `yaml:"sources,omitempty"`
}

// Assertion type constants.
const (
	AssertOfferProduct   = "offer_product"
	AssertProductMembers = "product_members"
	AssertProductPrice   = "product_price"
	AssertProductSources = "product_sources"
	AssertProductAbsent  = "product_absent"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Instance string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("instance %s: assertion %s failed: expected %s, got %s", e.Instance, e.Type, e.Expected, e.Actual)
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertOfferProduct:
		if a.Offer == "" {
			return fmt.Errorf("%s: offer is required", a.Type)
		}
	case AssertProductMembers, AssertProductPrice, AssertProductSources, AssertProductAbsent:
		if a.Product == "" {
			return fmt.Errorf("%s: product is required", a.Type)
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// AssertionContext is what assertions may inspect: the emitted products and
// the persisted grouping state of one instance.
type AssertionContext struct {
	Ctx      context.Context
	Instance string
	Products []ir.Product
	State    *store.Store
}

// EvaluateAssertions runs all assertions and returns the failures.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []error {
	var errs []error
	for _, a := range assertions {
		if err := evaluate(a, actx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func evaluate(a Assertion, actx *AssertionContext) error {
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Instance: actx.Instance, Expected: expected, Actual: actual}
	}

	switch a.Type {
	case AssertOfferProduct:
		o, found, err := actx.State.LookupOffer(actx.Ctx, a.Offer)
		if err != nil {
			return err
		}
		got := "no product"
		if found {
			got = o.ProductID
		}
		want := "no product"
		if a.Product != "" {
			want = a.Product
		}
		if got != want {
			return fail(fmt.Sprintf("offer %s in %s", a.Offer, want), got)
		}

	case AssertProductMembers:
		offers, err := actx.State.ProductOffers(actx.Ctx, a.Product)
		if err != nil {
			return err
		}
		got := make([]string, len(offers))
		for i, o := range offers {
			got[i] = o.ID
		}
		slices.Sort(got)
		want := slices.Clone(a.Members)
		slices.Sort(want)
		if !slices.Equal(got, want) {
			return fail(fmt.Sprintf("members %v", want), fmt.Sprintf("%v", got))
		}

	case AssertProductPrice:
		p, ok := findProduct(actx.Products, a.Product)
		if !ok {
			return fail("product "+a.Product, "no such product")
		}
		if p.PriceRange() != a.Price {
			return fail("price "+a.Price, p.PriceRange())
		}

	case AssertProductSources:
		p, ok := findProduct(actx.Products, a.Product)
		if !ok {
			return fail("product "+a.Product, "no such product")
		}
		got := make([]string, len(p.Sources))
		for i, s := range p.Sources {
			got[i] = string(s)
		}
		want := slices.Clone(a.Sources)
		slices.Sort(want)
		if !slices.Equal(got, want) {
			return fail("sources "+strings.Join(want, ","), strings.Join(got, ","))
		}

	case AssertProductAbsent:
		if _, ok := findProduct(actx.Products, a.Product); ok {
			return fail("no product "+a.Product, "product emitted")
		}
	}
	return nil
}

func findProduct(products []ir.Product, id string) (ir.Product, bool) {
	i, ok := slices.BinarySearchFunc(products, id, func(p ir.Product, id string) int {
		return strings.Compare(p.ID, id)
	})
	if !ok {
		return ir.Product{}, false
	}
	return products[i], true
}
