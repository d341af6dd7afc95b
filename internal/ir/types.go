package ir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// Op is the mutation kind carried by a delta.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	// OpNoop is a non-mutating record. The generator may emit it and it must
	// never perturb grouping state.
	OpNoop Op = "noop"
)

// ParseOp accepts the long form ("insert") and the SCD type letter ("I").
func ParseOp(s string) (Op, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "insert", "i":
		return OpInsert, nil
	case "update", "u":
		return OpUpdate, nil
	case "delete", "d":
		return OpDelete, nil
	case "noop", "n", "":
		return OpNoop, nil
	}
	return "", fmt.Errorf("unknown op %q", s)
}

// Mode selects how the engine seeds grouping state for an instance.
type Mode string

const (
	// ModeReindex rebuilds grouping state from the current instance only.
	ModeReindex Mode = "reindex"
	// ModeIncremental continues from the previous instance's persisted state.
	ModeIncremental Mode = "incremental"
)

// ParseMode parses a mode flag value.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeReindex:
		return ModeReindex, nil
	case ModeIncremental:
		return ModeIncremental, nil
	}
	return "", fmt.Errorf("unknown mode %q: must be reindex or incremental", s)
}

// Policy decides what happens on an integrity violation (duplicate insert,
// update or delete of an unbound offer).
type Policy string

const (
	// PolicyLenient skips the offending delta, logs it and continues.
	PolicyLenient Policy = "lenient"
	// PolicyStrict aborts the whole instance; nothing is persisted.
	PolicyStrict Policy = "strict"
)

// ParsePolicy parses a policy flag or config value.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyLenient, "":
		return PolicyLenient, nil
	case PolicyStrict:
		return PolicyStrict, nil
	}
	return "", fmt.Errorf("unknown policy %q: must be lenient or strict", s)
}

// Source is the origin tag of an offer (e.g. "SA").
type Source string

// DefaultSources are the source tags used by the workload generator.
var DefaultSources = []Source{"SA", "SB", "SC", "SD", "SE"}

// Delta is one offer mutation as exchanged with the ingestion side.
//
// Update and Delete carry only DocID (plus Price/Title for Update); the
// product identity is declared once, on Insert.
type Delta struct {
	Op        Op              `json:"op" validate:"oneof=insert update delete noop"`
	DocID     string          `json:"docid" validate:"required,printascii"`
	ProductID string          `json:"uuid,omitempty" validate:"required_if=Op insert"`
	Title     string          `json:"title,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Source    Source          `json:"source,omitempty" validate:"required_if=Op insert"`
}

// Offer is the engine's recorded state for one live offer.
type Offer struct {
	ID        string          `json:"offer_id"`
	ProductID string          `json:"product_id"`
	Source    Source          `json:"source"`
	Price     decimal.Decimal `json:"price"`
	Title     string          `json:"title,omitempty"`

	// Seq is the logical clock value of the delta that last touched the offer.
	Seq int64 `json:"seq"`
}

// Product is an emitted canonical group. Everything except ID and Members is
// derived from the members at emission time.
type Product struct {
	ID        string          `json:"product_id"`
	Members   []string        `json:"members"`
	PriceLow  decimal.Decimal `json:"price_low"`
	PriceHigh decimal.Decimal `json:"price_high"`
	Sources   []Source        `json:"sources"`
	Title     string          `json:"title,omitempty"`
}

// ItemCount returns the number of member offers.
func (p Product) ItemCount() int {
	return len(p.Members)
}

// PriceRange renders the price range as "lo" or "lo-hi".
func (p Product) PriceRange() string {
	if p.PriceLow.Equal(p.PriceHigh) {
		return p.PriceLow.String()
	}
	return p.PriceLow.String() + "-" + p.PriceHigh.String()
}

// ParsePriceRange is the inverse of Product.PriceRange.
func ParsePriceRange(s string) (lo, hi decimal.Decimal, err error) {
	loStr, hiStr, found := strings.Cut(s, "-")
	lo, err = decimal.NewFromString(loStr)
	if err != nil {
		return lo, hi, fmt.Errorf("parse price range %q: %w", s, err)
	}
	if !found {
		return lo, lo, nil
	}
	hi, err = decimal.NewFromString(hiStr)
	if err != nil {
		return lo, hi, fmt.Errorf("parse price range %q: %w", s, err)
	}
	return lo, hi, nil
}

// RunRecord describes one engine run, persisted next to the grouping state.
type RunRecord struct {
	RunID      string `json:"run_id"`
	Instance   string `json:"instance"`
	Previous   string `json:"previous,omitempty"`
	Mode       Mode   `json:"mode"`
	Policy     Policy `json:"policy"`
	Applied    int    `json:"applied"`
	Rejected   int    `json:"rejected"`
	Violations int    `json:"violations"`
	Products   int    `json:"products"`
	Offers     int    `json:"offers"`
	Digest     string `json:"digest"`

	EngineVersion string `json:"engine_version"`
	StateVersion  string `json:"state_version"`
}

// Groups returns the membership of each product, in product order.
func Groups(products []Product) [][]string {
	groups := make([][]string, 0, len(products))
	for _, p := range products {
		groups = append(groups, slices.Clone(p.Members))
	}
	return groups
}

// CanonicalPartition returns a label-free canonical form of a partition:
// members sorted within each group, groups sorted by their smallest member.
// Empty groups are dropped. The input is not modified.
func CanonicalPartition(groups [][]string) [][]string {
	out := make([][]string, 0, len(groups))
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		sorted := slices.Clone(g)
		slices.Sort(sorted)
		out = append(out, sorted)
	}
	slices.SortFunc(out, func(a, b []string) int {
		return strings.Compare(a[0], b[0])
	})
	return out
}
