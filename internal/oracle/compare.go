package oracle

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/offermatch/internal/ir"
)

// Equal reports whether two groupings are the same set partition.
func Equal(a, b [][]string) bool {
	ca, cb := ir.CanonicalPartition(a), ir.CanonicalPartition(b)
	return slices.EqualFunc(ca, cb, slices.Equal[[]string])
}

// Diff returns the groups of want that got lacks and the groups of got that
// want lacks, both canonical.
func Diff(want, got [][]string) (missing, extra [][]string) {
	cw, cg := ir.CanonicalPartition(want), ir.CanonicalPartition(got)
	w, g := index(cw), index(cg)
	for _, group := range cw {
		if _, ok := g[key(group)]; !ok {
			missing = append(missing, group)
		}
	}
	for _, group := range cg {
		if _, ok := w[key(group)]; !ok {
			extra = append(extra, group)
		}
	}
	return missing, extra
}

// Mismatch is one disagreement between the truth and an emission.
type Mismatch struct {
	// Group is the canonical membership the mismatch concerns.
	Group []string `json:"group"`
	// Field is "members" for partition differences, otherwise the derived
	// attribute that differs.
	Field string `json:"field"`
	Want  string `json:"want"`
	Got   string `json:"got"`
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s %v: want %q, got %q", m.Field, m.Group, m.Want, m.Got)
}

// Compare checks an emission against the truth: the partition first, then
// price range, sources and item count of every group both sides agree on.
// A nil result means the emission is correct.
func Compare(t *Truth, products []ir.Product) []Mismatch {
	want := t.Products()
	missing, extra := Diff(ir.Groups(want), ir.Groups(products))

	var out []Mismatch
	for _, g := range missing {
		out = append(out, Mismatch{Group: g, Field: "members", Want: "present", Got: "absent"})
	}
	for _, g := range extra {
		out = append(out, Mismatch{Group: g, Field: "members", Want: "absent", Got: "present"})
	}

	got := make(map[string]ir.Product, len(products))
	for _, p := range products {
		got[key(sortedCopy(p.Members))] = p
	}
	for _, w := range want {
		g, ok := got[key(w.Members)]
		if !ok {
			continue
		}
		if w.PriceRange() != g.PriceRange() {
			out = append(out, Mismatch{Group: w.Members, Field: "price", Want: w.PriceRange(), Got: g.PriceRange()})
		}
		if ws, gs := joinSources(w.Sources), joinSources(g.Sources); ws != gs {
			out = append(out, Mismatch{Group: w.Members, Field: "source", Want: ws, Got: gs})
		}
		if w.ItemCount() != g.ItemCount() {
			out = append(out, Mismatch{Group: w.Members, Field: "itemcount", Want: fmt.Sprint(w.ItemCount()), Got: fmt.Sprint(g.ItemCount())})
		}
	}
	return out
}

func index(groups [][]string) map[string]struct{} {
	m := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		m[key(g)] = struct{}{}
	}
	return m
}

func key(members []string) string {
	return strings.Join(members, ",")
}

func sortedCopy(s []string) []string {
	c := slices.Clone(s)
	slices.Sort(c)
	return c
}

func joinSources(sources []ir.Source) string {
	s := make([]string, len(sources))
	for i, src := range sources {
		s[i] = string(src)
	}
	slices.Sort(s)
	return strings.Join(s, ",")
}
