package ir

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOp(t *testing.T) {
	tests := map[string]Op{
		"insert": OpInsert,
		"I":      OpInsert,
		"u":      OpUpdate,
		"Delete": OpDelete,
		"noop":   OpNoop,
		"":       OpNoop,
	}
	for in, want := range tests {
		got, err := ParseOp(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseOp("R")
	assert.Error(t, err)
}

func TestParseModeAndPolicy(t *testing.T) {
	m, err := ParseMode("Incremental")
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, m)

	_, err = ParseMode("full")
	assert.Error(t, err)

	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyLenient, p)

	p, err = ParsePolicy("STRICT")
	require.NoError(t, err)
	assert.Equal(t, PolicyStrict, p)
}

func TestProductPriceRange(t *testing.T) {
	p := Product{PriceLow: decimal.NewFromInt(3), PriceHigh: decimal.NewFromInt(3)}
	assert.Equal(t, "3", p.PriceRange())

	p.PriceHigh = decimal.RequireFromString("12.5")
	assert.Equal(t, "3-12.5", p.PriceRange())

	lo, hi, err := ParsePriceRange(p.PriceRange())
	require.NoError(t, err)
	assert.True(t, lo.Equal(p.PriceLow))
	assert.True(t, hi.Equal(p.PriceHigh))

	lo, hi, err = ParsePriceRange("7")
	require.NoError(t, err)
	assert.True(t, lo.Equal(hi))

	_, _, err = ParsePriceRange("x-1")
	assert.Error(t, err)
}

func TestCanonicalPartition(t *testing.T) {
	in := [][]string{{"C"}, {"B", "A"}, {}}
	got := CanonicalPartition(in)

	assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, got)
	// input untouched
	assert.Equal(t, []string{"B", "A"}, in[1])
}
