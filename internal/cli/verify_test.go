package cli

import (
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offermatch/internal/instance"
	"github.com/roach88/offermatch/internal/ir"
)

// matchedChain builds reindex -> incremental -> aborted -> incremental and
// returns the work dir and the instances.
func matchedChain(t *testing.T) (string, []*instance.Instance) {
	t.Helper()
	workDir, st := newStore(t)

	i1 := newInstance(t, st, ir.ModeReindex, true,
		ins("A", "P1", 10, "SA"),
		ins("B", "P1", 12, "SB"),
		ins("C", "P2", 7, "SC"),
	)
	generate(t, i1, nil)

	i2 := newInstance(t, st, ir.ModeIncremental, true, del("A"), upd("B", 20), ins("D", "P3", 5, "SD"))
	generate(t, i2, i1)

	i3 := newInstance(t, st, ir.ModeIncremental, true, ins("E", "P3", 1, "SE"), ins("B", "P9", 1, "SA"))
	_, err := execute(t, NewGenerateCommand(textOpts()),
		"--mdb-instance", i3.Dir(), "--last-mdb-instance", i2.Dir(), "--strict")
	require.Error(t, err)

	i4 := newInstance(t, st, ir.ModeIncremental, true, ins("F", "P2", 3, "SA"), del("C"))
	generate(t, i4, i2)

	return workDir, []*instance.Instance{i1, i2, i3, i4}
}

func TestVerify_Pass(t *testing.T) {
	workDir, insts := matchedChain(t)

	out, err := execute(t, NewVerifyCommand(jsonOpts()), "--work-dir", workDir)
	require.NoError(t, err, out)

	var result VerifyResult
	resp := decodeData(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, result.Pass)
	assert.Equal(t, insts[3].Name(), result.Instance)
	assert.Equal(t, []string{insts[0].Name(), insts[1].Name(), insts[3].Name()}, result.Chain)
	assert.Equal(t, 3, result.Offers)
	assert.Equal(t, 3, result.Products)
}

func TestVerify_EarlierInstance(t *testing.T) {
	workDir, insts := matchedChain(t)

	out, err := execute(t, NewVerifyCommand(textOpts()), "--work-dir", workDir, "--mdb-instance", insts[1].Name())
	require.NoError(t, err, out)
	assert.Contains(t, out, "Chain: 2 instance(s) from "+insts[0].Name())
	assert.Contains(t, out, "✓ Emitted products match ground truth")
}

func TestVerify_DetectsTamperedProducts(t *testing.T) {
	workDir, insts := matchedChain(t)
	last := insts[3]

	products, err := last.ReadProducts()
	require.NoError(t, err)
	products[0].PriceHigh = decimal.NewFromInt(999)
	require.NoError(t, os.RemoveAll(last.ProductDir()))
	require.NoError(t, instance.WriteProducts(last.ProductDir(), last.Timestamp().Time(), products))

	out, err := execute(t, NewVerifyCommand(textOpts()), "--work-dir", workDir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "price")
	assert.Contains(t, out, "✗ 1 mismatch(es)")
}

func TestVerify_NothingMatched(t *testing.T) {
	workDir, st := newStore(t)
	newInstance(t, st, ir.ModeReindex, true, ins("A", "P1", 1, "SA"))

	_, err := execute(t, NewVerifyCommand(textOpts()), "--work-dir", workDir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
