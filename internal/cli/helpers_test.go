package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offermatch/internal/instance"
	"github.com/roach88/offermatch/internal/ir"
	"github.com/roach88/offermatch/internal/testutil"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

// newStore opens an instance store under a fresh work dir. Instances are
// named 20240101000000, 20240101000001, ...
func newStore(t *testing.T) (string, *instance.Store) {
	t.Helper()
	workDir := t.TempDir()
	clock := testutil.NewStepClock(testutil.Epoch, time.Second)
	st, err := instance.OpenStore(instance.MDBDir(workDir), instance.WithClock(clock.Now))
	require.NoError(t, err)
	return workDir, st
}

// newInstance creates an instance holding deltas. It is sealed when seal is
// set.
func newInstance(t *testing.T, st *instance.Store, mode ir.Mode, seal bool, deltas ...ir.Delta) *instance.Instance {
	t.Helper()
	inst, err := st.Create(mode)
	require.NoError(t, err)
	for _, d := range deltas {
		require.NoError(t, inst.AppendDelta(d))
	}
	if seal {
		_, err = inst.Seal(ir.NewValidator(0))
		require.NoError(t, err)
	} else {
		require.NoError(t, inst.Close())
	}
	return inst
}

func ins(doc, product string, price int64, src ir.Source) ir.Delta {
	return ir.Delta{Op: ir.OpInsert, DocID: doc, ProductID: product, Price: decimal.NewFromInt(price), Source: src}
}

func upd(doc string, price int64) ir.Delta {
	return ir.Delta{Op: ir.OpUpdate, DocID: doc, Price: decimal.NewFromInt(price)}
}

func del(doc string) ir.Delta {
	return ir.Delta{Op: ir.OpDelete, DocID: doc}
}

// execute runs cmd with args and returns what it printed.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// decodeData decodes the data field of a JSON response into v.
func decodeData(t *testing.T, out string, v any) CLIResponse {
	t.Helper()
	var raw struct {
		CLIResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &raw), out)
	if v != nil {
		require.NoError(t, json.Unmarshal(raw.Data, v), out)
	}
	return raw.CLIResponse
}

// generate matches inst through the generate-products command.
func generate(t *testing.T, inst, prev *instance.Instance, extra ...string) GenerateResult {
	t.Helper()
	args := []string{"--mdb-instance", inst.Dir()}
	if prev != nil {
		args = append(args, "--last-mdb-instance", prev.Dir())
	}
	out, err := execute(t, NewGenerateCommand(jsonOpts()), append(args, extra...)...)
	require.NoError(t, err, out)

	var result GenerateResult
	decodeData(t, out, &result)
	return result
}

func textOpts() *RootOptions {
	return &RootOptions{Format: "text"}
}

func jsonOpts() *RootOptions {
	return &RootOptions{Format: "json"}
}

// captureOutput points the output of cmd at a buffer, for tests that call
// run functions directly.
func captureOutput(cmd *cobra.Command) *bytes.Buffer {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	return buf
}
