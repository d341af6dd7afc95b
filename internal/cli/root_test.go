package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offermatch/internal/config"
	"github.com/roach88/offermatch/internal/ir"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "offermatch", cmd.Use)
	assert.Contains(t, cmd.Long, "b5mp/")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"generate-products", "simulate", "verify", "replay", "inspect", "watch", "test"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, config.DefaultFile, configFlag.DefValue)
}

func TestGenerateCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	gen, _, err := cmd.Find([]string{"generate-products"})
	require.NoError(t, err)

	for _, name := range []string{"mdb-instance", "last-mdb-instance", "reindex", "strict", "publish-dir"} {
		assert.NotNil(t, gen.Flags().Lookup(name), name)
	}
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	_, err := execute(t, NewRootCommand(), "--format", "xml", "verify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestRootCommand_ConfigFile(t *testing.T) {
	t.Setenv(config.EnvPolicy, "")
	t.Setenv(config.EnvWorkDir, "")

	workDir, st := newStore(t)
	first := newInstance(t, st, ir.ModeReindex, true, ins("A", "P1", 1, "SA"))
	generate(t, first, nil)
	second := newInstance(t, st, ir.ModeIncremental, true, ins("A", "P2", 1, "SA"))

	cfgPath := filepath.Join(t.TempDir(), "offermatch.cue")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`policy: "strict"`+"\nwork_dir: \""+workDir+"\"\n"), 0o644))

	_, err := execute(t, NewRootCommand(), "--config", cfgPath, "--env-file", "",
		"generate-products", "--mdb-instance", second.Dir(), "--last-mdb-instance", first.Dir())
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.False(t, second.HasProducts())

	// The configured work dir is where verify looks.
	out, err := execute(t, NewRootCommand(), "--config", cfgPath, "--env-file", "", "verify")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Instance: "+first.Name())
}

func TestRootCommand_BadConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "offermatch.cue")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`shards: 0`), 0o644))

	_, err := execute(t, NewRootCommand(), "--config", cfgPath, "--env-file", "", "verify")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRootOptions_WorkDir(t *testing.T) {
	opts := &RootOptions{}
	assert.Equal(t, "work", opts.workDir(""))
	opts.Config.WorkDir = "/data"
	assert.Equal(t, "/data", opts.workDir(""))
	assert.Equal(t, "/flag", opts.workDir("/flag"))
}
