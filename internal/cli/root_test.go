package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "kauldron", cmd.Use)
	assert.Contains(t, cmd.Long, "training-loop")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"train", "validate", "checkpoints"}

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
}

func TestTrainCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	trainCmd, _, err := cmd.Find([]string{"train"})
	require.NoError(t, err)

	require.NotNil(t, trainCmd.Flags().Lookup("config"))
	require.NotNil(t, trainCmd.Flags().Lookup("workdir"))
	require.NotNil(t, trainCmd.Flags().Lookup("stop-after"))
}

func TestCheckpointsCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	cpCmd, _, err := cmd.Find([]string{"checkpoints"})
	require.NoError(t, err)

	require.NotNil(t, cpCmd.Flags().Lookup("db"))
	require.NotNil(t, cpCmd.Flags().Lookup("latest"))
}

func TestInvalidFormatRejected(t *testing.T) {
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"--format", "xml", "validate", "whatever.yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "boom")))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
}
