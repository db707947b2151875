// File: cmd/run_test.go
package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/deskhand/internal/agent"
	"github.com/xkilldash9x/deskhand/internal/config"
)

func TestRunCmdRequiresGoal(t *testing.T) {
	output, err := executeCommandNoPreRun(t, "run")

	require.Error(t, err)
	assert.Contains(t, output, "Error: requires at least 1 arg(s), only received 0")
}

func TestRunCmdFlagDefaults(t *testing.T) {
	runCmd := newRunCmd()
	flags := runCmd.Flags()

	assert.Equal(t, "0", flags.Lookup("max-steps").DefValue)
	assert.Equal(t, "0s", flags.Lookup("max-time").DefValue)
	assert.Equal(t, "", flags.Lookup("model").DefValue)
	assert.Equal(t, "false", flags.Lookup("no-persist").DefValue)
}

func TestRunCmdFlagBinding(t *testing.T) {
	t.Run("changed flags override config defaults", func(t *testing.T) {
		resetCmdState(t)
		config.SetDefaults(viper.GetViper())

		runCmd := newRunCmd()
		require.NoError(t, runCmd.ParseFlags([]string{
			"--max-steps", "40",
			"--max-time", "2m",
			"--model", "gemini-2.5-pro",
			"--no-persist",
		}))
		require.NoError(t, runCmd.PreRunE(runCmd, nil))

		assert.Equal(t, 40, viper.GetInt("budget.max_steps"))
		assert.Equal(t, 2*time.Minute, viper.GetDuration("budget.max_execution_time"))
		assert.Equal(t, "gemini-2.5-pro", viper.GetString("reasoner.model"))
		assert.True(t, viper.GetBool("no-persist"))

		// The overrides survive the trip into the validated config.
		cfg, err := config.NewConfigFromViper(viper.GetViper())
		require.NoError(t, err)
		assert.Equal(t, 40, cfg.Budget().MaxSteps)
		assert.Equal(t, 2*time.Minute, cfg.Budget().MaxExecutionTime)
		assert.Equal(t, "gemini-2.5-pro", cfg.Reasoner().Model)
	})

	t.Run("unchanged flags keep configured values", func(t *testing.T) {
		resetCmdState(t)
		config.SetDefaults(viper.GetViper())

		runCmd := newRunCmd()
		require.NoError(t, runCmd.ParseFlags(nil))
		require.NoError(t, runCmd.PreRunE(runCmd, nil))

		// Flag zero values must not shadow the configured defaults.
		assert.Equal(t, 25, viper.GetInt("budget.max_steps"))
		assert.Equal(t, 15*time.Minute, viper.GetDuration("budget.max_execution_time"))
		assert.Equal(t, "gemini-2.5-flash", viper.GetString("reasoner.model"))
	})
}

func TestPrintResult(t *testing.T) {
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)

	printResult(cmd, &agent.TaskResult{
		TaskID:  "ab12cd34",
		Status:  agent.TaskCompleted,
		Answer:  "Report saved to the desktop",
		Steps:   make([]agent.Step, 3),
		Elapsed: 4200 * time.Millisecond,
	})

	assert.Contains(t, out.String(), "Task ab12cd34 finished: COMPLETED")
	assert.Contains(t, out.String(), "Answer: Report saved to the desktop")
	assert.Contains(t, out.String(), "Steps: 3, Elapsed: 4.2s")
	assert.NotContains(t, out.String(), "Reason:")
}
