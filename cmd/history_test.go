// File: cmd/history_test.go
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/deskhand/internal/agent"
	"github.com/xkilldash9x/deskhand/internal/config"
	"github.com/xkilldash9x/deskhand/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := config.StoreConfig{Enabled: true, StateDir: t.TempDir()}
	st, err := store.Open(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// newOutputCmd builds a bare command whose output lands in a buffer.
func newOutputCmd() (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	return cmd, buf
}

func TestListTasksRendering(t *testing.T) {
	st := openTestStore(t)

	t.Run("empty store", func(t *testing.T) {
		cmd, out := newOutputCmd()
		require.NoError(t, listTasks(cmd, st, 20))
		assert.Contains(t, out.String(), "No recorded tasks yet.")
	})

	longGoal := "organize every screenshot on the desktop into folders sorted by month and year"
	require.NoError(t, st.SaveResult(context.Background(), &agent.TaskResult{
		TaskID:    "aaaa1111",
		Goal:      "empty the recycle bin",
		Status:    agent.TaskCompleted,
		StartedAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		Elapsed:   12300 * time.Millisecond,
	}))
	require.NoError(t, st.SaveResult(context.Background(), &agent.TaskResult{
		TaskID:    "bbbb2222",
		Goal:      longGoal,
		Status:    agent.TaskFailed,
		Reason:    "maximum step count reached",
		StartedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		Elapsed:   95 * time.Second,
	}))

	t.Run("lists newest first with clipped goals", func(t *testing.T) {
		cmd, out := newOutputCmd()
		require.NoError(t, listTasks(cmd, st, 20))

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 3)
		assert.Contains(t, lines[0], "TASK ID")
		assert.Contains(t, lines[0], "GOAL")
		assert.Contains(t, lines[1], "bbbb2222")
		assert.Contains(t, lines[1], string(agent.TaskFailed))
		assert.Contains(t, lines[1], clip(longGoal, 60))
		assert.NotContains(t, lines[1], longGoal)
		assert.Contains(t, lines[2], "aaaa1111")
		assert.Contains(t, lines[2], "12.3s")
	})

	t.Run("honors the limit", func(t *testing.T) {
		cmd, out := newOutputCmd()
		require.NoError(t, listTasks(cmd, st, 1))

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 2)
		assert.Contains(t, lines[1], "bbbb2222")
	})
}

func TestShowTaskRendering(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.SaveResult(context.Background(), &agent.TaskResult{
		TaskID:    "cccc3333",
		Goal:      "save the weekly report",
		Status:    agent.TaskCompleted,
		Answer:    "Report saved",
		StartedAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		Elapsed:   3 * time.Second,
		Steps: []agent.Step{
			{
				Index:   1,
				Action:  agent.Action{Kind: agent.KindClick, X: 10, Y: 20},
				Outcome: agent.Outcome{Status: agent.OutcomeSuccess},
				Elapsed: 1200 * time.Millisecond,
			},
			{
				Index:   2,
				Action:  agent.Action{Kind: agent.KindComplete, Result: "Report saved"},
				Outcome: agent.Outcome{Status: agent.OutcomeSuccess, Data: "Report saved"},
			},
		},
	}))

	t.Run("prints the full step trace", func(t *testing.T) {
		cmd, out := newOutputCmd()
		require.NoError(t, showTask(cmd, st, "cccc3333"))

		assert.Contains(t, out.String(), "Task cccc3333: COMPLETED")
		assert.Contains(t, out.String(), "Goal: save the weekly report")
		assert.Contains(t, out.String(), "Answer: Report saved")
		assert.Contains(t, out.String(), "  Step 1: click(10,20) -> ok (took 1.2s)")
	})

	t.Run("unknown task id", func(t *testing.T) {
		cmd, _ := newOutputCmd()
		err := showTask(cmd, st, "zzzz9999")
		require.Error(t, err)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestHistoryCmdEmptyStore(t *testing.T) {
	resetCmdState(t)
	cfgPath := createTempConfig(t, fmt.Sprintf(`
logger:
  level: error
  log_file: %s
store:
  state_dir: %s
`, filepath.Join(t.TempDir(), "deskhand-test.log"), t.TempDir()))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", cfgPath, "history"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "No recorded tasks yet.")
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, strings.Repeat("x", 10), clip(strings.Repeat("x", 10), 10))
	assert.Equal(t, strings.Repeat("x", 7)+"...", clip(strings.Repeat("x", 12), 10))
}
