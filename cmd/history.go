package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/deskhand/internal/config"
	"github.com/xkilldash9x/deskhand/internal/observability"
	"github.com/xkilldash9x/deskhand/internal/store"
)

// newHistoryCmd creates the `history` command for browsing recorded tasks.
func newHistoryCmd() *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history [task-id]",
		Short: "Shows recorded task results, or one task's full step trace",
		Args:  cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			if !cfg.Store().Enabled {
				return fmt.Errorf("task history is disabled (store.enabled=false)")
			}

			historyStore, err := store.Open(ctx, cfg.Store(), logger)
			if err != nil {
				return fmt.Errorf("failed to open history store: %w", err)
			}
			defer historyStore.Close()

			if len(args) == 1 {
				return showTask(cmd, historyStore, args[0])
			}
			return listTasks(cmd, historyStore, viper.GetInt("limit"))
		},
	}

	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of tasks to list.")
	return historyCmd
}

func listTasks(cmd *cobra.Command, historyStore *store.Store, limit int) error {
	results, err := historyStore.ListTasks(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		cmd.Println("No recorded tasks yet.")
		return nil
	}

	cmd.Printf("%-10s %-10s %-20s %8s  %s\n", "TASK ID", "STATUS", "STARTED", "ELAPSED", "GOAL")
	for _, r := range results {
		cmd.Printf("%-10s %-10s %-20s %7.1fs  %s\n",
			r.TaskID, r.Status,
			r.StartedAt.Local().Format(time.DateTime),
			r.Elapsed.Seconds(), clip(r.Goal, 60))
	}
	return nil
}

func showTask(cmd *cobra.Command, historyStore *store.Store, id string) error {
	result, err := historyStore.GetTask(cmd.Context(), id)
	if err != nil {
		return err
	}

	cmd.Printf("Task %s: %s\n", result.TaskID, result.Status)
	cmd.Printf("Goal: %s\n", result.Goal)
	cmd.Printf("Started: %s, Elapsed: %.1fs\n",
		result.StartedAt.Local().Format(time.DateTime), result.Elapsed.Seconds())
	if result.Reason != "" {
		cmd.Printf("Reason: %s\n", result.Reason)
	}
	if result.Answer != "" {
		cmd.Printf("Answer: %s\n", result.Answer)
	}

	if len(result.Steps) == 0 {
		cmd.Println("No steps recorded.")
		return nil
	}
	cmd.Println("Steps:")
	for _, step := range result.Steps {
		cmd.Printf("  %s\n", step.HistoryLine())
	}
	return nil
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
