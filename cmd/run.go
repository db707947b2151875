package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deskhand/internal/agent"
	"github.com/xkilldash9x/deskhand/internal/config"
	"github.com/xkilldash9x/deskhand/internal/desktop"
	"github.com/xkilldash9x/deskhand/internal/engine"
	"github.com/xkilldash9x/deskhand/internal/observability"
	"github.com/xkilldash9x/deskhand/internal/perception"
	"github.com/xkilldash9x/deskhand/internal/reasoner"
	"github.com/xkilldash9x/deskhand/internal/store"
	"github.com/xkilldash9x/deskhand/internal/tools"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [goal...]",
		Short: "Runs the agent until the stated goal is reached or a budget expires",
		Args:  cobra.MinimumNArgs(1),
		// The PreRunE function is a good place to handle configuration
		// finalization before the main execution logic in RunE.
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their corresponding Viper keys. This is the
			// idiomatic way to ensure that command-line flags correctly
			// override values from the config file and environment variables.
			if err := viper.BindPFlag("budget.max_steps", cmd.Flags().Lookup("max-steps")); err != nil {
				return err
			}
			if err := viper.BindPFlag("budget.max_execution_time", cmd.Flags().Lookup("max-time")); err != nil {
				return err
			}
			if err := viper.BindPFlag("reasoner.model", cmd.Flags().Lookup("model")); err != nil {
				return err
			}
			// Bind all other flags that don't have a direct mapping.
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main.go (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// 1. Configuration Finalization
			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			cfg.SetRunConfig(config.RunConfig{
				Goal:      strings.Join(args, " "),
				NoPersist: viper.GetBool("no-persist"),
			})

			goal := cfg.Run().Goal
			logger.Info("Starting task run",
				zap.String("goal", goal),
				zap.Int("max_steps", cfg.Budget().MaxSteps),
				zap.Duration("max_execution_time", cfg.Budget().MaxExecutionTime),
			)

			// 2. Initialize Core Components
			components, err := initializeRunComponents(ctx, cfg, logger)
			if err != nil {
				if components != nil {
					components.Shutdown(logger)
				}
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown(logger)

			// 3. Execute the task
			components.Engine.Start(ctx)
			defer components.Engine.Stop()

			handle, err := components.Engine.Submit(goal)
			if err != nil {
				return fmt.Errorf("failed to submit task: %w", err)
			}

			result, err := handle.Wait(ctx)
			if err != nil && ctx.Err() != nil {
				// The machine turns cancellation into a terminal CANCELLED
				// result; give it a moment to finalize and persist.
				graceCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				result, err = handle.Wait(graceCtx)
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return fmt.Errorf("task aborted by user signal")
				}
				return err
			}

			// 4. Final Output
			printResult(cmd, result)

			if result.Status != agent.TaskCompleted {
				return fmt.Errorf("task finished with status %s: %s", result.Status, result.Reason)
			}
			return nil
		},
	}

	// Budget override flags.
	runCmd.Flags().Int("max-steps", 0, "Maximum number of steps for this task. (Overrides config/env)")
	runCmd.Flags().Duration("max-time", 0, "Maximum wall-clock time for this task. (Overrides config/env)")

	// Reasoner override flags.
	runCmd.Flags().String("model", "", "Reasoning model to use. (Overrides config/env)")

	// Persistence flags.
	runCmd.Flags().Bool("no-persist", false, "Do not record this task in the history store.")

	return runCmd
}

// runComponents holds initialized services.
type runComponents struct {
	Gateway *tools.Gateway
	Store   *store.Store
	Engine  *engine.Engine
}

// Shutdown gracefully closes all components.
func (rc *runComponents) Shutdown(logger *zap.Logger) {
	if rc.Gateway != nil {
		if err := rc.Gateway.Close(); err != nil {
			logger.Warn("Error during tool gateway shutdown", zap.Error(err))
		}
	}
	if rc.Store != nil {
		if err := rc.Store.Close(); err != nil {
			logger.Warn("Error during history store shutdown", zap.Error(err))
		}
	}
}

// initializeRunComponents handles dependency injection.
func initializeRunComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runComponents, error) {
	components := &runComponents{}

	clock := agent.SystemClock{}
	budget := agent.NewBudget(cfg.Budget())

	// 1. Perception
	capturer, err := perception.NewCapturer(cfg.Perception(), logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize screen capturer: %w", err)
	}
	screen, err := agent.NewContextCache(capturer, clock, budget.ScreenAnalysisDelay, logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize context cache: %w", err)
	}

	// 2. Effectors
	controller, err := desktop.NewController(cfg.Desktop(), clock, logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize desktop controller: %w", err)
	}
	speaker := desktop.NewSpeaker(cfg.Desktop(), logger)

	// 3. Tool Gateway (optional)
	var toolCaller agent.ToolCaller
	if len(cfg.Tools().Providers) > 0 {
		gateway := tools.NewGateway(cfg.Tools(), logger)
		if err := gateway.Start(ctx); err != nil {
			return components, fmt.Errorf("failed to start tool gateway: %w", err)
		}
		components.Gateway = gateway
		toolCaller = gateway
	}

	// 4. Reasoner
	mind, err := reasoner.New(cfg.Reasoner(), logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize reasoner: %w", err)
	}

	// 5. Dispatcher and Worker
	dispatcher, err := agent.NewDispatcher(controller, speaker, toolCaller, screen, clock, budget, logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize dispatcher: %w", err)
	}
	worker, err := engine.NewMachineWorker(mind, screen, dispatcher, clock, logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize task worker: %w", err)
	}
	if components.Gateway != nil {
		worker.SetAvailableTools(components.Gateway.ToolNames())
	}

	// 6. History Store (optional)
	var recorder engine.Recorder
	if cfg.Store().Enabled && !cfg.Run().NoPersist {
		historyStore, err := store.Open(ctx, cfg.Store(), logger)
		if err != nil {
			return components, fmt.Errorf("failed to open history store: %w", err)
		}
		components.Store = historyStore
		recorder = historyStore
	}

	// 7. Engine
	eng, err := engine.New(cfg.Engine(), budget, clock, worker, recorder, logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize engine: %w", err)
	}
	components.Engine = eng

	return components, nil
}

// printResult writes the human-facing task summary to the command's output.
func printResult(cmd *cobra.Command, result *agent.TaskResult) {
	cmd.Printf("\nTask %s finished: %s\n", result.TaskID, result.Status)
	if result.Reason != "" {
		cmd.Printf("Reason: %s\n", result.Reason)
	}
	if result.Answer != "" {
		cmd.Printf("Answer: %s\n", result.Answer)
	}
	cmd.Printf("Steps: %d, Elapsed: %.1fs\n", len(result.Steps), result.Elapsed.Seconds())
}
