// internal/agent/budget.go
package agent

import (
	"context"
	"time"

	"github.com/xkilldash9x/deskhand/internal/config"
)

// ExecutionBudget is the fixed budget snapshot taken at task creation. It is
// never mutated mid-task, which keeps budget semantics reproducible for the
// whole run even if configuration changes underneath.
type ExecutionBudget struct {
	ActionTimeout          time.Duration `json:"action_timeout"`
	MaxExecutionTime       time.Duration `json:"max_execution_time"`
	ActionDelay            time.Duration `json:"action_delay"`
	ScreenAnalysisDelay    time.Duration `json:"screen_analysis_delay"`
	ToolTimeout            time.Duration `json:"tool_timeout"`
	MaxSteps               int           `json:"max_steps"`
	LoopRepeatThreshold    int           `json:"loop_repeat_threshold"`
	MaxConsecutiveSpeak    int           `json:"max_consecutive_speak"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures"`
	MaxEscalations         int           `json:"max_escalations"`
	UnchangedContextLimit  int           `json:"unchanged_context_limit"`
	LoopWindowDepth        int           `json:"loop_window_depth"`
	DecisionHistoryLimit   int           `json:"decision_history_limit"`
}

// NewBudget copies the configured knobs into a task-local snapshot.
func NewBudget(cfg config.BudgetConfig) ExecutionBudget {
	return ExecutionBudget{
		ActionTimeout:          cfg.ActionTimeout,
		MaxExecutionTime:       cfg.MaxExecutionTime,
		ActionDelay:            cfg.ActionDelay,
		ScreenAnalysisDelay:    cfg.ScreenAnalysisDelay,
		ToolTimeout:            cfg.ToolTimeout,
		MaxSteps:               cfg.MaxSteps,
		LoopRepeatThreshold:    cfg.LoopRepeatThreshold,
		MaxConsecutiveSpeak:    cfg.MaxConsecutiveSpeak,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		MaxEscalations:         cfg.MaxEscalations,
		UnchangedContextLimit:  cfg.UnchangedContextLimit,
		LoopWindowDepth:        cfg.LoopWindowDepth,
		DecisionHistoryLimit:   cfg.DecisionHistoryLimit,
	}
}

// SystemClock implements Clock on the runtime's monotonic clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                  { return time.Now() }
func (SystemClock) Since(t time.Time) time.Duration { return time.Since(t) }

// Sleep blocks for d or until ctx is done. A non-positive d returns
// immediately without consulting the context.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

var _ Clock = SystemClock{}

// BudgetTracker performs the deadline arithmetic for one task. All reads are
// against the monotonic clock captured at Start, so wall-clock adjustments
// cannot extend or shorten a run.
type BudgetTracker struct {
	clock     Clock
	budget    ExecutionBudget
	startedAt time.Time
}

// NewBudgetTracker builds a tracker; Start must be called when the loop begins.
func NewBudgetTracker(clock Clock, budget ExecutionBudget) *BudgetTracker {
	return &BudgetTracker{clock: clock, budget: budget}
}

// Start records the loop start instant.
func (b *BudgetTracker) Start() {
	b.startedAt = b.clock.Now()
}

// StartedAt returns the recorded start instant.
func (b *BudgetTracker) StartedAt() time.Time { return b.startedAt }

// Elapsed returns the time spent since Start.
func (b *BudgetTracker) Elapsed() time.Duration {
	return b.clock.Since(b.startedAt)
}

// Remaining returns the time left before the total-time deadline; negative
// once the deadline passed.
func (b *BudgetTracker) Remaining() time.Duration {
	return b.budget.MaxExecutionTime - b.Elapsed()
}

// TimeExhausted reports whether the total-time deadline has been reached.
func (b *BudgetTracker) TimeExhausted() bool {
	return b.Elapsed() >= b.budget.MaxExecutionTime
}

// StepsExhausted reports whether the step ceiling has been reached.
func (b *BudgetTracker) StepsExhausted(steps int) bool {
	return steps >= b.budget.MaxSteps
}

// Check evaluates both ceilings at once. The returned reason is empty while
// the budget holds.
func (b *BudgetTracker) Check(steps int) (reason string, exceeded bool) {
	if b.TimeExhausted() {
		return "total execution time budget exhausted", true
	}
	if b.StepsExhausted(steps) {
		return "maximum step count reached", true
	}
	return "", false
}
