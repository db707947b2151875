// internal/agent/machine.go
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NewTask creates a Pending task with a budget snapshot taken now. The
// deadline is informational; enforcement happens against the tracker's
// monotonic start instant once the loop begins.
func NewTask(goal string, budget ExecutionBudget, clock Clock) *Task {
	now := clock.Now()
	return &Task{
		ID:        uuid.New().String()[:8],
		Goal:      goal,
		CreatedAt: now,
		Deadline:  now.Add(budget.MaxExecutionTime),
		Status:    TaskPending,
		Budget:    budget,
	}
}

// Machine drives a single task from Pending to a terminal state. Each machine
// owns exactly one task and runs one sequential decide/dispatch loop; shared
// resources (the screen source, the dispatcher's device serialization) are
// safe to hand to several machines at once.
type Machine struct {
	task       *Task
	reasoner   Reasoner
	screen     ContextSource
	dispatcher ActionDispatcher
	detector   *LoopDetector
	tracker    *BudgetTracker
	clock      Clock
	logger     *zap.Logger

	tools []string // Namespaced tool names advertised in decision requests.

	mu sync.Mutex // Guards task state read concurrently via Status and Snapshot.
}

// NewMachine wires the loop for one task. All collaborators are required.
func NewMachine(task *Task, reasoner Reasoner, screen ContextSource, dispatcher ActionDispatcher, clock Clock, logger *zap.Logger) (*Machine, error) {
	if task == nil {
		return nil, fmt.Errorf("machine requires a task")
	}
	if reasoner == nil {
		return nil, fmt.Errorf("machine requires a reasoner")
	}
	if screen == nil {
		return nil, fmt.Errorf("machine requires a screen context source")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("machine requires a dispatcher")
	}
	if clock == nil {
		return nil, fmt.Errorf("machine requires a clock")
	}
	if logger == nil {
		return nil, fmt.Errorf("machine requires a logger")
	}

	return &Machine{
		task:       task,
		reasoner:   reasoner,
		screen:     screen,
		dispatcher: dispatcher,
		detector:   NewLoopDetector(task.Budget, logger),
		tracker:    NewBudgetTracker(clock, task.Budget),
		clock:      clock,
		logger:     logger.Named("machine").With(zap.String("task_id", task.ID)),
	}, nil
}

// SetAvailableTools advertises gateway tool names to the reasoning service
// through subsequent decision requests. Call before Run.
func (m *Machine) SetAvailableTools(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools = append([]string(nil), names...)
}

// Status returns the task's current lifecycle state.
func (m *Machine) Status() TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.task.Status
}

// Snapshot returns a copy of the task, including recorded steps.
func (m *Machine) Snapshot() Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := *m.task
	t.Steps = append([]Step(nil), m.task.Steps...)
	return t
}

// Run executes the task loop until a terminal state is reached and returns
// the result. It is an error to run a task that is not Pending; terminal
// tasks stay terminal.
func (m *Machine) Run(ctx context.Context) (*TaskResult, error) {
	m.mu.Lock()
	if m.task.Status != TaskPending {
		status := m.task.Status
		m.mu.Unlock()
		if status.IsTerminal() {
			return nil, fmt.Errorf("task %s already finished as %s: %w", m.task.ID, status, ErrTerminalState)
		}
		return nil, fmt.Errorf("task %s is %s: %w", m.task.ID, status, ErrTaskNotRunning)
	}
	m.task.Status = TaskRunning
	m.mu.Unlock()

	m.tracker.Start()
	m.logger.Info("Task started", zap.String("goal", m.task.Goal))

	answer := m.loop(ctx)

	result := m.buildResult(answer)
	m.logger.Info("Task finished",
		zap.String("status", string(result.Status)),
		zap.String("reason", result.Reason),
		zap.Int("steps", len(result.Steps)),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

// loop is the sequential execution loop. It returns the final answer text
// when the reasoner completes the task, empty otherwise; the terminal status
// has been committed by the time it returns.
func (m *Machine) loop(ctx context.Context) (answer string) {
	// Loop-carried state. escalationHint rides on the next decision request
	// and is cleared after one use; lastEscalation and escalationRun track
	// consecutive escalations for the same cause against MaxEscalations.
	escalationHint := ""
	lastEscalation := ""
	escalationRun := 0
	consecutiveFailed := 0
	unchangedContext := 0
	lastFingerprint := ""
	lastCapturedAt := time.Time{}
	forceRefresh := false

	for {
		// Budget ceilings come first so a task can never exceed them by a
		// full iteration.
		if reason, exceeded := m.tracker.Check(m.stepCount()); exceeded {
			m.finalize(TaskTimedOut, reason)
			return ""
		}

		if err := ctx.Err(); err != nil {
			m.finalize(TaskCancelled, "cancellation requested")
			return ""
		}

		// Perception. A forced refresh bypasses the freshness window after
		// escalations so the reasoner is not shown the snapshot that caused
		// the loop verdict.
		var sctx ScreenContext
		if forceRefresh {
			sctx = m.screen.Refresh(ctx)
			forceRefresh = false
		} else {
			sctx = m.screen.Current(ctx)
		}

		// No-progress tracking counts only genuinely new captures; a cached
		// snapshot served twice within the freshness window carries no new
		// information either way.
		if !sctx.CapturedAt.Equal(lastCapturedAt) {
			if sctx.Fingerprint == lastFingerprint {
				unchangedContext++
			} else {
				unchangedContext = 0
			}
			lastFingerprint = sctx.Fingerprint
			lastCapturedAt = sctx.CapturedAt
		}
		if limit := m.task.Budget.UnchangedContextLimit; limit > 0 && unchangedContext >= limit {
			m.finalize(TaskFailed, fmt.Sprintf("no progress: screen unchanged across %d consecutive observations", limit))
			return ""
		}

		// Decision.
		req := DecisionRequest{
			Goal:           m.task.Goal,
			History:        m.historyTail(),
			ContextSummary: sctx.Summary(),
			EscalationHint: escalationHint,
			Tools:          m.availableTools(),
		}
		escalationHint = ""

		action, err := m.reasoner.Decide(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				m.finalize(TaskCancelled, "cancellation requested")
				return ""
			}
			m.logger.Warn("Decision request failed", zap.Error(err))
			m.appendStep(Step{
				Action:             Action{Thought: "decision unavailable"},
				ContextFingerprint: sctx.Fingerprint,
				Outcome: Outcome{
					Status:    OutcomeFailed,
					ErrorCode: ErrCodeDecisionParse,
					Reason:    err.Error(),
				},
				StartedAt: m.clock.Now(),
			})
			consecutiveFailed++
			if m.failureCeilingHit(consecutiveFailed) {
				return ""
			}
			m.clock.Sleep(ctx, m.task.Budget.ActionDelay)
			continue
		}

		m.logger.Info("Action decided",
			zap.String("kind", string(action.Kind)),
			zap.String("action", action.Describe()),
			zap.String("thought", action.Thought))

		// Completion is terminal and bypasses both the loop detector and the
		// dispatcher.
		if action.Kind == KindComplete {
			started := m.clock.Now()
			m.appendStep(Step{
				Action:             action,
				ContextFingerprint: sctx.Fingerprint,
				Outcome:            Outcome{Status: OutcomeSuccess, Data: action.Result},
				StartedAt:          started,
			})
			m.finalize(TaskCompleted, "goal reported complete")
			return action.Result
		}

		// Loop detection. Every proposal is recorded, dispatched or not, so
		// repetition pressure keeps building while the reasoner insists.
		verdict := m.detector.Evaluate(action, sctx)
		m.detector.Record(action, sctx)
		if verdict.IsEscalation() {
			if verdict.Cause == lastEscalation {
				escalationRun++
			} else {
				lastEscalation = verdict.Cause
				escalationRun = 1
			}
			if limit := m.task.Budget.MaxEscalations; limit > 0 && escalationRun >= limit {
				m.finalize(TaskFailed, "stuck in a loop: escalation repeated for "+verdict.Cause)
				return ""
			}
			m.logger.Warn("Loop detector escalated",
				zap.String("cause", verdict.Cause),
				zap.String("action", action.Describe()))
			m.appendStep(Step{
				Action:             action,
				ContextFingerprint: sctx.Fingerprint,
				Outcome: Outcome{
					Status:    OutcomeFailed,
					ErrorCode: ErrCodeLoopEscalation,
					Reason:    verdict.Cause,
				},
				Escalation: verdict.Cause,
				StartedAt:  m.clock.Now(),
			})
			escalationHint = verdict.Hint
			forceRefresh = true
			continue
		}
		lastEscalation = ""
		escalationRun = 0

		// Dispatch.
		started := m.clock.Now()
		outcome := m.dispatcher.Execute(ctx, action)
		elapsed := m.clock.Since(started)

		m.appendStep(Step{
			Action:             action,
			ContextFingerprint: sctx.Fingerprint,
			Outcome:            outcome,
			Elapsed:            elapsed,
			StartedAt:          started,
		})

		if outcome.Succeeded() {
			consecutiveFailed = 0
		} else {
			m.logger.Warn("Action did not succeed",
				zap.String("action", action.Describe()),
				zap.String("error_code", string(outcome.ErrorCode)),
				zap.String("reason", outcome.Reason))
			consecutiveFailed++
			if m.failureCeilingHit(consecutiveFailed) {
				return ""
			}
		}

		m.clock.Sleep(ctx, m.task.Budget.ActionDelay)
	}
}

// failureCeilingHit finalizes the task when consecutive failures reach the
// configured ceiling and reports whether it did so. A non-positive ceiling
// disables the check.
func (m *Machine) failureCeilingHit(consecutiveFailed int) bool {
	limit := m.task.Budget.MaxConsecutiveFailures
	if limit <= 0 || consecutiveFailed < limit {
		return false
	}
	m.finalize(TaskFailed, fmt.Sprintf("%d consecutive step failures", consecutiveFailed))
	return true
}

// historyTail renders the most recent steps for the decision request, bounded
// by the budget's history limit.
func (m *Machine) historyTail() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := m.task.Budget.DecisionHistoryLimit
	steps := m.task.Steps
	if limit > 0 && len(steps) > limit {
		steps = steps[len(steps)-limit:]
	}
	lines := make([]string, 0, len(steps))
	for _, s := range steps {
		lines = append(lines, s.HistoryLine())
	}
	return lines
}

func (m *Machine) availableTools() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tools
}

func (m *Machine) stepCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.task.Steps)
}

func (m *Machine) appendStep(step Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step.Index = len(m.task.Steps) + 1
	m.task.Steps = append(m.task.Steps, step)
}

// finalize commits a terminal status exactly once. Later calls are ignored so
// racing terminal causes cannot overwrite the first one recorded.
func (m *Machine) finalize(status TaskStatus, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.task.Status.IsTerminal() {
		return
	}
	m.task.Status = status
	m.task.Reason = reason
}

// buildResult assembles the caller-facing report after the loop has finished.
func (m *Machine) buildResult(answer string) *TaskResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &TaskResult{
		TaskID:    m.task.ID,
		Goal:      m.task.Goal,
		Status:    m.task.Status,
		Reason:    m.task.Reason,
		Answer:    answer,
		Steps:     append([]Step(nil), m.task.Steps...),
		StartedAt: m.tracker.StartedAt(),
		Elapsed:   m.tracker.Elapsed(),
	}
}
