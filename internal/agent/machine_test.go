package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// machineHarness bundles a machine with its scripted collaborators.
type machineHarness struct {
	machine    *Machine
	task       *Task
	reasoner   *scriptedReasoner
	screen     *stubScreen
	dispatcher *fakeDispatcher
	clock      *fakeClock
}

func setupMachine(t *testing.T, budget ExecutionBudget, script []decisionStep, snaps []ScreenContext) *machineHarness {
	t.Helper()
	clock := newFakeClock()
	reasoner := &scriptedReasoner{script: script}
	screen := &stubScreen{snaps: snaps}
	dispatcher := &fakeDispatcher{}

	task := NewTask("book a table for two at rossi's", budget, clock)
	machine, err := NewMachine(task, reasoner, screen, dispatcher, clock, zaptest.NewLogger(t))
	require.NoError(t, err)

	return &machineHarness{
		machine:    machine,
		task:       task,
		reasoner:   reasoner,
		screen:     screen,
		dispatcher: dispatcher,
		clock:      clock,
	}
}

func TestNewTask(t *testing.T) {
	clock := newFakeClock()
	budget := testBudget()

	task := NewTask("tidy the downloads folder", budget, clock)

	assert.Len(t, task.ID, 8)
	assert.Equal(t, "tidy the downloads folder", task.Goal)
	assert.Equal(t, TaskPending, task.Status)
	assert.Equal(t, clock.Now(), task.CreatedAt)
	assert.Equal(t, clock.Now().Add(budget.MaxExecutionTime), task.Deadline)
	assert.Equal(t, budget, task.Budget)
	assert.Empty(t, task.Steps)
}

func TestNewMachineValidation(t *testing.T) {
	clock := newFakeClock()
	task := NewTask("goal", testBudget(), clock)
	reasoner := &scriptedReasoner{}
	screen := &stubScreen{snaps: snapshotSeq(testClockStart, "fp")}
	dispatcher := &fakeDispatcher{}
	logger := zaptest.NewLogger(t)

	testCases := []struct {
		name string
		call func() (*Machine, error)
	}{
		{"nil task", func() (*Machine, error) { return NewMachine(nil, reasoner, screen, dispatcher, clock, logger) }},
		{"nil reasoner", func() (*Machine, error) { return NewMachine(task, nil, screen, dispatcher, clock, logger) }},
		{"nil screen", func() (*Machine, error) { return NewMachine(task, reasoner, nil, dispatcher, clock, logger) }},
		{"nil dispatcher", func() (*Machine, error) { return NewMachine(task, reasoner, screen, nil, clock, logger) }},
		{"nil clock", func() (*Machine, error) { return NewMachine(task, reasoner, screen, dispatcher, nil, logger) }},
		{"nil logger", func() (*Machine, error) { return NewMachine(task, reasoner, screen, dispatcher, clock, nil) }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.call()
			assert.ErrorContains(t, err, "machine requires")
		})
	}
}

func TestMachineCompletesTask(t *testing.T) {
	h := setupMachine(t, testBudget(),
		[]decisionStep{
			{action: Action{Kind: KindClick, X: 120, Y: 460, Thought: "open the booking form"}},
			{action: Action{Kind: KindComplete, Result: "Booked for 7pm", Thought: "confirmation visible"}},
		},
		snapshotSeq(testClockStart, "fp1", "fp2"),
	)
	h.machine.SetAvailableTools([]string{"filesystem:read_file", "shell:run_command"})

	result, err := h.machine.Run(context.Background())
	require.NoError(t, err)

	// Terminal report.
	assert.Equal(t, TaskCompleted, result.Status)
	assert.Equal(t, "goal reported complete", result.Reason)
	assert.Equal(t, "Booked for 7pm", result.Answer)
	assert.Equal(t, h.task.ID, result.TaskID)
	assert.Equal(t, "book a table for two at rossi's", result.Goal)
	assert.Equal(t, testClockStart, result.StartedAt)
	assert.Equal(t, time.Second, result.Elapsed) // one post-action delay

	// Steps are contiguous from 1 and the completion carries the answer.
	require.Len(t, result.Steps, 2)
	assert.Equal(t, 1, result.Steps[0].Index)
	assert.Equal(t, 2, result.Steps[1].Index)
	assert.Equal(t, KindComplete, result.Steps[1].Action.Kind)
	assert.Equal(t, "Booked for 7pm", result.Steps[1].Outcome.Data)
	assert.Equal(t, "fp1", result.Steps[0].ContextFingerprint)
	assert.Equal(t, "fp2", result.Steps[1].ContextFingerprint)

	// Decision requests: goal, tools, empty hint, history grows.
	require.Len(t, h.reasoner.requests, 2)
	first := h.reasoner.requests[0]
	assert.Equal(t, "book a table for two at rossi's", first.Goal)
	assert.Empty(t, first.History)
	assert.Empty(t, first.EscalationHint)
	assert.Equal(t, []string{"filesystem:read_file", "shell:run_command"}, first.Tools)
	assert.Contains(t, first.ContextSummary, "Visible text:")
	assert.Equal(t,
		[]string{"Step 1: click(120,460) -> ok (took 0.0s)"},
		h.reasoner.requests[1].History)

	// Complete never reaches the dispatcher.
	require.Len(t, h.dispatcher.executed, 1)
	assert.Equal(t, KindClick, h.dispatcher.executed[0].Kind)

	assert.Equal(t, TaskCompleted, h.machine.Status())
	assert.Len(t, h.machine.Snapshot().Steps, 2)
}

func TestMachineRunGuards(t *testing.T) {
	t.Run("terminal tasks stay terminal", func(t *testing.T) {
		h := setupMachine(t, testBudget(),
			[]decisionStep{{action: Action{Kind: KindComplete}}},
			snapshotSeq(testClockStart, "fp1"),
		)
		_, err := h.machine.Run(context.Background())
		require.NoError(t, err)

		_, err = h.machine.Run(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTerminalState)
		assert.Contains(t, err.Error(), "already finished as COMPLETED")
	})

	t.Run("a non-pending task cannot start", func(t *testing.T) {
		h := setupMachine(t, testBudget(), nil, snapshotSeq(testClockStart, "fp1"))
		h.task.Status = TaskRunning

		_, err := h.machine.Run(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTaskNotRunning)
	})
}

func TestMachineStepBudget(t *testing.T) {
	budget := testBudget()
	budget.MaxSteps = 3

	h := setupMachine(t, budget,
		[]decisionStep{
			{action: Action{Kind: KindClick, X: 10, Y: 10}},
			{action: Action{Kind: KindClick, X: 200, Y: 200}},
			{action: Action{Kind: KindClick, X: 400, Y: 400}},
		},
		snapshotSeq(testClockStart, "fp1", "fp2", "fp3", "fp4"),
	)

	result, err := h.machine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, TaskTimedOut, result.Status)
	assert.Equal(t, "maximum step count reached", result.Reason)
	assert.Len(t, result.Steps, 3)
	// The ceiling fires before the fourth decision is ever requested.
	assert.Len(t, h.reasoner.requests, 3)
}

func TestMachineTimeBudget(t *testing.T) {
	budget := testBudget()
	budget.MaxExecutionTime = 5 * time.Second
	budget.ActionDelay = 2 * time.Second

	h := setupMachine(t, budget,
		[]decisionStep{
			{action: Action{Kind: KindClick, X: 10, Y: 10}},
			{action: Action{Kind: KindClick, X: 200, Y: 200}},
			{action: Action{Kind: KindClick, X: 400, Y: 400}},
		},
		snapshotSeq(testClockStart, "fp1", "fp2", "fp3"),
	)

	result, err := h.machine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, TaskTimedOut, result.Status)
	assert.Equal(t, "total execution time budget exhausted", result.Reason)
	assert.Len(t, result.Steps, 3)
	assert.Equal(t, 6*time.Second, result.Elapsed)
}

func TestMachineCancellation(t *testing.T) {
	t.Run("before the first decision", func(t *testing.T) {
		h := setupMachine(t, testBudget(), nil, snapshotSeq(testClockStart, "fp1"))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result, err := h.machine.Run(ctx)
		require.NoError(t, err, "cancellation is a terminal result, not a run error")

		assert.Equal(t, TaskCancelled, result.Status)
		assert.Equal(t, "cancellation requested", result.Reason)
		assert.Empty(t, result.Steps)
		assert.Empty(t, h.reasoner.requests)
	})

	t.Run("while a decision is in flight", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		h := setupMachine(t, testBudget(),
			[]decisionStep{
				{action: Action{Kind: KindClick, X: 10, Y: 10}},
				{
					err:  context.Canceled,
					hook: func(context.Context, DecisionRequest) { cancel() },
				},
			},
			snapshotSeq(testClockStart, "fp1", "fp2"),
		)

		result, err := h.machine.Run(ctx)
		require.NoError(t, err)

		assert.Equal(t, TaskCancelled, result.Status)
		assert.Equal(t, "cancellation requested", result.Reason)
		// The interrupted decision does not produce a parse-failure step.
		assert.Len(t, result.Steps, 1)
	})
}

func TestMachineDecisionFailureCeiling(t *testing.T) {
	decisionErr := errors.New("malformed json from model")
	h := setupMachine(t, testBudget(),
		[]decisionStep{{err: decisionErr}, {err: decisionErr}, {err: decisionErr}},
		snapshotSeq(testClockStart, "fp1", "fp2", "fp3"),
	)

	result, err := h.machine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, TaskFailed, result.Status)
	assert.Equal(t, "3 consecutive step failures", result.Reason)

	require.Len(t, result.Steps, 3)
	for _, step := range result.Steps {
		assert.Equal(t, OutcomeFailed, step.Outcome.Status)
		assert.Equal(t, ErrCodeDecisionParse, step.Outcome.ErrorCode)
		assert.Equal(t, "malformed json from model", step.Outcome.Reason)
		assert.Equal(t, "decision unavailable", step.Action.Thought)
	}

	// Earlier parse failures are visible to later decision requests.
	require.Len(t, h.reasoner.requests, 3)
	require.Len(t, h.reasoner.requests[2].History, 2)
	assert.Contains(t, h.reasoner.requests[2].History[0], "error: malformed json from model")

	// No dispatches, and no delay after the terminal failure.
	assert.Empty(t, h.dispatcher.executed)
	assert.Equal(t, 2, h.clock.sleepCount())
}

func TestMachineDecisionFailureRecovery(t *testing.T) {
	h := setupMachine(t, testBudget(),
		[]decisionStep{
			{err: errors.New("bad json")},
			{action: Action{Kind: KindClick, X: 10, Y: 10}},
			{action: Action{Kind: KindComplete, Result: "done"}},
		},
		snapshotSeq(testClockStart, "fp1", "fp2", "fp3"),
	)

	result, err := h.machine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, TaskCompleted, result.Status)
	require.Len(t, result.Steps, 3)
	assert.Equal(t, ErrCodeDecisionParse, result.Steps[0].Outcome.ErrorCode)
	assert.True(t, result.Steps[1].Outcome.Succeeded())
}

func TestMachineRepeatEscalationRecovery(t *testing.T) {
	repeatedClick := Action{Kind: KindClick, X: 100, Y: 100}
	h := setupMachine(t, testBudget(),
		[]decisionStep{
			{action: repeatedClick},
			{action: repeatedClick},
			{action: repeatedClick}, // third identical proposal on an unchanged screen
			{action: Action{Kind: KindClick, X: 300, Y: 300}},
			{action: Action{Kind: KindComplete, Result: "finished"}},
		},
		append(snapshotSeq(testClockStart, "fpA", "fpA", "fpA"), snapshotSeq(testClockStart.Add(time.Minute), "fpB", "fpC")...),
	)

	result, err := h.machine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, result.Status)

	// The escalated proposal is recorded but never dispatched.
	require.Len(t, result.Steps, 5)
	escalated := result.Steps[2]
	assert.Equal(t, OutcomeFailed, escalated.Outcome.Status)
	assert.Equal(t, ErrCodeLoopEscalation, escalated.Outcome.ErrorCode)
	assert.Equal(t, "repeat:click:100:100", escalated.Escalation)
	assert.Contains(t, escalated.HistoryLine(), "skipped (loop detected)")

	require.Len(t, h.dispatcher.executed, 3)
	assert.Equal(t, 300, h.dispatcher.executed[2].X)

	// The escalation forces fresh perception and hints the next decision.
	assert.Equal(t, 1, h.screen.refreshCalls)
	require.Len(t, h.reasoner.requests, 5)
	assert.Equal(t,
		"The action click(100,100) has been repeated 3 times with no visible change on screen. It is not working; try a different approach.",
		h.reasoner.requests[3].EscalationHint)
	assert.Empty(t, h.reasoner.requests[4].EscalationHint, "the hint is used once")

	// No post-action delay on the escalation iteration.
	assert.Equal(t, 3, h.clock.sleepCount())
}

func TestMachineRepeatedEscalationFailsTask(t *testing.T) {
	repeatedClick := Action{Kind: KindClick, X: 100, Y: 100}
	h := setupMachine(t, testBudget(),
		[]decisionStep{
			{action: repeatedClick},
			{action: repeatedClick},
			{action: repeatedClick},
			{action: repeatedClick}, // still insisting after the hint
		},
		snapshotSeq(testClockStart, "fpA", "fpA", "fpA", "fpA"),
	)

	result, err := h.machine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, TaskFailed, result.Status)
	assert.Equal(t, "stuck in a loop: escalation repeated for repeat:click:100:100", result.Reason)
	// Two dispatched clicks plus one recorded escalation; the second verdict
	// terminates without another step.
	assert.Len(t, result.Steps, 3)
	assert.Len(t, h.dispatcher.executed, 2)
	assert.Len(t, h.reasoner.requests, 4)
}

func TestMachineEscalationCeiling(t *testing.T) {
	repeatedClick := Action{Kind: KindClick, X: 100, Y: 100}

	t.Run("raised ceiling tolerates more hints", func(t *testing.T) {
		budget := testBudget()
		budget.MaxEscalations = 3
		h := setupMachine(t, budget,
			[]decisionStep{
				{action: repeatedClick},
				{action: repeatedClick},
				{action: repeatedClick},
				{action: repeatedClick},
				{action: repeatedClick},
			},
			snapshotSeq(testClockStart, "fpA", "fpA", "fpA", "fpA", "fpA"),
		)

		result, err := h.machine.Run(context.Background())
		require.NoError(t, err)

		assert.Equal(t, TaskFailed, result.Status)
		assert.Equal(t, "stuck in a loop: escalation repeated for repeat:click:100:100", result.Reason)
		// Two dispatched clicks and two recorded escalations; the third
		// same-cause verdict hits the ceiling.
		assert.Len(t, result.Steps, 4)
		assert.Len(t, h.dispatcher.executed, 2)
	})

	t.Run("non-positive ceiling never fails on escalations", func(t *testing.T) {
		budget := testBudget()
		budget.MaxEscalations = 0
		budget.UnchangedContextLimit = 0
		budget.MaxSteps = 4
		h := setupMachine(t, budget,
			[]decisionStep{
				{action: repeatedClick},
				{action: repeatedClick},
				{action: repeatedClick},
				{action: repeatedClick},
				{action: repeatedClick},
			},
			snapshotSeq(testClockStart, "fpA", "fpA", "fpA", "fpA", "fpA"),
		)

		result, err := h.machine.Run(context.Background())
		require.NoError(t, err)

		// The step budget trips first; repeated escalations alone no longer
		// terminate the task.
		assert.Equal(t, TaskTimedOut, result.Status)
		assert.Equal(t, "maximum step count reached", result.Reason)
		assert.Equal(t, "repeat:click:100:100", result.Steps[2].Escalation)
		assert.Equal(t, "repeat:click:100:100", result.Steps[3].Escalation)
	})
}

func TestMachineSpeakEscalation(t *testing.T) {
	h := setupMachine(t, testBudget(),
		[]decisionStep{
			{action: Action{Kind: KindSpeak, Message: "opening the browser"}},
			{action: Action{Kind: KindSpeak, Message: "now searching"}},
			{action: Action{Kind: KindSpeak, Message: "almost there"}},
			{action: Action{Kind: KindComplete, Result: "done"}},
		},
		snapshotSeq(testClockStart, "fpA", "fpA", "fpA", "fpA"),
	)

	result, err := h.machine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, result.Status)

	require.Len(t, result.Steps, 4)
	assert.Equal(t, "speak", result.Steps[2].Escalation)

	// Only the first two narrations reached the speech synthesizer.
	require.Len(t, h.dispatcher.executed, 2)
	assert.Equal(t, KindSpeak, h.dispatcher.executed[1].Kind)

	assert.Equal(t,
		"You have spoken to the user several times in a row without acting. Stop narrating and take a concrete action toward the goal, or complete the task.",
		h.reasoner.requests[3].EscalationHint)
}

func TestMachineNoProgressFailure(t *testing.T) {
	budget := testBudget()
	budget.UnchangedContextLimit = 3

	h := setupMachine(t, budget,
		[]decisionStep{
			{action: Action{Kind: KindClick, X: 0, Y: 0}},
			{action: Action{Kind: KindClick, X: 500, Y: 500}},
			{action: Action{Kind: KindClick, X: 999, Y: 999}},
		},
		snapshotSeq(testClockStart, "fpA", "fpA", "fpA", "fpA"),
	)

	result, err := h.machine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, TaskFailed, result.Status)
	assert.Equal(t, "no progress: screen unchanged across 3 consecutive observations", result.Reason)
	assert.Len(t, result.Steps, 3)
	// The verdict lands before a fourth decision is requested.
	assert.Len(t, h.reasoner.requests, 3)
}

func TestMachineIgnoresCachedSnapshotsForProgress(t *testing.T) {
	budget := testBudget()
	budget.UnchangedContextLimit = 2

	// The second observation is the same cache entry served again; only the
	// third and fourth are genuinely new captures of an unchanged screen.
	fresh := snapshotSeq(testClockStart, "fpA", "fpA", "fpA")
	snaps := []ScreenContext{fresh[0], fresh[0], fresh[1], fresh[2]}

	h := setupMachine(t, budget,
		[]decisionStep{
			{action: Action{Kind: KindClick, X: 0, Y: 0}},
			{action: Action{Kind: KindClick, X: 500, Y: 500}},
			{action: Action{Kind: KindClick, X: 999, Y: 999}},
		},
		snaps,
	)

	result, err := h.machine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, TaskFailed, result.Status)
	assert.Equal(t, "no progress: screen unchanged across 2 consecutive observations", result.Reason)
	// Three steps ran: the cache hit in iteration two did not count.
	assert.Len(t, result.Steps, 3)
}

func TestMachineActionFailureCeiling(t *testing.T) {
	failed := Outcome{Status: OutcomeFailed, ErrorCode: ErrCodeActionExecution, Reason: "window not found"}

	t.Run("three consecutive failures end the task", func(t *testing.T) {
		h := setupMachine(t, testBudget(),
			[]decisionStep{
				{action: Action{Kind: KindClick, X: 10, Y: 10}},
				{action: Action{Kind: KindClick, X: 300, Y: 300}},
				{action: Action{Kind: KindClick, X: 600, Y: 600}},
			},
			snapshotSeq(testClockStart, "fp1", "fp2", "fp3"),
		)
		h.dispatcher.outcomes = []Outcome{failed, failed, failed}

		result, err := h.machine.Run(context.Background())
		require.NoError(t, err)

		assert.Equal(t, TaskFailed, result.Status)
		assert.Equal(t, "3 consecutive step failures", result.Reason)
		assert.Len(t, result.Steps, 3)
		assert.Equal(t, 2, h.clock.sleepCount())
	})

	t.Run("a success resets the counter", func(t *testing.T) {
		h := setupMachine(t, testBudget(),
			[]decisionStep{
				{action: Action{Kind: KindClick, X: 10, Y: 10}},
				{action: Action{Kind: KindClick, X: 300, Y: 300}},
				{action: Action{Kind: KindComplete, Result: "done"}},
			},
			snapshotSeq(testClockStart, "fp1", "fp2", "fp3"),
		)
		h.dispatcher.outcomes = []Outcome{failed, {Status: OutcomeSuccess}}

		result, err := h.machine.Run(context.Background())
		require.NoError(t, err)

		assert.Equal(t, TaskCompleted, result.Status)
		assert.Len(t, result.Steps, 3)
	})
}

func TestMachineHistoryWindow(t *testing.T) {
	budget := testBudget()
	budget.DecisionHistoryLimit = 2

	h := setupMachine(t, budget,
		[]decisionStep{
			{action: Action{Kind: KindClick, X: 10, Y: 10}},
			{action: Action{Kind: KindClick, X: 20, Y: 20}},
			{action: Action{Kind: KindClick, X: 30, Y: 30}},
			{action: Action{Kind: KindClick, X: 40, Y: 40}},
			{action: Action{Kind: KindComplete}},
		},
		snapshotSeq(testClockStart, "fp1", "fp2", "fp3", "fp4", "fp5"),
	)

	result, err := h.machine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, TaskCompleted, result.Status)

	// Only the most recent two steps ride along, most recent last.
	assert.Equal(t,
		[]string{
			"Step 3: click(30,30) -> ok (took 0.0s)",
			"Step 4: click(40,40) -> ok (took 0.0s)",
		},
		h.reasoner.requests[4].History)
}

func TestMachineHistoryReplay(t *testing.T) {
	script := []decisionStep{
		{action: Action{Kind: KindClick, X: 240, Y: 360, Thought: "open the reports folder"}},
		{action: Action{Kind: KindType, Text: "quarterly summary", Thought: "name the document"}},
		{action: Action{Kind: KindScroll, X: 512, Y: 400, Direction: ScrollDown, Amount: 3, Thought: "reach the save button"}},
		{action: Action{Kind: KindComplete, Result: "Summary filed", Thought: "save confirmed"}},
	}
	snaps := snapshotSeq(testClockStart, "fp1", "fp2", "fp3", "fp4")

	h := setupMachine(t, testBudget(), script, snaps)
	first, err := h.machine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, TaskCompleted, first.Status)
	require.Len(t, first.Steps, 4)

	// Rebuild the decision script purely from the recorded steps and run it
	// through a fresh machine against the same snapshots.
	replay := make([]decisionStep, 0, len(first.Steps))
	for _, step := range first.Steps {
		replay = append(replay, decisionStep{action: step.Action})
	}
	h2 := setupMachine(t, testBudget(), replay, snaps)
	second, err := h2.machine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, first.Elapsed, second.Elapsed)
	assert.Equal(t, first.Steps, second.Steps)
	assert.Equal(t, h.dispatcher.executed, h2.dispatcher.executed)
}
