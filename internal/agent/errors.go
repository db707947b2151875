// internal/agent/errors.go
package agent

import "errors"

// ErrorCode is a string type used for structured error reporting across the
// execution loop. Using a custom type ensures that only predefined constants
// can be used where an ErrorCode is expected, preventing a class of bugs.
type ErrorCode string

const (
	// -- Recoverable per-step errors --
	// These are logged into the Step outcome, fed back into the next decision
	// request, and the loop continues up to the consecutive-failure ceiling.
	ErrCodeDecisionParse   ErrorCode = "DECISION_PARSE_ERROR"   // Reasoning-service output doesn't map to a valid Action.
	ErrCodeActionTimeout   ErrorCode = "ACTION_TIMEOUT"         // Effector exceeded its per-action budget.
	ErrCodeActionExecution ErrorCode = "ACTION_EXECUTION_ERROR" // Effector raised a fault.
	ErrCodeToolInvocation  ErrorCode = "TOOL_INVOCATION_ERROR"  // Provider-level tool failure.
	ErrCodeInvalidAction   ErrorCode = "INVALID_ACTION"         // Proposed action failed parameter validation.

	// -- Loop control signals --
	ErrCodeLoopEscalation ErrorCode = "LOOP_ESCALATION" // Detector verdict; not an error per se.

	// -- Terminal conditions, never retried --
	ErrCodeBudgetExceeded ErrorCode = "BUDGET_EXCEEDED"        // Step or time ceiling reached.
	ErrCodeCancellation   ErrorCode = "CANCELLATION_REQUESTED" // External cancellation observed.

	// -- Internal System Errors --
	ErrCodeExecutorPanic ErrorCode = "EXECUTOR_PANIC" // An effector panicked; recovered by the dispatcher.
)

// Recoverable reports whether a step carrying this code counts against the
// consecutive-failure ceiling instead of terminating the task outright.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case ErrCodeDecisionParse, ErrCodeActionTimeout, ErrCodeActionExecution,
		ErrCodeToolInvocation, ErrCodeInvalidAction, ErrCodeExecutorPanic:
		return true
	}
	return false
}

// Sentinel errors surfaced by the task state machine and its collaborators.
var (
	// ErrTaskNotRunning is returned when an operation requires a Running task.
	ErrTaskNotRunning = errors.New("task is not running")
	// ErrTerminalState is returned on an attempted transition out of a terminal status.
	ErrTerminalState = errors.New("task is in a terminal state")
	// ErrUnknownTool is returned by the gateway when a tool name resolves to no provider.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrAmbiguousTool is returned when a bare operation name matches several providers.
	ErrAmbiguousTool = errors.New("ambiguous tool name")
)
