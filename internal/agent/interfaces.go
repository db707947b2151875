// File: internal/agent/interfaces.go
package agent

import (
	"context"
	"time"
)

// Perceptor captures the current screen state. Implementations talk to the
// perception service (screenshot + text extraction); the snapshot they return
// is raw, fingerprinting happens in the context cache.
type Perceptor interface {
	Capture(ctx context.Context) (ScreenContext, error)
}

// Reasoner turns a decision request into the next proposed action. A response
// that does not map onto exactly one valid Action must be reported as an
// error carrying ErrCodeDecisionParse, never silently defaulted.
type Reasoner interface {
	Decide(ctx context.Context, req DecisionRequest) (Action, error)
}

// DecisionRequest is the bundle sent to the reasoning service each iteration.
type DecisionRequest struct {
	Goal           string   // The task goal, verbatim.
	History        []string // Rendered history lines, most recent last, bounded.
	ContextSummary string   // Textual summary of the current ScreenContext.
	EscalationHint string   // Non-empty when the loop detector escalated last step.
	Tools          []string // Namespaced tool names available through the gateway.
}

// DesktopController performs device-level input. Implementations are not
// required to be safe for concurrent use; the dispatcher serializes access.
type DesktopController interface {
	Click(ctx context.Context, x, y int) error
	TypeText(ctx context.Context, text string) error
	Scroll(ctx context.Context, x, y int, direction ScrollDirection, amount int) error
	Drag(ctx context.Context, x1, y1, x2, y2 int) error
	OpenApp(ctx context.Context, name string) error
	OpenURL(ctx context.Context, url string) error
}

// SpeechSynthesizer voices a message to the user. Implementations fall back
// to transcript output when no audio device is available.
type SpeechSynthesizer interface {
	Speak(ctx context.Context, message string) error
}

// ToolCaller is the tool invocation gateway: it resolves a namespaced tool
// name against the provider registry and performs one call under the tool
// timeout. It performs no retries.
type ToolCaller interface {
	Invoke(ctx context.Context, name string, args map[string]interface{}, timeout time.Duration) Outcome
}

// ContextSource yields perception snapshots to the state machine. The cache
// implements this; tests substitute scripted sources.
type ContextSource interface {
	// Current returns a cached snapshot while it is fresh, capturing otherwise.
	Current(ctx context.Context) ScreenContext
	// Refresh discards the cache and captures a new snapshot.
	Refresh(ctx context.Context) ScreenContext
}

// ActionDispatcher routes one validated action to its effector under the
// per-action timeout.
type ActionDispatcher interface {
	Execute(ctx context.Context, action Action) Outcome
}

// Clock abstracts monotonic time so budget arithmetic is testable without
// real sleeps. SystemClock is the production implementation.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// Sleep blocks for d or until the context is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration)
}
