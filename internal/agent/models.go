// internal/agent/models.go
package agent

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a Task. A task starts Pending,
// moves to Running when the loop begins, and ends in exactly one of the four
// terminal states. Terminal states admit no further transitions.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"   // The task has been created but the loop has not started.
	TaskRunning   TaskStatus = "RUNNING"   // The execution loop is iterating.
	TaskCompleted TaskStatus = "COMPLETED" // The reasoning service declared the goal met.
	TaskFailed    TaskStatus = "FAILED"    // An unrecoverable error ended the task.
	TaskTimedOut  TaskStatus = "TIMED_OUT" // A step or time ceiling was reached.
	TaskCancelled TaskStatus = "CANCELLED" // An external cancellation request was observed.
)

// IsTerminal reports whether the status ends the task lifecycle.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimedOut, TaskCancelled:
		return true
	}
	return false
}

// ActionKind is an enumeration of all actions the reasoning service can
// propose. This provides a structured vocabulary for the agent's capabilities.
type ActionKind string

const (
	// -- Device Control --
	KindClick      ActionKind = "CLICK"      // Clicks at screen coordinates.
	KindType       ActionKind = "TYPE"       // Types text at the current focus.
	KindScroll     ActionKind = "SCROLL"     // Scrolls at coordinates in a direction.
	KindDrag       ActionKind = "DRAG"       // Drags from one point to another.
	KindScreenshot ActionKind = "SCREENSHOT" // Forces a fresh perception snapshot.
	KindOpenApp    ActionKind = "OPEN_APP"   // Launches an application by name.
	KindOpenURL    ActionKind = "OPEN_URL"   // Opens a URL in the default browser.

	// -- Timing and Output --
	KindWait  ActionKind = "WAIT"  // Sleeps for a bounded number of seconds.
	KindSpeak ActionKind = "SPEAK" // Speaks text to the user.

	// -- External Tools --
	KindToolInvoke ActionKind = "TOOL_INVOKE" // Calls a named tool through the gateway.

	// -- Task Control --
	KindComplete ActionKind = "COMPLETE" // Declares the goal met and ends the task.
)

// ScrollDirection constrains the Scroll action's direction parameter.
type ScrollDirection string

const (
	ScrollUp   ScrollDirection = "up"
	ScrollDown ScrollDirection = "down"
)

// Action is a single concrete step proposed by the reasoning service. Exactly
// one kind applies per Action; the parameter fields relevant to that kind are
// validated by Validate before dispatch, all others are ignored.
type Action struct {
	Kind ActionKind `json:"kind"` // The specific kind of action to perform.

	// Thought carries the reasoning service's short justification for this
	// action. It is recorded in history for audit but never interpreted.
	Thought string `json:"thought,omitempty"`

	X int `json:"x"` // Click/Scroll coordinate, Drag start.
	Y int `json:"y"`

	ToX int `json:"to_x,omitempty"` // Drag end point.
	ToY int `json:"to_y,omitempty"`

	Direction ScrollDirection `json:"direction,omitempty"` // Scroll direction.
	Amount    int             `json:"amount,omitempty"`    // Scroll amount in notches.

	Text    string  `json:"text,omitempty"`    // Text to type (Type).
	Message string  `json:"message,omitempty"` // Text to speak (Speak).
	Seconds float64 `json:"seconds,omitempty"` // Sleep duration (Wait).

	App string `json:"app,omitempty"` // Application name (OpenApp).
	URL string `json:"url,omitempty"` // Target URL (OpenURL).

	Tool string                 `json:"tool,omitempty"` // Namespaced tool name (ToolInvoke).
	Args map[string]interface{} `json:"args,omitempty"` // Tool arguments (ToolInvoke).

	Result string `json:"result,omitempty"` // Final answer for the caller (Complete).
}

// Validate applies the per-kind parameter constraints. Actions failing
// validation are never dispatched.
func (a Action) Validate() error {
	switch a.Kind {
	case KindClick:
		if a.X < 0 || a.Y < 0 {
			return fmt.Errorf("click coordinates must be non-negative, got (%d,%d)", a.X, a.Y)
		}
	case KindType:
		if a.Text == "" {
			return fmt.Errorf("type action requires non-empty text")
		}
	case KindScroll:
		if a.X < 0 || a.Y < 0 {
			return fmt.Errorf("scroll coordinates must be non-negative, got (%d,%d)", a.X, a.Y)
		}
		if a.Direction != ScrollUp && a.Direction != ScrollDown {
			return fmt.Errorf("scroll direction must be %q or %q, got %q", ScrollUp, ScrollDown, a.Direction)
		}
		if a.Amount <= 0 {
			return fmt.Errorf("scroll amount must be positive, got %d", a.Amount)
		}
	case KindDrag:
		if a.X < 0 || a.Y < 0 || a.ToX < 0 || a.ToY < 0 {
			return fmt.Errorf("drag coordinates must be non-negative, got (%d,%d)->(%d,%d)", a.X, a.Y, a.ToX, a.ToY)
		}
	case KindScreenshot:
		// No parameters.
	case KindWait:
		if a.Seconds <= 0 {
			return fmt.Errorf("wait seconds must be positive, got %v", a.Seconds)
		}
	case KindSpeak:
		if a.Message == "" {
			return fmt.Errorf("speak action requires non-empty message")
		}
	case KindOpenApp:
		if strings.TrimSpace(a.App) == "" {
			return fmt.Errorf("open_app action requires non-empty app name")
		}
	case KindOpenURL:
		if strings.TrimSpace(a.URL) == "" {
			return fmt.Errorf("open_url action requires non-empty url")
		}
	case KindToolInvoke:
		if strings.TrimSpace(a.Tool) == "" {
			return fmt.Errorf("tool_invoke action requires non-empty tool name")
		}
	case KindComplete:
		// Result may legitimately be empty for goals with no textual answer.
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// Describe renders the action as a compact one-line signature for history lines
// and log output, e.g. "click(120,456)" or "tool_invoke(filesystem:read_file)".
func (a Action) Describe() string {
	switch a.Kind {
	case KindClick:
		return fmt.Sprintf("click(%d,%d)", a.X, a.Y)
	case KindType:
		return fmt.Sprintf("type(%s)", truncate(a.Text, 40))
	case KindScroll:
		return fmt.Sprintf("scroll(%d,%d,%s,%d)", a.X, a.Y, a.Direction, a.Amount)
	case KindDrag:
		return fmt.Sprintf("drag(%d,%d->%d,%d)", a.X, a.Y, a.ToX, a.ToY)
	case KindScreenshot:
		return "screenshot()"
	case KindWait:
		return fmt.Sprintf("wait(%.1fs)", a.Seconds)
	case KindSpeak:
		return fmt.Sprintf("speak(%s)", truncate(a.Message, 40))
	case KindOpenApp:
		return fmt.Sprintf("open_app(%s)", a.App)
	case KindOpenURL:
		return fmt.Sprintf("open_url(%s)", truncate(a.URL, 60))
	case KindToolInvoke:
		return fmt.Sprintf("tool_invoke(%s)", a.Tool)
	case KindComplete:
		return "complete()"
	}
	return string(a.Kind)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// OutcomeStatus classifies the result of dispatching one action.
type OutcomeStatus string

const (
	OutcomeSuccess  OutcomeStatus = "SUCCESS"
	OutcomeFailed   OutcomeStatus = "FAILED"
	OutcomeTimedOut OutcomeStatus = "TIMED_OUT"
)

// Outcome is the standardized result of one dispatch. Effector faults never
// propagate past the dispatcher; they arrive here as Failed with a reason and
// an error code the state machine can classify.
type Outcome struct {
	Status    OutcomeStatus `json:"status"`
	Data      string        `json:"data,omitempty"`       // Effector output fed back to the reasoning service.
	ErrorCode ErrorCode     `json:"error_code,omitempty"` // Structured failure class.
	Reason    string        `json:"reason,omitempty"`     // Human-readable failure detail.
}

// Succeeded reports whether the outcome allows the loop to treat the step as
// having made progress.
func (o Outcome) Succeeded() bool { return o.Status == OutcomeSuccess }

// Describe renders the outcome for history lines.
func (o Outcome) Describe() string {
	switch o.Status {
	case OutcomeSuccess:
		if o.Data != "" {
			return "ok: " + truncate(o.Data, 160)
		}
		return "ok"
	case OutcomeTimedOut:
		return "timeout"
	default:
		if o.ErrorCode == ErrCodeLoopEscalation {
			return "skipped (loop detected)"
		}
		if o.Reason != "" {
			return "error: " + truncate(o.Reason, 80)
		}
		return "error"
	}
}

// ScreenContext is one immutable perception snapshot. Refreshing produces a
// new value; snapshots are shared read-only between the loop detector and the
// decision request builder.
type ScreenContext struct {
	CapturedAt   time.Time `json:"captured_at"`
	Fingerprint  string    `json:"fingerprint"`             // Content hash of the normalized text and window id.
	Text         string    `json:"text"`                    // Extracted screen text.
	ActiveWindow string    `json:"active_window,omitempty"` // Identifier of the focused window.
	ImagePath    string    `json:"image_path,omitempty"`    // Archived screenshot file, if kept.
	Stale        bool      `json:"stale,omitempty"`         // True when capture failed and this is a reused snapshot.
}

// Summary renders a bounded textual description for the decision request.
func (s ScreenContext) Summary() string {
	var b strings.Builder
	if s.ActiveWindow != "" {
		fmt.Fprintf(&b, "Active window: %s\n", s.ActiveWindow)
	}
	if s.Stale {
		b.WriteString("(screen capture unavailable; this snapshot may be outdated)\n")
	}
	text := strings.TrimSpace(s.Text)
	if text == "" {
		b.WriteString("No text detected on screen.")
	} else {
		b.WriteString("Visible text:\n")
		b.WriteString(truncate(text, 2000))
	}
	return b.String()
}

// Step is one iteration's immutable record: the action taken, the snapshot
// it was decided against, and what happened. Indices are contiguous from 1.
type Step struct {
	Index              int           `json:"index"`
	Action             Action        `json:"action"`
	ContextFingerprint string        `json:"context_fingerprint"`  // Fingerprint of the snapshot the decision used.
	Outcome            Outcome       `json:"outcome"`
	Elapsed            time.Duration `json:"elapsed"`              // Wall time spent dispatching the action.
	Escalation         string        `json:"escalation,omitempty"` // Loop detector verdict note, when one preceded this step.
	StartedAt          time.Time     `json:"started_at"`
}

// HistoryLine renders the step in the format fed back to the reasoning
// service, e.g. "Step 3: click(120,456) -> ok (took 1.2s)".
func (s Step) HistoryLine() string {
	line := fmt.Sprintf("Step %d: %s -> %s (took %.1fs)", s.Index, s.Action.Describe(), s.Outcome.Describe(), s.Elapsed.Seconds())
	if s.Escalation != "" {
		line += " [escalated: " + s.Escalation + "]"
	}
	return line
}

// Task is one goal-directed run of the execution loop. It is owned exclusively
// by the task state machine; callers receive a TaskResult copy on completion.
type Task struct {
	ID        string          `json:"id"`
	Goal      string          `json:"goal"`
	CreatedAt time.Time       `json:"created_at"`
	Deadline  time.Time       `json:"deadline"` // CreatedAt + MaxExecutionTime, for reporting.
	Status    TaskStatus      `json:"status"`
	Steps     []Step          `json:"steps"`
	Reason    string          `json:"reason,omitempty"` // Terminal reason for Failed/TimedOut/Cancelled.
	Budget    ExecutionBudget `json:"budget"`           // Snapshot taken at creation; never mutated mid-task.
}

// TaskResult is the outcome report handed to the caller: sufficient for audit
// and replay without re-running the task.
type TaskResult struct {
	TaskID    string        `json:"task_id"`
	Goal      string        `json:"goal"`
	Status    TaskStatus    `json:"status"`
	Reason    string        `json:"reason,omitempty"` // Terminal reason for non-Completed statuses.
	Answer    string        `json:"answer,omitempty"` // Result text of the Complete action, if any.
	Steps     []Step        `json:"steps"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
}
