// internal/agent/loop_detector.go
package agent

import (
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// VerdictDecision is the loop detector's ruling on one proposed action.
type VerdictDecision string

const (
	VerdictAllow    VerdictDecision = "ALLOW"    // Dispatch the action normally.
	VerdictEscalate VerdictDecision = "ESCALATE" // Skip dispatch, force fresh perception, hint the reasoner.
)

// Verdict carries the decision plus the cause key the state machine uses to
// recognize repeated escalations for the same root cause, and a hint surfaced
// to the next decision request.
type Verdict struct {
	Decision VerdictDecision
	Cause    string // Stable key, e.g. "repeat:click:120:460" or "speak".
	Hint     string // Prose for the reasoning service.
}

// IsEscalation reports whether the verdict blocks dispatch.
func (v Verdict) IsEscalation() bool { return v.Decision == VerdictEscalate }

// windowEntry is one recorded (normalized action, context fingerprint) pair.
type windowEntry struct {
	signature   string
	fingerprint string
	speak       bool
}

// LoopDetector maintains the bounded history window for one task and flags
// repetition and excessive clarification requests. State is task-local and
// reset only when the task is created. Not safe for concurrent use; the task
// loop is sequential.
type LoopDetector struct {
	window          []windowEntry
	depth           int
	repeatThreshold int
	speakThreshold  int
	logger          *zap.Logger
}

// NewLoopDetector sizes the detector from the task's budget snapshot.
func NewLoopDetector(budget ExecutionBudget, logger *zap.Logger) *LoopDetector {
	return &LoopDetector{
		window:          make([]windowEntry, 0, budget.LoopWindowDepth),
		depth:           budget.LoopWindowDepth,
		repeatThreshold: budget.LoopRepeatThreshold,
		speakThreshold:  budget.MaxConsecutiveSpeak,
		logger:          logger.Named("loop_detector"),
	}
}

// Evaluate rules on a proposed action without mutating detector state. The
// repetition count is computed as if the proposal were recorded, so the
// verdict flips to Escalate on the proposal that would cross the threshold.
func (d *LoopDetector) Evaluate(action Action, sctx ScreenContext) Verdict {
	signature := normalizeAction(action)

	if action.Kind == KindSpeak && d.speakThreshold > 0 {
		if d.consecutiveSpeak()+1 > d.speakThreshold {
			d.logger.Debug("Consecutive speak threshold crossed",
				zap.Int("threshold", d.speakThreshold))
			return Verdict{
				Decision: VerdictEscalate,
				Cause:    "speak",
				Hint:     "You have spoken to the user several times in a row without acting. Stop narrating and take a concrete action toward the goal, or complete the task.",
			}
		}
	}

	run := d.consecutiveMatches(signature, sctx.Fingerprint)
	if d.repeatThreshold > 0 && run+1 > d.repeatThreshold {
		d.logger.Debug("Action repetition threshold crossed",
			zap.String("signature", signature),
			zap.Int("run", run+1),
			zap.Int("threshold", d.repeatThreshold))
		return Verdict{
			Decision: VerdictEscalate,
			Cause:    "repeat:" + signature,
			Hint: fmt.Sprintf("The action %s has been repeated %d times with no visible change on screen. It is not working; try a different approach.",
				action.Describe(), run+1),
		}
	}

	return Verdict{Decision: VerdictAllow}
}

// Record appends a proposal to the bounded window. The state machine records
// every evaluated proposal, dispatched or skipped, so escalation pressure
// accumulates on a reasoner that keeps proposing the same move.
func (d *LoopDetector) Record(action Action, sctx ScreenContext) {
	entry := windowEntry{
		signature:   normalizeAction(action),
		fingerprint: sctx.Fingerprint,
		speak:       action.Kind == KindSpeak,
	}
	d.window = append(d.window, entry)
	if len(d.window) > d.depth {
		d.window = d.window[len(d.window)-d.depth:]
	}
}

// consecutiveMatches counts the run of identical (signature, fingerprint)
// entries at the tail of the window.
func (d *LoopDetector) consecutiveMatches(signature, fingerprint string) int {
	run := 0
	for i := len(d.window) - 1; i >= 0; i-- {
		e := d.window[i]
		if e.signature != signature || e.fingerprint != fingerprint {
			break
		}
		run++
	}
	return run
}

// consecutiveSpeak counts the run of Speak entries at the tail of the window.
func (d *LoopDetector) consecutiveSpeak() int {
	run := 0
	for i := len(d.window) - 1; i >= 0; i-- {
		if !d.window[i].speak {
			break
		}
		run++
	}
	return run
}

// coordinateGrid is the rounding applied to pointer coordinates before
// comparison. Two clicks a few pixels apart are the same attempt.
const coordinateGrid = 10

func roundCoord(v int) int {
	if v < 0 {
		return v
	}
	return (v + coordinateGrid/2) / coordinateGrid * coordinateGrid
}

// normalizeAction reduces an action to its repetition signature, stripping
// incidental precision so near-identical proposals compare equal.
func normalizeAction(a Action) string {
	switch a.Kind {
	case KindClick:
		return fmt.Sprintf("click:%d:%d", roundCoord(a.X), roundCoord(a.Y))
	case KindType:
		return "type:" + strings.ToLower(strings.TrimSpace(a.Text))
	case KindScroll:
		return fmt.Sprintf("scroll:%d:%d:%s:%d", roundCoord(a.X), roundCoord(a.Y), a.Direction, a.Amount)
	case KindDrag:
		return fmt.Sprintf("drag:%d:%d:%d:%d", roundCoord(a.X), roundCoord(a.Y), roundCoord(a.ToX), roundCoord(a.ToY))
	case KindScreenshot:
		return "screenshot"
	case KindWait:
		// Duration is incidental; waiting repeatedly on the same screen is a loop.
		return "wait"
	case KindSpeak:
		return "speak:" + strings.ToLower(strings.TrimSpace(a.Message))
	case KindOpenApp:
		return "open_app:" + strings.ToLower(strings.TrimSpace(a.App))
	case KindOpenURL:
		return "open_url:" + strings.ToLower(strings.TrimSpace(a.URL))
	case KindToolInvoke:
		args, err := json.ConfigCompatibleWithStandardLibrary.Marshal(a.Args)
		if err != nil {
			args = []byte("{}")
		}
		return "tool:" + strings.ToLower(strings.TrimSpace(a.Tool)) + ":" + string(args)
	case KindComplete:
		return "complete"
	}
	return string(a.Kind)
}
