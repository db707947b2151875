// internal/reasoner/prompt.go
package reasoner

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/deskhand/internal/agent"
)

// buildSystemPrompt constructs the core instruction set shared by all
// backends. The action vocabulary must stay in lockstep with agent.Action's
// JSON shape; the parser rejects anything outside it.
func buildSystemPrompt(tools []string) string {
	basePrompt := `You are the decision engine of 'deskhand', an autonomous desktop assistant.
Your goal is to accomplish the user's task by controlling their computer one action at a time.
Each turn you receive the task goal, recent action history, and an analysis of the current screen. You must respond with a single JSON object describing the next action.

EXECUTION GUIDELINES:
1. Work in small, verifiable steps. One action per response.
2. Analyze the screen context carefully before acting; coordinates must come from what is actually visible.
3. If an action did not work, do not repeat it unchanged. Change coordinates, scroll, or try another route.
4. Use SPEAK sparingly. Ask the user for clarification at most once.
5. Use COMPLETE as soon as the goal is met, or when persistent errors make progress impossible. Summarize what happened in "result".`

	closingPrompt := `

Respond with only the JSON object for your chosen action. No prose, no markdown.`

	return basePrompt + actionListPrompt() + toolListPrompt(tools) + closingPrompt
}

// actionListPrompt returns the static action vocabulary.
func actionListPrompt() string {
	return `

Available Actions (field "kind" selects one):

    Device control:
    - CLICK: Click at screen coordinates. (Params: x, y)
      Example: {"kind": "CLICK", "x": 120, "y": 456, "thought": "Opening the File menu."}
    - TYPE: Type text at the current focus. (Params: text)
    - SCROLL: Scroll at a position. (Params: x, y, direction="up"|"down", amount)
    - DRAG: Drag between two points. (Params: x, y, to_x, to_y)
    - OPEN_APP: Launch an application by name. (Params: app)
    - OPEN_URL: Open a URL in the default browser. (Params: url)
    - SCREENSHOT: Capture a fresh view of the screen before deciding further.

    Timing and output:
    - WAIT: Pause for a bounded number of seconds while the screen settles. (Params: seconds)
    - SPEAK: Say something to the user. (Params: message)

    External tools:
    - TOOL_INVOKE: Call a tool by its namespaced name. (Params: tool, args)
      Example: {"kind": "TOOL_INVOKE", "tool": "filesystem:read_file", "args": {"path": "/tmp/notes.txt"}, "thought": "Reading the notes file."}

    Task control:
    - COMPLETE: Finish the task and report the result. (Params: result)
      Example: {"kind": "COMPLETE", "result": "The document was saved as report.pdf.", "thought": "Goal achieved."}`
}

// toolListPrompt advertises the gateway's registry so the model only calls
// tools that actually exist.
func toolListPrompt(tools []string) string {
	if len(tools) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nTools available via TOOL_INVOKE:\n")
	for _, name := range tools {
		fmt.Fprintf(&b, "    - %s\n", name)
	}
	return strings.TrimRight(b.String(), "\n")
}

// buildUserPrompt renders the per-iteration decision request.
func buildUserPrompt(req agent.DecisionRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task Goal: %s\n", req.Goal)

	if len(req.History) > 0 {
		b.WriteString("\nRecent Action History:\n")
		for _, line := range req.History {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	} else {
		b.WriteString("\nNo actions taken yet.\n")
	}

	b.WriteString("\nCurrent Screen Analysis:\n")
	b.WriteString(req.ContextSummary)
	b.WriteString("\n")

	if req.EscalationHint != "" {
		fmt.Fprintf(&b, "\nIMPORTANT: %s\n", req.EscalationHint)
	}

	b.WriteString("\nDetermine the next action. Respond with a single JSON object.")
	return b.String()
}
