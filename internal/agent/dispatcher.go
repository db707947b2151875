// internal/agent/dispatcher.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// actionHandler executes one validated action and returns a short data string
// for the step history, or an error to be classified.
type actionHandler func(ctx context.Context, action Action) (string, error)

// outcomeError carries a fully classified Outcome out of a handler. The
// generic classifier passes it through untouched; the tool gateway uses it to
// preserve its own error codes.
type outcomeError struct {
	outcome Outcome
}

func (e outcomeError) Error() string { return e.outcome.Describe() }

// Dispatcher routes validated actions to their executors. A single instance
// is shared by all concurrent tasks; device-control actions are serialized so
// two tasks never fight over the pointer or keyboard.
type Dispatcher struct {
	desktop DesktopController
	speech  SpeechSynthesizer
	tools   ToolCaller
	screen  ContextSource
	clock   Clock
	budget  ExecutionBudget
	logger  *zap.Logger

	handlers map[ActionKind]actionHandler

	// device admits one effector action at a time. A weighted semaphore
	// rather than a mutex so a timed-out task stops waiting instead of
	// queueing a stale click behind the current holder.
	device *semaphore.Weighted
}

var _ ActionDispatcher = (*Dispatcher)(nil)

// NewDispatcher creates the shared dispatcher. The tool caller may be nil
// when no providers are configured; every other dependency is required.
func NewDispatcher(desktop DesktopController, speech SpeechSynthesizer, tools ToolCaller, screen ContextSource, clock Clock, budget ExecutionBudget, logger *zap.Logger) (*Dispatcher, error) {
	if desktop == nil {
		return nil, errors.New("dispatcher requires a desktop controller")
	}
	if speech == nil {
		return nil, errors.New("dispatcher requires a speech synthesizer")
	}
	if screen == nil {
		return nil, errors.New("dispatcher requires a screen context source")
	}
	if clock == nil {
		return nil, errors.New("dispatcher requires a clock")
	}
	if logger == nil {
		return nil, errors.New("dispatcher requires a logger")
	}

	d := &Dispatcher{
		desktop:  desktop,
		speech:   speech,
		tools:    tools,
		screen:   screen,
		clock:    clock,
		budget:   budget,
		logger:   logger.Named("dispatcher"),
		handlers: make(map[ActionKind]actionHandler),
		device:   semaphore.NewWeighted(1),
	}
	d.registerHandlers()
	return d, nil
}

// registerHandlers wires each action kind to its executor. Device-control
// kinds go through the serialization wrapper.
func (d *Dispatcher) registerHandlers() {
	d.handlers[KindClick] = d.withDevice(d.handleClick)
	d.handlers[KindType] = d.withDevice(d.handleType)
	d.handlers[KindScroll] = d.withDevice(d.handleScroll)
	d.handlers[KindDrag] = d.withDevice(d.handleDrag)
	d.handlers[KindOpenApp] = d.withDevice(d.handleOpenApp)
	d.handlers[KindOpenURL] = d.withDevice(d.handleOpenURL)

	d.handlers[KindScreenshot] = d.handleScreenshot
	d.handlers[KindWait] = d.handleWait
	d.handlers[KindSpeak] = d.handleSpeak
	d.handlers[KindToolInvoke] = d.handleToolInvoke
}

// withDevice serializes a handler on the shared device semaphore. Acquisition
// respects the action's deadline, so a task that times out while another task
// holds the device gives up cleanly.
func (d *Dispatcher) withDevice(handler actionHandler) actionHandler {
	return func(ctx context.Context, action Action) (string, error) {
		if err := d.device.Acquire(ctx, 1); err != nil {
			return "", fmt.Errorf("waiting for device access: %w", err)
		}
		defer d.device.Release(1)
		return handler(ctx, action)
	}
}

// Execute validates and runs one action, racing it against the per-action
// timeout. The returned Outcome is always well formed; Execute never returns
// an error because every failure mode maps to an outcome the task loop can
// record and the reasoner can read.
func (d *Dispatcher) Execute(ctx context.Context, action Action) Outcome {
	if err := action.Validate(); err != nil {
		d.logger.Warn("Rejected invalid action",
			zap.String("kind", string(action.Kind)),
			zap.Error(err))
		return Outcome{Status: OutcomeFailed, ErrorCode: ErrCodeInvalidAction, Reason: err.Error()}
	}

	handler, ok := d.handlers[action.Kind]
	if !ok {
		// Complete is terminal and consumed by the task loop; anything else
		// unregistered is a programming error surfaced as an outcome.
		return Outcome{
			Status:    OutcomeFailed,
			ErrorCode: ErrCodeInvalidAction,
			Reason:    fmt.Sprintf("action %s is not dispatchable", action.Kind),
		}
	}

	outcome := d.race(ctx, action, handler)
	if !outcome.Succeeded() {
		// Refresh perception after a failure so the next decision sees what
		// the screen actually looks like now.
		d.screen.Refresh(ctx)
	}
	return outcome
}

// handlerResult is what the executor goroutine reports back.
type handlerResult struct {
	data     string
	err      error
	panicked bool
}

// race runs the handler in its own goroutine and waits for completion, the
// action timeout, or caller cancellation, whichever comes first. On timeout
// the goroutine keeps running against its cancelled context; interruption is
// best effort and the next perception pass observes whatever it did.
func (d *Dispatcher) race(ctx context.Context, action Action, handler actionHandler) Outcome {
	timeout := d.actionTimeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("Executor panicked",
					zap.String("kind", string(action.Kind)),
					zap.Any("panic", r))
				done <- handlerResult{err: fmt.Errorf("executor panic: %v", r), panicked: true}
			}
		}()
		data, err := handler(runCtx, action)
		done <- handlerResult{data: data, err: err}
	}()

	select {
	case res := <-done:
		return d.classify(action, res)
	case <-runCtx.Done():
		if err := ctx.Err(); err != nil {
			return Outcome{Status: OutcomeFailed, ErrorCode: ErrCodeCancellation, Reason: "cancelled while executing action"}
		}
		d.logger.Warn("Action timed out",
			zap.String("kind", string(action.Kind)),
			zap.Duration("timeout", timeout))
		return Outcome{
			Status:    OutcomeTimedOut,
			ErrorCode: ErrCodeActionTimeout,
			Reason:    fmt.Sprintf("action exceeded its %s timeout", timeout),
		}
	}
}

// classify maps a handler result to an Outcome.
func (d *Dispatcher) classify(action Action, res handlerResult) Outcome {
	if res.err == nil {
		return Outcome{Status: OutcomeSuccess, Data: res.data}
	}

	var oe outcomeError
	if errors.As(res.err, &oe) {
		return oe.outcome
	}
	if res.panicked {
		return Outcome{Status: OutcomeFailed, ErrorCode: ErrCodeExecutorPanic, Reason: res.err.Error()}
	}
	if errors.Is(res.err, context.DeadlineExceeded) {
		return Outcome{
			Status:    OutcomeTimedOut,
			ErrorCode: ErrCodeActionTimeout,
			Reason:    fmt.Sprintf("action exceeded its %s timeout", d.actionTimeout()),
		}
	}
	if errors.Is(res.err, context.Canceled) {
		return Outcome{Status: OutcomeFailed, ErrorCode: ErrCodeCancellation, Reason: "cancelled while executing action"}
	}

	d.logger.Warn("Action execution failed",
		zap.String("kind", string(action.Kind)),
		zap.Error(res.err))
	return Outcome{Status: OutcomeFailed, ErrorCode: ErrCodeActionExecution, Reason: res.err.Error()}
}

func (d *Dispatcher) actionTimeout() time.Duration { return d.budget.ActionTimeout }

func (d *Dispatcher) toolTimeout() time.Duration { return d.budget.ToolTimeout }

// -- Handlers --

func (d *Dispatcher) handleClick(ctx context.Context, a Action) (string, error) {
	if err := d.desktop.Click(ctx, a.X, a.Y); err != nil {
		return "", err
	}
	return fmt.Sprintf("clicked at (%d, %d)", a.X, a.Y), nil
}

func (d *Dispatcher) handleType(ctx context.Context, a Action) (string, error) {
	if err := d.desktop.TypeText(ctx, a.Text); err != nil {
		return "", err
	}
	return fmt.Sprintf("typed %d characters", len(a.Text)), nil
}

func (d *Dispatcher) handleScroll(ctx context.Context, a Action) (string, error) {
	if err := d.desktop.Scroll(ctx, a.X, a.Y, a.Direction, a.Amount); err != nil {
		return "", err
	}
	return fmt.Sprintf("scrolled %s by %d", a.Direction, a.Amount), nil
}

func (d *Dispatcher) handleDrag(ctx context.Context, a Action) (string, error) {
	if err := d.desktop.Drag(ctx, a.X, a.Y, a.ToX, a.ToY); err != nil {
		return "", err
	}
	return fmt.Sprintf("dragged (%d, %d) to (%d, %d)", a.X, a.Y, a.ToX, a.ToY), nil
}

func (d *Dispatcher) handleOpenApp(ctx context.Context, a Action) (string, error) {
	if err := d.desktop.OpenApp(ctx, a.App); err != nil {
		return "", err
	}
	return "opened app " + a.App, nil
}

func (d *Dispatcher) handleOpenURL(ctx context.Context, a Action) (string, error) {
	if err := d.desktop.OpenURL(ctx, a.URL); err != nil {
		return "", err
	}
	return "opened " + a.URL, nil
}

func (d *Dispatcher) handleScreenshot(ctx context.Context, _ Action) (string, error) {
	sctx := d.screen.Refresh(ctx)
	if sctx.Stale {
		return "", errors.New("screen capture failed, context is stale")
	}
	if sctx.ImagePath != "" {
		return "captured screen to " + sctx.ImagePath, nil
	}
	return "captured fresh screen context", nil
}

// Wait bounds. Sub-100ms waits are pointless and anything past 30s should be
// an explicit reasoner decision to wait again.
const (
	minWait = 100 * time.Millisecond
	maxWait = 30 * time.Second
)

func (d *Dispatcher) handleWait(ctx context.Context, a Action) (string, error) {
	dur := time.Duration(a.Seconds * float64(time.Second))
	if dur < minWait {
		dur = minWait
	}
	if dur > maxWait {
		dur = maxWait
	}
	d.clock.Sleep(ctx, dur)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("waited %.1fs", dur.Seconds()), nil
}

func (d *Dispatcher) handleSpeak(ctx context.Context, a Action) (string, error) {
	if err := d.speech.Speak(ctx, a.Message); err != nil {
		return "", err
	}
	return "spoke to user: " + truncate(a.Message, 80), nil
}

func (d *Dispatcher) handleToolInvoke(ctx context.Context, a Action) (string, error) {
	if d.tools == nil {
		return "", outcomeError{Outcome{
			Status:    OutcomeFailed,
			ErrorCode: ErrCodeToolInvocation,
			Reason:    "no tool providers are configured",
		}}
	}
	out := d.tools.Invoke(ctx, a.Tool, a.Args, d.toolTimeout())
	if !out.Succeeded() {
		return "", outcomeError{out}
	}
	return out.Data, nil
}
