package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// -- Reasoner Mock --

// MockReasoner mocks the Reasoner interface.
type MockReasoner struct {
	mock.Mock
}

// Decide mocks the decision call.
func (m *MockReasoner) Decide(ctx context.Context, req DecisionRequest) (Action, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return Action{}, args.Error(1)
	}
	return args.Get(0).(Action), args.Error(1)
}

// -- Perceptor Mock --

// MockPerceptor mocks the Perceptor interface used by the context cache.
type MockPerceptor struct {
	mock.Mock
}

// Capture mocks one perception pass.
func (m *MockPerceptor) Capture(ctx context.Context) (ScreenContext, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return ScreenContext{}, args.Error(1)
	}
	return args.Get(0).(ScreenContext), args.Error(1)
}

// -- Desktop Controller Mock --

// MockDesktopController mocks the DesktopController interface.
type MockDesktopController struct {
	mock.Mock
}

func (m *MockDesktopController) Click(ctx context.Context, x, y int) error {
	args := m.Called(ctx, x, y)
	return args.Error(0)
}

func (m *MockDesktopController) TypeText(ctx context.Context, text string) error {
	args := m.Called(ctx, text)
	return args.Error(0)
}

func (m *MockDesktopController) Scroll(ctx context.Context, x, y int, direction ScrollDirection, amount int) error {
	args := m.Called(ctx, x, y, direction, amount)
	return args.Error(0)
}

func (m *MockDesktopController) Drag(ctx context.Context, x1, y1, x2, y2 int) error {
	args := m.Called(ctx, x1, y1, x2, y2)
	return args.Error(0)
}

func (m *MockDesktopController) OpenApp(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockDesktopController) OpenURL(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

// -- Speech Synthesizer Mock --

// MockSpeechSynthesizer mocks the SpeechSynthesizer interface.
type MockSpeechSynthesizer struct {
	mock.Mock
}

func (m *MockSpeechSynthesizer) Speak(ctx context.Context, message string) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

// -- Tool Caller Mock --

// MockToolCaller mocks the ToolCaller gateway interface.
type MockToolCaller struct {
	mock.Mock
}

func (m *MockToolCaller) Invoke(ctx context.Context, name string, toolArgs map[string]interface{}, timeout time.Duration) Outcome {
	args := m.Called(ctx, name, toolArgs, timeout)
	if args.Get(0) == nil {
		return Outcome{}
	}
	return args.Get(0).(Outcome)
}

// -- Context Source Mock --

// MockContextSource mocks the ContextSource interface.
type MockContextSource struct {
	mock.Mock
}

func (m *MockContextSource) Current(ctx context.Context) ScreenContext {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return ScreenContext{}
	}
	return args.Get(0).(ScreenContext)
}

func (m *MockContextSource) Refresh(ctx context.Context) ScreenContext {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return ScreenContext{}
	}
	return args.Get(0).(ScreenContext)
}

// -- Deterministic Fakes --
// The state machine tests script exact decision and perception sequences;
// call-expectation mocks are too coarse for that, so the loop collaborators
// below are replay fakes instead.

// testClockStart is the instant every fakeClock starts at.
var testClockStart = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// fakeClock is a deterministic Clock. Sleep returns immediately, advancing
// virtual time by the requested duration and recording it.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testClockStart}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(t)
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) sleepCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleeps)
}

// decisionStep is one scripted reasoner response. The optional hook runs
// before the response is returned, with the live loop context.
type decisionStep struct {
	action Action
	err    error
	hook   func(ctx context.Context, req DecisionRequest)
}

// scriptedReasoner replays a fixed decision sequence and records every
// request it receives. Running past the script is a test bug surfaced as a
// decision error.
type scriptedReasoner struct {
	script   []decisionStep
	requests []DecisionRequest
}

func (r *scriptedReasoner) Decide(ctx context.Context, req DecisionRequest) (Action, error) {
	r.requests = append(r.requests, req)
	if len(r.requests) > len(r.script) {
		return Action{}, fmt.Errorf("reasoner script exhausted after %d decisions", len(r.script))
	}
	step := r.script[len(r.requests)-1]
	if step.hook != nil {
		step.hook(ctx, req)
	}
	return step.action, step.err
}

// stubScreen replays a fixed snapshot sequence for Current and Refresh alike.
// The last snapshot repeats once the script runs out; since its capture time
// then stops changing, it reads as a cache hit to the no-progress counter.
type stubScreen struct {
	snaps        []ScreenContext
	served       int
	refreshCalls int
}

func (s *stubScreen) next() ScreenContext {
	i := s.served
	if i >= len(s.snaps) {
		i = len(s.snaps) - 1
	}
	s.served++
	return s.snaps[i]
}

func (s *stubScreen) Current(_ context.Context) ScreenContext { return s.next() }

func (s *stubScreen) Refresh(_ context.Context) ScreenContext {
	s.refreshCalls++
	return s.next()
}

// snapshotSeq builds one snapshot per fingerprint with strictly increasing
// capture times, so each one reads as a genuinely new observation.
func snapshotSeq(start time.Time, fingerprints ...string) []ScreenContext {
	snaps := make([]ScreenContext, 0, len(fingerprints))
	for i, fp := range fingerprints {
		snaps = append(snaps, ScreenContext{
			CapturedAt:   start.Add(time.Duration(i+1) * time.Second),
			Fingerprint:  fp,
			Text:         "desktop with a browser window",
			ActiveWindow: "Browser",
		})
	}
	return snaps
}

// fakeDispatcher records dispatched actions and replays scripted outcomes.
// Unscripted calls succeed with empty data.
type fakeDispatcher struct {
	outcomes []Outcome
	executed []Action
}

func (d *fakeDispatcher) Execute(_ context.Context, action Action) Outcome {
	d.executed = append(d.executed, action)
	if len(d.executed) <= len(d.outcomes) {
		return d.outcomes[len(d.executed)-1]
	}
	return Outcome{Status: OutcomeSuccess}
}

// testBudget returns the budget snapshot shared by the loop tests. Ceilings
// are small enough to cross quickly but high enough not to interfere with
// tests aimed at a different ceiling.
func testBudget() ExecutionBudget {
	return ExecutionBudget{
		ActionTimeout:          2 * time.Second,
		MaxExecutionTime:       5 * time.Minute,
		ActionDelay:            time.Second,
		ScreenAnalysisDelay:    3 * time.Second,
		ToolTimeout:            30 * time.Second,
		MaxSteps:               25,
		LoopRepeatThreshold:    2,
		MaxConsecutiveSpeak:    2,
		MaxConsecutiveFailures: 3,
		MaxEscalations:         2,
		UnchangedContextLimit:  6,
		LoopWindowDepth:        8,
		DecisionHistoryLimit:   10,
	}
}
