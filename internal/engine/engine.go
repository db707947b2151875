// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/deskhand/internal/agent"
	"github.com/xkilldash9x/deskhand/internal/config"
)

// -- Interfaces for Dependency Inversion --

// Worker defines the interface for any component that can run one task to
// completion. This allows us to swap in different worker implementations or
// mocks.
type Worker interface {
	RunTask(ctx context.Context, task *agent.Task) (*agent.TaskResult, error)
}

// Recorder defines the interface for any component that can persist task
// results. This decouples the engine from a specific storage implementation.
type Recorder interface {
	SaveResult(ctx context.Context, result *agent.TaskResult) error
}

var (
	// ErrNotRunning is returned by Submit before Start or after Stop.
	ErrNotRunning = errors.New("engine is not running")
	// ErrQueueFull is returned when the submission queue is at capacity.
	ErrQueueFull = errors.New("task queue is full")
)

// Handle tracks one submitted goal through to its result.
type Handle struct {
	TaskID string
	Goal   string

	done   chan struct{}
	result *agent.TaskResult
	err    error
}

// Wait blocks until the task finishes or the context is done.
func (h *Handle) Wait(ctx context.Context) (*agent.TaskResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.result, h.err
	}
}

func (h *Handle) complete(result *agent.TaskResult, err error) {
	h.result = result
	h.err = err
	close(h.done)
}

type submission struct {
	task   *agent.Task
	handle *Handle
}

// Engine distributes submitted goals to task goroutines, with concurrency
// bounded by a weighted semaphore.
type Engine struct {
	cfg      config.EngineConfig
	budget   agent.ExecutionBudget
	clock    agent.Clock
	worker   Worker
	recorder Recorder
	logger   *zap.Logger

	wg    sync.WaitGroup
	queue chan *submission
	sem   *semaphore.Weighted

	// stateLock protects the running state and the queue channel.
	stateLock sync.Mutex
	isRunning bool
}

// New creates an engine. The recorder may be nil, in which case results are
// not persisted.
func New(
	cfg config.EngineConfig,
	budget agent.ExecutionBudget,
	clock agent.Clock,
	worker Worker,
	recorder Recorder,
	logger *zap.Logger,
) (*Engine, error) {
	if worker == nil {
		return nil, errors.New("worker cannot be nil")
	}
	if clock == nil {
		return nil, errors.New("clock cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &Engine{
		cfg:      cfg,
		budget:   budget,
		clock:    clock,
		worker:   worker,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "engine")),
	}, nil
}

// Start launches the dispatch loop. Submissions are accepted once Start
// returns.
func (e *Engine) Start(ctx context.Context) {
	e.stateLock.Lock()
	if e.isRunning {
		e.stateLock.Unlock()
		e.logger.Warn("Engine.Start called, but engine is already running.")
		return
	}

	queueSize := e.cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 16
	}
	e.queue = make(chan *submission, queueSize)

	// A single concurrent task is the useful default: the action dispatcher
	// serializes device access anyway, so extra slots only overlap reasoning
	// calls.
	concurrency := e.cfg.MaxConcurrentTasks
	if concurrency <= 0 {
		concurrency = 1
	}
	e.sem = semaphore.NewWeighted(int64(concurrency))
	e.isRunning = true
	e.stateLock.Unlock()

	e.logger.Info("Starting task dispatcher", zap.Int("concurrency", concurrency))

	e.wg.Add(1)
	go e.dispatch(ctx)
}

// Stop closes the queue and waits for in-flight tasks to finish. Submissions
// made after Stop are rejected.
func (e *Engine) Stop() {
	e.stateLock.Lock()
	if !e.isRunning {
		e.stateLock.Unlock()
		return
	}
	e.isRunning = false
	close(e.queue)
	e.stateLock.Unlock()

	e.logger.Info("Stopping engine... waiting for workers to finish.")
	e.wg.Wait()
	e.logger.Info("Engine stopped gracefully.")
}

// Submit queues a goal for execution and returns a handle for the result.
func (e *Engine) Submit(goal string) (*Handle, error) {
	if goal == "" {
		return nil, errors.New("goal cannot be empty")
	}

	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	if !e.isRunning {
		return nil, ErrNotRunning
	}

	task := agent.NewTask(goal, e.budget, e.clock)
	handle := &Handle{
		TaskID: task.ID,
		Goal:   goal,
		done:   make(chan struct{}),
	}

	select {
	case e.queue <- &submission{task: task, handle: handle}:
		e.logger.Info("Task queued", zap.String("task_id", task.ID))
		return handle, nil
	default:
		return nil, ErrQueueFull
	}
}

// dispatch hands queued submissions to task goroutines, holding one semaphore
// slot per task in flight.
func (e *Engine) dispatch(ctx context.Context) {
	defer e.wg.Done()
	e.logger.Debug("Dispatch loop started")

	for {
		// Acquire before taking a submission, so that a saturated pool
		// leaves waiting tasks in the queue buffer where Submit can see it
		// fill up.
		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.logger.Info("Context cancelled, dispatcher shutting down immediately.", zap.Error(err))
			return
		}

		select {
		case <-ctx.Done():
			e.sem.Release(1)
			e.logger.Info("Context cancelled, dispatcher shutting down immediately.", zap.Error(ctx.Err()))
			return
		case sub, ok := <-e.queue:
			if !ok {
				e.sem.Release(1)
				e.logger.Debug("Task queue closed and drained, dispatcher shutting down gracefully.")
				return
			}
			e.wg.Add(1)
			go func(sub *submission) {
				defer e.wg.Done()
				defer e.sem.Release(1)
				e.process(ctx, sub, e.logger)
			}(sub)
		}
	}
}

// process runs a single submission and persists its result.
func (e *Engine) process(ctx context.Context, sub *submission, logger *zap.Logger) {
	if ctx.Err() != nil {
		logger.Warn("Context cancelled before task started", zap.String("task_id", sub.task.ID))
		sub.handle.complete(nil, ctx.Err())
		return
	}

	logger.Info("Processing task", zap.String("task_id", sub.task.ID))

	result, err := e.worker.RunTask(ctx, sub.task)
	if err != nil {
		logger.Error("Task worker failed", zap.String("task_id", sub.task.ID), zap.Error(err))
	}

	if result != nil && e.recorder != nil {
		// Use a background context for persistence so results are saved
		// even when the parent context was cancelled during shutdown.
		persistCtx, persistCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if saveErr := e.recorder.SaveResult(persistCtx, result); saveErr != nil {
			logger.Error("Failed to persist task result", zap.String("task_id", sub.task.ID), zap.Error(saveErr))
		}
		persistCancel()
	}

	sub.handle.complete(result, err)
}
