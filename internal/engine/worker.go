// internal/engine/worker.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/deskhand/internal/agent"
)

// MachineWorker runs each task on a fresh state machine wired to shared
// perception, reasoning, and dispatch components.
type MachineWorker struct {
	reasoner   agent.Reasoner
	screen     agent.ContextSource
	dispatcher agent.ActionDispatcher
	clock      agent.Clock
	logger     *zap.Logger

	// toolLock guards the advertised tool list, which the gateway may
	// refresh after startup.
	toolLock sync.RWMutex
	tools    []string
}

var _ Worker = (*MachineWorker)(nil)

// NewMachineWorker validates the shared components the worker hands to every
// task machine.
func NewMachineWorker(
	reasoner agent.Reasoner,
	screen agent.ContextSource,
	dispatcher agent.ActionDispatcher,
	clock agent.Clock,
	logger *zap.Logger,
) (*MachineWorker, error) {
	if reasoner == nil {
		return nil, errors.New("reasoner cannot be nil")
	}
	if screen == nil {
		return nil, errors.New("screen context source cannot be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher cannot be nil")
	}
	if clock == nil {
		return nil, errors.New("clock cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &MachineWorker{
		reasoner:   reasoner,
		screen:     screen,
		dispatcher: dispatcher,
		clock:      clock,
		logger:     logger,
	}, nil
}

// SetAvailableTools replaces the invokable tool list advertised to new task
// machines. Tasks already running keep the list they started with.
func (w *MachineWorker) SetAvailableTools(names []string) {
	w.toolLock.Lock()
	defer w.toolLock.Unlock()
	w.tools = append([]string(nil), names...)
}

func (w *MachineWorker) availableTools() []string {
	w.toolLock.RLock()
	defer w.toolLock.RUnlock()
	return append([]string(nil), w.tools...)
}

// RunTask builds a machine for the task and drives it to a terminal status.
func (w *MachineWorker) RunTask(ctx context.Context, task *agent.Task) (*agent.TaskResult, error) {
	machine, err := agent.NewMachine(task, w.reasoner, w.screen, w.dispatcher, w.clock, w.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build task machine: %w", err)
	}
	machine.SetAvailableTools(w.availableTools())
	return machine.Run(ctx)
}
