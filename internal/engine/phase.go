package engine

import (
	"errors"
	"fmt"
	"sync"
)

// Phase names the loop's state machine states. Suspension points (provider
// calls, tool execution, permit waits, timers) only occur inside Iterating
// and Dispatching, which is what makes cancellation and checkpointing safe.
type Phase string

const (
	PhaseInit        Phase = "init"
	PhaseIterating   Phase = "iterating"
	PhaseDispatching Phase = "dispatching"
	PhaseFinalizing  Phase = "finalizing"
	PhaseDone        Phase = "done"
	PhaseAborted     Phase = "aborted"
	PhaseFailed      Phase = "failed"
)

func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseAborted || p == PhaseFailed
}

var ErrInvalidPhaseTransition = errors.New("invalid loop phase transition")

type PhaseTransitionError struct {
	From Phase
	To   Phase
}

func (e *PhaseTransitionError) Error() string {
	return fmt.Sprintf("loop phase: cannot transition %s -> %s", e.From, e.To)
}

func (e *PhaseTransitionError) Unwrap() error {
	return ErrInvalidPhaseTransition
}

func canTransition(from, to Phase) bool {
	if from == to {
		return true
	}
	switch from {
	case PhaseInit:
		return to == PhaseIterating || to == PhaseAborted || to == PhaseFailed
	case PhaseIterating:
		return to == PhaseDispatching || to == PhaseFinalizing || to == PhaseAborted || to == PhaseFailed
	case PhaseDispatching:
		return to == PhaseIterating || to == PhaseAborted || to == PhaseFailed
	case PhaseFinalizing:
		return to == PhaseDone || to == PhaseAborted || to == PhaseFailed
	default:
		return false
	}
}

type phaseMachine struct {
	mu      sync.Mutex
	current Phase
}

func newPhaseMachine() *phaseMachine {
	return &phaseMachine{current: PhaseInit}
}

func (m *phaseMachine) Current() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *phaseMachine) To(next Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !canTransition(m.current, next) {
		return &PhaseTransitionError{From: m.current, To: next}
	}
	m.current = next
	return nil
}
