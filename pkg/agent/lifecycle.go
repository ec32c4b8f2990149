// Package agent holds the canonical agent contract and its two domain
// roles: the Planner, which ranks registry tools against a goal and emits
// an ordered plan, and the Worker, which drives plan steps through the
// guarded execution pipeline. Both embed the same lifecycle and state
// ownership machinery.
package agent

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is an agent's lifecycle position.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateInitializing  State = "INITIALIZING"
	StateReady         State = "READY"
	StateBusy          State = "BUSY"
	StatePaused        State = "PAUSED"
	StateShuttingDown  State = "SHUTTING_DOWN"
	StateTerminated    State = "TERMINATED"
)

// validTransitions is the closed transition matrix. Every live state may
// enter SHUTTING_DOWN; TERMINATED never transitions again.
var validTransitions = map[State][]State{
	StateUninitialized: {StateInitializing, StateShuttingDown},
	StateInitializing:  {StateReady, StateShuttingDown},
	StateReady:         {StateBusy, StatePaused, StateShuttingDown},
	StateBusy:          {StateReady, StateShuttingDown},
	StatePaused:        {StateReady, StateShuttingDown},
	StateShuttingDown:  {StateTerminated},
	StateTerminated:    {},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one logged lifecycle edge.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Lifecycle tracks an agent's state under a mutex and logs every edge.
type Lifecycle struct {
	mu      sync.Mutex
	agent   string
	state   State
	history []Transition
}

func NewLifecycle(agent string) *Lifecycle {
	return &Lifecycle{agent: agent, state: StateUninitialized}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Is reports whether the current state is one of the given states.
func (l *Lifecycle) Is(states ...State) bool {
	current := l.State()
	for _, s := range states {
		if current == s {
			return true
		}
	}
	return false
}

// TransitionTo moves to the given state, rejecting edges outside the
// matrix. Transitions are logged at debug level and kept in the history.
func (l *Lifecycle) TransitionTo(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !CanTransition(l.state, to) {
		return fmt.Errorf("agent %s: invalid lifecycle transition %s -> %s", l.agent, l.state, to)
	}
	l.history = append(l.history, Transition{From: l.state, To: to, At: time.Now().UTC()})
	slog.Debug("lifecycle transition", "agent", l.agent, "from", l.state, "to", to)
	l.state = to
	return nil
}

// History returns a copy of the logged transitions in order.
func (l *Lifecycle) History() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transition, len(l.history))
	copy(out, l.history)
	return out
}
