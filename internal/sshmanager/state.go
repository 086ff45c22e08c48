package sshmanager

import (
	"sync"
	"time"
)

// ConnectionState represents the current state of an SSH connection.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	return string(s)
}

// IsValid returns true if the state is one of the defined constants.
func (s ConnectionState) IsValid() bool {
	switch s {
	case StateConnecting, StateConnected, StateDisconnected, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are possible for the
// connection instance.
func (s ConnectionState) IsTerminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// StateTransition records a state change for debugging.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
}

// StateCallback is called when a connection's state changes.
type StateCallback func(connectionID string, from, to ConnectionState)

// maxTransitionsPerConnection limits the number of stored transitions.
const maxTransitionsPerConnection = 50

// ConnectionStateTracker manages connection states, transition history, and
// callbacks.
type ConnectionStateTracker struct {
	mu          sync.RWMutex
	states      map[string]ConnectionState
	transitions map[string][]StateTransition
	callbacks   []StateCallback
}

// NewConnectionStateTracker creates a new state tracker.
func NewConnectionStateTracker() *ConnectionStateTracker {
	return &ConnectionStateTracker{
		states:      make(map[string]ConnectionState),
		transitions: make(map[string][]StateTransition),
	}
}

// GetState returns the current state for the connection and whether one has
// been recorded.
func (t *ConnectionStateTracker) GetState(connectionID string) (ConnectionState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.states[connectionID]
	return state, ok
}

// SetState updates the state for the connection. A first call records a
// transition from the empty state. Terminal states are sticky: once
// disconnected or failed, further changes are ignored. Callbacks fire outside
// the lock when the state actually changed. Returns the previous state and
// whether a change happened.
func (t *ConnectionStateTracker) SetState(connectionID string, newState ConnectionState) (ConnectionState, bool) {
	t.mu.Lock()
	oldState := t.states[connectionID]
	if oldState == newState || oldState.IsTerminal() {
		t.mu.Unlock()
		return oldState, false
	}

	t.states[connectionID] = newState

	transitions := append(t.transitions[connectionID], StateTransition{
		From:      oldState,
		To:        newState,
		Timestamp: time.Now(),
	})
	if len(transitions) > maxTransitionsPerConnection {
		transitions = transitions[len(transitions)-maxTransitionsPerConnection:]
	}
	t.transitions[connectionID] = transitions

	cbs := make([]StateCallback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(connectionID, oldState, newState)
	}
	return oldState, true
}

// Remove drops both state and transition history for a connection.
func (t *ConnectionStateTracker) Remove(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, connectionID)
	delete(t.transitions, connectionID)
}

// GetTransitions returns a copy of the transition history for the connection.
func (t *ConnectionStateTracker) GetTransitions(connectionID string) []StateTransition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	transitions := t.transitions[connectionID]
	result := make([]StateTransition, len(transitions))
	copy(result, transitions)
	return result
}

// OnStateChange registers a callback that fires on every state change.
func (t *ConnectionStateTracker) OnStateChange(cb StateCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}
