package sshmanager

import (
	"log"
	"time"
)

// EventType identifies the type of connection event.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventTransportClosed EventType = "transport_closed"
	EventKeepaliveFailed EventType = "keepalive_failed"
	EventCommandExecuted EventType = "command_executed"
)

// ConnectionEvent is one entry in a connection's event log.
type ConnectionEvent struct {
	ConnectionID string    `json:"connection_id"`
	Type         EventType `json:"type"`
	Details      string    `json:"details"`
	Timestamp    time.Time `json:"timestamp"`
}

// maxEventsPerConnection limits the number of stored events per connection.
const maxEventsPerConnection = 100

// emitEvent records a connection event in the ring buffer and logs it.
func (r *Registry) emitEvent(connectionID string, eventType EventType, details string) {
	event := ConnectionEvent{
		ConnectionID: connectionID,
		Type:         eventType,
		Details:      details,
		Timestamp:    time.Now(),
	}

	r.eventsMu.Lock()
	events := append(r.events[connectionID], event)
	if len(events) > maxEventsPerConnection {
		events = events[len(events)-maxEventsPerConnection:]
	}
	r.events[connectionID] = events
	r.eventsMu.Unlock()

	log.Printf("[ssh] event %s/%s: %s", connectionID, eventType, details)
}

// Events returns the stored events for the connection, oldest first.
func (r *Registry) Events(connectionID string) []ConnectionEvent {
	r.eventsMu.RLock()
	defer r.eventsMu.RUnlock()
	events := r.events[connectionID]
	result := make([]ConnectionEvent, len(events))
	copy(result, events)
	return result
}

// Transitions returns the recorded state transitions for the connection.
func (r *Registry) Transitions(connectionID string) []StateTransition {
	return r.states.GetTransitions(connectionID)
}

func (r *Registry) clearEvents(connectionID string) {
	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()
	delete(r.events, connectionID)
}
