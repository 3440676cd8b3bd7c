// Package events defines the typed call events the routing core publishes
// to external listeners (in-call UI, audio routing, CDR pipelines).
package events

import "time"

// EventType identifies the kind of a call event.
type EventType string

const (
	// CallCreated fires when a call enters the live registry.
	CallCreated EventType = "call.created"
	// CallStateChanged fires on every lifecycle state change.
	CallStateChanged EventType = "call.state_changed"
	// CallEnded fires when a call leaves the registry.
	CallEnded EventType = "call.ended"
)

// BaseEvent carries the fields common to all call events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	CallID    string    `json:"call_id"`
	NodeID    string    `json:"node_id"`
}

// CallCreatedEvent announces a new live call.
type CallCreatedEvent struct {
	BaseEvent
	Direction string `json:"direction"`
	Handle    string `json:"handle"`
	Backend   string `json:"backend,omitempty"`
}

// Subject implements Event.
func (e *CallCreatedEvent) Subject() string {
	return CallSubject(e.CallID, SuffixCreated)
}

// CallStateChangedEvent reports a lifecycle transition.
type CallStateChangedEvent struct {
	BaseEvent
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Nominal   bool   `json:"nominal"`
	Backend   string `json:"backend,omitempty"`
}

// Subject implements Event.
func (e *CallStateChangedEvent) Subject() string {
	return CallSubject(e.CallID, SuffixState)
}

// CallEndedEvent reports a call leaving the registry, with its cause.
type CallEndedEvent struct {
	BaseEvent
	Direction  string `json:"direction"`
	Handle     string `json:"handle"`
	Cause      string `json:"cause"`
	Message    string `json:"message,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Subject implements Event.
func (e *CallEndedEvent) Subject() string {
	return CallSubject(e.CallID, SuffixEnded)
}

// Event is anything the publisher can emit.
type Event interface {
	Subject() string
}
