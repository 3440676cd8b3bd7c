package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Publisher delivers call events to an external sink. Implementations must
// not block: Publish is invoked from the routing run loop.
type Publisher interface {
	Publish(e Event)
}

// Builder constructs events with consistent defaults.
type Builder struct {
	nodeID string
}

// NewBuilder creates an event builder for this node.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID}
}

func (b *Builder) newBase(eventType EventType, callID string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		EventTime: time.Now().UTC(),
		CallID:    callID,
		NodeID:    b.nodeID,
	}
}

// Created builds a CallCreatedEvent.
func (b *Builder) Created(callID, direction, handle, backendKey string) *CallCreatedEvent {
	return &CallCreatedEvent{
		BaseEvent: b.newBase(CallCreated, callID),
		Direction: direction,
		Handle:    handle,
		Backend:   backendKey,
	}
}

// StateChanged builds a CallStateChangedEvent.
func (b *Builder) StateChanged(callID, from, to string, nominal bool, backendKey string) *CallStateChangedEvent {
	return &CallStateChangedEvent{
		BaseEvent: b.newBase(CallStateChanged, callID),
		FromState: from,
		ToState:   to,
		Nominal:   nominal,
		Backend:   backendKey,
	}
}

// Ended builds a CallEndedEvent.
func (b *Builder) Ended(callID, direction, handle, cause, message string, duration time.Duration) *CallEndedEvent {
	return &CallEndedEvent{
		BaseEvent:  b.newBase(CallEnded, callID),
		Direction:  direction,
		Handle:     handle,
		Cause:      cause,
		Message:    message,
		DurationMS: duration.Milliseconds(),
	}
}

// NoopPublisher discards all events.
type NoopPublisher struct{}

// NewNoopPublisher creates a publisher that drops everything.
func NewNoopPublisher() *NoopPublisher { return &NoopPublisher{} }

// Publish implements Publisher.
func (*NoopPublisher) Publish(e Event) {}

// LogPublisher writes events to the default logger as JSON. A stand-in for
// a broker-backed publisher in single-process deployments.
type LogPublisher struct{}

// NewLogPublisher creates a logging publisher.
func NewLogPublisher() *LogPublisher { return &LogPublisher{} }

// Publish implements Publisher.
func (*LogPublisher) Publish(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		slog.Warn("[Events] Failed to marshal event", "subject", e.Subject(), "error", err)
		return
	}
	slog.Info("[Events] "+e.Subject(), "payload", string(payload))
}
