package core

import (
	"time"

	"github.com/sebas/callrouter/internal/router/call"
	"github.com/sebas/callrouter/internal/router/events"
)

// EventListener bridges registry changes onto an events.Publisher.
type EventListener struct {
	builder   *events.Builder
	publisher events.Publisher
}

// NewEventListener creates the bridge. The publisher must not block.
func NewEventListener(nodeID string, pub events.Publisher) *EventListener {
	return &EventListener{
		builder:   events.NewBuilder(nodeID),
		publisher: pub,
	}
}

// OnCallAdded implements Listener.
func (l *EventListener) OnCallAdded(id string, c *call.Call) {
	l.publisher.Publish(l.builder.Created(
		id, c.Direction().String(), c.Handle(), serviceKey(c)))
}

// OnCallStateChanged implements Listener.
func (l *EventListener) OnCallStateChanged(id string, c *call.Call, from, to call.State, nominal bool) {
	l.publisher.Publish(l.builder.StateChanged(
		id, from.String(), to.String(), nominal, serviceKey(c)))
}

// OnCallRemoved implements Listener.
func (l *EventListener) OnCallRemoved(id string, c *call.Call) {
	cause, msg := c.DisconnectCause()
	l.publisher.Publish(l.builder.Ended(
		id, c.Direction().String(), c.Handle(), cause.String(), msg,
		time.Since(c.CreatedAt())))
}
