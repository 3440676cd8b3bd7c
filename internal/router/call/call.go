// Package call defines the in-process representation of a single call
// attempt or session and the identifier mapping that bridges it to the
// opaque call handles backends see.
//
// Everything in this package except IDMapper.CheckValidCallID mutates shared
// state and is confined to the routing run loop.
package call

import (
	"time"
)

// Service is the backend association a call can hold. It is implemented by
// the backend connection wrapper; the interface lives here so a Call can own
// exactly one backend reference without the call package depending on the
// backend package.
type Service interface {
	// ServiceKey identifies the backend connection.
	ServiceKey() string

	// IncrementAssociatedCallCount records that this call is associated
	// with the backend, keeping it ineligible for unbind.
	IncrementAssociatedCallCount()

	// DecrementAssociatedCallCount releases the association taken by
	// IncrementAssociatedCallCount.
	DecrementAssociatedCallCount()

	// RemoveCall drops the call's identifier mapping on the backend side.
	// Called when the call leaves the live registry.
	RemoveCall(c *Call)

	// One-way, best-effort operations on the live connection.
	Disconnect(c *Call)
	Hold(c *Call)
	Unhold(c *Call)
	Answer(c *Call)
	Reject(c *Call)
	PlayTone(c *Call, digit byte)
	StopTone(c *Call)
}

// GatewayInfo records a gateway rewrite applied to an outgoing call: the
// handle the user dialed and the handle actually sent to the backend.
type GatewayInfo struct {
	Provider       string
	OriginalHandle string
	GatewayHandle  string
}

// Call represents one call attempt or session. A Call has no identifier of
// its own; identifiers are assigned per mapper namespace when the call is
// registered with an IDMapper.
type Call struct {
	direction Direction
	handle    string
	createdAt time.Time

	tracker *Tracker

	gateway *GatewayInfo
	extras  map[string]string

	// Conference links.
	parent   *Call
	children []*Call

	// At most one backend owns the call at a time. Setting and clearing
	// symmetrically adjusts the backend's associated-call count.
	service Service

	disconnectCause   DisconnectCause
	disconnectMessage string
}

// New creates a call in StateNew.
func New(direction Direction, handle string) *Call {
	return &Call{
		direction: direction,
		handle:    handle,
		createdAt: time.Now(),
		tracker:   NewTracker(StateNew),
		extras:    make(map[string]string),
	}
}

// Direction returns the call direction.
func (c *Call) Direction() Direction { return c.direction }

// Handle returns the call's target address.
func (c *Call) Handle() string { return c.handle }

// SetHandle replaces the target address (incoming-call details arrive after
// the call object exists).
func (c *Call) SetHandle(handle string) { c.handle = handle }

// CreatedAt returns the call's creation timestamp.
func (c *Call) CreatedAt() time.Time { return c.createdAt }

// State returns the current lifecycle state.
func (c *Call) State() State { return c.tracker.Current() }

// ApplyState moves the call to next, tolerating out-of-order reports.
// Returns true when the transition was nominal.
func (c *Call) ApplyState(next State) bool {
	return c.tracker.Apply(next)
}

// Gateway returns the gateway rewrite info, or nil.
func (c *Call) Gateway() *GatewayInfo { return c.gateway }

// SetGateway records gateway rewrite info.
func (c *Call) SetGateway(g *GatewayInfo) { c.gateway = g }

// Extras returns the call's extras bundle. The map is owned by the call.
func (c *Call) Extras() map[string]string { return c.extras }

// SetExtra stores one extras entry.
func (c *Call) SetExtra(key, value string) { c.extras[key] = value }

// Parent returns the conference parent, or nil.
func (c *Call) Parent() *Call { return c.parent }

// Children returns the conference children.
func (c *Call) Children() []*Call { return c.children }

// SetParent links this call under a conference parent.
func (c *Call) SetParent(parent *Call) {
	if c.parent == parent {
		return
	}
	if c.parent != nil {
		c.parent.removeChild(c)
	}
	c.parent = parent
	if parent != nil {
		parent.children = append(parent.children, c)
	}
}

func (c *Call) removeChild(child *Call) {
	for i, ch := range c.children {
		if ch == child {
			c.children = append(c.children[:i], c.children[i+1:]...)
			return
		}
	}
}

// Service returns the backend currently bound to the call, or nil.
func (c *Call) Service() Service { return c.service }

// BindService makes svc the call's authoritative backend, incrementing its
// associated-call count. Any previously bound backend is released first.
func (c *Call) BindService(svc Service) {
	if c.service == svc {
		return
	}
	if c.service != nil {
		c.service.DecrementAssociatedCallCount()
	}
	c.service = svc
	if svc != nil {
		svc.IncrementAssociatedCallCount()
	}
}

// ClearService releases the call's backend reference, decrementing the
// backend's associated-call count.
func (c *Call) ClearService() {
	c.BindService(nil)
}

// DisconnectCause returns the recorded cause and message.
func (c *Call) DisconnectCause() (DisconnectCause, string) {
	return c.disconnectCause, c.disconnectMessage
}

// SetDisconnectCause records why the call ended.
func (c *Call) SetDisconnectCause(cause DisconnectCause, message string) {
	c.disconnectCause = cause
	c.disconnectMessage = message
}
