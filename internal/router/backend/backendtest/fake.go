// Package backendtest provides a scriptable fake backend for tests across
// the routing packages: operations are recorded, and the test drives
// notifications (attempt outcomes, incoming details, death) by hand.
package backendtest

import (
	"errors"
	"sync"

	"github.com/sebas/callrouter/internal/router/backend"
)

// ErrConnectRefused is returned by connections scripted to fail binding.
var ErrConnectRefused = errors.New("connect refused")

// Connector hands out one Fake per descriptor. Descriptor IDs listed in
// RefuseBind cause Connect to fail.
type Connector struct {
	mu         sync.Mutex
	fakes      map[string]*Fake
	RefuseBind map[string]bool
}

// NewConnector creates an empty scripted connector.
func NewConnector() *Connector {
	return &Connector{
		fakes:      make(map[string]*Fake),
		RefuseBind: make(map[string]bool),
	}
}

// Connect implements backend.Connector.
func (c *Connector) Connect(desc backend.Descriptor, events backend.Events, onDeath func()) (backend.RemoteService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.RefuseBind[desc.ID] {
		return nil, ErrConnectRefused
	}

	f := c.fakes[desc.ID]
	if f == nil {
		f = &Fake{Desc: desc}
		c.fakes[desc.ID] = f
	}
	f.mu.Lock()
	f.events = events
	f.onDeath = onDeath
	f.connects++
	f.closed = false
	f.mu.Unlock()
	return &fakeRemote{f: f}, nil
}

// Fake returns the fake for a descriptor ID, creating it so a test can
// pre-register expectations before the first connect.
func (c *Connector) Fake(id string) *Fake {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.fakes[id]
	if f == nil {
		f = &Fake{Desc: backend.Descriptor{ID: id}}
		c.fakes[id] = f
	}
	return f
}

// Op is one recorded operation against a fake backend.
type Op struct {
	Name   string
	CallID string
	Arg    string
}

// Fake is the test-visible state of one simulated backend process.
type Fake struct {
	Desc backend.Descriptor

	mu       sync.Mutex
	events   backend.Events
	onDeath  func()
	ops      []Op
	connects int
	closed   bool
}

func (f *Fake) record(op Op) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

// Ops returns a copy of the recorded operations.
func (f *Fake) Ops() []Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Op, len(f.ops))
	copy(out, f.ops)
	return out
}

// OpsNamed returns the recorded operations with the given name.
func (f *Fake) OpsNamed(name string) []Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Op
	for _, op := range f.ops {
		if op.Name == name {
			out = append(out, op)
		}
	}
	return out
}

// Connects returns how many times this backend was bound.
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Closed reports whether the last connection was closed by the wrapper.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Events returns the notification interface registered at the last connect.
// Tests use it to deliver attempt outcomes, details, and state reports.
func (f *Fake) Events() backend.Events {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

// Die invokes the death callback registered at the last connect, simulating
// the remote process dying. Calling it twice simulates a duplicate death
// notification.
func (f *Fake) Die() {
	f.mu.Lock()
	onDeath := f.onDeath
	f.mu.Unlock()
	if onDeath != nil {
		onDeath()
	}
}

// LastAttemptID returns the call ID of the most recent attemptCall, or "".
func (f *Fake) LastAttemptID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.ops) - 1; i >= 0; i-- {
		if f.ops[i].Name == "attemptCall" {
			return f.ops[i].CallID
		}
	}
	return ""
}

// LastRetrieveID returns the call ID of the most recent
// retrieveIncomingCall, or "".
func (f *Fake) LastRetrieveID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.ops) - 1; i >= 0; i-- {
		if f.ops[i].Name == "retrieveIncomingCall" {
			return f.ops[i].CallID
		}
	}
	return ""
}

type fakeRemote struct {
	f *Fake
}

func (r *fakeRemote) AttemptCall(callID, destination string, extras map[string]string, videoState int) {
	r.f.record(Op{Name: "attemptCall", CallID: callID, Arg: destination})
}

func (r *fakeRemote) RetrieveIncomingCall(callID string, extras map[string]string) {
	r.f.record(Op{Name: "retrieveIncomingCall", CallID: callID})
}

func (r *fakeRemote) AbortAttempt(callID string) {
	r.f.record(Op{Name: "abortAttempt", CallID: callID})
}

func (r *fakeRemote) Disconnect(callID string) {
	r.f.record(Op{Name: "disconnect", CallID: callID})
}

func (r *fakeRemote) Hold(callID string) {
	r.f.record(Op{Name: "hold", CallID: callID})
}

func (r *fakeRemote) Unhold(callID string) {
	r.f.record(Op{Name: "unhold", CallID: callID})
}

func (r *fakeRemote) Answer(callID string) {
	r.f.record(Op{Name: "answer", CallID: callID})
}

func (r *fakeRemote) Reject(callID string) {
	r.f.record(Op{Name: "reject", CallID: callID})
}

func (r *fakeRemote) PlayTone(callID string, digit byte) {
	r.f.record(Op{Name: "playTone", CallID: callID, Arg: string(digit)})
}

func (r *fakeRemote) StopTone(callID string) {
	r.f.record(Op{Name: "stopTone", CallID: callID})
}

func (r *fakeRemote) Close() error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	r.f.closed = true
	return nil
}
