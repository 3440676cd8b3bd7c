// Package core implements the call orchestrator: the live-call registry,
// state mediation, and dispatch to the outgoing and incoming pipelines.
package core

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebas/callrouter/internal/router/backend"
	"github.com/sebas/callrouter/internal/router/call"
	"github.com/sebas/callrouter/internal/router/incoming"
	"github.com/sebas/callrouter/internal/router/metrics"
	"github.com/sebas/callrouter/internal/router/outgoing"
	"github.com/sebas/callrouter/internal/router/runloop"
)

// ErrUnknownCall is returned by the administrative surface for an identifier
// that does not resolve to a live call.
var ErrUnknownCall = errors.New("unknown call")

// ErrNoBackend is returned when an operation needs a bound backend and the
// call has none.
var ErrNoBackend = errors.New("call has no backend")

// Listener observes live-call registry changes. Callbacks run on the run
// loop and must not block; listeners are external collaborators (in-call UI,
// audio routing, logging).
type Listener interface {
	OnCallAdded(id string, c *call.Call)
	OnCallStateChanged(id string, c *call.Call, from, to call.State, nominal bool)
	OnCallRemoved(id string, c *call.Call)
}

// Config configures the orchestrator.
type Config struct {
	Loop     *runloop.Loop
	Registry *backend.Registry
	Metrics  *metrics.Metrics

	// Classifier decides emergency routing for outgoing calls.
	Classifier *outgoing.Classifier
	// TestFirst enables the development hook that fronts test backends for
	// non-emergency calls.
	TestFirst bool
	// IncomingTimeout bounds incoming-detail retrieval; zero means the
	// package default.
	IncomingTimeout time.Duration
}

// Manager is the orchestrator. Its exported call-control methods form the
// administrative request path: they block the calling goroutine while the
// work runs on the run loop (never the loop itself). Everything else is
// loop-confined.
type Manager struct {
	loop       *runloop.Loop
	registry   *backend.Registry
	metrics    *metrics.Metrics
	classifier *outgoing.Classifier
	testFirst  bool

	incoming *incoming.Manager

	// mapper is the orchestrator's own identifier domain, the one exposed
	// to the administrative surface and listeners.
	mapper *call.IDMapper
	calls  map[*call.Call]struct{}

	pendingOutgoing map[*call.Call]*outgoing.Processor

	listeners []Listener
}

// NewManager creates the orchestrator and installs it as the registry's
// state sink.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		loop:            cfg.Loop,
		registry:        cfg.Registry,
		metrics:         cfg.Metrics,
		classifier:      cfg.Classifier,
		testFirst:       cfg.TestFirst,
		mapper:          call.NewIDMapper("router"),
		calls:           make(map[*call.Call]struct{}),
		pendingOutgoing: make(map[*call.Call]*outgoing.Processor),
	}
	m.incoming = incoming.NewManager(incoming.Config{
		Loop:      cfg.Loop,
		Metrics:   cfg.Metrics,
		Timeout:   cfg.IncomingTimeout,
		OnSuccess: m.handleIncomingRetrieved,
		OnFailure: m.handleIncomingFailed,
	})
	cfg.Registry.SetStateSink(m)
	return m
}

// AddListener registers a registry observer. Call before traffic starts.
func (m *Manager) AddListener(l Listener) {
	m.listeners = append(m.listeners, l)
}

// --- Administrative surface (blocking, off-loop) ---

// PlaceCall starts an outgoing call to handle and returns its identifier.
// The call proceeds asynchronously through the fallback processor; its fate
// is observable via listeners and Calls.
func (m *Manager) PlaceCall(handle string, extras map[string]string, gateway *call.GatewayInfo) (string, error) {
	var id string
	err := m.loop.Submit(func() {
		id = m.placeOutgoingCall(handle, extras, gateway)
	})
	return id, err
}

// AnnounceIncomingCall processes an incoming-call announcement from a
// backend. The call becomes visible only once the backend supplies its
// details within the retrieval timeout.
func (m *Manager) AnnounceIncomingCall(desc backend.Descriptor, extras map[string]string) error {
	return m.loop.Submit(func() {
		m.processIncomingCall(desc, extras)
	})
}

// AnswerCall connects a ringing incoming call.
func (m *Manager) AnswerCall(id string) error {
	return m.withCall(id, func(c *call.Call) error {
		svc := c.Service()
		if svc == nil {
			return ErrNoBackend
		}
		svc.Answer(c)
		return nil
	})
}

// RejectCall declines a ringing incoming call.
func (m *Manager) RejectCall(id string) error {
	return m.withCall(id, func(c *call.Call) error {
		svc := c.Service()
		if svc == nil {
			return ErrNoBackend
		}
		svc.Reject(c)
		return nil
	})
}

// DisconnectCall ends a call. A still-pending outgoing session is aborted
// (normal termination); otherwise the bound backend is told to disconnect.
func (m *Manager) DisconnectCall(id string) error {
	return m.withCall(id, func(c *call.Call) error {
		if proc, ok := m.pendingOutgoing[c]; ok {
			proc.Abort()
			return nil
		}
		svc := c.Service()
		if svc == nil {
			// Nothing is attached; evict locally.
			m.terminate(c, call.StateDisconnected, call.CauseLocal, "")
			return nil
		}
		svc.Disconnect(c)
		return nil
	})
}

// HoldCall puts an active call on hold.
func (m *Manager) HoldCall(id string) error {
	return m.withCall(id, func(c *call.Call) error {
		svc := c.Service()
		if svc == nil {
			return ErrNoBackend
		}
		svc.Hold(c)
		return nil
	})
}

// UnholdCall resumes a held call.
func (m *Manager) UnholdCall(id string) error {
	return m.withCall(id, func(c *call.Call) error {
		svc := c.Service()
		if svc == nil {
			return ErrNoBackend
		}
		svc.Unhold(c)
		return nil
	})
}

// PlayDTMF starts a DTMF tone on the call.
func (m *Manager) PlayDTMF(id string, digit byte) error {
	return m.withCall(id, func(c *call.Call) error {
		svc := c.Service()
		if svc == nil {
			return ErrNoBackend
		}
		svc.PlayTone(c, digit)
		return nil
	})
}

// StopDTMF stops an in-progress DTMF tone.
func (m *Manager) StopDTMF(id string) error {
	return m.withCall(id, func(c *call.Call) error {
		svc := c.Service()
		if svc == nil {
			return ErrNoBackend
		}
		svc.StopTone(c)
		return nil
	})
}

// CallRecord is a point-in-time snapshot of one live call.
type CallRecord struct {
	ID        string    `json:"id"`
	Direction string    `json:"direction"`
	Handle    string    `json:"handle"`
	State     string    `json:"state"`
	Backend   string    `json:"backend,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Cause     string    `json:"cause,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Calls snapshots the live-call registry.
func (m *Manager) Calls() ([]CallRecord, error) {
	var records []CallRecord
	err := m.loop.Submit(func() {
		records = make([]CallRecord, 0, len(m.calls))
		for c := range m.calls {
			records = append(records, m.record(c))
		}
	})
	return records, err
}

// Stats summarizes orchestrator state.
type Stats struct {
	ActiveCalls     int `json:"active_calls"`
	PendingOutgoing int `json:"pending_outgoing"`
	PendingIncoming int `json:"pending_incoming"`
}

// Stats snapshots counters for the administrative surface.
func (m *Manager) Stats() (Stats, error) {
	var s Stats
	err := m.loop.Submit(func() {
		s = Stats{
			ActiveCalls:     len(m.calls),
			PendingOutgoing: len(m.pendingOutgoing),
			PendingIncoming: m.incoming.PendingCount(),
		}
	})
	return s, err
}

// withCall validates id at the boundary and runs fn on the loop with the
// resolved call.
func (m *Manager) withCall(id string, fn func(c *call.Call) error) error {
	if err := m.mapper.CheckValidCallID(id); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownCall, err)
	}
	var opErr error
	err := m.loop.Submit(func() {
		c := m.mapper.GetCall(id)
		if c == nil {
			opErr = ErrUnknownCall
			return
		}
		opErr = fn(c)
	})
	if err != nil {
		return err
	}
	return opErr
}

// --- Loop-confined internals ---

func (m *Manager) placeOutgoingCall(handle string, extras map[string]string, gateway *call.GatewayInfo) string {
	dial := handle
	if gateway != nil && gateway.GatewayHandle != "" {
		dial = gateway.GatewayHandle
	}

	c := call.New(call.DirectionOutgoing, dial)
	c.SetGateway(gateway)
	for k, v := range extras {
		c.SetExtra(k, v)
	}

	id := m.addCall(c)
	slog.Info("[Core] Placing outgoing call", "id", id, "handle", handle)

	proc := outgoing.NewProcessor(c, m.classifier, m.testFirst, m.metrics, func(o outgoing.Outcome) {
		m.handleOutgoingResult(c, o)
	})
	m.pendingOutgoing[c] = proc
	m.registry.LookupServices(proc.Process)
	return id
}

func (m *Manager) handleOutgoingResult(c *call.Call, o outgoing.Outcome) {
	delete(m.pendingOutgoing, c)

	switch o.Kind {
	case outgoing.OutcomeSuccess:
		// The confirming backend drives the call's state from here.
		slog.Info("[Core] Outgoing call confirmed",
			"handle", c.Handle(),
			"backend", serviceKey(c))
	case outgoing.OutcomeFailure:
		slog.Warn("[Core] Outgoing call failed on all backends",
			"handle", c.Handle(), "code", o.Code, "message", o.Message)
		m.terminate(c, call.StateDisconnected, causeForCode(o.Code), o.Message)
	case outgoing.OutcomeCancel:
		slog.Info("[Core] Outgoing call aborted", "handle", c.Handle())
		m.terminate(c, call.StateAborted, call.CauseLocal, "")
	}
}

func (m *Manager) processIncomingCall(desc backend.Descriptor, extras map[string]string) {
	c := call.New(call.DirectionIncoming, "")
	for k, v := range extras {
		c.SetExtra(k, v)
	}
	w := m.registry.WrapperFor(desc)
	slog.Info("[Core] Incoming call announced", "backend", desc.String())
	// The retrieval holds a use permit until it resolves, so the wrapper
	// cannot be unbound under a pending incoming call.
	m.registry.AcquireUsePermit()
	m.incoming.RetrieveIncomingCall(c, w, extras)
}

func (m *Manager) handleIncomingRetrieved(c *call.Call, w *backend.Wrapper, info backend.CallInfo) {
	c.BindService(w)
	id := m.addCall(c)
	m.registry.ReleaseUsePermit()
	slog.Info("[Core] Incoming call ready", "id", id,
		"handle", c.Handle(), "backend", w.Descriptor().String())
}

func (m *Manager) handleIncomingFailed(c *call.Call, w *backend.Wrapper) {
	slog.Warn("[Core] Incoming call failed before retrieval",
		"backend", w.Descriptor().String())
	// Never surfaced to listeners; drop any wrapper-side residue.
	w.RemoveCall(c)
	m.registry.ReleaseUsePermit()
}

// RemoteStateChanged implements backend.StateSink: a backend reported a
// state for a call it owns. Out-of-order reports are tolerated (logged by
// the tracker) because deployed backends misreport.
func (m *Manager) RemoteStateChanged(c *call.Call, state call.State, cause call.DisconnectCause, message string) {
	if state == call.StateDisconnected || state == call.StateAborted {
		if cause == call.CauseUnknown {
			cause = call.CauseRemote
		}
		m.terminate(c, state, cause, message)
		return
	}

	from := c.State()
	nominal := c.ApplyState(state)
	m.notifyStateChanged(c, from, state, nominal)
}

// terminate applies a terminal state and evicts the call.
func (m *Manager) terminate(c *call.Call, state call.State, cause call.DisconnectCause, message string) {
	c.SetDisconnectCause(cause, message)
	from := c.State()
	nominal := c.ApplyState(state)
	m.notifyStateChanged(c, from, state, nominal)
	m.removeCall(c)
}

func (m *Manager) addCall(c *call.Call) string {
	id := m.mapper.AddCall(c)
	m.calls[c] = struct{}{}
	m.metrics.CallAdded(c.Direction().String())
	for _, l := range m.listeners {
		l.OnCallAdded(id, c)
	}
	return id
}

func (m *Manager) removeCall(c *call.Call) {
	id, registered := m.mapper.GetCallID(c)
	if !registered {
		return
	}

	if svc := c.Service(); svc != nil {
		svc.RemoveCall(c)
		c.ClearService()
	}

	delete(m.calls, c)
	m.mapper.RemoveCall(c)
	m.metrics.CallRemoved()

	cause, msg := c.DisconnectCause()
	slog.Info("[Core] Call removed", "id", id,
		"cause", cause.String(), "message", msg)
	for _, l := range m.listeners {
		l.OnCallRemoved(id, c)
	}
}

func (m *Manager) notifyStateChanged(c *call.Call, from, to call.State, nominal bool) {
	id, registered := m.mapper.GetCallID(c)
	if !registered {
		// State report for a call that never reached (or already left)
		// the registry; the tracker has applied it, nothing to announce.
		return
	}
	for _, l := range m.listeners {
		l.OnCallStateChanged(id, c, from, to, nominal)
	}
}

func (m *Manager) record(c *call.Call) CallRecord {
	id, _ := m.mapper.GetCallID(c)
	cause, msg := c.DisconnectCause()
	rec := CallRecord{
		ID:        id,
		Direction: c.Direction().String(),
		Handle:    c.Handle(),
		State:     c.State().String(),
		Backend:   serviceKey(c),
		CreatedAt: c.CreatedAt(),
		Message:   msg,
	}
	if cause != call.CauseUnknown {
		rec.Cause = cause.String()
	}
	return rec
}

func serviceKey(c *call.Call) string {
	if svc := c.Service(); svc != nil {
		return svc.ServiceKey()
	}
	return ""
}

func causeForCode(code int) call.DisconnectCause {
	switch code {
	case backend.CodeNoService, backend.CodeServiceUnavailable:
		return call.CauseNoService
	case backend.CodeServiceDisconnected:
		return call.CauseServiceDied
	default:
		return call.CauseError
	}
}
