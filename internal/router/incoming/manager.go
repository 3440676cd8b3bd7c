// Package incoming implements timeout-boxed retrieval of incoming-call
// details from the backend that announced the call.
package incoming

import (
	"log/slog"
	"time"

	"github.com/sebas/callrouter/internal/router/backend"
	"github.com/sebas/callrouter/internal/router/call"
	"github.com/sebas/callrouter/internal/router/metrics"
	"github.com/sebas/callrouter/internal/router/runloop"
)

// DefaultTimeout bounds how long a backend gets to supply the details of a
// call it announced before the call is treated as failed.
const DefaultTimeout = time.Second

// Manager tracks per-call pending retrievals. Exactly one of details,
// timeout, or backend death retires a pending entry; whichever comes later
// finds the entry gone and becomes a no-op. Removal from the pending map is
// the guard, there is no separate handled flag.
//
// Manager is confined to the run loop.
type Manager struct {
	loop    *runloop.Loop
	metrics *metrics.Metrics
	timeout time.Duration

	pending map[*call.Call]*pendingRetrieval

	onSuccess func(c *call.Call, w *backend.Wrapper, info backend.CallInfo)
	onFailure func(c *call.Call, w *backend.Wrapper)
}

type pendingRetrieval struct {
	wrapper *backend.Wrapper
	timer   *runloop.Timer
}

// Config configures a Manager.
type Config struct {
	Loop    *runloop.Loop
	Metrics *metrics.Metrics
	Timeout time.Duration

	// OnSuccess receives a call whose details have been applied, along with
	// the backend that supplied them.
	OnSuccess func(c *call.Call, w *backend.Wrapper, info backend.CallInfo)
	// OnFailure receives a call whose retrieval timed out or whose backend
	// died first.
	OnFailure func(c *call.Call, w *backend.Wrapper)
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		loop:      cfg.Loop,
		metrics:   cfg.Metrics,
		timeout:   timeout,
		pending:   make(map[*call.Call]*pendingRetrieval),
		onSuccess: cfg.OnSuccess,
		onFailure: cfg.OnFailure,
	}
}

// RetrieveIncomingCall asks w for c's details and arms the timeout.
func (m *Manager) RetrieveIncomingCall(c *call.Call, w *backend.Wrapper, extras map[string]string) {
	if _, ok := m.pending[c]; ok {
		slog.Error("BUG: retrieval already pending for call", "handle", c.Handle())
		m.metrics.ContractViolation("duplicate_retrieval")
		return
	}

	timer := m.loop.PostDelayed(func() { m.handleTimeout(c) }, m.timeout)
	m.pending[c] = &pendingRetrieval{wrapper: w, timer: timer}

	w.RetrieveIncomingCall(c, extras, &retrievalHandler{m: m, c: c})
}

// PendingCount returns the number of in-flight retrievals.
func (m *Manager) PendingCount() int { return len(m.pending) }

func (m *Manager) handleDetails(c *call.Call, info backend.CallInfo) {
	entry, ok := m.pending[c]
	if !ok {
		// Timeout or death won the race; late details are ignored.
		slog.Debug("[Incoming] Late details ignored", "handle", info.Handle)
		return
	}
	delete(m.pending, c)
	entry.timer.Cancel()

	if info.Handle != "" {
		c.SetHandle(info.Handle)
	}
	for k, v := range info.Extras {
		c.SetExtra(k, v)
	}
	c.ApplyState(info.State)

	m.onSuccess(c, entry.wrapper, info)
}

func (m *Manager) handleFailed(c *call.Call) {
	entry, ok := m.pending[c]
	if !ok {
		return
	}
	delete(m.pending, c)
	entry.timer.Cancel()
	m.onFailure(c, entry.wrapper)
}

func (m *Manager) handleTimeout(c *call.Call) {
	entry, ok := m.pending[c]
	if !ok {
		// Details or death arrived first; the timeout is a no-op.
		return
	}
	delete(m.pending, c)

	slog.Warn("[Incoming] Retrieval timed out",
		"backend", entry.wrapper.Descriptor().String(),
		"timeout", m.timeout)
	m.metrics.IncomingTimeout()

	// Retire the wrapper-side pending entry so late details die at the
	// boundary as well.
	entry.wrapper.CancelIncoming(c)

	m.onFailure(c, entry.wrapper)
}

// retrievalHandler routes one wrapper-side retrieval outcome into the
// manager's pending map. Runs on the run loop.
type retrievalHandler struct {
	m *Manager
	c *call.Call
}

func (h *retrievalHandler) OnDetails(info backend.CallInfo) {
	h.m.handleDetails(h.c, info)
}

func (h *retrievalHandler) OnFailed() {
	h.m.handleFailed(h.c)
}
