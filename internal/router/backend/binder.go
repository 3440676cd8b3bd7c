package backend

import (
	"log/slog"

	"github.com/sebas/callrouter/internal/router/call"
	"github.com/sebas/callrouter/internal/router/metrics"
	"github.com/sebas/callrouter/internal/router/runloop"
)

// BindState is the connection lifecycle state of a Wrapper.
type BindState int

const (
	// Unbound means no connection exists.
	Unbound BindState = iota
	// Binding means a connect is in flight.
	Binding
	// Bound means the remote is live.
	Bound
)

// String returns the string representation of BindState.
func (s BindState) String() string {
	switch s {
	case Unbound:
		return "Unbound"
	case Binding:
		return "Binding"
	case Bound:
		return "Bound"
	default:
		return "Unknown"
	}
}

// AttemptHandler receives the three-way outcome of one outgoing attempt
// against one backend. Exactly one method is invoked per attempt, on the
// run loop.
type AttemptHandler interface {
	OnSuccess()
	OnFailure(code int, message string)
	OnCancel()
}

// IncomingHandler receives the outcome of one incoming-call detail
// retrieval. Exactly one method is invoked, on the run loop, unless the
// retrieval is cancelled first.
type IncomingHandler interface {
	OnDetails(info CallInfo)
	OnFailed()
}

// StateSink receives backend-reported call state changes after identifier
// translation. Implemented by the orchestrator.
type StateSink interface {
	RemoteStateChanged(c *call.Call, state call.State, cause call.DisconnectCause, message string)
}

// connHandle identifies one physical connection so that death notifications
// can be matched to the binding that produced them.
type connHandle struct {
	deadReported bool
}

// Wrapper owns the bind/unbind lifecycle to one backend service. Operations
// that need the live connection are expressed as "bind, then run"; while a
// bind is in flight they queue. Binding is accounted by the associated-call
// count plus the pending-operation sets: only when all return to zero is the
// wrapper eligible for unbind (see Deallocator).
//
// Wrapper is confined to the run loop.
type Wrapper struct {
	loop      *runloop.Loop
	desc      Descriptor
	connector Connector
	mapper    *call.IDMapper
	metrics   *metrics.Metrics
	sink      StateSink

	state  BindState
	remote RemoteService
	active *connHandle

	pendingBind     []bindCallback
	associatedCalls int
	pendingOutgoing map[string]AttemptHandler
	pendingIncoming map[string]IncomingHandler
	abortedBinding  map[*call.Call]struct{}
}

type bindCallback struct {
	onSuccess func()
	onFailure func(error)
}

// NewWrapper creates an unbound wrapper for desc. The sink may be nil until
// SetStateSink is called; state reports arriving before then are dropped
// with a warning.
func NewWrapper(loop *runloop.Loop, desc Descriptor, connector Connector, m *metrics.Metrics) *Wrapper {
	return &Wrapper{
		loop:            loop,
		desc:            desc,
		connector:       connector,
		mapper:          call.NewIDMapper(desc.Key()),
		metrics:         m,
		pendingOutgoing: make(map[string]AttemptHandler),
		pendingIncoming: make(map[string]IncomingHandler),
		abortedBinding:  make(map[*call.Call]struct{}),
	}
}

// SetStateSink installs the receiver for backend-reported state changes.
func (w *Wrapper) SetStateSink(sink StateSink) {
	w.sink = sink
}

// Descriptor returns the backend's identity.
func (w *Wrapper) Descriptor() Descriptor { return w.desc }

// ServiceKey implements call.Service.
func (w *Wrapper) ServiceKey() string { return w.desc.Key() }

// State returns the current bind state.
func (w *Wrapper) State() BindState { return w.state }

// IncrementAssociatedCallCount implements call.Service.
func (w *Wrapper) IncrementAssociatedCallCount() {
	w.associatedCalls++
}

// DecrementAssociatedCallCount implements call.Service.
func (w *Wrapper) DecrementAssociatedCallCount() {
	if w.associatedCalls <= 0 {
		slog.Error("BUG: associated-call count underflow",
			"backend", w.desc.String(),
			"count", w.associatedCalls)
		w.metrics.ContractViolation("call_count_underflow")
		return
	}
	w.associatedCalls--
}

// AssociatedCallCount returns the number of calls holding this backend.
func (w *Wrapper) AssociatedCallCount() int { return w.associatedCalls }

// quiescent reports whether nothing is holding this wrapper: no associated
// calls and no pending work. The deallocation sweep only tears down
// quiescent wrappers.
func (w *Wrapper) quiescent() bool {
	return w.associatedCalls == 0 &&
		len(w.pendingOutgoing) == 0 &&
		len(w.pendingIncoming) == 0 &&
		len(w.pendingBind) == 0
}

// bind runs onSuccess once a live connection exists, synchronously when
// already bound. onFailure runs if the connect fails.
func (w *Wrapper) bind(onSuccess func(), onFailure func(error)) {
	switch w.state {
	case Bound:
		onSuccess()
	case Binding:
		w.pendingBind = append(w.pendingBind, bindCallback{onSuccess, onFailure})
	case Unbound:
		w.state = Binding
		w.pendingBind = append(w.pendingBind, bindCallback{onSuccess, onFailure})

		conn := &connHandle{}
		go func() {
			remote, err := w.connector.Connect(w.desc, &remoteEvents{w: w}, func() {
				w.loop.Post(func() { w.handleDeath(conn) })
			})
			w.loop.Post(func() { w.finishBind(conn, remote, err) })
		}()
	}
}

func (w *Wrapper) finishBind(conn *connHandle, remote RemoteService, err error) {
	queued := w.pendingBind
	w.pendingBind = nil

	if err != nil {
		w.state = Unbound
		slog.Warn("[Backend] Bind failed", "backend", w.desc.String(), "error", err)
		for _, cb := range queued {
			cb.onFailure(err)
		}
		return
	}

	w.state = Bound
	w.remote = remote
	w.active = conn
	w.metrics.BackendBound()
	slog.Info("[Backend] Bound", "backend", w.desc.String())

	for _, cb := range queued {
		cb.onSuccess()
	}
}

// Unbind tears down the live connection. Called by the deallocation sweep;
// also safe as a final-cleanup call.
func (w *Wrapper) Unbind() {
	if w.state != Bound {
		return
	}
	if err := w.remote.Close(); err != nil {
		slog.Debug("[Backend] Close returned error", "backend", w.desc.String(), "error", err)
	}
	w.remote = nil
	w.active = nil
	w.state = Unbound
	w.metrics.BackendUnbound()
	slog.Info("[Backend] Unbound", "backend", w.desc.String())
}

// handleDeath processes a remote-process death. Every pending call is failed
// exactly once; a second death notification for the same connection is an
// internal-consistency bug and is reported loudly.
func (w *Wrapper) handleDeath(conn *connHandle) {
	if conn.deadReported {
		slog.Error("BUG: duplicate death notification", "backend", w.desc.String())
		w.metrics.ContractViolation("duplicate_death")
		return
	}
	conn.deadReported = true

	if conn != w.active {
		// A connection we already unbound deliberately; nothing pending
		// can reference it.
		slog.Debug("[Backend] Stale death notification ignored", "backend", w.desc.String())
		return
	}

	slog.Warn("[Backend] Connection died", "backend", w.desc.String(),
		"pending_outgoing", len(w.pendingOutgoing),
		"pending_incoming", len(w.pendingIncoming))
	w.metrics.BackendDied()

	w.remote = nil
	w.active = nil
	w.state = Unbound

	outgoing := w.pendingOutgoing
	incoming := w.pendingIncoming
	w.pendingOutgoing = make(map[string]AttemptHandler)
	w.pendingIncoming = make(map[string]IncomingHandler)

	for id, h := range outgoing {
		if c := w.mapper.GetCall(id); c != nil {
			w.mapper.RemoveCall(c)
		}
		h.OnFailure(CodeServiceDisconnected, "call service disconnected")
	}
	for id, h := range incoming {
		if c := w.mapper.GetCall(id); c != nil {
			w.mapper.RemoveCall(c)
		}
		h.OnFailed()
	}

	// Handlers may have started work against other backends, but nothing
	// may have re-armed this one synchronously while it is unbound.
	if len(w.pendingOutgoing) != 0 || len(w.pendingIncoming) != 0 {
		slog.Error("BUG: pending calls remain after death sweep",
			"backend", w.desc.String(),
			"pending_outgoing", len(w.pendingOutgoing),
			"pending_incoming", len(w.pendingIncoming))
		w.metrics.ContractViolation("pending_after_sweep")
	}
}

// Call asks the backend to place an outgoing call. The handler fires exactly
// once with success, failure, or cancel.
func (w *Wrapper) Call(c *call.Call, videoState int, h AttemptHandler) {
	w.bind(func() {
		if _, aborted := w.abortedBinding[c]; aborted {
			// Aborted while the bind was in flight. The attempt never
			// reaches the backend and the handler stays silent, same as
			// an abort of a mapped attempt.
			delete(w.abortedBinding, c)
			slog.Debug("[Backend] Dropping attempt aborted during bind",
				"backend", w.desc.String())
			return
		}
		id := w.mapper.AddCall(c)
		w.pendingOutgoing[id] = h
		w.remote.AttemptCall(id, c.Handle(), c.Extras(), videoState)
	}, func(err error) {
		delete(w.abortedBinding, c)
		h.OnFailure(CodeServiceUnavailable, "could not bind to call service: "+err.Error())
	})
}

// AbortAttempt tells the backend to stop an in-flight outgoing attempt and
// retires the pending entry. Late attempt outcomes for the call become
// no-ops. An abort that arrives while the bind is still in flight marks the
// call so that the queued attempt is dropped once the bind completes.
func (w *Wrapper) AbortAttempt(c *call.Call) {
	id, ok := w.mapper.GetCallID(c)
	if !ok {
		if w.state == Binding {
			w.abortedBinding[c] = struct{}{}
		}
		return
	}
	if w.state == Bound {
		w.remote.AbortAttempt(id)
	}
	delete(w.pendingOutgoing, id)
	w.mapper.RemoveCall(c)
}

// RetrieveIncomingCall requests details for an announced incoming call. The
// handler fires at most once; CancelIncoming retires it without firing.
func (w *Wrapper) RetrieveIncomingCall(c *call.Call, extras map[string]string, h IncomingHandler) {
	w.bind(func() {
		id := w.mapper.AddCall(c)
		w.pendingIncoming[id] = h
		w.remote.RetrieveIncomingCall(id, extras)
	}, func(err error) {
		h.OnFailed()
	})
}

// CancelIncoming retires a pending incoming retrieval (e.g. on timeout) so
// late details are ignored at this layer too.
func (w *Wrapper) CancelIncoming(c *call.Call) {
	id, ok := w.mapper.GetCallID(c)
	if !ok {
		return
	}
	delete(w.pendingIncoming, id)
	w.mapper.RemoveCall(c)
}

// RemoveCall drops the call's identifier mapping. Called by the orchestrator
// when a call leaves the live registry.
func (w *Wrapper) RemoveCall(c *call.Call) {
	w.mapper.RemoveCall(c)
}

// oneWay runs op against the live connection if c is known to this wrapper.
// Bind failures and unknown calls are swallowed here: per-call delivery is
// best-effort, and real failures surface through connection death.
func (w *Wrapper) oneWay(c *call.Call, name string, op func(id string)) {
	w.bind(func() {
		id, ok := w.mapper.GetCallID(c)
		if !ok {
			slog.Warn("[Backend] Dropping operation for unmapped call",
				"backend", w.desc.String(), "op", name)
			return
		}
		op(id)
	}, func(err error) {
		slog.Warn("[Backend] Dropping operation, bind failed",
			"backend", w.desc.String(), "op", name, "error", err)
	})
}

// Disconnect implements call.Service.
func (w *Wrapper) Disconnect(c *call.Call) {
	w.oneWay(c, "disconnect", func(id string) { w.remote.Disconnect(id) })
}

// Hold implements call.Service.
func (w *Wrapper) Hold(c *call.Call) {
	w.oneWay(c, "hold", func(id string) { w.remote.Hold(id) })
}

// Unhold implements call.Service.
func (w *Wrapper) Unhold(c *call.Call) {
	w.oneWay(c, "unhold", func(id string) { w.remote.Unhold(id) })
}

// Answer implements call.Service.
func (w *Wrapper) Answer(c *call.Call) {
	w.oneWay(c, "answer", func(id string) { w.remote.Answer(id) })
}

// Reject implements call.Service.
func (w *Wrapper) Reject(c *call.Call) {
	w.oneWay(c, "reject", func(id string) { w.remote.Reject(id) })
}

// PlayTone implements call.Service.
func (w *Wrapper) PlayTone(c *call.Call, digit byte) {
	w.oneWay(c, "playTone", func(id string) { w.remote.PlayTone(id, digit) })
}

// StopTone implements call.Service.
func (w *Wrapper) StopTone(c *call.Call) {
	w.oneWay(c, "stopTone", func(id string) { w.remote.StopTone(id) })
}

// --- Inbound notification handling ---

// remoteEvents adapts Events onto the run loop with identifier validation at
// the boundary. Connectors may call it from any goroutine; per-connection
// ordering is preserved because each notification is posted in delivery
// order onto the single loop.
type remoteEvents struct {
	w *Wrapper
}

func (e *remoteEvents) AttemptSucceeded(callID string) {
	e.w.loop.Post(func() { e.w.handleAttemptOutcome(callID, "success", 0, "") })
}

func (e *remoteEvents) AttemptFailed(callID string, code int, message string) {
	e.w.loop.Post(func() { e.w.handleAttemptOutcome(callID, "failure", code, message) })
}

func (e *remoteEvents) AttemptCancelled(callID string) {
	e.w.loop.Post(func() { e.w.handleAttemptOutcome(callID, "cancel", 0, "") })
}

func (e *remoteEvents) IncomingDetails(callID string, info CallInfo) {
	e.w.loop.Post(func() { e.w.handleIncomingDetails(callID, info) })
}

func (e *remoteEvents) StateChanged(callID string, state call.State, cause call.DisconnectCause, message string) {
	e.w.loop.Post(func() { e.w.handleStateChanged(callID, state, cause, message) })
}

// checkCallID gates an externally-supplied identifier. A foreign or
// malformed ID is a contract violation reported loudly at the boundary.
func (w *Wrapper) checkCallID(callID string) bool {
	if err := w.mapper.CheckValidCallID(callID); err != nil {
		slog.Error("BUG: backend presented invalid call ID",
			"backend", w.desc.String(), "call_id", callID, "error", err)
		w.metrics.ContractViolation("invalid_call_id")
		return false
	}
	return true
}

func (w *Wrapper) handleAttemptOutcome(callID, outcome string, code int, message string) {
	if !w.checkCallID(callID) {
		return
	}
	h, ok := w.pendingOutgoing[callID]
	if !ok {
		// Expected after an abort raced the outcome.
		slog.Debug("[Backend] Attempt outcome with no pending attempt",
			"backend", w.desc.String(), "call_id", callID, "outcome", outcome)
		return
	}
	delete(w.pendingOutgoing, callID)
	w.metrics.AttemptOutcome(outcome)

	switch outcome {
	case "success":
		// The backend owns the call now; the mapping stays live.
		h.OnSuccess()
	case "failure":
		if c := w.mapper.GetCall(callID); c != nil {
			w.mapper.RemoveCall(c)
		}
		h.OnFailure(code, message)
	case "cancel":
		if c := w.mapper.GetCall(callID); c != nil {
			w.mapper.RemoveCall(c)
		}
		h.OnCancel()
	}
}

func (w *Wrapper) handleIncomingDetails(callID string, info CallInfo) {
	if !w.checkCallID(callID) {
		return
	}
	h, ok := w.pendingIncoming[callID]
	if !ok {
		// Details arriving after timeout or death; already handled.
		slog.Debug("[Backend] Incoming details with no pending retrieval",
			"backend", w.desc.String(), "call_id", callID)
		return
	}
	delete(w.pendingIncoming, callID)
	h.OnDetails(info)
}

func (w *Wrapper) handleStateChanged(callID string, state call.State, cause call.DisconnectCause, message string) {
	if !w.checkCallID(callID) {
		return
	}
	c := w.mapper.GetCall(callID)
	if c == nil {
		slog.Error("BUG: backend reported state for unknown call ID",
			"backend", w.desc.String(), "call_id", callID, "state", state.String())
		w.metrics.ContractViolation("invalid_call_id")
		return
	}
	if w.sink == nil {
		slog.Warn("[Backend] Dropping state report, no sink installed",
			"backend", w.desc.String(), "state", state.String())
		return
	}
	w.sink.RemoteStateChanged(c, state, cause, message)
}
