package backend

import (
	"errors"

	"github.com/sebas/callrouter/internal/router/call"
)

// Failure codes reported with attempt failures. Backends supply their own
// codes; these cover conditions the core itself raises.
const (
	// CodeServiceUnavailable means the backend could not be bound.
	CodeServiceUnavailable = 1001
	// CodeServiceDisconnected means the backend died mid-attempt.
	CodeServiceDisconnected = 1002
	// CodeNoService means no candidate backend accepted the call.
	CodeNoService = 1003
)

// ErrNotBound is reported when an operation needed a live connection and
// binding failed.
var ErrNotBound = errors.New("backend not bound")

// CallInfo is the wire-level record a backend supplies for an incoming call.
type CallInfo struct {
	Handle string
	State  call.State
	Extras map[string]string
}

// RemoteService is the operation surface of one connected backend process.
// All operations are one-way and best-effort: a dead remote surfaces through
// the connection-death signal, never through per-call errors. Outcomes of
// AttemptCall and RetrieveIncomingCall arrive asynchronously on the Events
// interface registered at connect time.
//
// Implementations are called from the run loop and must not block it.
type RemoteService interface {
	AttemptCall(callID, destination string, extras map[string]string, videoState int)
	RetrieveIncomingCall(callID string, extras map[string]string)
	AbortAttempt(callID string)
	Disconnect(callID string)
	Hold(callID string)
	Unhold(callID string)
	Answer(callID string)
	Reject(callID string)
	PlayTone(callID string, digit byte)
	StopTone(callID string)
	Close() error
}

// Events receives asynchronous notifications from a backend process. The
// wrapper's implementation hops onto the run loop before touching state, so
// connectors may invoke these from any goroutine. Notifications from one
// connection are processed in the order they are delivered here; no ordering
// holds across connections.
type Events interface {
	// AttemptSucceeded reports a confirmed outgoing attempt.
	AttemptSucceeded(callID string)
	// AttemptFailed reports a declined outgoing attempt.
	AttemptFailed(callID string, code int, message string)
	// AttemptCancelled reports a remote-initiated abort of an attempt.
	AttemptCancelled(callID string)
	// IncomingDetails delivers the details of a previously announced
	// incoming call.
	IncomingDetails(callID string, info CallInfo)
	// StateChanged reports a call state change. cause and message are
	// meaningful only for call.StateDisconnected.
	StateChanged(callID string, state call.State, cause call.DisconnectCause, message string)
}

// Connector establishes connections to backend service processes. Connect
// may block; the wrapper always invokes it off the run loop. onDeath must be
// invoked at most once, only after a successful Connect, when the remote
// process dies.
type Connector interface {
	Connect(desc Descriptor, events Events, onDeath func()) (RemoteService, error)
}
