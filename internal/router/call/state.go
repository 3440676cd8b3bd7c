package call

import "fmt"

// State represents the lifecycle state of a call.
type State int

const (
	// StateNew indicates the call has been created but no backend contacted.
	StateNew State = iota
	// StateDialing indicates an outgoing attempt has been confirmed by a backend.
	StateDialing
	// StateRinging indicates an incoming call is ringing locally.
	StateRinging
	// StateActive indicates the call is connected.
	StateActive
	// StateOnHold indicates the call is held.
	StateOnHold
	// StateDisconnected indicates the call ended, normally or with a failure cause.
	StateDisconnected
	// StateAborted indicates the call was torn down before any backend confirmed it.
	StateAborted
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateDialing:
		return "Dialing"
	case StateRinging:
		return "Ringing"
	case StateActive:
		return "Active"
	case StateOnHold:
		return "OnHold"
	case StateDisconnected:
		return "Disconnected"
	case StateAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal returns true if the call has reached a terminal state.
func (s State) IsTerminal() bool {
	return s == StateDisconnected || s == StateAborted
}

// Direction indicates whether the call is incoming or outgoing.
type Direction int

const (
	// DirectionOutgoing represents a call placed from this device.
	DirectionOutgoing Direction = iota
	// DirectionIncoming represents a call announced by a backend.
	DirectionIncoming
)

// String returns the string representation of Direction.
func (d Direction) String() string {
	switch d {
	case DirectionOutgoing:
		return "Outgoing"
	case DirectionIncoming:
		return "Incoming"
	default:
		return fmt.Sprintf("Unknown(%d)", d)
	}
}

// DisconnectCause classifies why a call reached a terminal state.
type DisconnectCause int

const (
	// CauseUnknown means no cause has been recorded.
	CauseUnknown DisconnectCause = iota
	// CauseLocal means the local user or a local decision ended the call.
	CauseLocal
	// CauseRemote means the remote party ended the call.
	CauseRemote
	// CauseRejected means the call was declined locally.
	CauseRejected
	// CauseError means a backend reported a failure.
	CauseError
	// CauseTimeout means the backend never responded in time.
	CauseTimeout
	// CauseServiceDied means the backend process died with the call pending.
	CauseServiceDied
	// CauseNoService means no backend was available or all declined.
	CauseNoService
)

// String returns the string representation of DisconnectCause.
func (c DisconnectCause) String() string {
	switch c {
	case CauseUnknown:
		return "Unknown"
	case CauseLocal:
		return "Local"
	case CauseRemote:
		return "Remote"
	case CauseRejected:
		return "Rejected"
	case CauseError:
		return "Error"
	case CauseTimeout:
		return "Timeout"
	case CauseServiceDied:
		return "ServiceDied"
	case CauseNoService:
		return "NoService"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}
