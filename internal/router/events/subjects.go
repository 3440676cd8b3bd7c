package events

import "fmt"

// Subject naming conventions.
//
// Hierarchy:
//   callrouter.calls.<call_id>.<event_suffix>  - Per-call events
//
// Wildcard subscriptions:
//   callrouter.calls.>                         - All call events
//   callrouter.calls.*.ended                   - All call.ended events
const (
	// SubjectPrefix is the root of all callrouter subjects
	SubjectPrefix = "callrouter"

	// SubjectCalls is the per-call subject root
	SubjectCalls = SubjectPrefix + ".calls"

	SuffixCreated = "created"
	SuffixState   = "state"
	SuffixEnded   = "ended"
)

// CallSubject builds a subject for a specific call event.
// Example: CallSubject("abc-123", "ended") => "callrouter.calls.abc-123.ended"
func CallSubject(callID string, eventSuffix string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectCalls, callID, eventSuffix)
}
