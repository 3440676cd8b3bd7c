// Package backend manages connections to pluggable call-service backends:
// binding, reference counting, call-identifier translation, and teardown.
//
// Unless noted otherwise, everything here is confined to the routing run
// loop passed at construction time.
package backend

import "fmt"

// Descriptor identifies one backend service.
type Descriptor struct {
	// ID is the backend's stable identity (component name).
	ID string `json:"id"`

	// Address is where the backend process can be reached. Its format is
	// owned by the Connector implementation.
	Address string `json:"address"`

	// PSTN marks a plain circuit-switched backend. Emergency calls are
	// routed to a PSTN-capable backend first.
	PSTN bool `json:"pstn"`

	// Test marks a development/test backend, moved to the front of the
	// candidate list when test ordering is enabled.
	Test bool `json:"test"`
}

// Key returns the identity used for deduplication and wrapper caching.
func (d Descriptor) Key() string {
	return d.ID
}

// String returns a loggable representation.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s(%s)", d.ID, d.Address)
}
