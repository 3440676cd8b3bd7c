package call

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidCallID is returned when an externally-supplied identifier does
// not belong to a mapper's namespace.
var ErrInvalidCallID = fmt.Errorf("invalid call ID")

// IDMapper owns a bidirectional, namespace-prefixed mapping between opaque
// identifier strings and in-process Call objects. One mapper exists per
// bound backend connection (or per logical binding domain), so identifiers
// from different mappers are never valid for each other.
//
// Identifiers cross an untrusted process boundary; CheckValidCallID rejects
// malformed or foreign identifiers at that boundary, before any lookup.
//
// IDMapper is confined to the run loop. CheckValidCallID alone touches no
// mutable state and may be called from anywhere.
type IDMapper struct {
	prefix   string
	callToID map[*Call]string
	idToCall map[string]*Call
}

// NewIDMapper creates a mapper whose identifiers carry the given namespace.
func NewIDMapper(namespace string) *IDMapper {
	return &IDMapper{
		prefix:   namespace + "@",
		callToID: make(map[*Call]string),
		idToCall: make(map[string]*Call),
	}
}

// AddCall assigns a fresh namespaced identifier to c and stores the
// association in both directions. If c is already registered its existing
// identifier is returned.
func (m *IDMapper) AddCall(c *Call) string {
	if id, ok := m.callToID[c]; ok {
		return id
	}
	id := m.prefix + uuid.NewString()
	m.callToID[c] = id
	m.idToCall[id] = c
	return id
}

// GetCall returns the call registered under id, or nil.
func (m *IDMapper) GetCall(id string) *Call {
	return m.idToCall[id]
}

// GetCallID returns the identifier assigned to c.
func (m *IDMapper) GetCallID(c *Call) (string, bool) {
	id, ok := m.callToID[c]
	return id, ok
}

// RemoveCall deletes the association in both directions. Removing an
// unregistered call is a no-op.
func (m *IDMapper) RemoveCall(c *Call) {
	id, ok := m.callToID[c]
	if !ok {
		return
	}
	delete(m.callToID, c)
	delete(m.idToCall, id)
}

// Size returns the number of registered calls.
func (m *IDMapper) Size() int {
	return len(m.callToID)
}

// CheckValidCallID verifies that id carries this mapper's namespace prefix.
// It does not check that the identifier is currently registered.
func (m *IDMapper) CheckValidCallID(id string) error {
	if !strings.HasPrefix(id, m.prefix) {
		return fmt.Errorf("%w: %q lacks namespace %q", ErrInvalidCallID, id, strings.TrimSuffix(m.prefix, "@"))
	}
	return nil
}
