package backend

import (
	"log/slog"

	"github.com/sebas/callrouter/internal/router/metrics"
)

// Deallocator gates the teardown of bound backend connections behind a
// use-permit counter. Overlapping asynchronous operations (a candidate
// lookup while another call is mid-attempt) each hold a permit; only the
// release that returns the counter to exactly zero runs the sweep, so a
// backend is never torn down mid-use because one of several operations
// finished.
//
// Deallocator is confined to the run loop.
type Deallocator struct {
	metrics *metrics.Metrics

	permits int
	binders map[string]*Wrapper
}

// NewDeallocator creates an empty gate.
func NewDeallocator(m *metrics.Metrics) *Deallocator {
	return &Deallocator{
		metrics: m,
		binders: make(map[string]*Wrapper),
	}
}

// AcquireUsePermit marks the start of an operation that uses backend
// connections.
func (d *Deallocator) AcquireUsePermit() {
	d.permits++
}

// ReleaseUsePermit marks the end of an operation. The release that brings
// the counter to zero sweeps the tracked set, unbinding every connection
// with no associated calls and no pending work. Releasing with a
// zero-or-negative counter is a permit/release mismatch in the caller and is
// reported loudly rather than masked.
func (d *Deallocator) ReleaseUsePermit() {
	if d.permits <= 0 {
		slog.Error("BUG: use permit released without acquire", "permits", d.permits)
		d.metrics.ContractViolation("permit_underflow")
		return
	}
	d.permits--
	if d.permits == 0 {
		d.sweep()
	}
}

// Permits returns the current counter, for diagnostics.
func (d *Deallocator) Permits() int { return d.permits }

// UpdateBinders adds newly discovered backend connections to the tracked
// set. Idempotent; wrappers are keyed by descriptor identity.
func (d *Deallocator) UpdateBinders(wrappers []*Wrapper) {
	for _, w := range wrappers {
		if _, ok := d.binders[w.ServiceKey()]; !ok {
			d.binders[w.ServiceKey()] = w
		}
	}
}

// TrackedCount returns the number of tracked connections.
func (d *Deallocator) TrackedCount() int { return len(d.binders) }

func (d *Deallocator) sweep() {
	for key, w := range d.binders {
		if !w.quiescent() {
			continue
		}
		if w.State() == Bound {
			slog.Debug("[Deallocator] Unbinding idle backend", "backend", w.Descriptor().String())
			w.Unbind()
		}
		delete(d.binders, key)
	}
}
