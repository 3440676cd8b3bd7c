package backend

import (
	"context"
	"log/slog"
	"time"

	"github.com/sebas/callrouter/internal/router/metrics"
	"github.com/sebas/callrouter/internal/router/runloop"
)

// Provider enumerates the currently available backend descriptors. It is
// the pluggable discovery collaborator; Lookup is called off the run loop
// and may block up to the deadline on ctx.
type Provider interface {
	Lookup(ctx context.Context) ([]Descriptor, error)
}

// StaticProvider serves a fixed descriptor list, typically loaded from
// configuration.
type StaticProvider struct {
	descriptors []Descriptor
}

// NewStaticProvider creates a provider over a fixed list.
func NewStaticProvider(descriptors []Descriptor) *StaticProvider {
	return &StaticProvider{descriptors: descriptors}
}

// Lookup implements Provider.
func (p *StaticProvider) Lookup(ctx context.Context) ([]Descriptor, error) {
	out := make([]Descriptor, len(p.descriptors))
	copy(out, p.descriptors)
	return out, nil
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Loop          *runloop.Loop
	Provider      Provider
	Connector     Connector
	Deallocator   *Deallocator
	Metrics       *metrics.Metrics
	LookupTimeout time.Duration
}

// Registry mediates backend discovery. It holds a permit over each lookup so
// connections discovered by one operation are not swept away by the
// completion of another, caches one Wrapper per descriptor identity, and
// registers new wrappers with the deallocation gate.
//
// All methods except the internal provider call run on the run loop.
type Registry struct {
	loop      *runloop.Loop
	provider  Provider
	connector Connector
	dealloc   *Deallocator
	metrics   *metrics.Metrics
	lookupTO  time.Duration
	sink      StateSink
	wrappers  map[string]*Wrapper
}

// NewRegistry creates a registry. SetStateSink must be called before any
// backend can report call state.
func NewRegistry(cfg RegistryConfig) *Registry {
	to := cfg.LookupTimeout
	if to == 0 {
		to = 5 * time.Second
	}
	return &Registry{
		loop:      cfg.Loop,
		provider:  cfg.Provider,
		connector: cfg.Connector,
		dealloc:   cfg.Deallocator,
		metrics:   cfg.Metrics,
		lookupTO:  to,
		wrappers:  make(map[string]*Wrapper),
	}
}

// SetStateSink installs the state receiver on the registry and every wrapper
// it creates.
func (r *Registry) SetStateSink(sink StateSink) {
	r.sink = sink
	for _, w := range r.wrappers {
		w.SetStateSink(sink)
	}
}

// WrapperFor returns the cached wrapper for desc, creating it lazily. The
// wrapper is (re-)registered with the deallocation gate on every request: a
// cached wrapper may have been swept out of tracking since it was last used.
func (r *Registry) WrapperFor(desc Descriptor) *Wrapper {
	w, ok := r.wrappers[desc.Key()]
	if !ok {
		w = NewWrapper(r.loop, desc, r.connector, r.metrics)
		w.SetStateSink(r.sink)
		r.wrappers[desc.Key()] = w
	}
	r.dealloc.UpdateBinders([]*Wrapper{w})
	return w
}

// AcquireUsePermit takes a use permit on behalf of an operation that holds
// backend connections outside of a lookup, such as an incoming-call
// retrieval.
func (r *Registry) AcquireUsePermit() { r.dealloc.AcquireUsePermit() }

// ReleaseUsePermit returns a permit taken with AcquireUsePermit.
func (r *Registry) ReleaseUsePermit() { r.dealloc.ReleaseUsePermit() }

// LookupServices queries the provider for the available backends and
// delivers their wrappers to done on the run loop. A use permit is held from
// the start of the lookup until after done returns, so nothing discovered
// here is unbound before the caller has had a chance to take its own
// references.
func (r *Registry) LookupServices(done func([]*Wrapper)) {
	r.dealloc.AcquireUsePermit()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.lookupTO)
		defer cancel()

		descs, err := r.provider.Lookup(ctx)

		r.loop.Post(func() {
			defer r.dealloc.ReleaseUsePermit()

			if err != nil {
				slog.Warn("[Registry] Backend lookup failed", "error", err)
				done(nil)
				return
			}

			wrappers := make([]*Wrapper, 0, len(descs))
			for _, desc := range descs {
				wrappers = append(wrappers, r.WrapperFor(desc))
			}
			r.dealloc.UpdateBinders(wrappers)
			done(wrappers)
		})
	}()
}
