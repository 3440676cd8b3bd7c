package backend_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callrouter/internal/router/backend"
	"github.com/sebas/callrouter/internal/router/backend/backendtest"
	"github.com/sebas/callrouter/internal/router/runloop"
)

func newTestRegistry(t *testing.T, loop *runloop.Loop, provider backend.Provider) (*backend.Registry, *backend.Deallocator) {
	t.Helper()
	d := backend.NewDeallocator(nil)
	r := backend.NewRegistry(backend.RegistryConfig{
		Loop:        loop,
		Provider:    provider,
		Connector:   backendtest.NewConnector(),
		Deallocator: d,
	})
	return r, d
}

func TestLookupServicesDeliversWrappersInOrder(t *testing.T) {
	loop := runloop.New()
	defer loop.Stop()
	provider := backend.NewStaticProvider([]backend.Descriptor{
		{ID: "gw-1"}, {ID: "gw-2", PSTN: true}, {ID: "gw-3", Test: true},
	})
	r, _ := newTestRegistry(t, loop, provider)

	var got []*backend.Wrapper
	onLoop(t, loop, func() {
		r.LookupServices(func(ws []*backend.Wrapper) { got = ws })
	})

	require.Eventually(t, func() bool {
		var done bool
		onLoop(t, loop, func() { done = got != nil })
		return done
	}, time.Second, time.Millisecond)

	require.Len(t, got, 3)
	assert.Equal(t, "gw-1", got[0].ServiceKey())
	assert.Equal(t, "gw-2", got[1].ServiceKey())
	assert.Equal(t, "gw-3", got[2].ServiceKey())
}

func TestLookupServicesCachesWrappersByIdentity(t *testing.T) {
	loop := runloop.New()
	defer loop.Stop()
	provider := backend.NewStaticProvider([]backend.Descriptor{{ID: "gw-1"}})
	r, _ := newTestRegistry(t, loop, provider)

	lookup := func() *backend.Wrapper {
		var got []*backend.Wrapper
		onLoop(t, loop, func() {
			r.LookupServices(func(ws []*backend.Wrapper) { got = ws })
		})
		require.Eventually(t, func() bool {
			var done bool
			onLoop(t, loop, func() { done = got != nil })
			return done
		}, time.Second, time.Millisecond)
		return got[0]
	}

	first := lookup()
	second := lookup()
	assert.Same(t, first, second)

	var cached *backend.Wrapper
	onLoop(t, loop, func() { cached = r.WrapperFor(backend.Descriptor{ID: "gw-1"}) })
	assert.Same(t, first, cached)
}

type failingProvider struct{}

func (failingProvider) Lookup(ctx context.Context) ([]backend.Descriptor, error) {
	return nil, errors.New("directory unreachable")
}

func TestLookupFailureDeliversEmptyList(t *testing.T) {
	loop := runloop.New()
	defer loop.Stop()
	r, _ := newTestRegistry(t, loop, failingProvider{})

	delivered := false
	var got []*backend.Wrapper
	onLoop(t, loop, func() {
		r.LookupServices(func(ws []*backend.Wrapper) {
			delivered = true
			got = ws
		})
	})

	require.Eventually(t, func() bool {
		var done bool
		onLoop(t, loop, func() { done = delivered })
		return done
	}, time.Second, time.Millisecond)
	assert.Empty(t, got)
}

func TestLookupHoldsPermitUntilCompletionDelivered(t *testing.T) {
	loop := runloop.New()
	defer loop.Stop()
	provider := backend.NewStaticProvider([]backend.Descriptor{{ID: "gw-1"}})
	r, d := newTestRegistry(t, loop, provider)

	var permitsDuring, permitsAfter int
	onLoop(t, loop, func() {
		r.LookupServices(func(ws []*backend.Wrapper) { permitsDuring = d.Permits() })
	})

	require.Eventually(t, func() bool {
		var done bool
		onLoop(t, loop, func() {
			done = permitsDuring != 0
			permitsAfter = d.Permits()
		})
		return done
	}, time.Second, time.Millisecond)

	assert.Equal(t, 1, permitsDuring)
	assert.Equal(t, 0, permitsAfter)
}

func TestWrapperForRetracksSweptWrapper(t *testing.T) {
	loop := runloop.New()
	defer loop.Stop()
	r, d := newTestRegistry(t, loop, backend.NewStaticProvider(nil))

	var first, second *backend.Wrapper
	onLoop(t, loop, func() {
		first = r.WrapperFor(backend.Descriptor{ID: "gw-1"})
		assert.Equal(t, 1, d.TrackedCount())

		// A never-bound quiescent wrapper falls out of tracking on the
		// next sweep.
		d.AcquireUsePermit()
		d.ReleaseUsePermit()
		assert.Equal(t, 0, d.TrackedCount())

		second = r.WrapperFor(backend.Descriptor{ID: "gw-1"})
		assert.Equal(t, 1, d.TrackedCount())
	})
	assert.Same(t, first, second)
}
