package backend_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callrouter/internal/router/backend"
	"github.com/sebas/callrouter/internal/router/backend/backendtest"
	"github.com/sebas/callrouter/internal/router/call"
	"github.com/sebas/callrouter/internal/router/runloop"
)

// boundWrapper returns a Bound wrapper with no pending work, plus its fake.
func boundWrapper(t *testing.T, loop *runloop.Loop, conn *backendtest.Connector, id string) (*backend.Wrapper, *backendtest.Fake) {
	t.Helper()
	w := backend.NewWrapper(loop, backend.Descriptor{ID: id}, conn, nil)
	f := conn.Fake(id)

	onLoop(t, loop, func() { w.Call(call.New(call.DirectionOutgoing, "100"), 0, &recAttempt{}) })
	callID := waitAttempt(t, f)
	f.Events().AttemptSucceeded(callID)
	onLoop(t, loop, func() {})
	return w, f
}

func TestSweepRunsOnlyWhenPermitsReachZero(t *testing.T) {
	loop := runloop.New()
	defer loop.Stop()
	conn := backendtest.NewConnector()
	d := backend.NewDeallocator(nil)
	w, f := boundWrapper(t, loop, conn, "gw-1")

	onLoop(t, loop, func() {
		d.AcquireUsePermit()
		d.AcquireUsePermit()
		d.UpdateBinders([]*backend.Wrapper{w})

		d.ReleaseUsePermit()
		assert.Equal(t, backend.Bound, w.State())
		assert.Equal(t, 1, d.TrackedCount())

		d.ReleaseUsePermit()
		assert.Equal(t, backend.Unbound, w.State())
		assert.Equal(t, 0, d.TrackedCount())
	})
	assert.True(t, f.Closed())
}

func TestSweepSkipsWrapperWithAssociatedCalls(t *testing.T) {
	loop := runloop.New()
	defer loop.Stop()
	conn := backendtest.NewConnector()
	d := backend.NewDeallocator(nil)
	w, _ := boundWrapper(t, loop, conn, "gw-1")

	c := call.New(call.DirectionOutgoing, "200")
	onLoop(t, loop, func() {
		c.BindService(w)

		d.AcquireUsePermit()
		d.UpdateBinders([]*backend.Wrapper{w})
		d.ReleaseUsePermit()
		assert.Equal(t, backend.Bound, w.State())
		assert.Equal(t, 1, d.TrackedCount())

		// Releasing the call makes the wrapper eligible on the next sweep.
		c.ClearService()
		d.AcquireUsePermit()
		d.ReleaseUsePermit()
		assert.Equal(t, backend.Unbound, w.State())
		assert.Equal(t, 0, d.TrackedCount())
	})
}

func TestSweepSkipsWrapperWithPendingAttempt(t *testing.T) {
	loop := runloop.New()
	defer loop.Stop()
	conn := backendtest.NewConnector()
	d := backend.NewDeallocator(nil)
	w := backend.NewWrapper(loop, backend.Descriptor{ID: "gw-1"}, conn, nil)
	f := conn.Fake("gw-1")

	onLoop(t, loop, func() { w.Call(call.New(call.DirectionOutgoing, "100"), 0, &recAttempt{}) })
	id := waitAttempt(t, f)

	onLoop(t, loop, func() {
		d.AcquireUsePermit()
		d.UpdateBinders([]*backend.Wrapper{w})
		d.ReleaseUsePermit()
		assert.Equal(t, backend.Bound, w.State())
	})

	// Once the attempt resolves the wrapper becomes sweepable.
	f.Events().AttemptFailed(id, 7, "busy")
	onLoop(t, loop, func() {})
	require.Eventually(t, func() bool {
		var state backend.BindState
		onLoop(t, loop, func() {
			d.AcquireUsePermit()
			d.ReleaseUsePermit()
			state = w.State()
		})
		return state == backend.Unbound
	}, time.Second, 5*time.Millisecond)
}

func TestNeverBoundQuiescentWrapperIsDropped(t *testing.T) {
	loop := runloop.New()
	defer loop.Stop()
	conn := backendtest.NewConnector()
	d := backend.NewDeallocator(nil)
	w := backend.NewWrapper(loop, backend.Descriptor{ID: "gw-1"}, conn, nil)

	onLoop(t, loop, func() {
		d.AcquireUsePermit()
		d.UpdateBinders([]*backend.Wrapper{w})
		d.ReleaseUsePermit()
		assert.Equal(t, 0, d.TrackedCount())
	})
}

func TestUpdateBindersIsIdempotent(t *testing.T) {
	loop := runloop.New()
	defer loop.Stop()
	conn := backendtest.NewConnector()
	d := backend.NewDeallocator(nil)
	w := backend.NewWrapper(loop, backend.Descriptor{ID: "gw-1"}, conn, nil)

	onLoop(t, loop, func() {
		d.AcquireUsePermit()
		d.UpdateBinders([]*backend.Wrapper{w})
		d.UpdateBinders([]*backend.Wrapper{w, w})
		assert.Equal(t, 1, d.TrackedCount())
		d.ReleaseUsePermit()
	})
}

func TestReleaseWithoutAcquireIsReportedNotApplied(t *testing.T) {
	d := backend.NewDeallocator(nil)

	d.ReleaseUsePermit()
	assert.Equal(t, 0, d.Permits())

	// The mismatch must not poison subsequent accounting.
	d.AcquireUsePermit()
	assert.Equal(t, 1, d.Permits())
	d.ReleaseUsePermit()
	assert.Equal(t, 0, d.Permits())
}
