package incoming_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callrouter/internal/router/backend"
	"github.com/sebas/callrouter/internal/router/backend/backendtest"
	"github.com/sebas/callrouter/internal/router/call"
	"github.com/sebas/callrouter/internal/router/incoming"
	"github.com/sebas/callrouter/internal/router/runloop"
)

type fixture struct {
	loop *runloop.Loop
	conn *backendtest.Connector
	mgr  *incoming.Manager

	succeeded []*call.Call
	failed    []*call.Call
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	f := &fixture{
		loop: runloop.New(),
		conn: backendtest.NewConnector(),
	}
	f.mgr = incoming.NewManager(incoming.Config{
		Loop:    f.loop,
		Timeout: timeout,
		OnSuccess: func(c *call.Call, w *backend.Wrapper, info backend.CallInfo) {
			f.succeeded = append(f.succeeded, c)
		},
		OnFailure: func(c *call.Call, w *backend.Wrapper) {
			f.failed = append(f.failed, c)
		},
	})
	t.Cleanup(f.loop.Stop)
	return f
}

func (f *fixture) onLoop(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, f.loop.Submit(fn))
}

func (f *fixture) wrapper(id string) *backend.Wrapper {
	return backend.NewWrapper(f.loop, backend.Descriptor{ID: id}, f.conn, nil)
}

func (f *fixture) waitRetrieve(t *testing.T, id string) string {
	t.Helper()
	fake := f.conn.Fake(id)
	require.Eventually(t, func() bool { return fake.LastRetrieveID() != "" },
		time.Second, time.Millisecond)
	return fake.LastRetrieveID()
}

func TestRetrievalAppliesDetails(t *testing.T) {
	f := newFixture(t, time.Minute)
	w := f.wrapper("gw-1")
	c := call.New(call.DirectionIncoming, "")

	f.onLoop(t, func() { f.mgr.RetrieveIncomingCall(c, w, map[string]string{"trace": "t-1"}) })
	id := f.waitRetrieve(t, "gw-1")

	f.conn.Fake("gw-1").Events().IncomingDetails(id, backend.CallInfo{
		Handle: "sip:alice@example.com",
		State:  call.StateRinging,
		Extras: map[string]string{"display": "Alice"},
	})
	f.onLoop(t, func() {})

	require.Equal(t, []*call.Call{c}, f.succeeded)
	assert.Empty(t, f.failed)
	assert.Equal(t, "sip:alice@example.com", c.Handle())
	assert.Equal(t, call.StateRinging, c.State())
	assert.Equal(t, "Alice", c.Extras()["display"])
	f.onLoop(t, func() { assert.Zero(t, f.mgr.PendingCount()) })
}

func TestTimeoutFailsRetrievalAndIgnoresLateDetails(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	w := f.wrapper("gw-1")
	c := call.New(call.DirectionIncoming, "")

	f.onLoop(t, func() { f.mgr.RetrieveIncomingCall(c, w, nil) })
	id := f.waitRetrieve(t, "gw-1")

	require.Eventually(t, func() bool {
		var n int
		f.onLoop(t, func() { n = len(f.failed) })
		return n == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []*call.Call{c}, f.failed)

	// Details after the deadline must go nowhere, at either layer.
	f.conn.Fake("gw-1").Events().IncomingDetails(id, backend.CallInfo{Handle: "late"})
	f.onLoop(t, func() {})

	assert.Empty(t, f.succeeded)
	assert.Equal(t, 1, len(f.failed))
	assert.Equal(t, "", c.Handle())
}

func TestDetailsBeforeTimeoutWinRace(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	w := f.wrapper("gw-1")
	c := call.New(call.DirectionIncoming, "")

	f.onLoop(t, func() { f.mgr.RetrieveIncomingCall(c, w, nil) })
	id := f.waitRetrieve(t, "gw-1")
	f.conn.Fake("gw-1").Events().IncomingDetails(id, backend.CallInfo{Handle: "alice"})
	f.onLoop(t, func() {})

	require.Len(t, f.succeeded, 1)

	// The timer may still fire; it must not produce a failure.
	time.Sleep(80 * time.Millisecond)
	f.onLoop(t, func() {})
	assert.Empty(t, f.failed)
	assert.Len(t, f.succeeded, 1)
}

func TestBackendDeathFailsRetrieval(t *testing.T) {
	f := newFixture(t, time.Minute)
	w := f.wrapper("gw-1")
	c := call.New(call.DirectionIncoming, "")

	f.onLoop(t, func() { f.mgr.RetrieveIncomingCall(c, w, nil) })
	f.waitRetrieve(t, "gw-1")

	f.conn.Fake("gw-1").Die()
	f.onLoop(t, func() {})

	assert.Equal(t, []*call.Call{c}, f.failed)
	assert.Empty(t, f.succeeded)
	f.onLoop(t, func() { assert.Zero(t, f.mgr.PendingCount()) })
}

func TestBindFailureFailsRetrieval(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.conn.RefuseBind["gw-1"] = true
	w := f.wrapper("gw-1")
	c := call.New(call.DirectionIncoming, "")

	f.onLoop(t, func() { f.mgr.RetrieveIncomingCall(c, w, nil) })

	require.Eventually(t, func() bool {
		var n int
		f.onLoop(t, func() { n = len(f.failed) })
		return n == 1
	}, time.Second, time.Millisecond)
	assert.Empty(t, f.succeeded)
}

func TestDuplicateRetrievalIsRejected(t *testing.T) {
	f := newFixture(t, time.Minute)
	w := f.wrapper("gw-1")
	c := call.New(call.DirectionIncoming, "")

	f.onLoop(t, func() {
		f.mgr.RetrieveIncomingCall(c, w, nil)
		f.mgr.RetrieveIncomingCall(c, w, nil)
		assert.Equal(t, 1, f.mgr.PendingCount())
	})
}
