package outgoing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callrouter/internal/router/backend"
	"github.com/sebas/callrouter/internal/router/backend/backendtest"
	"github.com/sebas/callrouter/internal/router/call"
	"github.com/sebas/callrouter/internal/router/outgoing"
	"github.com/sebas/callrouter/internal/router/runloop"
)

type fixture struct {
	loop *runloop.Loop
	conn *backendtest.Connector

	outcomes []outgoing.Outcome
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		loop: runloop.New(),
		conn: backendtest.NewConnector(),
	}
	t.Cleanup(f.loop.Stop)
	return f
}

func (f *fixture) onLoop(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, f.loop.Submit(fn))
}

func (f *fixture) wrappers(ids ...string) []*backend.Wrapper {
	out := make([]*backend.Wrapper, 0, len(ids))
	for _, id := range ids {
		out = append(out, backend.NewWrapper(f.loop, backend.Descriptor{ID: id}, f.conn, nil))
	}
	return out
}

// newProcessor builds a session recording its outcome into f.outcomes.
func (f *fixture) newProcessor(c *call.Call, testFirst bool) *outgoing.Processor {
	return outgoing.NewProcessor(c, outgoing.NewClassifier(nil), testFirst, nil, func(o outgoing.Outcome) {
		f.outcomes = append(f.outcomes, o)
	})
}

// waitAttempt waits for the backend with the given ID to receive an attempt.
func (f *fixture) waitAttempt(t *testing.T, id string) string {
	t.Helper()
	fake := f.conn.Fake(id)
	require.Eventually(t, func() bool { return fake.LastAttemptID() != "" },
		time.Second, time.Millisecond, "backend %s never attempted", id)
	return fake.LastAttemptID()
}

func (f *fixture) outcomeCount(t *testing.T) int {
	t.Helper()
	var n int
	f.onLoop(t, func() { n = len(f.outcomes) })
	return n
}

func TestFallbackWalksCandidatesUntilSuccess(t *testing.T) {
	f := newFixture(t)
	c := call.New(call.DirectionOutgoing, "5551234567")
	ws := f.wrappers("gw-a", "gw-b", "gw-c")
	proc := f.newProcessor(c, false)

	f.onLoop(t, func() { proc.Process(ws) })

	idA := f.waitAttempt(t, "gw-a")
	f.conn.Fake("gw-a").Events().AttemptFailed(idA, 7, "all trunks busy")

	idB := f.waitAttempt(t, "gw-b")
	f.conn.Fake("gw-b").Events().AttemptFailed(idB, 3, "unreachable")

	idC := f.waitAttempt(t, "gw-c")
	f.conn.Fake("gw-c").Events().AttemptSucceeded(idC)
	f.onLoop(t, func() {})

	require.Len(t, f.outcomes, 1)
	assert.Equal(t, outgoing.OutcomeSuccess, f.outcomes[0].Kind)
	f.onLoop(t, func() { assert.Equal(t, 3, proc.Attempts()) })

	// No backend was attempted twice.
	for _, id := range []string{"gw-a", "gw-b", "gw-c"} {
		assert.Len(t, f.conn.Fake(id).OpsNamed("attemptCall"), 1, id)
	}

	// The confirming backend stays bound to the call.
	f.onLoop(t, func() {
		require.NotNil(t, c.Service())
		assert.Equal(t, "gw-c", c.Service().ServiceKey())
	})
}

func TestExhaustedCandidatesReportLastError(t *testing.T) {
	f := newFixture(t)
	c := call.New(call.DirectionOutgoing, "5551234567")
	ws := f.wrappers("gw-a", "gw-b")
	proc := f.newProcessor(c, false)

	f.onLoop(t, func() { proc.Process(ws) })

	idA := f.waitAttempt(t, "gw-a")
	f.conn.Fake("gw-a").Events().AttemptFailed(idA, 7, "all trunks busy")
	idB := f.waitAttempt(t, "gw-b")
	f.conn.Fake("gw-b").Events().AttemptFailed(idB, 3, "unreachable")
	f.onLoop(t, func() {})

	require.Len(t, f.outcomes, 1)
	assert.Equal(t, outgoing.OutcomeFailure, f.outcomes[0].Kind)
	assert.Equal(t, 3, f.outcomes[0].Code)
	assert.Equal(t, "unreachable", f.outcomes[0].Message)
	f.onLoop(t, func() { assert.Nil(t, c.Service()) })
}

func TestNoCandidatesFailsWithDefaultError(t *testing.T) {
	f := newFixture(t)
	c := call.New(call.DirectionOutgoing, "5551234567")
	proc := f.newProcessor(c, false)

	f.onLoop(t, func() { proc.Process(nil) })

	require.Len(t, f.outcomes, 1)
	assert.Equal(t, outgoing.OutcomeFailure, f.outcomes[0].Kind)
	assert.Equal(t, backend.CodeNoService, f.outcomes[0].Code)
	assert.Equal(t, "no available call services", f.outcomes[0].Message)
}

func TestAbortFinalizesAsCancelExactlyOnce(t *testing.T) {
	f := newFixture(t)
	c := call.New(call.DirectionOutgoing, "5551234567")
	ws := f.wrappers("gw-a")
	proc := f.newProcessor(c, false)

	f.onLoop(t, func() { proc.Process(ws) })
	idA := f.waitAttempt(t, "gw-a")

	// The backend never responds; the caller gives up.
	f.onLoop(t, func() { proc.Abort() })

	require.Equal(t, 1, f.outcomeCount(t))
	assert.Equal(t, outgoing.OutcomeCancel, f.outcomes[0].Kind)
	assert.Len(t, f.conn.Fake("gw-a").OpsNamed("abortAttempt"), 1)
	f.onLoop(t, func() { assert.Nil(t, c.Service()) })

	// Whatever the backend answers afterwards must not re-finalize.
	f.conn.Fake("gw-a").Events().AttemptSucceeded(idA)
	f.onLoop(t, func() {})
	assert.Equal(t, 1, f.outcomeCount(t))

	// As must a second abort.
	f.onLoop(t, func() { proc.Abort() })
	assert.Equal(t, 1, f.outcomeCount(t))
}

func TestAbortWhileBindInFlightSendsNoAttempt(t *testing.T) {
	f := newFixture(t)
	c := call.New(call.DirectionOutgoing, "5551234567")
	ws := f.wrappers("gw-a")
	proc := f.newProcessor(c, false)

	// Abort lands in the same loop turn as Process, while gw-a's bind is
	// still connecting.
	f.onLoop(t, func() {
		proc.Process(ws)
		proc.Abort()
	})

	require.Equal(t, 1, f.outcomeCount(t))
	assert.Equal(t, outgoing.OutcomeCancel, f.outcomes[0].Kind)

	// The bind still completes, but the aborted attempt never goes out.
	require.Eventually(t, func() bool {
		var bound bool
		f.onLoop(t, func() { bound = ws[0].State() == backend.Bound })
		return bound
	}, time.Second, time.Millisecond)
	assert.Empty(t, f.conn.Fake("gw-a").OpsNamed("attemptCall"))
	assert.Equal(t, 1, f.outcomeCount(t))
}

func TestAbortBeforeLookupCompletesSuppressesProcessing(t *testing.T) {
	f := newFixture(t)
	c := call.New(call.DirectionOutgoing, "5551234567")
	ws := f.wrappers("gw-a")
	proc := f.newProcessor(c, false)

	f.onLoop(t, func() {
		proc.Abort()
		proc.Process(ws)
	})
	f.onLoop(t, func() {})

	require.Len(t, f.outcomes, 1)
	assert.Equal(t, outgoing.OutcomeCancel, f.outcomes[0].Kind)
	assert.Empty(t, f.conn.Fake("gw-a").OpsNamed("attemptCall"))
}

func TestRemoteCancelFinalizesAsCancel(t *testing.T) {
	f := newFixture(t)
	c := call.New(call.DirectionOutgoing, "5551234567")
	ws := f.wrappers("gw-a")
	proc := f.newProcessor(c, false)

	f.onLoop(t, func() { proc.Process(ws) })
	idA := f.waitAttempt(t, "gw-a")
	f.conn.Fake("gw-a").Events().AttemptCancelled(idA)
	f.onLoop(t, func() {})

	require.Len(t, f.outcomes, 1)
	assert.Equal(t, outgoing.OutcomeCancel, f.outcomes[0].Kind)
}

func TestBindRefusedFallsThroughToNextCandidate(t *testing.T) {
	f := newFixture(t)
	f.conn.RefuseBind["gw-a"] = true
	c := call.New(call.DirectionOutgoing, "5551234567")
	ws := f.wrappers("gw-a", "gw-b")
	proc := f.newProcessor(c, false)

	f.onLoop(t, func() { proc.Process(ws) })

	idB := f.waitAttempt(t, "gw-b")
	f.conn.Fake("gw-b").Events().AttemptSucceeded(idB)
	f.onLoop(t, func() {})

	require.Len(t, f.outcomes, 1)
	assert.Equal(t, outgoing.OutcomeSuccess, f.outcomes[0].Kind)
}

func TestDuplicateCandidatesAttemptedOnce(t *testing.T) {
	f := newFixture(t)
	c := call.New(call.DirectionOutgoing, "5551234567")
	ws := f.wrappers("gw-a")
	dup := append([]*backend.Wrapper{ws[0]}, ws[0])
	proc := f.newProcessor(c, false)

	f.onLoop(t, func() { proc.Process(dup) })
	idA := f.waitAttempt(t, "gw-a")
	f.conn.Fake("gw-a").Events().AttemptFailed(idA, 7, "busy")
	f.onLoop(t, func() {})

	require.Len(t, f.outcomes, 1)
	assert.Equal(t, outgoing.OutcomeFailure, f.outcomes[0].Kind)
	assert.Len(t, f.conn.Fake("gw-a").OpsNamed("attemptCall"), 1)
}

func TestEmergencyCallAttemptsPSTNFirst(t *testing.T) {
	f := newFixture(t)
	c := call.New(call.DirectionOutgoing, "911")
	loop := f.loop
	ws := []*backend.Wrapper{
		backend.NewWrapper(loop, backend.Descriptor{ID: "gw-voip"}, f.conn, nil),
		backend.NewWrapper(loop, backend.Descriptor{ID: "gw-pstn", PSTN: true}, f.conn, nil),
	}
	proc := f.newProcessor(c, false)

	f.onLoop(t, func() { proc.Process(ws) })

	id := f.waitAttempt(t, "gw-pstn")
	assert.Empty(t, f.conn.Fake("gw-voip").OpsNamed("attemptCall"))
	f.conn.Fake("gw-pstn").Events().AttemptSucceeded(id)
	f.onLoop(t, func() {})

	require.Len(t, f.outcomes, 1)
	assert.Equal(t, outgoing.OutcomeSuccess, f.outcomes[0].Kind)
}

func TestOrderCandidates(t *testing.T) {
	loop := runloop.New()
	defer loop.Stop()
	conn := backendtest.NewConnector()
	mk := func(d backend.Descriptor) *backend.Wrapper { return backend.NewWrapper(loop, d, conn, nil) }

	voip := mk(backend.Descriptor{ID: "voip"})
	pstn := mk(backend.Descriptor{ID: "pstn", PSTN: true})
	test := mk(backend.Descriptor{ID: "test", Test: true})
	in := []*backend.Wrapper{voip, pstn, test, voip}

	keys := func(ws []*backend.Wrapper) []string {
		out := make([]string, len(ws))
		for i, w := range ws {
			out[i] = w.ServiceKey()
		}
		return out
	}

	assert.Equal(t, []string{"voip", "pstn", "test"}, keys(outgoing.OrderCandidates(in, false, false)))
	assert.Equal(t, []string{"pstn", "voip", "test"}, keys(outgoing.OrderCandidates(in, true, false)))
	assert.Equal(t, []string{"test", "voip", "pstn"}, keys(outgoing.OrderCandidates(in, false, true)))
	// Emergency wins over the test-first hook.
	assert.Equal(t, []string{"pstn", "voip", "test"}, keys(outgoing.OrderCandidates(in, true, true)))
}
