// Package outgoing implements the fallback state machine for placing a call:
// candidate backends are attempted in order until one confirms, the caller
// aborts, or the list is exhausted.
package outgoing

import (
	"log/slog"

	"github.com/sebas/callrouter/internal/router/backend"
	"github.com/sebas/callrouter/internal/router/call"
	"github.com/sebas/callrouter/internal/router/metrics"
)

// OutcomeKind is the final disposition of an outgoing session.
type OutcomeKind int

const (
	// OutcomeSuccess means a backend confirmed the call.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeFailure means every candidate declined; Code/Message carry the
	// last recorded error.
	OutcomeFailure
	// OutcomeCancel means the attempt was aborted, locally or by the
	// backend. A cancel is a normal termination, not a fault.
	OutcomeCancel
)

// String returns the string representation of OutcomeKind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "Success"
	case OutcomeFailure:
		return "Failure"
	case OutcomeCancel:
		return "Cancel"
	default:
		return "Unknown"
	}
}

// Outcome is the single result an outgoing session reports.
type Outcome struct {
	Kind    OutcomeKind
	Code    int
	Message string
}

// Processor drives one outgoing call attempt across an ordered candidate
// list. The result callback fires exactly once; a second finalization is an
// internal-consistency bug and is reported loudly.
//
// Processor is confined to the run loop.
type Processor struct {
	call       *call.Call
	classifier *Classifier
	testFirst  bool
	metrics    *metrics.Metrics

	candidates []*backend.Wrapper
	attempted  map[string]bool
	current    *backend.Wrapper

	lastCode    int
	lastMessage string
	attempts    int

	done func(Outcome)
}

// NewProcessor creates a session for c. classifier decides emergency
// routing; testFirst enables the development hook that moves a test backend
// to the front of non-emergency calls. done fires exactly once.
func NewProcessor(c *call.Call, classifier *Classifier, testFirst bool, m *metrics.Metrics, done func(Outcome)) *Processor {
	return &Processor{
		call:       c,
		classifier: classifier,
		testFirst:  testFirst,
		metrics:    m,
		attempted:  make(map[string]bool),
		done:       done,
	}
}

// Process orders the candidate list and starts attempting. Typically invoked
// as the completion of a registry lookup.
func (p *Processor) Process(wrappers []*backend.Wrapper) {
	if p.done == nil {
		// Aborted before the lookup completed.
		return
	}

	emergency := p.classifier != nil && p.classifier.IsEmergencyNumber(p.call.Handle())
	p.candidates = OrderCandidates(wrappers, emergency, p.testFirst)

	if emergency {
		slog.Info("[Outgoing] Emergency call, PSTN backend prioritized",
			"handle", p.call.Handle(), "candidates", len(p.candidates))
	}

	p.attemptNext()
}

// OrderCandidates deduplicates wrappers by identity and applies the ordering
// overrides: for an emergency destination the first PSTN-capable backend
// moves to the front; otherwise, when testFirst is set, the first test
// backend moves to the front. Pure and synchronous.
func OrderCandidates(wrappers []*backend.Wrapper, emergency, testFirst bool) []*backend.Wrapper {
	seen := make(map[string]bool, len(wrappers))
	ordered := make([]*backend.Wrapper, 0, len(wrappers))
	for _, w := range wrappers {
		if seen[w.ServiceKey()] {
			continue
		}
		seen[w.ServiceKey()] = true
		ordered = append(ordered, w)
	}

	moveToFront := func(match func(backend.Descriptor) bool) {
		for i, w := range ordered {
			if match(w.Descriptor()) {
				copy(ordered[1:i+1], ordered[:i])
				ordered[0] = w
				return
			}
		}
	}

	if emergency {
		moveToFront(func(d backend.Descriptor) bool { return d.PSTN })
	} else if testFirst {
		moveToFront(func(d backend.Descriptor) bool { return d.Test })
	}
	return ordered
}

func (p *Processor) attemptNext() {
	if p.done == nil {
		return
	}

	for _, w := range p.candidates {
		if p.attempted[w.ServiceKey()] {
			continue
		}
		p.attempted[w.ServiceKey()] = true
		p.attempts++
		p.current = w

		slog.Debug("[Outgoing] Attempting backend",
			"backend", w.Descriptor().String(),
			"handle", p.call.Handle(),
			"attempt", p.attempts)

		// Holding the call on the wrapper keeps it ineligible for unbind
		// for the duration of the attempt. The reference is released
		// exactly once per attempt: cleared on failure/cancel, retained
		// past finalization on success (the call now owns the backend).
		p.call.BindService(w)
		w.Call(p.call, 0, &attemptHandler{p: p, w: w})
		return
	}

	// List exhausted.
	code, message := p.lastCode, p.lastMessage
	if message == "" && code == 0 {
		code = backend.CodeNoService
		message = "no available call services"
	}
	p.finish(Outcome{Kind: OutcomeFailure, Code: code, Message: message})
}

// Abort cancels the session: cooperative, caller-initiated. If a backend
// attempt is in flight it is told to abort. The session finalizes as a
// cancel (normal termination) exactly once; aborting an already-finalized
// session is a no-op.
func (p *Processor) Abort() {
	if p.done == nil {
		return
	}
	if p.current != nil {
		p.current.AbortAttempt(p.call)
		p.call.ClearService()
		p.current = nil
	}
	p.finish(Outcome{Kind: OutcomeCancel})
}

// Attempts returns how many backends were attempted.
func (p *Processor) Attempts() int { return p.attempts }

func (p *Processor) finish(o Outcome) {
	if p.done == nil {
		slog.Error("BUG: outgoing session finalized twice",
			"handle", p.call.Handle(), "outcome", o.Kind.String())
		p.metrics.ContractViolation("double_finalize")
		return
	}
	done := p.done
	p.done = nil
	p.current = nil
	p.metrics.FallbackDepth(p.attempts)
	done(o)
}

// attemptHandler routes one backend's three-way response back into the
// session. The wrapper guarantees at most one invocation per attempt, on the
// run loop.
type attemptHandler struct {
	p *Processor
	w *backend.Wrapper
}

func (h *attemptHandler) OnSuccess() {
	p := h.p
	if p.done == nil || p.current != h.w {
		return
	}
	p.finish(Outcome{Kind: OutcomeSuccess})
}

func (h *attemptHandler) OnFailure(code int, message string) {
	p := h.p
	if p.done == nil || p.current != h.w {
		return
	}
	slog.Debug("[Outgoing] Backend declined",
		"backend", h.w.Descriptor().String(), "code", code, "message", message)
	p.lastCode = code
	p.lastMessage = message
	p.call.ClearService()
	p.current = nil
	p.attemptNext()
}

func (h *attemptHandler) OnCancel() {
	p := h.p
	if p.done == nil || p.current != h.w {
		return
	}
	// Remote-initiated abort: same disposition as a local abort.
	p.call.ClearService()
	p.current = nil
	p.finish(Outcome{Kind: OutcomeCancel})
}
