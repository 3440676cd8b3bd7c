package backend

import (
	"fmt"
	"sync"
	"time"

	"github.com/sebas/callrouter/internal/router/call"
)

// LoopbackConnector serves an in-process simulated backend per descriptor.
// It exists so the binary runs end-to-end without any external service
// process: outgoing attempts are confirmed after a short delay and walk
// through Dialing and Active; local operations are reflected back as state
// reports the way a real backend would report them.
//
// Descriptors served by a LoopbackConnector should be flagged Test so the
// fallback processor's test ordering hook applies to them.
type LoopbackConnector struct {
	// AnswerDelay is how long an outgoing attempt "rings" before the
	// simulated far end answers. Zero means answer immediately after
	// confirmation.
	AnswerDelay time.Duration
}

// Connect implements Connector.
func (l *LoopbackConnector) Connect(desc Descriptor, events Events, onDeath func()) (RemoteService, error) {
	return &loopbackService{
		desc:        desc,
		events:      events,
		answerDelay: l.AnswerDelay,
		closed:      make(chan struct{}),
	}, nil
}

type loopbackService struct {
	desc        Descriptor
	events      Events
	answerDelay time.Duration

	mu     sync.Mutex
	closed chan struct{}
	done   bool
}

func (s *loopbackService) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// AttemptCall implements RemoteService. The simulated far end confirms the
// attempt, reports Dialing, and answers after the configured delay.
func (s *loopbackService) AttemptCall(callID, destination string, extras map[string]string, videoState int) {
	go func() {
		if s.isClosed() {
			return
		}
		s.events.AttemptSucceeded(callID)
		s.events.StateChanged(callID, call.StateDialing, call.CauseUnknown, "")

		select {
		case <-time.After(s.answerDelay):
		case <-s.closed:
			return
		}
		s.events.StateChanged(callID, call.StateActive, call.CauseUnknown, "")
	}()
}

// RetrieveIncomingCall implements RemoteService. The simulated backend
// supplies a synthetic caller immediately.
func (s *loopbackService) RetrieveIncomingCall(callID string, extras map[string]string) {
	go func() {
		if s.isClosed() {
			return
		}
		s.events.IncomingDetails(callID, CallInfo{
			Handle: fmt.Sprintf("tel:loopback-%s", s.desc.ID),
			State:  call.StateRinging,
			Extras: extras,
		})
	}()
}

func (s *loopbackService) AbortAttempt(callID string) {}

func (s *loopbackService) Disconnect(callID string) {
	go func() {
		if s.isClosed() {
			return
		}
		s.events.StateChanged(callID, call.StateDisconnected, call.CauseLocal, "loopback disconnect")
	}()
}

func (s *loopbackService) Hold(callID string) {
	go func() {
		if s.isClosed() {
			return
		}
		s.events.StateChanged(callID, call.StateOnHold, call.CauseUnknown, "")
	}()
}

func (s *loopbackService) Unhold(callID string) {
	go func() {
		if s.isClosed() {
			return
		}
		s.events.StateChanged(callID, call.StateActive, call.CauseUnknown, "")
	}()
}

func (s *loopbackService) Answer(callID string) {
	go func() {
		if s.isClosed() {
			return
		}
		s.events.StateChanged(callID, call.StateActive, call.CauseUnknown, "")
	}()
}

func (s *loopbackService) Reject(callID string) {
	go func() {
		if s.isClosed() {
			return
		}
		s.events.StateChanged(callID, call.StateDisconnected, call.CauseRejected, "rejected")
	}()
}

func (s *loopbackService) PlayTone(callID string, digit byte) {}

func (s *loopbackService) StopTone(callID string) {}

func (s *loopbackService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.closed)
	}
	return nil
}
