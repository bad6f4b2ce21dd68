package manager

import (
	"sync"

	"github.com/google/uuid"
)

// InferenceSession tracks the state of one generation request while it holds
// the native handle. It lives from admission until the decode goroutine
// exits; callers only ever see the Stream derived from it.
type InferenceSession struct {
	id    string
	nPast int

	// cancel closes once when cooperative cancellation is requested. The
	// decode loop observes it between steps and while blocked on emit, so
	// cancellation takes effect within one token.
	cancel     chan struct{}
	cancelOnce sync.Once

	// done closes exactly once when the decode loop has fully finished and
	// the single-flight slot has been released.
	done     chan struct{}
	doneOnce sync.Once
}

func newInferenceSession() *InferenceSession {
	return &InferenceSession{
		id:     uuid.NewString(),
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// ID returns the session's unique identifier, used in logs and events.
func (s *InferenceSession) ID() string { return s.id }

// requestCancel flags the session for cooperative cancellation. Idempotent.
func (s *InferenceSession) requestCancel() {
	s.cancelOnce.Do(func() { close(s.cancel) })
}

func (s *InferenceSession) isCancelled() bool {
	select {
	case <-s.cancel:
		return true
	default:
		return false
	}
}

func (s *InferenceSession) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Done is closed once the session has released the native handle. Unload
// callers can wait on it after cancelling.
func (s *InferenceSession) Done() <-chan struct{} { return s.done }
