package manager

import (
	"context"
	"io"

	"vlmd/pkg/types"
)

// Stream is the caller's handle on a running generation. Events are pulled
// with Recv; the producer blocks when the caller falls behind, so tokens are
// delivered in order with no unbounded buffering.
type Stream struct {
	sess *InferenceSession

	// ch carries token events from the decode goroutine. Capacity one: the
	// producer may run at most one event ahead of the consumer.
	ch chan types.TokenEvent

	// err is set by the producer before ch is closed; it is only read after
	// the close is observed, so no lock is needed.
	err error
}

func newStream(sess *InferenceSession) *Stream {
	return &Stream{sess: sess, ch: make(chan types.TokenEvent, 1)}
}

// Recv returns the next token event. After the final event has been
// delivered it returns io.EOF, or the generation's error if it ended
// abnormally. ctx only bounds this call; use Cancel to stop the generation
// itself.
func (st *Stream) Recv(ctx context.Context) (types.TokenEvent, error) {
	select {
	case ev, ok := <-st.ch:
		if !ok {
			if st.err != nil {
				return types.TokenEvent{}, st.err
			}
			return types.TokenEvent{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return types.TokenEvent{}, ctx.Err()
	}
}

// Cancel requests cooperative cancellation. The decode loop stops within one
// step and emits a final event with the cancelled stop reason; Cancel is
// safe to call from any goroutine and is idempotent.
func (st *Stream) Cancel() {
	st.sess.requestCancel()
}

// Done is closed once the generation has released the model handle.
func (st *Stream) Done() <-chan struct{} { return st.sess.Done() }
