package manager

import "fmt"

// busyError signals a generation request that overlapped an active session.
// Fail-fast by contract: callers that want queuing implement it above this
// layer.
type busyError struct{}

func (busyError) Error() string { return "generation already in progress" }

// IsBusy reports whether err indicates an overlapping generation request.
func IsBusy(err error) bool {
	_, ok := err.(busyError)
	return ok
}

// sessionActiveError signals an unload attempted while a generation session
// holds the handle.
type sessionActiveError struct{}

func (sessionActiveError) Error() string { return "inference session active" }

// IsSessionActive reports whether err indicates unload was refused because
// a session is running.
func IsSessionActive(err error) bool {
	_, ok := err.(sessionActiveError)
	return ok
}

// modelFileNotFoundError reports a missing weights or projector file.
type modelFileNotFoundError struct{ path string }

func (e modelFileNotFoundError) Error() string { return "model file not found: " + e.path }

// IsModelFileNotFound reports whether err indicates a missing model asset.
func IsModelFileNotFound(err error) bool {
	_, ok := err.(modelFileNotFoundError)
	return ok
}

// contextOverflowError reports that the prompt plus generated tokens
// exhausted the context window. Never silently truncated.
type contextOverflowError struct {
	nPast int
	nCtx  int
}

func (e contextOverflowError) Error() string {
	return fmt.Sprintf("context window exhausted: n_past=%d context_size=%d", e.nPast, e.nCtx)
}

// IsContextOverflow reports whether err indicates context exhaustion.
func IsContextOverflow(err error) bool {
	_, ok := err.(contextOverflowError)
	return ok
}

// invalidStateError reports an operation attempted from the wrong lifecycle
// state, e.g. load while loaded or generate while unloaded.
type invalidStateError struct {
	op    string
	state State
}

func (e invalidStateError) Error() string {
	return fmt.Sprintf("cannot %s in state %q", e.op, e.state)
}

// IsInvalidState reports whether err indicates a lifecycle state violation.
func IsInvalidState(err error) bool {
	_, ok := err.(invalidStateError)
	return ok
}
