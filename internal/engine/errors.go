package engine

import "fmt"

// notBuiltError signals that the binary was compiled without the 'llama'
// build tag and no native runtime is available.
type notBuiltError struct{}

func (notBuiltError) Error() string {
	return "native engine support not built (missing 'llama' build tag)"
}

// ErrNotBuilt reports a build without native engine support.
func ErrNotBuilt() error { return notBuiltError{} }

// IsNotBuilt reports whether err indicates a binary without native support.
func IsNotBuilt(err error) bool {
	_, ok := err.(notBuiltError)
	return ok
}

// FormatError indicates the weights file exists but could not be parsed as
// a model the engine understands.
type FormatError struct {
	Path   string
	Reason string
}

func (e FormatError) Error() string {
	return fmt.Sprintf("model format error: %s: %s", e.Path, e.Reason)
}

// IsFormat reports whether err indicates unreadable or malformed weights.
func IsFormat(err error) bool {
	_, ok := err.(FormatError)
	return ok
}

// OutOfMemoryError indicates device memory was insufficient for the model
// at the requested context size.
type OutOfMemoryError struct {
	ContextSize int
}

func (e OutOfMemoryError) Error() string {
	return fmt.Sprintf("out of memory loading model (context size %d)", e.ContextSize)
}

// IsOutOfMemory reports whether err indicates a memory exhaustion failure.
func IsOutOfMemory(err error) bool {
	_, ok := err.(OutOfMemoryError)
	return ok
}

// TokenizeError indicates text the native tokenizer rejected.
type TokenizeError struct {
	Reason string
}

func (e TokenizeError) Error() string { return "tokenization failed: " + e.Reason }

// IsTokenize reports whether err came from the native tokenizer.
func IsTokenize(err error) bool {
	_, ok := err.(TokenizeError)
	return ok
}

// DecodeError is an opaque native evaluation failure. It is fatal to the
// session it occurred in, not to the loaded model.
type DecodeError struct {
	Op     string
	Reason string
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("native decode failed during %s: %s", e.Op, e.Reason)
}

// IsDecode reports whether err is an opaque native decode failure.
func IsDecode(err error) bool {
	_, ok := err.(DecodeError)
	return ok
}
