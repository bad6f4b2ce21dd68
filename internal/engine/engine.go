// Package engine wraps the native vision-language decoder behind a small
// C-shaped contract: load, evaluate-chunk, decode-step, free. The manager
// treats everything behind these interfaces as opaque.
//
// Build tags and runtimes:
//
//   - Real inference uses the yzma llama.cpp bindings and is enabled with
//     `-tags=llama` (yzma.go). Default builds compile a stub (stub.go) that
//     fails fast instead of mocking inference.
package engine

import (
	"context"

	"vlmd/internal/imageproc"
	"vlmd/pkg/types"
)

// Options carries the native load parameters.
type Options struct {
	// ContextSize is the decoder context window in tokens.
	ContextSize int
	// Threads is the CPU thread count for evaluation.
	Threads int
	// UseGPU asks for the GPU backend first. Unavailability is not an
	// error; the handle reports the backend actually used.
	UseGPU bool
}

// Engine creates native handles. Implementations must release everything
// they allocated when a later stage of the load fails.
type Engine interface {
	// Load loads the decoder weights, then the vision projector. The
	// returned handle owns both.
	Load(ctx context.Context, modelPath, projectorPath string, opts Options) (Handle, error)
}

// Handle owns one loaded model plus projector. At most one Session may be
// open at a time; the caller enforces that.
type Handle interface {
	// Backend reports the compute backend the model landed on.
	Backend() types.Backend
	// ContextSize reports the context window the model was loaded with.
	ContextSize() int
	// NewSession prepares fresh decode state for one generation.
	NewSession() (Session, error)
	// Free releases the native resources. Idempotent; the native free runs
	// exactly once.
	Free() error
}

// Session is the mutable decode state of one generation request.
type Session interface {
	// EvalText tokenizes text and feeds it at position nPast. Returns the
	// number of token positions consumed.
	EvalText(text string, nPast int) (int, error)
	// EvalImage runs the projector on a preprocessed image and feeds the
	// resulting embeddings at position nPast. Returns the number of
	// embedding positions consumed (not pixels).
	EvalImage(img *imageproc.PreprocessedImage, nPast int) (int, error)
	// Step greedily samples the next token, feeds it back, and returns the
	// decoded piece. eos is true when the end-of-sequence token was
	// sampled; no piece accompanies it.
	Step() (piece string, eos bool, err error)
	// Close releases per-session state. The handle stays usable.
	Close() error
}
