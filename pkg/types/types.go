package types

// Backend identifies the compute backend a model ended up on.
type Backend string

const (
	BackendGPU Backend = "gpu"
	BackendCPU Backend = "cpu"
)

// ModelConfig holds the tunables used when loading a model.
// Zero values mean "unspecified" and are replaced by manager defaults.
type ModelConfig struct {
	// Size of the decoder context window in tokens.
	ContextSize int `json:"context_size"`
	// Number of CPU threads for native evaluation.
	ThreadCount int `json:"thread_count"`
	// Attempt the GPU backend first; fall back to CPU if unavailable.
	UseGPU bool `json:"use_gpu"`
	// Default cap on generated tokens per request.
	MaxTokens int `json:"max_tokens"`
}

// LoadResult reports the outcome of a successful model load. The GPU to CPU
// fallback is recorded here rather than surfaced as an error so callers can
// log it.
type LoadResult struct {
	Backend     Backend `json:"backend"`
	GPUFallback bool    `json:"gpu_fallback"`
	LoadMillis  int64   `json:"load_ms"`
}

// StopReason explains why a token stream produced its final event.
type StopReason string

const (
	StopEOS       StopReason = "eos"
	StopMaxTokens StopReason = "max_tokens"
	StopCancelled StopReason = "cancelled"
	StopError     StopReason = "error"
)

// TokenEvent is one decoded text fragment of a generation. Seq increases
// monotonically from 0; exactly one event per stream carries Final=true.
type TokenEvent struct {
	Seq   int    `json:"seq"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
	// Reason is set only on the final event.
	Reason StopReason `json:"reason,omitempty"`
}
