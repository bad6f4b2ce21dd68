package types

// Asset represents a discoverable model file on disk: either decoder
// weights or a vision projector (mmproj).
type Asset struct {
	// Stable identifier derived from the filename.
	ID string `json:"id"`
	// Human-friendly name.
	Name string `json:"name"`
	// Absolute path to the file on disk.
	Path string `json:"path"`
	// Quantization level or variant string, when recognizable.
	Quant string `json:"quant,omitempty"`
	// Kind distinguishes decoder weights from vision projectors.
	Kind AssetKind `json:"kind"`
}

// AssetKind classifies a model file.
type AssetKind string

const (
	AssetModel     AssetKind = "model"
	AssetProjector AssetKind = "projector"
)

// StatusResponse is the read-only view served by GET /status on the debug
// endpoint and returned by Manager.Status.
type StatusResponse struct {
	// Lifecycle state (unloaded, loading, loaded, unloading, load_failed).
	State string `json:"state"`
	// Backend in use once loaded (gpu or cpu).
	Backend string `json:"backend,omitempty"`
	// True if a GPU backend was requested but the load fell back to CPU.
	GPUFallback bool `json:"gpu_fallback,omitempty"`
	// Paths of the loaded assets.
	ModelPath     string `json:"model_path,omitempty"`
	ProjectorPath string `json:"projector_path,omitempty"`
	// True while a generation session holds the handle.
	SessionActive bool `json:"session_active"`
	// Totals since construction.
	LoadsTotal       uint64 `json:"loads_total"`
	GenerationsTotal uint64 `json:"generations_total"`
	TokensTotal      uint64 `json:"tokens_total"`
	// Last error observed by the manager (if any).
	LastError string `json:"last_error,omitempty"`
	// Uptime of the manager in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
