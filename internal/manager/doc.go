// Package manager owns the native model lifecycle and coordinates
// generation requests against it. It is structured into small files by
// concern:
//
//   - manager.go: core Manager type, constructor, simple queries.
//   - config.go: ManagerConfig and package defaults.
//   - errors.go: error types and helpers (IsBusy, IsSessionActive, ...).
//   - lifecycle.go: Load/Unload state machine over the native handle.
//   - generate.go: single-flight generation admission and the decode loop.
//   - session.go: per-request InferenceSession state (n_past, cancel flag).
//   - stream.go: the pull-based, cancellable token stream handed to callers.
//   - events.go: lifecycle event publishing.
//   - metrics.go: Prometheus instrumentation.
//   - status.go: Status/Snapshot reporting.
//
// Exactly one model may be loaded at a time and exactly one generation may
// run against it; overlapping generation requests fail fast with a busy
// error instead of queuing. Image preprocessing and prompt building are
// pure and live in their own packages; nothing here is safe to bypass when
// touching the native handle.
package manager
