package manager

import (
	"context"
	"time"

	"vlmd/internal/common/fsutil"
	"vlmd/internal/engine"
	"vlmd/pkg/types"
)

// Load brings the model and its vision projector into memory. It is valid
// only from the unloaded (or load_failed) state; call Unload first to
// replace a loaded model. On failure the manager is left unloaded or in
// load_failed depending on how far the native load got, and the error is
// surfaced verbatim to the caller.
func (m *Manager) Load(ctx context.Context) (types.LoadResult, error) {
	m.mu.Lock()
	switch m.state {
	case StateUnloaded, StateLoadFailed:
	default:
		st := m.state
		m.mu.Unlock()
		return types.LoadResult{}, invalidStateError{op: "load", state: st}
	}
	m.state = StateLoading
	m.lastErr = ""
	modelPath := m.cfg.ModelPath
	projPath := m.cfg.ProjectorPath
	mc := m.cfg.Model
	m.mu.Unlock()

	m.publisher.Publish(Event{Name: "load_start", Fields: map[string]any{
		"model": modelPath, "projector": projPath,
	}})

	// Preflight both asset paths before touching the native layer so a typo
	// fails fast with a clear error instead of a native format error.
	for _, p := range []string{modelPath, projPath} {
		if !fsutil.PathExists(p) {
			err := modelFileNotFoundError{path: p}
			m.failLoad(StateUnloaded, err)
			return types.LoadResult{}, err
		}
	}

	start := time.Now()
	handle, err := m.cfg.Engine.Load(ctx, modelPath, projPath, engine.Options{
		ContextSize: mc.ContextSize,
		Threads:     mc.ThreadCount,
		UseGPU:      mc.UseGPU,
	})
	if err != nil {
		m.failLoad(StateLoadFailed, err)
		return types.LoadResult{}, err
	}

	res := types.LoadResult{
		Backend:     handle.Backend(),
		GPUFallback: mc.UseGPU && handle.Backend() == types.BackendCPU,
		LoadMillis:  time.Since(start).Milliseconds(),
	}

	m.mu.Lock()
	m.handle = handle
	m.loadResult = res
	m.state = StateLoaded
	m.mu.Unlock()

	m.loadsTotal.Add(1)
	metricLoads.Inc()
	metricLoadDuration.Observe(float64(res.LoadMillis) / 1000.0)

	m.log.Info().
		Str("backend", string(res.Backend)).
		Bool("gpu_fallback", res.GPUFallback).
		Int64("load_ms", res.LoadMillis).
		Msg("model loaded")
	m.publisher.Publish(Event{Name: "load_done", Fields: map[string]any{
		"backend": string(res.Backend), "gpu_fallback": res.GPUFallback, "dur_ms": res.LoadMillis,
	}})
	return res, nil
}

func (m *Manager) failLoad(next State, err error) {
	m.mu.Lock()
	m.state = next
	m.lastErr = err.Error()
	m.mu.Unlock()

	m.log.Error().Err(err).Msg("model load failed")
	m.publisher.Publish(Event{Name: "load_error", Fields: map[string]any{"error": err.Error()}})
}

// Unload releases the native handle. It refuses while a generation session
// holds the handle; cancel or drain the session first.
func (m *Manager) Unload() error {
	// Take the single-flight slot so no generation can start mid-unload. A
	// held slot means a session is live and unload must be refused, not
	// queued behind it.
	select {
	case m.genCh <- struct{}{}:
	default:
		return sessionActiveError{}
	}
	defer func() { <-m.genCh }()

	m.mu.Lock()
	if m.state != StateLoaded {
		st := m.state
		m.mu.Unlock()
		return invalidStateError{op: "unload", state: st}
	}
	m.state = StateUnloading
	handle := m.handle
	m.mu.Unlock()

	m.publisher.Publish(Event{Name: "unload_start", Fields: map[string]any{}})
	err := handle.Free()

	m.mu.Lock()
	m.handle = nil
	m.loadResult = types.LoadResult{}
	m.state = StateUnloaded
	m.mu.Unlock()

	if err != nil {
		m.log.Error().Err(err).Msg("native free reported an error")
		m.publisher.Publish(Event{Name: "unload_error", Fields: map[string]any{"error": err.Error()}})
		return err
	}
	m.log.Info().Msg("model unloaded")
	m.publisher.Publish(Event{Name: "unload_done", Fields: map[string]any{}})
	return nil
}
