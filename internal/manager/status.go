package manager

import (
	"time"

	"vlmd/pkg/types"
)

// Status returns a point-in-time snapshot for the debug endpoint. It never
// blocks on the native layer.
func (m *Manager) Status() types.StatusResponse {
	m.mu.RLock()
	state := m.state
	res := m.loadResult
	lastErr := m.lastErr
	m.mu.RUnlock()

	now := time.Now()
	out := types.StatusResponse{
		State:            string(state),
		SessionActive:    m.SessionActive(),
		LoadsTotal:       m.loadsTotal.Load(),
		GenerationsTotal: m.gensTotal.Load(),
		TokensTotal:      m.tokensTotal.Load(),
		LastError:        lastErr,
		UptimeSeconds:    int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix:   now.Unix(),
	}
	if state == StateLoaded {
		out.Backend = string(res.Backend)
		out.GPUFallback = res.GPUFallback
		out.ModelPath = m.cfg.ModelPath
		out.ProjectorPath = m.cfg.ProjectorPath
	}
	return out
}
