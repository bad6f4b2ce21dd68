package manager

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"vlmd/internal/engine"
	"vlmd/pkg/types"
)

// State represents the lifecycle state of the managed model.
type State string

const (
	StateUnloaded   State = "unloaded"
	StateLoading    State = "loading"
	StateLoaded     State = "loaded"
	StateUnloading  State = "unloading"
	StateLoadFailed State = "load_failed"
)

// Manager owns at most one native model handle and serializes load, unload
// and generation against it. Construct explicitly with New and pass by
// reference; there is no process-wide instance.
type Manager struct {
	mu         sync.RWMutex
	state      State
	handle     engine.Handle
	loadResult types.LoadResult
	lastErr    string

	cfg       ManagerConfig
	log       zerolog.Logger
	publisher EventPublisher

	// genCh is the single-flight slot: holding it is holding the handle.
	genCh chan struct{}

	startTime   time.Time
	loadsTotal  atomic.Uint64
	gensTotal   atomic.Uint64
	tokensTotal atomic.Uint64
}

// New constructs a Manager from cfg. The model is not loaded until Load is
// called.
func New(cfg ManagerConfig) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		state:     StateUnloaded,
		cfg:       cfg,
		log:       cfg.Logger,
		publisher: cfg.Publisher,
		genCh:     make(chan struct{}, 1),
		startTime: time.Now(),
	}
}

// IsLoaded reports whether a model handle is live. Side-effect free.
func (m *Manager) IsLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateLoaded && m.handle != nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LoadResult returns the metadata of the most recent successful load. Only
// meaningful while loaded.
func (m *Manager) LoadResult() types.LoadResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadResult
}

// SessionActive reports whether a generation currently holds the handle.
func (m *Manager) SessionActive() bool {
	return len(m.genCh) > 0
}

// Close releases the model if one is loaded. It refuses, like Unload, while
// a session is active.
func (m *Manager) Close() error {
	if !m.IsLoaded() {
		return nil
	}
	return m.Unload()
}
