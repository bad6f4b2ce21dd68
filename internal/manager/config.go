package manager

import (
	"runtime"

	"github.com/rs/zerolog"

	"vlmd/internal/engine"
	"vlmd/pkg/types"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultContextSize = 2048
	defaultMaxTokens   = 256
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	// Paths to the quantized decoder weights and the vision projector.
	ModelPath     string
	ProjectorPath string
	// Native load parameters; zero values pick package defaults.
	Model types.ModelConfig
	// Engine overrides the native engine, mainly for tests. Nil selects
	// the build's default engine.
	Engine engine.Engine
	// Logger receives structured lifecycle logs. Zero value is usable.
	Logger zerolog.Logger
	// Publisher receives lifecycle events. Nil drops them.
	Publisher EventPublisher
}

func defaultThreads() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	if n > 8 {
		n = 8
	}
	return n
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.Model.ContextSize <= 0 {
		c.Model.ContextSize = defaultContextSize
	}
	if c.Model.ThreadCount <= 0 {
		c.Model.ThreadCount = defaultThreads()
	}
	if c.Model.MaxTokens <= 0 {
		c.Model.MaxTokens = defaultMaxTokens
	}
	if c.Engine == nil {
		c.Engine = engine.New()
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
	return c
}
