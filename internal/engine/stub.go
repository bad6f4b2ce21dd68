//go:build !llama

package engine

// This file provides a no-native stub compiled when the 'llama' build tag
// is NOT set, keeping default builds and CI free of the llama.cpp runtime.
// The real engine lives in yzma.go (tagged 'llama'). The stub refuses to
// load rather than mocking inference.

import "context"

type stubEngine struct{}

// New returns the engine implementation for this build. Without the
// 'llama' tag every load fails fast with a not-built error.
func New() Engine { return stubEngine{} }

func (stubEngine) Load(ctx context.Context, modelPath, projectorPath string, opts Options) (Handle, error) {
	return nil, ErrNotBuilt()
}
