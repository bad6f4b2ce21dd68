package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"vlmd/internal/engine"
	"vlmd/internal/imageproc"
	"vlmd/pkg/types"
)

// createAssetFile creates a small placeholder model file and returns its path.
func createAssetFile(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("gguf-placeholder"), 0o644); err != nil {
		t.Fatalf("create file: %v", err)
	}
	return p
}

// fakeEngine is a lightweight in-memory engine used for tests.
type fakeEngine struct {
	loadErr error
	backend types.Backend
	nCtx    int

	// per-session behavior
	tokens      []string
	eosAfter    int // emit EOG after this many tokens; <=0 means never
	stepDelay   time.Duration
	textCost    int // positions consumed per text chunk; default 4
	imageCost   int // positions consumed per image chunk; default 16
	evalErr     error
	stepErr     error
	stepErrAt   int
	sessionErr  error
	loadedPath  string
	freeCalls   atomic.Int32
	activeSess  atomic.Int32
	sessionsRun atomic.Int32

	// useAfterFree trips when a session is opened on an already-freed handle.
	useAfterFree atomic.Bool
}

func (f *fakeEngine) Load(ctx context.Context, modelPath, projectorPath string, opts engine.Options) (engine.Handle, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	f.loadedPath = modelPath
	backend := f.backend
	if backend == "" {
		backend = types.BackendCPU
	}
	nCtx := f.nCtx
	if nCtx <= 0 {
		nCtx = opts.ContextSize
	}
	return &fakeHandle{f: f, backend: backend, nCtx: nCtx}, nil
}

type fakeHandle struct {
	f       *fakeEngine
	backend types.Backend
	nCtx    int
	freed   atomic.Bool
}

func (h *fakeHandle) Backend() types.Backend { return h.backend }
func (h *fakeHandle) ContextSize() int       { return h.nCtx }

func (h *fakeHandle) NewSession() (engine.Session, error) {
	if h.freed.Load() {
		h.f.useAfterFree.Store(true)
	}
	if h.f.sessionErr != nil {
		return nil, h.f.sessionErr
	}
	h.f.sessionsRun.Add(1)
	h.f.activeSess.Add(1)
	return &fakeSession{h: h}, nil
}

func (h *fakeHandle) Free() error {
	h.freed.Store(true)
	h.f.freeCalls.Add(1)
	return nil
}

type fakeSession struct {
	h    *fakeHandle
	step int
}

func (s *fakeSession) EvalText(text string, nPast int) (int, error) {
	if s.h.f.evalErr != nil {
		return 0, s.h.f.evalErr
	}
	if c := s.h.f.textCost; c > 0 {
		return c, nil
	}
	return 4, nil
}

func (s *fakeSession) EvalImage(img *imageproc.PreprocessedImage, nPast int) (int, error) {
	if s.h.f.evalErr != nil {
		return 0, s.h.f.evalErr
	}
	if c := s.h.f.imageCost; c > 0 {
		return c, nil
	}
	return 16, nil
}

func (s *fakeSession) Step() (string, bool, error) {
	if s.h.f.stepErr != nil && s.step >= s.h.f.stepErrAt {
		return "", false, s.h.f.stepErr
	}
	if d := s.h.f.stepDelay; d > 0 {
		time.Sleep(d)
	}
	if ea := s.h.f.eosAfter; ea > 0 && s.step >= ea {
		return "", true, nil
	}
	var piece string
	if len(s.h.f.tokens) > 0 {
		piece = s.h.f.tokens[s.step%len(s.h.f.tokens)]
	} else {
		piece = "tok"
	}
	s.step++
	return piece, false, nil
}

func (s *fakeSession) Close() error {
	s.h.f.activeSess.Add(-1)
	return nil
}

// newTestManager builds a loaded manager over a fakeEngine with real files
// on disk for the preflight checks.
func newTestManager(t *testing.T, fe *fakeEngine, mc types.ModelConfig) *Manager {
	t.Helper()
	dir := t.TempDir()
	m := New(ManagerConfig{
		ModelPath:     createAssetFile(t, dir, "model.gguf"),
		ProjectorPath: createAssetFile(t, dir, "mmproj.gguf"),
		Model:         mc,
		Engine:        fe,
	})
	return m
}

// drain reads the stream to completion and returns the non-final events plus
// the final one.
func drain(t *testing.T, st *Stream) ([]types.TokenEvent, types.TokenEvent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var events []types.TokenEvent
	for {
		ev, err := st.Recv(ctx)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if ev.Final {
			return events, ev
		}
		events = append(events, ev)
	}
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}
