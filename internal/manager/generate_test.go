package manager

import (
	"context"
	"io"
	"testing"
	"time"

	"vlmd/internal/engine"
	"vlmd/internal/imageproc"
	"vlmd/internal/prompt"
	"vlmd/pkg/types"
)

func loadedManager(t *testing.T, fe *fakeEngine, mc types.ModelConfig) *Manager {
	t.Helper()
	m := newTestManager(t, fe, mc)
	if _, err := m.Load(testCtx(t)); err != nil {
		t.Fatalf("load: %v", err)
	}
	return m
}

func textPrompt(t *testing.T) prompt.Prompt {
	t.Helper()
	p, err := prompt.Build("describe the scene")
	if err != nil {
		t.Fatalf("build prompt: %v", err)
	}
	return p
}

func TestGenerateMaxTokens(t *testing.T) {
	fe := &fakeEngine{tokens: []string{"a", "b", "c"}}
	m := loadedManager(t, fe, types.ModelConfig{MaxTokens: 8, ContextSize: 512})

	st, err := m.Generate(testCtx(t), textPrompt(t))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	events, final := drain(t, st)

	if len(events) != 8 {
		t.Fatalf("events = %d, want 8", len(events))
	}
	for i, ev := range events {
		if ev.Seq != i {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
		if ev.Final {
			t.Fatalf("non-terminal event %d marked final", i)
		}
	}
	if final.Reason != types.StopMaxTokens {
		t.Fatalf("reason = %q, want max_tokens", final.Reason)
	}
	if final.Seq != 8 {
		t.Fatalf("final seq = %d, want 8", final.Seq)
	}
}

func TestGenerateEOS(t *testing.T) {
	fe := &fakeEngine{eosAfter: 5}
	m := loadedManager(t, fe, types.ModelConfig{MaxTokens: 32, ContextSize: 512})

	st, err := m.Generate(testCtx(t), textPrompt(t))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	events, final := drain(t, st)

	if len(events) != 5 {
		t.Fatalf("events = %d, want 5", len(events))
	}
	if final.Reason != types.StopEOS {
		t.Fatalf("reason = %q, want eos", final.Reason)
	}
}

func TestGenerateRecvAfterTerminalReturnsEOF(t *testing.T) {
	fe := &fakeEngine{eosAfter: 2}
	m := loadedManager(t, fe, types.ModelConfig{MaxTokens: 8})

	st, err := m.Generate(testCtx(t), textPrompt(t))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	drain(t, st)
	<-st.Done()

	for i := 0; i < 3; i++ {
		if _, err := st.Recv(testCtx(t)); err != io.EOF {
			t.Fatalf("recv after terminal = %v, want io.EOF", err)
		}
	}
}

func TestGenerateBusy(t *testing.T) {
	fe := &fakeEngine{stepDelay: 5 * time.Millisecond}
	m := loadedManager(t, fe, types.ModelConfig{MaxTokens: 64, ContextSize: 512})

	st, err := m.Generate(testCtx(t), textPrompt(t))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := m.Generate(testCtx(t), textPrompt(t)); !IsBusy(err) {
		t.Fatalf("overlapping generate err = %v, want busy", err)
	}

	st.Cancel()
	ctx := testCtx(t)
	for {
		if _, err := st.Recv(ctx); err != nil {
			break
		}
	}
	<-st.Done()

	// Slot released: a new generation is admitted.
	st2, err := m.Generate(testCtx(t), textPrompt(t))
	if err != nil {
		t.Fatalf("generate after drain: %v", err)
	}
	st2.Cancel()
	for {
		if _, err := st2.Recv(ctx); err != nil {
			break
		}
	}
}

func TestGenerateCancelStopsWithinOneStep(t *testing.T) {
	fe := &fakeEngine{stepDelay: time.Millisecond}
	m := loadedManager(t, fe, types.ModelConfig{MaxTokens: 100000, ContextSize: 1 << 20})

	st, err := m.Generate(testCtx(t), textPrompt(t))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	ctx := testCtx(t)
	// Read a few tokens, then cancel mid-stream.
	for i := 0; i < 3; i++ {
		if _, err := st.Recv(ctx); err != nil {
			t.Fatalf("recv: %v", err)
		}
	}
	st.Cancel()

	var final types.TokenEvent
	for {
		ev, err := st.Recv(ctx)
		if err != nil {
			t.Fatalf("recv after cancel: %v", err)
		}
		if ev.Final {
			final = ev
			break
		}
	}
	if final.Reason != types.StopCancelled {
		t.Fatalf("reason = %q, want cancelled", final.Reason)
	}
	// At most one buffered token can arrive after cancellation.
	if final.Seq > 5 {
		t.Fatalf("final seq = %d, cancellation did not take effect promptly", final.Seq)
	}

	select {
	case <-st.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not release the handle after cancel")
	}
}

func TestGenerateContextCancellation(t *testing.T) {
	fe := &fakeEngine{stepDelay: time.Millisecond}
	m := loadedManager(t, fe, types.ModelConfig{MaxTokens: 100000, ContextSize: 1 << 20})

	ctx, cancel := context.WithCancel(context.Background())
	st, err := m.Generate(ctx, textPrompt(t))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := st.Recv(ctx); err != nil {
		t.Fatalf("recv: %v", err)
	}
	cancel()

	select {
	case <-st.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not release the handle after ctx cancel")
	}
	if m.SessionActive() {
		t.Fatal("session still marked active")
	}
}

func TestGenerateWhileUnloadedRejected(t *testing.T) {
	m := newTestManager(t, &fakeEngine{}, types.ModelConfig{})
	_, err := m.Generate(testCtx(t), textPrompt(t))
	if !IsInvalidState(err) {
		t.Fatalf("err = %v, want invalid state", err)
	}
}

func TestUnloadWhileSessionActiveRejected(t *testing.T) {
	fe := &fakeEngine{stepDelay: 2 * time.Millisecond}
	m := loadedManager(t, fe, types.ModelConfig{MaxTokens: 100000, ContextSize: 1 << 20})

	st, err := m.Generate(testCtx(t), textPrompt(t))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := m.Unload(); !IsSessionActive(err) {
		t.Fatalf("unload during generation err = %v, want session active", err)
	}

	st.Cancel()
	ctx := testCtx(t)
	for {
		if _, err := st.Recv(ctx); err != nil {
			break
		}
	}
	<-st.Done()

	if err := m.Unload(); err != nil {
		t.Fatalf("unload after drain: %v", err)
	}
}

func TestGenerateImagePromptAdvancesPositions(t *testing.T) {
	fe := &fakeEngine{eosAfter: 1, imageCost: 576, textCost: 7}
	m := loadedManager(t, fe, types.ModelConfig{MaxTokens: 8, ContextSize: 1024})

	img := &imageproc.PreprocessedImage{Width: 2, Height: 2, Pixels: make([]byte, 12)}
	p, err := prompt.Build("what is shown?", img)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	st, err := m.Generate(testCtx(t), p)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	_, final := drain(t, st)
	if final.Reason != types.StopEOS {
		t.Fatalf("reason = %q, want eos", final.Reason)
	}
}

func TestGenerateContextOverflow(t *testing.T) {
	// Image consumes more positions than the whole window.
	fe := &fakeEngine{imageCost: 600, textCost: 4}
	m := loadedManager(t, fe, types.ModelConfig{MaxTokens: 8, ContextSize: 128})

	img := &imageproc.PreprocessedImage{Width: 2, Height: 2, Pixels: make([]byte, 12)}
	p, err := prompt.Build("what is shown?", img)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	st, err := m.Generate(testCtx(t), p)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	ctx := testCtx(t)
	var final types.TokenEvent
	for {
		ev, rerr := st.Recv(ctx)
		if rerr != nil {
			t.Fatalf("recv: %v", rerr)
		}
		if ev.Final {
			final = ev
			break
		}
	}
	if final.Reason != types.StopError {
		t.Fatalf("reason = %q, want error", final.Reason)
	}
	if _, err := st.Recv(ctx); !IsContextOverflow(err) {
		t.Fatalf("stream error = %v, want context overflow", err)
	}
	// A failed generation leaves the model loaded.
	if !m.IsLoaded() {
		t.Fatal("model unloaded by a session error")
	}
}

func TestGenerateDecodeErrorSurfacedOnStream(t *testing.T) {
	fe := &fakeEngine{stepErr: engine.DecodeError{Op: "decode step", Reason: "native failure"}, stepErrAt: 2}
	m := loadedManager(t, fe, types.ModelConfig{MaxTokens: 16, ContextSize: 512})

	st, err := m.Generate(testCtx(t), textPrompt(t))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	ctx := testCtx(t)
	var final types.TokenEvent
	for {
		ev, rerr := st.Recv(ctx)
		if rerr != nil {
			t.Fatalf("recv: %v", rerr)
		}
		if ev.Final {
			final = ev
			break
		}
	}
	if final.Reason != types.StopError {
		t.Fatalf("reason = %q, want error", final.Reason)
	}
	if _, err := st.Recv(ctx); !engine.IsDecode(err) {
		t.Fatalf("stream error = %v, want decode error", err)
	}
}

func TestGeneratePromptIngestionErrorSurfacedOnStream(t *testing.T) {
	fe := &fakeEngine{evalErr: engine.TokenizeError{Reason: "marker tokenization failed"}}
	m := loadedManager(t, fe, types.ModelConfig{MaxTokens: 16, ContextSize: 512})

	st, err := m.Generate(testCtx(t), textPrompt(t))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	ctx := testCtx(t)
	final, rerr := st.Recv(ctx)
	if rerr != nil {
		t.Fatalf("recv: %v", rerr)
	}
	// No prompt positions were consumed, so the failure is the first and
	// only event.
	if !final.Final || final.Seq != 0 {
		t.Fatalf("event = %+v, want terminal with seq 0", final)
	}
	if final.Reason != types.StopError {
		t.Fatalf("reason = %q, want error", final.Reason)
	}
	if _, err := st.Recv(ctx); !engine.IsTokenize(err) {
		t.Fatalf("stream error = %v, want tokenize error", err)
	}
	// A failed ingestion leaves the model loaded.
	if !m.IsLoaded() {
		t.Fatal("model unloaded by a prompt ingestion error")
	}
}

func TestGenerateUnloadRaceNeverReusesFreedHandle(t *testing.T) {
	fe := &fakeEngine{eosAfter: 1}
	m := loadedManager(t, fe, types.ModelConfig{MaxTokens: 4, ContextSize: 512})

	stop := make(chan struct{})
	done := make(chan struct{}, 2)
	ctx := testCtx(t)
	p := textPrompt(t)

	// One goroutine churns generations, the other churns the lifecycle.
	// Admission and unload contend for the same slot, so whichever wins
	// must see a consistent handle; the fake trips if a session is ever
	// opened on a freed one.
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			select {
			case <-stop:
				return
			default:
			}
			st, err := m.Generate(ctx, p)
			if err != nil {
				continue
			}
			for {
				if _, err := st.Recv(ctx); err != nil {
					break
				}
			}
			<-st.Done()
		}
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = m.Unload()
			_, _ = m.Load(ctx)
		}
	}()

	time.Sleep(200 * time.Millisecond)
	close(stop)
	<-done
	<-done

	if fe.useAfterFree.Load() {
		t.Fatal("a session was opened on a freed handle")
	}
}

func TestGenerateSessionAlwaysClosed(t *testing.T) {
	fe := &fakeEngine{eosAfter: 1}
	m := loadedManager(t, fe, types.ModelConfig{MaxTokens: 4})

	st, err := m.Generate(testCtx(t), textPrompt(t))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	drain(t, st)
	<-st.Done()

	if got := fe.activeSess.Load(); got != 0 {
		t.Fatalf("active sessions = %d, want 0", got)
	}
	if got := fe.sessionsRun.Load(); got != 1 {
		t.Fatalf("sessions run = %d, want 1", got)
	}
}

func TestGenerateDeterministicSequence(t *testing.T) {
	run := func() []string {
		fe := &fakeEngine{tokens: []string{"x", "y", "z"}, eosAfter: 6}
		m := loadedManager(t, fe, types.ModelConfig{MaxTokens: 16, ContextSize: 512})
		st, err := m.Generate(testCtx(t), textPrompt(t))
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		events, _ := drain(t, st)
		out := make([]string, len(events))
		for i, ev := range events {
			out[i] = ev.Text
		}
		return out
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("runs differ in length: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("token %d differs: %q vs %q", i, a[i], b[i])
		}
	}
}

func TestStatusSnapshot(t *testing.T) {
	fe := &fakeEngine{eosAfter: 3}
	m := loadedManager(t, fe, types.ModelConfig{MaxTokens: 8})

	st, err := m.Generate(testCtx(t), textPrompt(t))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	drain(t, st)
	<-st.Done()

	s := m.Status()
	if s.State != string(StateLoaded) {
		t.Fatalf("state = %q, want loaded", s.State)
	}
	if s.SessionActive {
		t.Fatal("session reported active after drain")
	}
	if s.LoadsTotal != 1 || s.GenerationsTotal != 1 {
		t.Fatalf("counters = loads %d gens %d, want 1/1", s.LoadsTotal, s.GenerationsTotal)
	}
	if s.TokensTotal != 3 {
		t.Fatalf("tokens = %d, want 3", s.TokensTotal)
	}
}
