// Package e2e exercises the full describe pipeline: raw image in, token
// stream out, with the native layer replaced by an in-memory engine.
package e2e

import (
	"context"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vlmd/internal/engine"
	"vlmd/internal/imageproc"
	"vlmd/internal/manager"
	"vlmd/internal/prompt"
	"vlmd/pkg/types"
)

// scriptedEngine emits a fixed token script and records what it was fed.
type scriptedEngine struct {
	script []string

	gotImageW int
	gotImageH int
	gotText   []string
}

func (e *scriptedEngine) Load(ctx context.Context, modelPath, projectorPath string, opts engine.Options) (engine.Handle, error) {
	return &scriptedHandle{e: e, nCtx: opts.ContextSize}, nil
}

type scriptedHandle struct {
	e    *scriptedEngine
	nCtx int
}

func (h *scriptedHandle) Backend() types.Backend { return types.BackendCPU }
func (h *scriptedHandle) ContextSize() int       { return h.nCtx }
func (h *scriptedHandle) Free() error            { return nil }

func (h *scriptedHandle) NewSession() (engine.Session, error) {
	return &scriptedSession{h: h}, nil
}

type scriptedSession struct {
	h   *scriptedHandle
	pos int
}

func (s *scriptedSession) EvalText(text string, nPast int) (int, error) {
	s.h.e.gotText = append(s.h.e.gotText, text)
	return len(strings.Fields(text)) + 1, nil
}

func (s *scriptedSession) EvalImage(img *imageproc.PreprocessedImage, nPast int) (int, error) {
	s.h.e.gotImageW = img.Width
	s.h.e.gotImageH = img.Height
	return 64, nil
}

func (s *scriptedSession) Step() (string, bool, error) {
	if s.pos >= len(s.h.e.script) {
		return "", true, nil
	}
	piece := s.h.e.script[s.pos]
	s.pos++
	return piece, false, nil
}

func (s *scriptedSession) Close() error { return nil }

func writeAsset(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("gguf"), 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}
	return p
}

func TestDescribePipeline(t *testing.T) {
	// A wide test card: red left half, blue right half.
	src := image.NewNRGBA(image.Rect(0, 0, 640, 360))
	for y := 0; y < 360; y++ {
		for x := 0; x < 640; x++ {
			c := color.NRGBA{R: 255, A: 255}
			if x >= 320 {
				c = color.NRGBA{B: 255, A: 255}
			}
			src.SetNRGBA(x, y, c)
		}
	}

	pre, err := imageproc.Preprocess(src, 256)
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	if pre.Width != 256 || pre.Height != 256 {
		t.Fatalf("canvas = %dx%d, want 256x256", pre.Width, pre.Height)
	}

	p, err := prompt.Build("What colors are in this image?", pre)
	if err != nil {
		t.Fatalf("build prompt: %v", err)
	}
	if !strings.Contains(p.Text(), prompt.MediaMarker) {
		t.Fatalf("prompt text missing media marker: %q", p.Text())
	}

	fe := &scriptedEngine{script: []string{"Red", " and", " blue", "."}}
	dir := t.TempDir()
	mgr := manager.New(manager.ManagerConfig{
		ModelPath:     writeAsset(t, dir, "model.gguf"),
		ProjectorPath: writeAsset(t, dir, "mmproj.gguf"),
		Model:         types.ModelConfig{ContextSize: 2048, MaxTokens: 64},
		Engine:        fe,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := mgr.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	defer mgr.Close()

	st, err := mgr.Generate(ctx, p)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var sb strings.Builder
	var final types.TokenEvent
	for {
		ev, err := st.Recv(ctx)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if ev.Final {
			final = ev
			break
		}
		sb.WriteString(ev.Text)
	}
	if _, err := st.Recv(ctx); err != io.EOF {
		t.Fatalf("post-terminal recv = %v, want io.EOF", err)
	}

	if got := sb.String(); got != "Red and blue." {
		t.Fatalf("output = %q", got)
	}
	if final.Reason != types.StopEOS {
		t.Fatalf("reason = %q, want eos", final.Reason)
	}

	// The engine saw the letterboxed canvas, not the source image.
	if fe.gotImageW != 256 || fe.gotImageH != 256 {
		t.Fatalf("engine saw %dx%d image", fe.gotImageW, fe.gotImageH)
	}
	// The text chunk follows the image chunk and carries the instruction.
	if len(fe.gotText) != 1 || !strings.Contains(fe.gotText[0], "What colors") {
		t.Fatalf("engine saw text chunks %q", fe.gotText)
	}

	// Model can be unloaded and the pipeline rerun.
	if err := mgr.Unload(); err != nil {
		t.Fatalf("unload: %v", err)
	}
}
