//go:build llama

package engine

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/hybridgroup/yzma/pkg/llama"
	"github.com/hybridgroup/yzma/pkg/mtmd"

	"vlmd/internal/imageproc"
	"vlmd/pkg/types"
)

// yzma-backed engine. The llama.cpp shared libraries are loaded once per
// process from VLMD_LIB (default ./lib/llama); GPU availability is probed
// at the same time.

var (
	initOnce     sync.Once
	initErr      error
	gpuAvailable bool
)

func doInit() {
	libPath := os.Getenv("VLMD_LIB")
	if libPath == "" {
		libPath = "./lib/llama"
	}
	if err := llama.Load(libPath); err != nil {
		initErr = FormatError{Path: libPath, Reason: "unable to load llama.cpp libraries: " + err.Error()}
		return
	}
	llama.Init()
	gpuAvailable = llama.SupportsGpuOffload()
}

type yzmaEngine struct{}

// New returns the yzma-backed native engine.
func New() Engine { return yzmaEngine{} }

func (yzmaEngine) Load(ctx context.Context, modelPath, projectorPath string, opts Options) (Handle, error) {
	initOnce.Do(doInit)
	if initErr != nil {
		return nil, initErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	backend := types.BackendCPU
	mparams := llama.ModelDefaultParams()
	if opts.UseGPU && gpuAvailable {
		backend = types.BackendGPU
	} else {
		// CPU only: keep every layer off the GPU.
		mparams.NGpuLayers = 0
	}

	mdl, err := llama.ModelLoadFromFile(modelPath, mparams)
	if err != nil {
		return nil, classifyLoadErr(modelPath, opts.ContextSize, err)
	}
	vocab := llama.ModelGetVocab(mdl)

	ctxParams := llama.ContextDefaultParams()
	ctxParams.NCtx = uint32(opts.ContextSize)
	ctxParams.NBatch = uint32(opts.ContextSize)
	ctxParams.NThreads = int32(opts.Threads)
	ctxParams.NThreadsBatch = int32(opts.Threads)

	lctx, err := llama.InitFromModel(mdl, ctxParams)
	if err != nil {
		llama.ModelFree(mdl)
		return nil, classifyLoadErr(modelPath, opts.ContextSize, err)
	}

	mctxParams := mtmd.ContextParamsDefault()
	mctxParams.UseGPU = backend == types.BackendGPU
	mctxParams.NThreads = int32(opts.Threads)

	mctx, err := mtmd.InitFromFile(projectorPath, mdl, mctxParams)
	if err != nil {
		// Projector failure must not leak the language model.
		llama.Free(lctx)
		llama.ModelFree(mdl)
		return nil, classifyLoadErr(projectorPath, opts.ContextSize, err)
	}

	return &yzmaHandle{
		model:   mdl,
		vocab:   vocab,
		lctx:    lctx,
		mctx:    mctx,
		backend: backend,
		nCtx:    opts.ContextSize,
		nBatch:  int32(ctxParams.NBatch),
	}, nil
}

func classifyLoadErr(path string, ctxSize int, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "out of memory") || strings.Contains(msg, "failed to allocate") {
		return OutOfMemoryError{ContextSize: ctxSize}
	}
	return FormatError{Path: path, Reason: err.Error()}
}

type yzmaHandle struct {
	model   llama.Model
	vocab   llama.Vocab
	lctx    llama.Context
	mctx    mtmd.Context
	backend types.Backend
	nCtx    int
	nBatch  int32

	freeOnce sync.Once
}

func (h *yzmaHandle) Backend() types.Backend { return h.backend }

func (h *yzmaHandle) ContextSize() int { return h.nCtx }

func (h *yzmaHandle) NewSession() (Session, error) {
	// Fresh generation: clear any context state left by the previous
	// session and build a deterministic greedy sampler chain.
	llama.MemoryClear(llama.GetMemory(h.lctx), true)

	sampler := llama.SamplerChainInit(llama.SamplerChainDefaultParams())
	llama.SamplerChainAdd(sampler, llama.SamplerInitGreedy())

	return &yzmaSession{h: h, sampler: sampler, piece: make([]byte, 512)}, nil
}

func (h *yzmaHandle) Free() error {
	h.freeOnce.Do(func() {
		llama.Synchronize(h.lctx)
		mtmd.Free(h.mctx)
		llama.Free(h.lctx)
		llama.ModelFree(h.model)
	})
	return nil
}

type yzmaSession struct {
	h       *yzmaHandle
	sampler llama.Sampler
	piece   []byte
	closed  bool
}

func (s *yzmaSession) EvalText(text string, nPast int) (int, error) {
	// Special tokens (BOS) only lead the very first chunk.
	tokens := llama.Tokenize(s.h.vocab, text, nPast == 0, true)
	if len(tokens) == 0 {
		return 0, TokenizeError{Reason: "no tokens produced for text chunk"}
	}
	for i := 0; i < len(tokens); i += int(s.h.nBatch) {
		end := min(i+int(s.h.nBatch), len(tokens))
		batch := llama.BatchGetOne(tokens[i:end])
		if _, err := llama.Decode(s.h.lctx, batch); err != nil {
			return 0, DecodeError{Op: "prompt eval", Reason: err.Error()}
		}
	}
	return len(tokens), nil
}

func (s *yzmaSession) EvalImage(img *imageproc.PreprocessedImage, nPast int) (int, error) {
	bitmap := mtmd.BitmapInit(uint32(img.Width), uint32(img.Height), &img.Pixels[0])
	if bitmap == 0 {
		return 0, DecodeError{Op: "image eval", Reason: "unable to create bitmap from preprocessed image"}
	}
	defer mtmd.BitmapFree(bitmap)

	chunks := mtmd.InputChunksInit()
	defer mtmd.InputChunksFree(chunks)

	// The marker-only input makes mtmd produce exactly one image chunk.
	input := mtmd.NewInputText(mtmd.DefaultMarker(), nPast == 0, true)
	if ret := mtmd.Tokenize(s.h.mctx, chunks, input, []mtmd.Bitmap{bitmap}); ret != 0 {
		return 0, TokenizeError{Reason: "mtmd tokenize failed"}
	}

	// n_past advances by embedding positions, never by pixel count.
	newPast := llama.Pos(nPast)
	if ret := mtmd.HelperEvalChunks(s.h.mctx, s.h.lctx, chunks, llama.Pos(nPast), 0, s.h.nBatch, true, &newPast); ret != 0 {
		return 0, DecodeError{Op: "image eval", Reason: "mtmd eval chunks failed"}
	}
	return int(newPast) - nPast, nil
}

func (s *yzmaSession) Step() (string, bool, error) {
	token := llama.SamplerSample(s.sampler, s.h.lctx, -1)
	llama.SamplerAccept(s.sampler, token)

	if llama.VocabIsEOG(s.h.vocab, token) {
		return "", true, nil
	}

	l := llama.TokenToPiece(s.h.vocab, token, s.piece, 0, true)
	piece := string(s.piece[:l])

	batch := llama.BatchGetOne([]llama.Token{token})
	if _, err := llama.Decode(s.h.lctx, batch); err != nil {
		return "", false, DecodeError{Op: "decode step", Reason: err.Error()}
	}
	return piece, false, nil
}

func (s *yzmaSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	llama.SamplerFree(s.sampler)
	return nil
}
