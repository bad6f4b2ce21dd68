// Package prompt builds the ordered chunk sequence fed to the decoder: text
// chunks plus at most one image chunk per turn. Building is pure and
// deterministic so identical inputs always produce byte-identical prompts.
package prompt

import (
	"strconv"
	"strings"

	"vlmd/internal/imageproc"
)

// MediaMarker is the reserved token that tells the multimodal tokenizer
// where the image embeddings belong. It matches the llama.cpp mtmd default
// marker; the engine splits the prompt on it.
const MediaMarker = "<__media__>"

// ChunkKind tags a chunk as text or image.
type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkImage
)

// Chunk is one typed segment of a prompt. Exactly one of Text or Image is
// meaningful depending on Kind.
type Chunk struct {
	Kind  ChunkKind
	Text  string
	Image *imageproc.PreprocessedImage
}

// Prompt is an ordered chunk sequence: at least one text chunk and at most
// one image chunk.
type Prompt struct {
	Chunks []Chunk
}

// Text renders the prompt as the single string handed to the multimodal
// tokenizer, with the media marker standing in for the image chunk.
func (p Prompt) Text() string {
	var b strings.Builder
	for _, c := range p.Chunks {
		switch c.Kind {
		case ChunkText:
			b.WriteString(c.Text)
		case ChunkImage:
			b.WriteString(MediaMarker)
		}
	}
	return b.String()
}

// Image returns the prompt's image chunk payload, or nil.
func (p Prompt) Image() *imageproc.PreprocessedImage {
	for _, c := range p.Chunks {
		if c.Kind == ChunkImage {
			return c.Image
		}
	}
	return nil
}

type multipleImagesError struct{ n int }

func (e multipleImagesError) Error() string {
	return "multiple images unsupported: got " + strconv.Itoa(e.n) + ", the contract is one image per turn"
}

// IsMultipleImagesUnsupported reports whether err indicates more than one
// image was supplied for a single turn.
func IsMultipleImagesUnsupported(err error) bool {
	_, ok := err.(multipleImagesError)
	return ok
}

type emptyInstructionError struct{}

func (emptyInstructionError) Error() string { return "instruction text is empty" }

// IsEmptyInstruction reports whether err indicates a blank instruction.
func IsEmptyInstruction(err error) bool {
	_, ok := err.(emptyInstructionError)
	return ok
}

// Build assembles a prompt from an instruction and zero or one image. When
// an image is present its chunk is placed immediately before the
// instruction body. More than one image fails; so does a blank instruction.
func Build(instruction string, images ...*imageproc.PreprocessedImage) (Prompt, error) {
	if len(images) > 1 {
		return Prompt{}, multipleImagesError{n: len(images)}
	}
	text := Normalize(instruction)
	if text == "" {
		return Prompt{}, emptyInstructionError{}
	}

	var chunks []Chunk
	if len(images) == 1 && images[0] != nil {
		chunks = append(chunks, Chunk{Kind: ChunkImage, Image: images[0]})
		chunks = append(chunks, Chunk{Kind: ChunkText, Text: "\n" + text})
	} else {
		chunks = append(chunks, Chunk{Kind: ChunkText, Text: text})
	}
	return Prompt{Chunks: chunks}, nil
}

// Normalize makes instruction text byte-stable: CRLF and CR become LF,
// trailing whitespace is stripped from each line, runs of blank lines
// collapse to one, and the whole string is trimmed.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	// drop a trailing blank kept by the collapse pass
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
