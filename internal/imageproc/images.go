// Package imageproc converts arbitrary-size camera frames into the
// fixed-size, letterboxed RGB buffers the vision projector was trained on.
// All functions are pure and safe for concurrent use.
package imageproc

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
)

// PreprocessedImage is a targetSize x targetSize RGB pixel buffer (3 bytes
// per pixel, row-major, no alpha) plus the scale and padding used to produce
// it. Treat it as immutable once returned.
type PreprocessedImage struct {
	Width  int
	Height int
	Pixels []byte
	// Scale is the factor applied to the source before padding.
	Scale float64
	// OffsetX/OffsetY locate the top-left corner of the scaled content on
	// the canvas; the remainder is black letterboxing.
	OffsetX int
	OffsetY int
	// ContentW/ContentH are the scaled dimensions before padding.
	ContentW int
	ContentH int
}

// invalidDimensionsError reports a non-positive source or target dimension.
type invalidDimensionsError struct {
	srcW, srcH, target int
}

func (e invalidDimensionsError) Error() string {
	return fmt.Sprintf("invalid image dimensions: src=%dx%d target=%d", e.srcW, e.srcH, e.target)
}

// IsInvalidDimensions reports whether err came from a non-positive dimension.
func IsInvalidDimensions(err error) bool {
	_, ok := err.(invalidDimensionsError)
	return ok
}

// Preprocess letterboxes img onto a targetSize x targetSize black canvas,
// preserving aspect ratio, and returns the RGB result.
//
// A square source already at target size is copied channel-for-channel with
// no resampling, so its pixels round-trip byte-identical (minus alpha).
func Preprocess(img image.Image, targetSize int) (*PreprocessedImage, error) {
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()
	if srcW <= 0 || srcH <= 0 || targetSize <= 0 {
		return nil, invalidDimensionsError{srcW: srcW, srcH: srcH, target: targetSize}
	}

	if srcW == targetSize && srcH == targetSize {
		return &PreprocessedImage{
			Width:    targetSize,
			Height:   targetSize,
			Pixels:   rgbBytes(img),
			Scale:    1,
			ContentW: targetSize,
			ContentH: targetSize,
		}, nil
	}

	scale := math.Min(float64(targetSize)/float64(srcW), float64(targetSize)/float64(srcH))

	// The longer side lands exactly on targetSize; the shorter side rounds.
	var newW, newH int
	if srcW >= srcH {
		newW = targetSize
		newH = clampDim(int(math.Round(float64(srcH)*scale)), targetSize)
	} else {
		newH = targetSize
		newW = clampDim(int(math.Round(float64(srcW)*scale)), targetSize)
	}
	left := (targetSize - newW) / 2
	top := (targetSize - newH) / 2

	// Zero-valued RGBA is black once alpha is dropped, so the canvas needs
	// no explicit fill.
	dst := image.NewRGBA(image.Rect(0, 0, targetSize, targetSize))
	draw.CatmullRom.Scale(dst, image.Rect(left, top, left+newW, top+newH), img, b, draw.Src, nil)

	return &PreprocessedImage{
		Width:    targetSize,
		Height:   targetSize,
		Pixels:   rgbFromRGBA(dst),
		Scale:    scale,
		OffsetX:  left,
		OffsetY:  top,
		ContentW: newW,
		ContentH: newH,
	}, nil
}

// PreprocessRGBA preprocesses a raw 8-bit-per-channel RGBA buffer as
// produced by camera capture (row-major, 4 bytes per pixel).
func PreprocessRGBA(pix []byte, srcW, srcH, targetSize int) (*PreprocessedImage, error) {
	if srcW <= 0 || srcH <= 0 || targetSize <= 0 {
		return nil, invalidDimensionsError{srcW: srcW, srcH: srcH, target: targetSize}
	}
	if len(pix) < srcW*srcH*4 {
		return nil, fmt.Errorf("rgba buffer too short: have %d bytes, need %d", len(pix), srcW*srcH*4)
	}
	img := &image.NRGBA{Pix: pix, Stride: srcW * 4, Rect: image.Rect(0, 0, srcW, srcH)}
	return Preprocess(img, targetSize)
}

// PreprocessRGB preprocesses a raw 8-bit-per-channel RGB buffer (row-major,
// 3 bytes per pixel, no alpha).
func PreprocessRGB(pix []byte, srcW, srcH, targetSize int) (*PreprocessedImage, error) {
	if srcW <= 0 || srcH <= 0 || targetSize <= 0 {
		return nil, invalidDimensionsError{srcW: srcW, srcH: srcH, target: targetSize}
	}
	if len(pix) < srcW*srcH*3 {
		return nil, fmt.Errorf("rgb buffer too short: have %d bytes, need %d", len(pix), srcW*srcH*3)
	}
	img := image.NewNRGBA(image.Rect(0, 0, srcW, srcH))
	for i := 0; i < srcW*srcH; i++ {
		img.Pix[i*4+0] = pix[i*3+0]
		img.Pix[i*4+1] = pix[i*3+1]
		img.Pix[i*4+2] = pix[i*3+2]
		img.Pix[i*4+3] = 0xFF
	}
	return Preprocess(img, targetSize)
}

func clampDim(v, max int) int {
	if v < 1 {
		return 1
	}
	if v > max {
		return max
	}
	return v
}

// rgbBytes strips the alpha channel without resampling. Fast paths copy the
// channel bytes straight out of RGBA/NRGBA backing arrays.
func rgbBytes(img image.Image) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, w*h*3)

	switch src := img.(type) {
	case *image.NRGBA:
		copyRGBRows(out, src.Pix, src.Stride, w, h)
	case *image.RGBA:
		copyRGBRows(out, src.Pix, src.Stride, w, h)
	default:
		i := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				out[i+0] = byte(r >> 8)
				out[i+1] = byte(g >> 8)
				out[i+2] = byte(bl >> 8)
				i += 3
			}
		}
	}
	return out
}

func copyRGBRows(dst, pix []byte, stride, w, h int) {
	di := 0
	for y := 0; y < h; y++ {
		row := pix[y*stride : y*stride+w*4]
		for x := 0; x < w; x++ {
			dst[di+0] = row[x*4+0]
			dst[di+1] = row[x*4+1]
			dst[di+2] = row[x*4+2]
			di += 3
		}
	}
}

func rgbFromRGBA(img *image.RGBA) []byte {
	b := img.Bounds()
	out := make([]byte, b.Dx()*b.Dy()*3)
	copyRGBRows(out, img.Pix, img.Stride, b.Dx(), b.Dy())
	return out
}
