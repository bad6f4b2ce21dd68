package imageproc

import (
	"fmt"
	"image"
	"os"

	// Registered decoders. GIF decodes as its first frame.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DecodeFile opens and decodes an image file in any registered format.
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// PreprocessFile decodes path and letterboxes it to targetSize.
func PreprocessFile(path string, targetSize int) (*PreprocessedImage, error) {
	img, err := DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return Preprocess(img, targetSize)
}
