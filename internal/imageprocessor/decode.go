package imageprocessor

import (
	"fmt"
	"image"
	"io"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// ImageInfo describes a decoded upload.
type ImageInfo struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Mode   string `json:"mode"`
	Format string `json:"format"`
}

// Decode reads a JPEG, PNG or WebP image.
func Decode(r io.Reader) (image.Image, ImageInfo, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, ImageInfo{}, fmt.Errorf("%w: %v", ErrMalformedImage, err)
	}
	b := img.Bounds()
	return img, ImageInfo{
		Width:  b.Dx(),
		Height: b.Dy(),
		Mode:   ColorMode(img),
		Format: format,
	}, nil
}

// ColorMode names the pixel layout of img ("RGB", "RGBA", "L", ...).
func ColorMode(img image.Image) string {
	// Color models are not compared directly: a palette is a slice.
	switch src := img.(type) {
	case *image.Paletted:
		return "P"
	case *image.Gray, *image.Gray16:
		return "L"
	case *image.CMYK:
		return "CMYK"
	case *image.YCbCr:
		return "YCbCr"
	case *image.NYCbCrA:
		return "YCbCrA"
	case *image.Alpha, *image.Alpha16:
		return "A"
	case interface{ Opaque() bool }:
		if src.Opaque() {
			return "RGB"
		}
		return "RGBA"
	}
	return "RGB"
}
