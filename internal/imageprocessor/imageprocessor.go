// Package imageprocessor turns uploaded photographs into the input tensor
// the store classifier expects.
package imageprocessor

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/nfnt/resize"
)

// Channels is the number of color channels fed to the model.
const Channels = 3

var (
	// ErrPreprocess is the root of every preprocessing failure.
	ErrPreprocess = errors.New("image preprocessing failed")
	// ErrMalformedImage reports content that could not be decoded.
	ErrMalformedImage = fmt.Errorf("%w: malformed or unsupported image", ErrPreprocess)
)

// Tensor is a dense float32 array in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Len returns the number of elements described by Shape.
func (t *Tensor) Len() int {
	if t == nil || len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range t.Shape {
		n *= int(dim)
	}
	return n
}

// Preprocessor resizes images to a fixed square resolution and scales them
// into a [1, size, size, 3] tensor with values in [0, 1].
type Preprocessor struct {
	size   int
	filter resize.InterpolationFunction
}

// NewPreprocessor builds a preprocessor for a model with size x size inputs.
func NewPreprocessor(size int) *Preprocessor {
	return &Preprocessor{size: size, filter: resize.Bicubic}
}

// Size is the target edge length in pixels.
func (p *Preprocessor) Size() int {
	return p.size
}

// Shape is the tensor shape produced by Preprocess.
func (p *Preprocessor) Shape() []int64 {
	return []int64{1, int64(p.size), int64(p.size), Channels}
}

// Preprocess converts img into the model input tensor.
func (p *Preprocessor) Preprocess(img image.Image) (*Tensor, error) {
	if p.size <= 0 {
		return nil, fmt.Errorf("%w: invalid target size %d", ErrPreprocess, p.size)
	}
	if img == nil {
		return nil, fmt.Errorf("%w: no image", ErrPreprocess)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image %dx%d", ErrPreprocess, bounds.Dx(), bounds.Dy())
	}

	// Alpha goes first so the resize never blends it into the color channels.
	opaque := dropAlpha(img)
	resized := resize.Resize(uint(p.size), uint(p.size), opaque, p.filter)

	rb := resized.Bounds()
	if rb.Dx() != p.size || rb.Dy() != p.size {
		return nil, fmt.Errorf("%w: resize produced %dx%d", ErrPreprocess, rb.Dx(), rb.Dy())
	}

	data := make([]float32, p.size*p.size*Channels)
	i := 0
	for y := rb.Min.Y; y < rb.Max.Y; y++ {
		for x := rb.Min.X; x < rb.Max.X; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			data[i] = float32(r>>8) / 255.0
			data[i+1] = float32(g>>8) / 255.0
			data[i+2] = float32(b>>8) / 255.0
			i += Channels
		}
	}

	return &Tensor{Shape: p.Shape(), Data: data}, nil
}

// dropAlpha copies the stored color channels of img into an opaque RGBA
// image. Alpha is discarded, never multiplied in.
func dropAlpha(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	switch src := img.(type) {
	case *image.NRGBA:
		for y := 0; y < b.Dy(); y++ {
			si := src.PixOffset(b.Min.X, b.Min.Y+y)
			di := dst.PixOffset(0, y)
			for x := 0; x < b.Dx(); x++ {
				dst.Pix[di] = src.Pix[si]
				dst.Pix[di+1] = src.Pix[si+1]
				dst.Pix[di+2] = src.Pix[si+2]
				dst.Pix[di+3] = 0xff
				si += 4
				di += 4
			}
		}
	case *image.NRGBA64:
		for y := 0; y < b.Dy(); y++ {
			si := src.PixOffset(b.Min.X, b.Min.Y+y)
			di := dst.PixOffset(0, y)
			for x := 0; x < b.Dx(); x++ {
				// big-endian 16-bit samples, high byte first
				dst.Pix[di] = src.Pix[si]
				dst.Pix[di+1] = src.Pix[si+2]
				dst.Pix[di+2] = src.Pix[si+4]
				dst.Pix[di+3] = 0xff
				si += 8
				di += 4
			}
		}
	case *image.NYCbCrA:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				yi, ci := src.YOffset(x, y), src.COffset(x, y)
				r, g, bl := color.YCbCrToRGB(src.Y[yi], src.Cb[ci], src.Cr[ci])
				dst.SetRGBA(x-b.Min.X, y-b.Min.Y, color.RGBA{R: r, G: g, B: bl, A: 0xff})
			}
		}
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl := straightRGB(img.At(x, y))
				dst.SetRGBA(x-b.Min.X, y-b.Min.Y, color.RGBA{R: r, G: g, B: bl, A: 0xff})
			}
		}
	}
	return dst
}

// straightRGB returns the 8-bit color channels of c without alpha applied.
// Colors that only expose premultiplied values are un-premultiplied.
func straightRGB(c color.Color) (uint8, uint8, uint8) {
	switch c := c.(type) {
	case color.NRGBA:
		return c.R, c.G, c.B
	case color.NRGBA64:
		return uint8(c.R >> 8), uint8(c.G >> 8), uint8(c.B >> 8)
	case color.NYCbCrA:
		return color.YCbCrToRGB(c.Y, c.Cb, c.Cr)
	}
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return n.R, n.G, n.B
}
