// Package imaging turns uploaded bytes into the fixed-size RGB raster every
// admission gate consumes.
package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/nfnt/resize"
	xdraw "golang.org/x/image/draw"
)

// DefaultSize is the side length, in pixels, images are normalized to.
const DefaultSize = 224

// ErrEmptyImage is returned when the source raster has no pixels.
var ErrEmptyImage = errors.New("imaging: image has no pixels")

// Layout describes the memory order of a model input tensor.
type Layout string

const (
	LayoutCHW Layout = "nchw"
	LayoutHWC Layout = "nhwc"
)

// Image is an opaque RGB raster of Size x Size pixels. Values are never
// mutated after construction; transforms return new images.
type Image struct {
	size int
	pix  *image.NRGBA
}

// Decode reads a JPEG or PNG image.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// Normalize resizes src to size x size and flattens any transparency onto
// black.
func Normalize(src image.Image, size int) (Image, error) {
	if src == nil || src.Bounds().Empty() {
		return Image{}, ErrEmptyImage
	}
	if size <= 0 {
		return Image{}, fmt.Errorf("imaging: invalid target size %d", size)
	}

	resized := resize.Resize(uint(size), uint(size), src, resize.Lanczos3)

	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	xdraw.Draw(dst, dst.Bounds(), image.NewUniform(color.Black), image.Point{}, xdraw.Src)
	xdraw.Draw(dst, dst.Bounds(), resized, resized.Bounds().Min, xdraw.Over)

	return Image{size: size, pix: dst}, nil
}

// New builds an image by evaluating fill for every pixel. It is mostly
// useful for synthetic inputs.
func New(size int, fill func(x, y int) (r, g, b uint8)) Image {
	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b := fill(x, y)
			i := dst.PixOffset(x, y)
			dst.Pix[i+0] = r
			dst.Pix[i+1] = g
			dst.Pix[i+2] = b
			dst.Pix[i+3] = 0xff
		}
	}
	return Image{size: size, pix: dst}
}

// Uniform returns a single-colour image.
func Uniform(size int, r, g, b uint8) Image {
	return New(size, func(int, int) (uint8, uint8, uint8) { return r, g, b })
}

// Size returns the side length in pixels.
func (im Image) Size() int {
	return im.size
}

// Empty reports whether the image holds no pixels.
func (im Image) Empty() bool {
	return im.pix == nil || im.size == 0
}

// RGB returns the channel values of one pixel.
func (im Image) RGB(x, y int) (r, g, b uint8) {
	i := im.pix.PixOffset(x, y)
	return im.pix.Pix[i], im.pix.Pix[i+1], im.pix.Pix[i+2]
}

// Each calls fn with every pixel's channels scaled to [0,1], row by row.
func (im Image) Each(fn func(r, g, b float64)) {
	if im.Empty() {
		return
	}
	for y := 0; y < im.size; y++ {
		row := im.pix.Pix[y*im.pix.Stride : y*im.pix.Stride+im.size*4]
		for i := 0; i < len(row); i += 4 {
			fn(float64(row[i])/255.0, float64(row[i+1])/255.0, float64(row[i+2])/255.0)
		}
	}
}

// Tensor flattens the image into float32 values in [0,1] using the given layout.
func (im Image) Tensor(layout Layout) []float32 {
	plane := im.size * im.size
	data := make([]float32, 3*plane)

	for y := 0; y < im.size; y++ {
		for x := 0; x < im.size; x++ {
			r, g, b := im.RGB(x, y)
			rNorm := float32(r) / 255.0
			gNorm := float32(g) / 255.0
			bNorm := float32(b) / 255.0

			pixelIndex := y*im.size + x
			if layout == LayoutHWC {
				data[3*pixelIndex] = rNorm
				data[3*pixelIndex+1] = gNorm
				data[3*pixelIndex+2] = bNorm
				continue
			}
			data[pixelIndex] = rNorm
			data[plane+pixelIndex] = gNorm
			data[2*plane+pixelIndex] = bNorm
		}
	}
	return data
}

// Raster returns a copy of the pixels as a standard library image.
func (im Image) Raster() *image.NRGBA {
	if im.Empty() {
		return image.NewNRGBA(image.Rectangle{})
	}
	return clone(im.pix)
}

func clone(src *image.NRGBA) *image.NRGBA {
	dst := image.NewNRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}
