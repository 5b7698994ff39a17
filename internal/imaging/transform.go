package imaging

import (
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// RotationDegrees is the angle used by the small-rotation transforms.
const RotationDegrees = 5.0

// Transform is a deterministic geometric operation producing a new image.
type Transform struct {
	Name  string
	apply func(Image) Image
}

// Apply runs the transform. The receiver image is left untouched.
func (t Transform) Apply(im Image) Image {
	if im.Empty() || t.apply == nil {
		return im
	}
	return t.apply(im)
}

var (
	Identity = Transform{Name: "identity", apply: func(im Image) Image { return im }}

	FlipHorizontal = Transform{Name: "flip", apply: flipHorizontal}

	RotatePositive = Transform{Name: "rotate+5", apply: func(im Image) Image {
		return rotate(im, RotationDegrees)
	}}

	RotateNegative = Transform{Name: "rotate-5", apply: func(im Image) Image {
		return rotate(im, -RotationDegrees)
	}}

	FlipRotate = Transform{Name: "flip+rotate+5", apply: func(im Image) Image {
		return rotate(flipHorizontal(im), RotationDegrees)
	}}
)

// DefaultTransforms returns the ordered test-time augmentation list.
func DefaultTransforms() []Transform {
	return []Transform{Identity, FlipHorizontal, RotatePositive, RotateNegative, FlipRotate}
}

func flipHorizontal(im Image) Image {
	dst := image.NewNRGBA(im.pix.Bounds())
	for y := 0; y < im.size; y++ {
		for x := 0; x < im.size; x++ {
			si := im.pix.PixOffset(x, y)
			di := dst.PixOffset(im.size-1-x, y)
			copy(dst.Pix[di:di+4], im.pix.Pix[si:si+4])
		}
	}
	return Image{size: im.size, pix: dst}
}

// rotate turns the image counter-clockwise by deg degrees about its centre,
// keeping the canvas size and filling uncovered corners with black.
func rotate(im Image, deg float64) Image {
	dst := image.NewNRGBA(im.pix.Bounds())
	xdraw.Draw(dst, dst.Bounds(), image.NewUniform(color.NRGBA{A: 0xff}), image.Point{}, xdraw.Src)

	rad := deg * math.Pi / 180
	sin, cos := math.Sincos(rad)
	c := float64(im.size) / 2

	s2d := f64.Aff3{
		cos, sin, c - cos*c - sin*c,
		-sin, cos, c + sin*c - cos*c,
	}
	xdraw.BiLinear.Transform(dst, s2d, im.pix, im.pix.Bounds(), xdraw.Src, nil)

	return Image{size: im.size, pix: dst}
}
