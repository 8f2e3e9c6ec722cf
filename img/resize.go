package img

import (
	"image"

	"github.com/nfnt/resize"
)

// Resize scales src to exactly width x height pixels and converts it to a three channel image.
// Grayscale sources are expanded to three equal planes and any alpha channel is dropped.
func Resize(src image.Image, width, height int) *Image {
	if width <= 0 || height <= 0 {
		panic("Resize: width and height must be positive")
	}
	b := src.Bounds()
	if b.Dx() != width || b.Dy() != height {
		src = resize.Resize(uint(width), uint(height), src, resize.Bilinear)
	}
	return Unpack(src)
}

// Unpack converts from a standard library image to a float RGB image of the same size.
func Unpack(src image.Image) *Image {
	b := src.Bounds()
	dst := NewRGB(b.Dx(), b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(x-b.Min.X, y-b.Min.Y, src.At(x, y))
		}
	}
	return dst
}
