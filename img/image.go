// Package img contains routines for loading, resizing and manipulating sets of images.
package img

import (
	"image"
	"image/color"
)

var RGBModel = color.ModelFunc(rgbModel)

// RGB color is stored as a float for each channel with values in range 0-1
type RGB struct {
	R, G, B float32
}

func (c RGB) RGBA() (r, g, b, a uint32) {
	return clampu(c.R), clampu(c.G), clampu(c.B), 0xffff
}

func rgbModel(c color.Color) color.Color {
	if _, ok := c.(RGB); ok {
		return c
	}
	// straight alpha so translucent pixels keep their colour
	n := color.NRGBA64Model.Convert(c).(color.NRGBA64)
	return RGB{R: float32(n.R) / 0xffff, G: float32(n.G) / 0xffff, B: float32(n.B) / 0xffff}
}

// Image type stores the image data as float32 values with the r, g and b color planes stored
// separately, each plane in row major order.
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []float32
}

// NewRGB allocates a new black three channel image.
func NewRGB(width, height int) *Image {
	return &Image{Width: width, Height: height, Channels: 3, Pix: make([]float32, 3*width*height)}
}

func NewImageLike(src *Image) *Image {
	return &Image{Width: src.Width, Height: src.Height, Channels: src.Channels, Pix: make([]float32, len(src.Pix))}
}

// Shape returns channels, height, width
func (m *Image) Shape() []int {
	return []int{m.Channels, m.Height, m.Width}
}

func (m *Image) ColorModel() color.Model {
	return RGBModel
}

func (m *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *Image) RGBAt(x, y int) RGB {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return RGB{}
	}
	plane := m.Width * m.Height
	ix := y*m.Width + x
	return RGB{R: m.Pix[ix], G: m.Pix[ix+plane], B: m.Pix[ix+2*plane]}
}

func (m *Image) At(x, y int) color.Color {
	return m.RGBAt(x, y)
}

func (m *Image) Set(x, y int, c color.Color) {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return
	}
	rgb := rgbModel(c).(RGB)
	plane := m.Width * m.Height
	ix := y*m.Width + x
	m.Pix[ix] = rgb.R
	m.Pix[ix+plane] = rgb.G
	m.Pix[ix+2*plane] = rgb.B
}

// Pixels returns the data for one color plane, or all of the data if ch is out of range.
func (m *Image) Pixels(ch int) []float32 {
	plane := m.Width * m.Height
	if ch >= 0 && ch < m.Channels {
		return m.Pix[ch*plane : (ch+1)*plane]
	}
	return m.Pix
}

func clampu(x float32) uint32 {
	if x < 0 {
		x = 0
	} else if x > 1 {
		x = 1
	}
	return uint32(x * 0xffff)
}
