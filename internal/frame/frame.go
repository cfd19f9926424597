// Package frame holds the raw BGR24 frame type shared by sources, the
// compositor and the encoder feed, plus the lock-free double buffer used to
// publish frames between goroutines.
package frame

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

// BytesPerPixel is the size of one packed BGR24 pixel.
const BytesPerPixel = 3

// ErrSize is returned when a buffer does not hold exactly width*height pixels.
var ErrSize = errors.New("frame buffer size does not match dimensions")

// Frame is a packed BGR24 image, row-major, top-down, no padding.
// Alpha is optional: nil means every pixel is opaque, otherwise it holds one
// straight (non-premultiplied) alpha byte per pixel.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
	Alpha  []byte
}

// Size returns the wire size of a width x height frame.
func Size(width, height int) int {
	return width * height * BytesPerPixel
}

// New allocates an opaque black frame.
func New(width, height int) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Pix:    make([]byte, Size(width, height)),
	}
}

// NewWithAlpha allocates a fully transparent frame with an alpha plane.
func NewWithAlpha(width, height int) *Frame {
	f := New(width, height)
	f.Alpha = make([]byte, width*height)
	return f
}

// Bounds returns the frame rectangle anchored at the origin.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// Validate checks that the pixel and alpha planes match the dimensions.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("nil frame: %w", ErrSize)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%dx%d: %w", f.Width, f.Height, ErrSize)
	}
	if len(f.Pix) != Size(f.Width, f.Height) {
		return fmt.Errorf("%dx%d with %d bytes: %w", f.Width, f.Height, len(f.Pix), ErrSize)
	}
	if f.Alpha != nil && len(f.Alpha) != f.Width*f.Height {
		return fmt.Errorf("%dx%d with %d alpha bytes: %w", f.Width, f.Height, len(f.Alpha), ErrSize)
	}
	return nil
}

// Clear blacks out the frame and makes an alpha plane fully transparent.
func (f *Frame) Clear() {
	clear(f.Pix)
	clear(f.Alpha)
}

// Fill paints every pixel with c. The alpha plane, if any, takes c's alpha.
func (f *Frame) Fill(c color.RGBA) {
	for i := 0; i < len(f.Pix); i += BytesPerPixel {
		f.Pix[i] = c.B
		f.Pix[i+1] = c.G
		f.Pix[i+2] = c.R
	}
	for i := range f.Alpha {
		f.Alpha[i] = c.A
	}
}

// At returns the pixel at (x, y) as straight RGBA.
func (f *Frame) At(x, y int) color.RGBA {
	i := (y*f.Width + x) * BytesPerPixel
	a := uint8(255)
	if f.Alpha != nil {
		a = f.Alpha[y*f.Width+x]
	}
	return color.RGBA{R: f.Pix[i+2], G: f.Pix[i+1], B: f.Pix[i], A: a}
}

// CopyFrom copies src into f. Both frames must have the same dimensions.
func (f *Frame) CopyFrom(src *Frame) error {
	if f.Width != src.Width || f.Height != src.Height {
		return fmt.Errorf("copy %dx%d into %dx%d: %w", src.Width, src.Height, f.Width, f.Height, ErrSize)
	}
	copy(f.Pix, src.Pix)
	switch {
	case f.Alpha == nil:
	case src.Alpha == nil:
		for i := range f.Alpha {
			f.Alpha[i] = 255
		}
	default:
		copy(f.Alpha, src.Alpha)
	}
	return nil
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	c := &Frame{Width: f.Width, Height: f.Height, Pix: append([]byte(nil), f.Pix...)}
	if f.Alpha != nil {
		c.Alpha = append([]byte(nil), f.Alpha...)
	}
	return c
}

// ToRGBA converts the frame into a premultiplied RGBA image.
func (f *Frame) ToRGBA() *image.RGBA {
	img := image.NewRGBA(f.Bounds())
	n := f.Width * f.Height
	for p := 0; p < n; p++ {
		i := p * BytesPerPixel
		o := p * 4
		a := uint32(255)
		if f.Alpha != nil {
			a = uint32(f.Alpha[p])
		}
		img.Pix[o] = uint8(uint32(f.Pix[i+2]) * a / 255)
		img.Pix[o+1] = uint8(uint32(f.Pix[i+1]) * a / 255)
		img.Pix[o+2] = uint8(uint32(f.Pix[i]) * a / 255)
		img.Pix[o+3] = uint8(a)
	}
	return img
}

// FromRGBA builds a frame with an alpha plane from a premultiplied RGBA image.
func FromRGBA(img *image.RGBA) *Frame {
	b := img.Bounds()
	f := NewWithAlpha(b.Dx(), b.Dy())
	LoadRGBA(f, img)
	return f
}

// LoadRGBA writes img into f, un-premultiplying colour. img must have the
// same size as f. Without an alpha plane on f, alpha is dropped.
func LoadRGBA(f *Frame, img *image.RGBA) {
	b := img.Bounds()
	for y := 0; y < f.Height && y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < f.Width && x < b.Dx(); x++ {
			s := row[x*4 : x*4+4]
			p := y*f.Width + x
			i := p * BytesPerPixel
			a := s[3]
			if f.Alpha != nil {
				f.Alpha[p] = a
			}
			switch a {
			case 0:
				f.Pix[i], f.Pix[i+1], f.Pix[i+2] = 0, 0, 0
			case 255:
				f.Pix[i], f.Pix[i+1], f.Pix[i+2] = s[2], s[1], s[0]
			default:
				f.Pix[i] = uint8(uint32(s[2]) * 255 / uint32(a))
				f.Pix[i+1] = uint8(uint32(s[1]) * 255 / uint32(a))
				f.Pix[i+2] = uint8(uint32(s[0]) * 255 / uint32(a))
			}
		}
	}
}

// BlendChannel composites one source channel over a destination channel
// with alpha a in 0..255 (source-over, straight alpha).
func BlendChannel(s, d, a uint8) uint8 {
	return uint8((uint32(s)*uint32(a) + uint32(d)*(255-uint32(a)) + 127) / 255)
}

// AlphaByte quantises an opacity in [0,1] to 0..255.
func AlphaByte(alpha float64) uint8 {
	switch {
	case alpha <= 0:
		return 0
	case alpha >= 1:
		return 255
	default:
		return uint8(alpha*255 + 0.5)
	}
}
