// Package effect implements the stateless per-frame pixel filters that can be
// attached to a source. Apply never mutates its input.
package effect

import (
	"fmt"
	"image"
	"strings"

	"github.com/bryanchriswhite/LayerCast/internal/frame"
	"github.com/disintegration/gift"
)

// Kind names a filter.
type Kind string

const (
	None         Kind = "none"
	Blur         Kind = "blur"
	Edge         Kind = "edge"
	Grayscale    Kind = "grayscale"
	Kaleidoscope Kind = "kaleidoscope"
	Sharpen      Kind = "sharpen"
	Pixelate     Kind = "pixelate"
)

// PixelateBlock is the block edge length used by Pixelate.
const PixelateBlock = 10

// Kinds lists every filter in a stable order.
var Kinds = []Kind{None, Blur, Edge, Grayscale, Kaleidoscope, Sharpen, Pixelate}

// prebuilt filter pipelines; GIFT values hold no per-call state
var pipelines = map[Kind]*gift.GIFT{
	Blur:      gift.New(gift.GaussianBlur(3)),
	Edge:      gift.New(gift.Sobel()),
	Grayscale: gift.New(gift.Grayscale()),
	Sharpen:   gift.New(gift.UnsharpMask(1, 2, 0)),
	Pixelate:  gift.New(gift.Pixelate(PixelateBlock)),
}

// Parse maps a filter name to its Kind. An empty name is None.
func Parse(name string) (Kind, error) {
	n := Kind(strings.ToLower(strings.TrimSpace(name)))
	if n == "" {
		return None, nil
	}
	for _, k := range Kinds {
		if k == n {
			return k, nil
		}
	}
	return None, fmt.Errorf("unknown effect %q", name)
}

// Apply runs the filter named by kind over f. None returns f itself; every
// other kind returns a newly allocated frame of the same size carrying an
// alpha plane.
func Apply(kind Kind, f *frame.Frame) (*frame.Frame, error) {
	if kind == None || kind == "" {
		return f, nil
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("effect %s: %w", kind, err)
	}

	src := f.ToRGBA()
	var out *image.RGBA

	switch kind {
	case Kaleidoscope:
		out = kaleidoscope(src)
	default:
		g, ok := pipelines[kind]
		if !ok {
			return nil, fmt.Errorf("unknown effect %q", kind)
		}
		out = image.NewRGBA(g.Bounds(src.Bounds()))
		g.Draw(out, src)
	}

	return frame.FromRGBA(out), nil
}

// kaleidoscope mirrors the top-left quadrant into the other three.
func kaleidoscope(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewRGBA(b)
	hw, hh := (w+1)/2, (h+1)/2

	for y := 0; y < h; y++ {
		sy := y
		if y >= hh {
			sy = h - 1 - y
		}
		for x := 0; x < w; x++ {
			sx := x
			if x >= hw {
				sx = w - 1 - x
			}
			si := sy*src.Stride + sx*4
			di := y*out.Stride + x*4
			copy(out.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return out
}
