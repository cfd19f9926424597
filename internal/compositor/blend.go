package compositor

import (
	"image"

	"github.com/bryanchriswhite/LayerCast/internal/frame"
)

// Blend composites src over dst with its top-left corner at bounds.Min.
// src is clipped to bounds' size and to dst. alpha scales the per-pixel alpha
// of src (255 when src has no alpha plane); dst is treated as opaque.
func Blend(dst, src *frame.Frame, bounds image.Rectangle, alpha float64) {
	ga := frame.AlphaByte(alpha)
	if ga == 0 {
		return
	}

	visible := image.Rect(
		bounds.Min.X,
		bounds.Min.Y,
		bounds.Min.X+min(src.Width, bounds.Dx()),
		bounds.Min.Y+min(src.Height, bounds.Dy()),
	).Intersect(dst.Bounds())
	if visible.Empty() {
		return
	}

	n := visible.Dx()
	sx := visible.Min.X - bounds.Min.X
	const bpp = frame.BytesPerPixel

	for y := visible.Min.Y; y < visible.Max.Y; y++ {
		sp := (y-bounds.Min.Y)*src.Width + sx
		dp := y*dst.Width + visible.Min.X
		srow := src.Pix[sp*bpp : (sp+n)*bpp]
		drow := dst.Pix[dp*bpp : (dp+n)*bpp]

		if src.Alpha == nil && ga == 255 {
			copy(drow, srow)
			continue
		}

		var arow []byte
		if src.Alpha != nil {
			arow = src.Alpha[sp : sp+n]
		}

		for i := 0; i < n; i++ {
			a := ga
			if arow != nil {
				a = frame.AlphaByte(alpha * float64(arow[i]) / 255)
			}
			o := i * bpp
			switch a {
			case 0:
			case 255:
				copy(drow[o:o+bpp], srow[o:o+bpp])
			default:
				drow[o] = frame.BlendChannel(srow[o], drow[o], a)
				drow[o+1] = frame.BlendChannel(srow[o+1], drow[o+1], a)
				drow[o+2] = frame.BlendChannel(srow[o+2], drow[o+2], a)
			}
		}
	}
}
