package session

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/bryanchriswhite/LayerCast/internal/config"
	"github.com/bryanchriswhite/LayerCast/internal/effect"
	"github.com/bryanchriswhite/LayerCast/internal/source"
)

// BuildSource creates the source described by sc. display and fps are the
// session defaults for capture sources that do not set their own.
func BuildSource(sc config.SourceConfig, display string, fps int) (source.Source, error) {
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("source %q: %w", sc.Name, err)
	}
	fx, err := effect.Parse(sc.Effect)
	if err != nil {
		return nil, err
	}

	opts := source.Options{
		ID:     sc.ID,
		Name:   sc.Name,
		Bounds: image.Rect(sc.X, sc.Y, sc.X+sc.Width, sc.Y+sc.Height),
		ZOrder: sc.ZOrder,
		Alpha:  sc.AlphaOrDefault(),
		Effect: fx,
	}

	capture := source.CaptureConfig{
		Command: sc.Command,
		Display: display,
		Device:  sc.Device,
		OffsetX: sc.OffsetX,
		OffsetY: sc.OffsetY,
		FPS:     sc.FPS,
	}
	if capture.FPS <= 0 {
		capture.FPS = fps
	}

	switch kind := source.Kind(sc.Kind); kind {
	case source.KindDesktop:
		switch sc.Backend {
		case "x11":
			return source.NewX11Desktop(opts, capture)
		case "pipewire":
			return source.NewPipeWireDesktop(opts, capture)
		default:
			return source.NewCapture(kind, opts, capture)
		}
	case source.KindWebcam, source.KindGeneric:
		return source.NewCapture(kind, opts, capture)
	case source.KindImage:
		return source.NewImage(opts, sc.Path)
	case source.KindText:
		tc, err := textConfig(sc.Text)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", sc.Name, err)
		}
		return source.NewText(opts, tc)
	default:
		return nil, fmt.Errorf("unknown source kind %q", sc.Kind)
	}
}

func textConfig(tc *config.TextConfig) (source.TextConfig, error) {
	anim, err := source.ParseAnimation(tc.Animation)
	if err != nil {
		return source.TextConfig{}, err
	}
	out := source.TextConfig{
		Content:   tc.Content,
		Padding:   source.DefaultTextPadding,
		Animation: anim,
		Interval:  time.Duration(tc.IntervalMs) * time.Millisecond,
		Vars:      tc.Vars,
	}
	if tc.Padding > 0 {
		out.Padding = tc.Padding
	}
	if tc.Color != "" {
		if out.Color, err = config.ParseColor(tc.Color); err != nil {
			return source.TextConfig{}, err
		}
	}
	if tc.Background != "" {
		var bg color.NRGBA
		if bg, err = config.ParseColor(tc.Background); err != nil {
			return source.TextConfig{}, err
		}
		out.Background = &bg
	}
	return out, nil
}
