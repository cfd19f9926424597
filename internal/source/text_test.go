package source

import (
	"context"
	"image"
	"image/color"
	"testing"
	"time"
)

func TestSubstitute(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	tests := []struct {
		in   string
		vars map[string]string
		want string
	}{
		{"plain", nil, "plain"},
		{"{time}", nil, "14:05:07"},
		{"{date} {time}", nil, "2024-03-09 14:05:07"},
		{"{datetime}", nil, "2024-03-09 14:05:07"},
		{"LIVE: {title}", map[string]string{"title": "demo"}, "LIVE: demo"},
		{"{missing}", nil, "{missing}"},
	}
	for _, tt := range tests {
		if got := Substitute(tt.in, tt.vars, now); got != tt.want {
			t.Errorf("Substitute(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseAnimation(t *testing.T) {
	if a, err := ParseAnimation(""); err != nil || a != AnimationNone {
		t.Errorf("empty = %q, %v", a, err)
	}
	if a, err := ParseAnimation("Scroll"); err != nil || a != AnimationScroll {
		t.Errorf("Scroll = %q, %v", a, err)
	}
	if _, err := ParseAnimation("bounce"); err == nil {
		t.Error("expected error for unknown animation")
	}
}

// litPixels counts non-transparent canvas pixels.
func litPixels(img *image.RGBA) int {
	n := 0
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0 {
			n++
		}
	}
	return n
}

func newTestText(cfg TextConfig) *textProducer {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultTextInterval
	}
	if cfg.Color == (color.NRGBA{}) {
		cfg.Color = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	}
	return newTextProducer(cfg, 200, 40)
}

func TestTextRenderBackground(t *testing.T) {
	p := newTestText(TextConfig{Background: &color.NRGBA{A: 255}})
	p.render(0)
	if litPixels(p.canvas) != 200*40 {
		t.Fatal("opaque background should cover the whole canvas")
	}
}

func TestTextTypewriterReveals(t *testing.T) {
	p := newTestText(TextConfig{Content: "HELLO WORLD", Animation: AnimationTypewriter})
	p.render(0)
	first := litPixels(p.canvas)
	p.render(5)
	later := litPixels(p.canvas)
	p.render(100)
	full := litPixels(p.canvas)
	p.render(200)
	held := litPixels(p.canvas)

	if !(first > 0 && first < later && later < full) {
		t.Fatalf("reveal not progressive: %d, %d, %d", first, later, full)
	}
	if held != full {
		t.Fatalf("completed text should hold: %d != %d", held, full)
	}
}

func TestTextScrollMoves(t *testing.T) {
	p := newTestText(TextConfig{Content: "MARQUEE", Animation: AnimationScroll})
	p.render(0)
	if litPixels(p.canvas) != 0 {
		t.Fatal("scroll should start off the right edge")
	}
	p.render(30)
	a := append([]byte(nil), p.canvas.Pix...)
	p.render(31)
	if litPixels(p.canvas) == 0 {
		t.Fatal("text should be visible mid-scroll")
	}
	if string(a) == string(p.canvas.Pix) {
		t.Fatal("consecutive scroll frames should differ")
	}
}

func TestTextRotateShowsOneLine(t *testing.T) {
	p := newTestText(TextConfig{Content: "ONE\nTWO", Animation: AnimationRotate, Interval: time.Second})
	p.render(0)
	a := append([]byte(nil), p.canvas.Pix...)
	p.render(3) // rotatePeriod / Interval = 3 redraws per line
	if string(a) == string(p.canvas.Pix) {
		t.Fatal("rotate should advance to the next line")
	}
	p.render(6)
	if string(a) != string(p.canvas.Pix) {
		t.Fatal("rotate should wrap to the first line")
	}
}

func TestTextFadePulses(t *testing.T) {
	p := newTestText(TextConfig{Content: "FADE", Animation: AnimationFade})
	maxAlpha := func() byte {
		var m byte
		for i := 3; i < len(p.canvas.Pix); i += 4 {
			m = max(m, p.canvas.Pix[i])
		}
		return m
	}
	p.render(0)
	bright := maxAlpha()
	p.render(10) // half of fadePeriod at the default interval
	dim := maxAlpha()
	if bright != 255 || dim >= bright {
		t.Fatalf("fade alpha bright=%d dim=%d", bright, dim)
	}
}

func TestTextSourcePublishesAlphaFrames(t *testing.T) {
	txt, err := NewText(Options{Bounds: image.Rect(0, 0, 120, 20), Alpha: 1}, TextConfig{Content: "rec {time}"})
	if err != nil {
		t.Fatal(err)
	}
	if txt.Delay() != DefaultTextInterval {
		t.Fatalf("Delay() = %v, want %v", txt.Delay(), DefaultTextInterval)
	}
	if err := txt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer txt.Stop()

	waitFor(t, time.Second, "text frame", func() bool { return txt.Frame() != nil })
	if txt.Frame().Alpha == nil {
		t.Fatal("text frames should carry alpha")
	}

	txt.SetContent("changed")
	if txt.Content() != "changed" {
		t.Fatalf("Content() = %q", txt.Content())
	}
}
