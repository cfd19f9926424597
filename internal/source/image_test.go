package source

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		t.Fatal(err)
	}
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func TestImageFromImageExactSize(t *testing.T) {
	opts := Options{Bounds: image.Rect(0, 0, 4, 3), Alpha: 1}
	s, err := NewImageFromImage(opts, solid(4, 3, color.RGBA{R: 255, A: 255}))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, time.Second, "image frame", func() bool { return s.Frame() != nil })
	f := s.Frame()
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			if c := f.At(x, y); c != (color.RGBA{R: 255, A: 255}) {
				t.Fatalf("pixel (%d,%d) = %v, want opaque red", x, y, c)
			}
		}
	}

	// constant image: nothing further is published
	time.Sleep(20 * time.Millisecond)
	if s.Frames() != 1 {
		t.Fatalf("Frames() = %d, want 1", s.Frames())
	}
}

func TestImageScalesToBounds(t *testing.T) {
	opts := Options{Bounds: image.Rect(5, 5, 5+16, 5+8), Alpha: 1}
	s, err := NewImageFromImage(opts, solid(3, 2, color.RGBA{G: 200, A: 255}))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, time.Second, "image frame", func() bool { return s.Frame() != nil })
	f := s.Frame()
	if f.Width != 16 || f.Height != 8 {
		t.Fatalf("frame %dx%d, want 16x8", f.Width, f.Height)
	}
}

func TestImageFileReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.png")
	writePNG(t, path, solid(2, 2, color.RGBA{B: 255, A: 255}))

	s, err := NewImage(Options{Bounds: image.Rect(0, 0, 2, 2), Alpha: 1}, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, time.Second, "first frame", func() bool { return s.Frame() != nil })
	if c := s.Frame().At(0, 0); c.B != 255 {
		t.Fatalf("initial pixel = %v, want blue", c)
	}

	writePNG(t, path, solid(2, 2, color.RGBA{R: 255, A: 255}))
	waitFor(t, 5*time.Second, "reload", func() bool {
		f := s.Frame()
		return s.Frames() >= 2 && f.At(0, 0).R == 255
	})
}

func TestImageMissingFileFails(t *testing.T) {
	s, err := NewImage(Options{Bounds: image.Rect(0, 0, 2, 2), Alpha: 1}, filepath.Join(t.TempDir(), "nope.png"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, time.Second, "source exit", func() bool { return !s.Running() })
	if s.LastError() == nil {
		t.Fatal("expected a stream error for a missing file")
	}
	if s.Frame() != nil {
		t.Fatal("no frame should be published")
	}
}
