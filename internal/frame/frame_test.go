package frame

import (
	"errors"
	"image"
	"image/color"
	"testing"
	"time"
)

func TestNewFrameSize(t *testing.T) {
	f := New(320, 240)
	if len(f.Pix) != 320*240*3 {
		t.Fatalf("Pix len = %d, want %d", len(f.Pix), 320*240*3)
	}
	if f.Alpha != nil {
		t.Fatal("opaque frame should have no alpha plane")
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestValidateRejectsShortBuffer(t *testing.T) {
	f := &Frame{Width: 4, Height: 4, Pix: make([]byte, 10)}
	if err := f.Validate(); !errors.Is(err, ErrSize) {
		t.Fatalf("Validate() = %v, want ErrSize", err)
	}

	var nilFrame *Frame
	if err := nilFrame.Validate(); !errors.Is(err, ErrSize) {
		t.Fatalf("nil Validate() = %v, want ErrSize", err)
	}
}

func TestFillAndAt(t *testing.T) {
	f := New(2, 2)
	f.Fill(color.RGBA{R: 10, G: 20, B: 30, A: 255})

	if got := f.Pix[:3]; got[0] != 30 || got[1] != 20 || got[2] != 10 {
		t.Fatalf("first pixel BGR = %v, want [30 20 10]", got)
	}
	if c := f.At(1, 1); c != (color.RGBA{R: 10, G: 20, B: 30, A: 255}) {
		t.Fatalf("At(1,1) = %v", c)
	}
}

func TestBlendChannel(t *testing.T) {
	tests := []struct {
		name    string
		s, d, a uint8
		want    uint8
	}{
		{"opaque", 200, 10, 255, 200},
		{"transparent", 200, 10, 0, 10},
		{"half source", 255, 0, 128, 128},
		{"half dest", 0, 255, 128, 127},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BlendChannel(tt.s, tt.d, tt.a); got != tt.want {
				t.Errorf("BlendChannel(%d,%d,%d) = %d, want %d", tt.s, tt.d, tt.a, got, tt.want)
			}
		})
	}
}

func TestAlphaByte(t *testing.T) {
	if AlphaByte(-1) != 0 || AlphaByte(0) != 0 {
		t.Error("alpha <= 0 should quantise to 0")
	}
	if AlphaByte(1) != 255 || AlphaByte(2) != 255 {
		t.Error("alpha >= 1 should quantise to 255")
	}
	if got := AlphaByte(0.5); got != 128 {
		t.Errorf("AlphaByte(0.5) = %d, want 128", got)
	}
}

func TestRGBARoundTrip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
	// premultiplied half-transparent white
	img.SetRGBA(1, 0, color.RGBA{R: 128, G: 128, B: 128, A: 128})

	f := FromRGBA(img)
	if c := f.At(0, 0); c != (color.RGBA{R: 255, A: 255}) {
		t.Errorf("opaque pixel = %v", c)
	}
	if c := f.At(1, 0); c.A != 128 || c.R != 255 {
		t.Errorf("translucent pixel = %v, want straight white at alpha 128", c)
	}

	back := f.ToRGBA()
	if back.RGBAAt(0, 0) != img.RGBAAt(0, 0) {
		t.Errorf("round trip opaque = %v, want %v", back.RGBAAt(0, 0), img.RGBAAt(0, 0))
	}
}

func TestCopyFromSizeMismatch(t *testing.T) {
	dst := New(2, 2)
	if err := dst.CopyFrom(New(3, 2)); !errors.Is(err, ErrSize) {
		t.Fatalf("CopyFrom() = %v, want ErrSize", err)
	}
}

func TestCopyFromOpaqueIntoAlpha(t *testing.T) {
	dst := NewWithAlpha(1, 1)
	src := New(1, 1)
	src.Fill(color.RGBA{B: 9, A: 255})
	if err := dst.CopyFrom(src); err != nil {
		t.Fatal(err)
	}
	if dst.Alpha[0] != 255 || dst.Pix[0] != 9 {
		t.Fatalf("got alpha=%d blue=%d", dst.Alpha[0], dst.Pix[0])
	}
}

func TestDoubleBufferPublish(t *testing.T) {
	d := NewDoubleBuffer(4, 2, false)
	if f, release := d.Acquire(); f != nil {
		t.Fatal("Acquire() before Publish should return nil")
	} else {
		release()
	}
	if d.Snapshot() != nil {
		t.Fatal("Snapshot() before Publish should be nil")
	}

	back := d.Back()
	back.Fill(color.RGBA{G: 99, A: 255})
	d.Publish()

	cur, release := d.Acquire()
	defer release()
	if cur != back {
		t.Fatal("Publish should make the written buffer current")
	}
	if d.Back() == cur {
		t.Fatal("Back() must never return the current buffer")
	}
	if d.Published() != 1 {
		t.Fatalf("Published() = %d, want 1", d.Published())
	}
	if len(cur.Pix) != Size(4, 2) {
		t.Fatalf("current frame size = %d", len(cur.Pix))
	}
	if snap := d.Snapshot(); snap == cur || snap.At(0, 0) != cur.At(0, 0) {
		t.Fatal("Snapshot() should be an equal copy")
	}
}

func TestDoubleBufferHeldFrameIsStable(t *testing.T) {
	d := NewDoubleBuffer(2, 2, false)
	green := color.RGBA{G: 200, A: 255}

	d.Back().Fill(green)
	d.Publish()
	held, release := d.Acquire()

	// several publishes while the reader holds the first frame
	for i := 0; i < 5; i++ {
		back := d.Back()
		if back == held {
			t.Fatalf("publish %d: producer was handed the held frame", i)
		}
		back.Fill(color.RGBA{R: uint8(i), A: 255})
		d.Publish()
	}
	if got := held.At(1, 1); got != green {
		t.Fatalf("held frame changed to %v", got)
	}
	if d.Slots() != 3 {
		t.Fatalf("Slots() = %d, want 3", d.Slots())
	}

	// once released the slot is reused instead of growing further
	release()
	release()
	for i := 0; i < 5; i++ {
		d.Back().Clear()
		d.Publish()
	}
	if d.Slots() != 3 {
		t.Fatalf("Slots() after release = %d, want 3", d.Slots())
	}
}

func TestDoubleBufferConcurrentReaders(t *testing.T) {
	d := NewDoubleBuffer(8, 8, false)
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		for v := 0; ; v++ {
			select {
			case <-stop:
				return
			default:
			}
			back := d.Back()
			for i := range back.Pix {
				back.Pix[i] = uint8(v)
			}
			d.Publish()
		}
	}()

	for n := 0; n < 200; n++ {
		f, release := d.Acquire()
		if f == nil {
			release()
			continue
		}
		want := f.Pix[0]
		time.Sleep(50 * time.Microsecond)
		for i, b := range f.Pix {
			if b != want {
				release()
				close(stop)
				<-done
				t.Fatalf("read %d: byte %d = %d, want %d (frame torn)", n, i, b, want)
			}
		}
		release()
	}
	close(stop)
	<-done
}
