package output

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"image/jpeg"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanchriswhite/LayerCast/internal/frame"
	"github.com/bryanchriswhite/LayerCast/internal/logger"
)

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWriteFrameRequiresStart(t *testing.T) {
	m := NewMJPEGOutput(Config{Width: 4, Height: 4, FPS: 10})
	if err := m.WriteFrame(frame.New(4, 4)); err == nil {
		t.Fatal("WriteFrame before Start should fail")
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err == nil {
		t.Fatal("second Start should fail")
	}
	if err := m.WriteFrame(&frame.Frame{Width: 4, Height: 4, Pix: make([]byte, 3)}); err == nil {
		t.Fatal("short frame should be rejected")
	}
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestStreamDeliversJPEG(t *testing.T) {
	m := NewMJPEGOutput(Config{Width: 16, Height: 8, FPS: 10, Quality: 95})
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	srv := httptest.NewServer(m.GetHTTPHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" {
		t.Fatalf("content type = %q (%v)", resp.Header.Get("Content-Type"), err)
	}

	waitFor(t, time.Second, "client registered", func() bool { return m.Clients() == 1 })

	f := frame.New(16, 8)
	f.Fill(color.RGBA{R: 200, A: 255})
	if err := m.WriteFrame(f); err != nil {
		t.Fatal(err)
	}

	part, err := multipart.NewReader(resp.Body, params["boundary"]).NextPart()
	if err != nil {
		t.Fatal(err)
	}
	img, err := jpeg.Decode(part)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 8 {
		t.Fatalf("jpeg size = %v", b)
	}
	r, g, _, _ := img.At(8, 4).RGBA()
	if r>>8 < 180 || g>>8 > 30 {
		t.Fatalf("jpeg pixel = %v, want red", img.At(8, 4))
	}

	if s := m.Stats(); s.Frames != 1 || s.Clients != 1 || s.LastUpdate.IsZero() {
		t.Fatalf("stats = %+v", s)
	}
}

func TestStreamUnavailableWhenStopped(t *testing.T) {
	m := NewMJPEGOutput(Config{Width: 4, Height: 4, FPS: 10})
	rec := httptest.NewRecorder()
	m.GetHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestViewerPage(t *testing.T) {
	m := NewMJPEGOutput(Config{})
	rec := httptest.NewRecorder()
	m.GetViewerHandler()(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.Contains(rec.Body.String(), `src="/stream"`) {
		t.Fatal("viewer page does not embed the stream")
	}
}

type countingOutput struct {
	writes atomic.Int32
	src    *nthSource
	fail   bool
}

func (c *countingOutput) Start() error { return nil }
func (c *countingOutput) Stop() error  { return nil }
func (c *countingOutput) WriteFrame(*frame.Frame) error {
	c.writes.Add(1)
	if c.src != nil && c.src.held.Load() != 1 {
		return errors.New("frame not held during write")
	}
	if c.fail {
		return errors.New("encode failed")
	}
	return nil
}
func (c *countingOutput) Name() string    { return "counting" }
func (c *countingOutput) IsRunning() bool { return true }

// nthSource returns nil on the first call to model an unpublished
// compositor.
type nthSource struct {
	calls atomic.Int32
	held  atomic.Int32
	f     *frame.Frame
}

func (s *nthSource) Acquire() (*frame.Frame, func()) {
	if s.calls.Add(1) == 1 {
		return nil, func() {}
	}
	s.held.Add(1)
	return s.f, func() { s.held.Add(-1) }
}

// syncBuffer is a bytes.Buffer safe for a logging goroutine and a reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runPump(t *testing.T, src FrameSource, out Output, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Pump(ctx, src, out, 100)
		close(done)
	}()

	waitFor(t, time.Second, "pumped frames", until)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Pump did not return on cancel")
	}
}

func TestPumpSkipsNilAndStops(t *testing.T) {
	src := &nthSource{f: frame.New(2, 2)}
	out := &countingOutput{src: src}

	runPump(t, src, out, func() bool { return out.writes.Load() >= 3 })

	if int(out.writes.Load()) >= int(src.calls.Load()) {
		t.Fatalf("writes = %d, calls = %d: the nil frame should be skipped", out.writes.Load(), src.calls.Load())
	}
	if src.held.Load() != 0 {
		t.Fatalf("%d frames still held", src.held.Load())
	}
}

func TestPumpLogsWriteErrors(t *testing.T) {
	logs := &syncBuffer{}
	logger.SetOutput(logs, "debug")
	t.Cleanup(func() { logger.SetOutput(os.Stderr, "info") })

	src := &nthSource{f: frame.New(2, 2)}
	out := &countingOutput{fail: true}

	runPump(t, src, out, func() bool { return out.writes.Load() >= 3 })

	if !strings.Contains(logs.String(), "encode failed") {
		t.Fatalf("write error not logged: %s", logs.String())
	}
	if src.held.Load() != 0 {
		t.Fatalf("%d frames still held after failed writes", src.held.Load())
	}
}
