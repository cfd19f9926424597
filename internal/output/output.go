package output

import (
	"context"
	"time"

	"github.com/bryanchriswhite/LayerCast/internal/frame"
	"github.com/bryanchriswhite/LayerCast/internal/logger"
)

// Output defines the interface for consumers of the composited frame other
// than the encoder feed:
// - MJPEG HTTP preview
// - snapshot writers in tests
type Output interface {
	// Start initializes the output mechanism
	Start() error

	// Stop cleanly shuts down the output
	Stop() error

	// WriteFrame sends a frame to the output. The frame is only read for the
	// duration of the call.
	WriteFrame(f *frame.Frame) error

	// Name returns a human-readable name for this output type
	Name() string

	// IsRunning returns true if the output is currently active
	IsRunning() bool
}

// Config holds common configuration for all output types
type Config struct {
	Width  int
	Height int
	FPS    int
	// Quality is the JPEG quality, 1-100
	Quality int
}

// FrameSource is sampled by Pump. compositor.Compositor satisfies it.
type FrameSource interface {
	Acquire() (f *frame.Frame, release func())
}

// Pump writes the latest frame of src to out at fps until ctx is done. The
// same frame is written again when src has not published a new one. Ticks
// before the first frame are skipped.
func Pump(ctx context.Context, src FrameSource, out Output, fps int) {
	if fps <= 0 {
		fps = 10
	}
	log := logger.WithComponent("preview")
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !out.IsRunning() {
			continue
		}
		f, release := src.Acquire()
		if f == nil {
			release()
			continue
		}
		err := out.WriteFrame(f)
		release()
		if err != nil {
			log.Debug().Err(err).Str("output", out.Name()).Msg("Preview frame dropped")
		}
	}
}
