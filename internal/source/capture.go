package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/bryanchriswhite/LayerCast/internal/cmdline"
	"github.com/bryanchriswhite/LayerCast/internal/frame"
	"github.com/bryanchriswhite/LayerCast/internal/logger"
	"github.com/rs/zerolog"
)

// Default capture command templates. Each must write packed BGR24 frames of
// exactly {width}x{height} to stdout.
const (
	DefaultDesktopCommand = "ffmpeg -hide_banner -loglevel error -f x11grab -framerate {fps} " +
		"-video_size {width}x{height} -i {display}+{x},{y} -pix_fmt bgr24 -f rawvideo pipe:1"
	DefaultWebcamCommand = "ffmpeg -hide_banner -loglevel error -f v4l2 -i {device} " +
		"-vf scale={width}:{height},fps={fps} -pix_fmt bgr24 -f rawvideo pipe:1"
)

// DefaultCaptureFPS is used when CaptureConfig.FPS is unset.
const DefaultCaptureFPS = 30

const (
	// longer stderr lines end logging, not draining
	maxStderrLine      = 1 << 20
	stderrDrainTimeout = 2 * time.Second
)

// CaptureConfig configures the external-process and X11 capture variants.
type CaptureConfig struct {
	// Command overrides the default template. Required for generic sources.
	Command string
	// Display is the X11 display; empty means $DISPLAY.
	Display string
	// Device is the V4L2 device for webcams, default /dev/video0.
	Device string
	// OffsetX and OffsetY are the desktop grab origin.
	OffsetX, OffsetY int
	FPS              int
}

func (c CaptureConfig) withDefaults(kind Kind) CaptureConfig {
	if c.FPS <= 0 {
		c.FPS = DefaultCaptureFPS
	}
	if c.Display == "" {
		c.Display = os.Getenv("DISPLAY")
		if c.Display == "" {
			c.Display = ":0"
		}
	}
	if c.Device == "" {
		c.Device = "/dev/video0"
	}
	if c.Command == "" {
		switch kind {
		case KindDesktop:
			c.Command = DefaultDesktopCommand
		case KindWebcam:
			c.Command = DefaultWebcamCommand
		}
	}
	return c
}

// NewCapture creates a desktop, webcam or generic source backed by an
// external process emitting raw frames on stdout.
func NewCapture(kind Kind, opts Options, cfg CaptureConfig) (*Stream, error) {
	switch kind {
	case KindDesktop, KindWebcam, KindGeneric:
	default:
		return nil, fmt.Errorf("capture source cannot be of kind %q", kind)
	}

	cfg = cfg.withDefaults(kind)
	if cfg.Command == "" {
		return nil, fmt.Errorf("source %q: generic capture requires a command", opts.Name)
	}

	w, h := opts.Bounds.Dx(), opts.Bounds.Dy()
	argv, err := cmdline.Expand(cfg.Command, map[string]string{
		"width":   strconv.Itoa(w),
		"height":  strconv.Itoa(h),
		"fps":     strconv.Itoa(cfg.FPS),
		"display": cfg.Display,
		"device":  cfg.Device,
		"x":       strconv.Itoa(cfg.OffsetX),
		"y":       strconv.Itoa(cfg.OffsetY),
	})
	if err != nil {
		return nil, fmt.Errorf("source %q: capture command: %w", opts.Name, err)
	}

	p := &captureProducer{argv: argv}
	s, err := newStream(kind, opts, false, p)
	if err != nil {
		return nil, err
	}
	p.log = logger.WithSource("capture", s.id, string(kind))
	return s, nil
}

type captureProducer struct {
	argv []string
	log  *zerolog.Logger
	// extraFiles are inherited by the process as fd 3 onwards
	extraFiles []*os.File

	cmd        *exec.Cmd
	reader     *bufio.Reader
	stderrDone chan struct{}
}

func (p *captureProducer) open(ctx context.Context) error {
	// the context kills the process on Stop, which unblocks a pending read
	cmd := exec.CommandContext(ctx, p.argv[0], p.argv[1:]...)
	cmd.ExtraFiles = p.extraFiles

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", p.argv[0], err)
	}

	p.cmd = cmd
	p.reader = bufio.NewReaderSize(stdout, 1<<16)
	p.stderrDone = make(chan struct{})
	go p.logStderr(stderr)

	p.log.Info().
		Str("command", strings.Join(p.argv, " ")).
		Int("pid", cmd.Process.Pid).
		Msg("Capture process started")
	return nil
}

// next reads exactly one frame. A short read or EOF is a stream error.
func (p *captureProducer) next(_ context.Context, dst *frame.Frame) error {
	if n, err := io.ReadFull(p.reader, dst.Pix); err != nil {
		return fmt.Errorf("read frame (%d/%d bytes): %w", n, len(dst.Pix), err)
	}
	return nil
}

func (p *captureProducer) close() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Kill()
	// a grandchild may still hold stderr; Wait closes our end of the pipe
	t := time.NewTimer(stderrDrainTimeout)
	select {
	case <-p.stderrDone:
	case <-t.C:
		p.log.Debug().Msg("Capture stderr still open after kill")
	}
	t.Stop()
	err := p.cmd.Wait()
	p.cmd = nil
	return err
}

func (p *captureProducer) logStderr(r io.Reader) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStderrLine)
	for scanner.Scan() {
		p.log.Debug().Str("stderr", scanner.Text()).Msg("Capture process output")
	}
	if err := scanner.Err(); err != nil {
		// keep draining so the process never blocks on a full pipe
		p.log.Debug().Err(err).Msg("Capture stderr no longer logged")
		_, _ = io.Copy(io.Discard, r)
	}
}
