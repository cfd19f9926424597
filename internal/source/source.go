// Package source implements the independently running frame producers that
// feed the compositor. Every variant shares one producer loop: open the
// stream, fill the back buffer, publish, sleep, repeat until stopped.
package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/LayerCast/internal/effect"
	"github.com/bryanchriswhite/LayerCast/internal/frame"
	"github.com/bryanchriswhite/LayerCast/internal/logger"
	"github.com/google/uuid"
)

// Kind tags a source variant.
type Kind string

const (
	KindDesktop Kind = "desktop"
	KindWebcam  Kind = "webcam"
	KindImage   Kind = "image"
	KindText    Kind = "text"
	KindGeneric Kind = "generic"
)

// ErrAlreadyRunning is returned by Start on a running source.
var ErrAlreadyRunning = errors.New("source already running")

// Source is a frame producer contributing one layer to the composited output.
type Source interface {
	ID() string
	Name() string
	Kind() Kind

	// Start spawns the producer goroutine and returns immediately.
	Start(ctx context.Context) error
	// Stop halts the producer and waits for it. Safe to call repeatedly.
	Stop() error
	Running() bool

	// Acquire returns the latest published frame, or nil before the first
	// one, and a func releasing it. The frame stays unchanged until released.
	Acquire() (*frame.Frame, func())
	// Frame returns a copy of the latest published frame, or nil.
	Frame() *frame.Frame

	Bounds() image.Rectangle
	SetBounds(r image.Rectangle)
	Position() (x, y int)
	SetPosition(x, y int)
	Alpha() float64
	SetAlpha(alpha float64)
	ZOrder() int
	Effect() effect.Kind
	SetEffect(kind effect.Kind)
}

// StreamError reports that a source's underlying stream failed. The source
// goroutine exits and its last published frame stays visible.
type StreamError struct {
	Source string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("source %s stream: %v", e.Source, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Options carries the settings shared by every variant.
type Options struct {
	ID     string
	Name   string
	Bounds image.Rectangle
	ZOrder int
	Alpha  float64
	Delay  time.Duration
	Effect effect.Kind
}

// producer is the variant-specific half of a Stream. open and close run on
// the source goroutine; next fills dst with one complete frame.
type producer interface {
	open(ctx context.Context) error
	next(ctx context.Context, dst *frame.Frame) error
	close() error
}

// Stream is the shared Source implementation. Bounds, alpha and effect are
// independent atomic fields so transitions and the API can mutate them while
// the compositor reads them.
type Stream struct {
	id   string
	name string
	kind Kind

	x, y, width, height atomic.Int64
	zOrder              int
	alpha               atomic.Uint64
	effect              atomic.Value

	delay time.Duration
	buf   *frame.DoubleBuffer
	p     producer

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	running  atomic.Bool
	stopping atomic.Bool
	lastErr  atomic.Pointer[StreamError]
}

func newStream(kind Kind, opts Options, withAlpha bool, p producer) (*Stream, error) {
	b := opts.Bounds
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("source %q: empty bounds %v", opts.Name, b)
	}
	if opts.Delay < 0 {
		return nil, fmt.Errorf("source %q: negative delay %v", opts.Name, opts.Delay)
	}

	s := &Stream{
		id:     opts.ID,
		name:   opts.Name,
		kind:   kind,
		zOrder: opts.ZOrder,
		delay:  opts.Delay,
		buf:    frame.NewDoubleBuffer(b.Dx(), b.Dy(), withAlpha),
		p:      p,
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.name == "" {
		s.name = string(kind) + "-" + s.id[:8]
	}
	s.SetBounds(b)
	s.SetAlpha(opts.Alpha)
	s.SetEffect(opts.Effect)
	return s, nil
}

func (s *Stream) ID() string   { return s.id }
func (s *Stream) Name() string { return s.name }
func (s *Stream) Kind() Kind   { return s.kind }
func (s *Stream) ZOrder() int  { return s.zOrder }

// Delay returns the sleep between produced frames.
func (s *Stream) Delay() time.Duration { return s.delay }

func (s *Stream) Frame() *frame.Frame { return s.buf.Snapshot() }

// Acquire holds the latest frame until release is called.
func (s *Stream) Acquire() (*frame.Frame, func()) { return s.buf.Acquire() }

// Frames reports how many frames the source has published.
func (s *Stream) Frames() uint64 { return s.buf.Published() }

func (s *Stream) Bounds() image.Rectangle {
	x, y := int(s.x.Load()), int(s.y.Load())
	return image.Rect(x, y, x+int(s.width.Load()), y+int(s.height.Load()))
}

// SetBounds moves and resizes the layer. The frame itself keeps its
// construction-time size; the compositor clips it to the new rectangle.
func (s *Stream) SetBounds(r image.Rectangle) {
	s.x.Store(int64(r.Min.X))
	s.y.Store(int64(r.Min.Y))
	s.width.Store(int64(r.Dx()))
	s.height.Store(int64(r.Dy()))
}

func (s *Stream) Position() (int, int) {
	return int(s.x.Load()), int(s.y.Load())
}

func (s *Stream) SetPosition(x, y int) {
	s.x.Store(int64(x))
	s.y.Store(int64(y))
}

func (s *Stream) Alpha() float64 {
	return math.Float64frombits(s.alpha.Load())
}

// SetAlpha stores alpha clamped to [0,1].
func (s *Stream) SetAlpha(alpha float64) {
	if math.IsNaN(alpha) || alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	s.alpha.Store(math.Float64bits(alpha))
}

func (s *Stream) Effect() effect.Kind {
	k, _ := s.effect.Load().(effect.Kind)
	if k == "" {
		return effect.None
	}
	return k
}

func (s *Stream) SetEffect(kind effect.Kind) {
	if kind == "" {
		kind = effect.None
	}
	s.effect.Store(kind)
}

func (s *Stream) Running() bool { return s.running.Load() }

// LastError returns the stream error that ended the producer, if any.
func (s *Stream) LastError() error {
	if e := s.lastErr.Load(); e != nil {
		return e
	}
	return nil
}

// Start spawns the producer goroutine.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return fmt.Errorf("%s: %w", s.name, ErrAlreadyRunning)
	}
	if s.cancel != nil {
		// previous run ended on its own
		s.cancel()
		<-s.done
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.stopping.Store(false)
	s.lastErr.Store(nil)
	s.running.Store(true)

	go s.run(ctx, s.done)
	return nil
}

// Stop sets the stop flag, cancels the stream context and waits for the
// producer goroutine to exit.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.stopping.Store(true)
	s.cancel()
	<-s.done
	s.cancel = nil
	return nil
}

func (s *Stream) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.running.Store(false)

	log := logger.WithSource("source", s.id, string(s.kind))

	if err := s.p.open(ctx); err != nil {
		if !s.stopRequested(ctx) {
			s.fail(err)
			log.Error().Err(err).Msg("Failed to open source stream")
		}
		return
	}
	defer func() {
		if err := s.p.close(); err != nil {
			log.Debug().Err(err).Msg("Source stream close")
		}
	}()

	log.Info().
		Str("name", s.name).
		Int("width", s.buf.Width()).
		Int("height", s.buf.Height()).
		Dur("delay", s.delay).
		Msg("Source started")

	for !s.stopRequested(ctx) {
		if err := s.p.next(ctx, s.buf.Back()); err != nil {
			if s.stopRequested(ctx) {
				break
			}
			s.fail(err)
			log.Error().
				Err(err).
				Uint64("frames", s.buf.Published()).
				Msg("Source stream error, keeping last frame")
			return
		}
		s.buf.Publish()

		if s.delay > 0 && !sleepCtx(ctx, s.delay) {
			break
		}
	}

	log.Info().Uint64("frames", s.buf.Published()).Msg("Source stopped")
}

func (s *Stream) stopRequested(ctx context.Context) bool {
	return s.stopping.Load() || ctx.Err() != nil
}

func (s *Stream) fail(err error) {
	s.lastErr.Store(&StreamError{Source: s.name, Err: err})
}

// sleepCtx sleeps for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
