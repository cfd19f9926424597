// Package compositor merges the latest frame of every source into one
// output frame per tick, in ascending z-order.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/LayerCast/internal/effect"
	"github.com/bryanchriswhite/LayerCast/internal/frame"
	"github.com/bryanchriswhite/LayerCast/internal/logger"
	"github.com/bryanchriswhite/LayerCast/internal/source"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrRunning is returned by Start on a running compositor.
var ErrRunning = errors.New("compositor already running")

// Stats is a snapshot of the mixing loop counters.
type Stats struct {
	Ticks    uint64 `json:"ticks"`
	Skipped  uint64 `json:"skipped"`
	Overruns uint64 `json:"overruns"`
	Sources  int    `json:"sources"`
}

// Compositor owns an ordered set of sources and a fixed-rate mixing loop.
// The source list is copy-on-write: the loop loads it once per tick and
// Add/Remove publish a new slice.
type Compositor struct {
	width, height int
	fps           int
	interval      time.Duration

	sources atomic.Pointer[[]source.Source]
	buf     *frame.DoubleBuffer

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool

	ticks    atomic.Uint64
	skipped  atomic.Uint64
	overruns atomic.Uint64

	log    *zerolog.Logger
	errLog zerolog.Logger
}

// New creates a compositor producing width x height frames at fps.
func New(sources []source.Source, width, height, fps int) (*Compositor, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", width, height)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("invalid frame rate %d", fps)
	}

	log := logger.WithComponent("compositor")
	c := &Compositor{
		width:    width,
		height:   height,
		fps:      fps,
		interval: time.Second / time.Duration(fps),
		buf:      frame.NewDoubleBuffer(width, height, false),
		log:      log,
		// composite failures repeat every tick; keep the log readable
		errLog: log.Sample(&zerolog.BurstSampler{Burst: 5, Period: 10 * time.Second}),
	}
	sorted := sortByZOrder(sources)
	c.sources.Store(&sorted)
	return c, nil
}

// sortByZOrder returns a copy of sources in paint order. Equal z-orders keep
// their insertion order.
func sortByZOrder(sources []source.Source) []source.Source {
	out := make([]source.Source, len(sources))
	copy(out, sources)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ZOrder() < out[j].ZOrder()
	})
	return out
}

// Size returns the output frame dimensions.
func (c *Compositor) Size() (int, int) { return c.width, c.height }

// FPS returns the target frame rate.
func (c *Compositor) FPS() int { return c.fps }

// Frame returns a copy of the latest composited frame, or nil before the
// first tick.
func (c *Compositor) Frame() *frame.Frame { return c.buf.Snapshot() }

// Acquire holds the latest composited frame until release is called. The
// compositor keeps running and draws into other buffers meanwhile.
func (c *Compositor) Acquire() (*frame.Frame, func()) { return c.buf.Acquire() }

// Sources returns the sources in paint order.
func (c *Compositor) Sources() []source.Source {
	cur := *c.sources.Load()
	out := make([]source.Source, len(cur))
	copy(out, cur)
	return out
}

// Source looks a source up by id.
func (c *Compositor) Source(id string) (source.Source, bool) {
	for _, s := range *c.sources.Load() {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

// Running reports whether the mixing loop is active.
func (c *Compositor) Running() bool { return c.running.Load() }

// Stats returns the loop counters.
func (c *Compositor) Stats() Stats {
	return Stats{
		Ticks:    c.ticks.Load(),
		Skipped:  c.skipped.Load(),
		Overruns: c.overruns.Load(),
		Sources:  len(*c.sources.Load()),
	}
}

// Start starts every source, then the mixing loop.
func (c *Compositor) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running.Load() {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	var g errgroup.Group
	for _, s := range *c.sources.Load() {
		g.Go(func() error { return startSource(ctx, s) })
	}
	if err := g.Wait(); err != nil {
		cancel()
		stopAll(*c.sources.Load())
		return fmt.Errorf("start sources: %w", err)
	}

	c.ctx, c.cancel = ctx, cancel
	c.done = make(chan struct{})
	c.running.Store(true)
	go c.loop(ctx, c.done)

	c.log.Info().
		Int("width", c.width).
		Int("height", c.height).
		Int("fps", c.fps).
		Int("sources", len(*c.sources.Load())).
		Msg("Compositor started")
	return nil
}

func startSource(ctx context.Context, s source.Source) error {
	if err := s.Start(ctx); err != nil && !errors.Is(err, source.ErrAlreadyRunning) {
		return fmt.Errorf("%s: %w", s.Name(), err)
	}
	return nil
}

// Stop halts the mixing loop and stops every owned source. It is safe to call
// before Start and more than once.
func (c *Compositor) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
		<-c.done
		c.cancel = nil
		c.ctx = nil
		c.log.Info().Uint64("ticks", c.ticks.Load()).Msg("Compositor stopped")
	}
	return stopAll(*c.sources.Load())
}

func stopAll(sources []source.Source) error {
	var g errgroup.Group
	for _, s := range sources {
		g.Go(s.Stop)
	}
	return g.Wait()
}

// Add inserts src at its z-order position. While running, src is started.
func (c *Compositor) Add(src source.Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.Source(src.ID()); ok {
		return fmt.Errorf("source %s already added", src.ID())
	}
	if c.ctx != nil {
		if err := startSource(c.ctx, src); err != nil {
			return err
		}
	}
	next := sortByZOrder(append(c.Sources(), src))
	c.sources.Store(&next)
	return nil
}

// Remove drops the source with the given id and stops it.
func (c *Compositor) Remove(id string) (source.Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := *c.sources.Load()
	next := make([]source.Source, 0, len(cur))
	var removed source.Source
	for _, s := range cur {
		if s.ID() == id && removed == nil {
			removed = s
			continue
		}
		next = append(next, s)
	}
	if removed == nil {
		return nil, fmt.Errorf("source %s not found", id)
	}
	c.sources.Store(&next)
	return removed, removed.Stop()
}

// loop composites one frame per tick. Pacing follows a deadline on the
// monotonic clock; a tick that overran by more than one interval resets the
// deadline to now, so missed ticks are dropped rather than replayed.
func (c *Compositor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.running.Store(false)

	timer := time.NewTimer(0)
	<-timer.C
	defer timer.Stop()

	next := time.Now()
	for {
		c.composite()

		next = next.Add(c.interval)
		now := time.Now()
		if late := now.Sub(next); late > c.interval {
			c.overruns.Add(1)
			next = now
		}

		if wait := next.Sub(now); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

// composite renders one tick into the back buffer and publishes it.
func (c *Compositor) composite() {
	back := c.buf.Back()
	back.Clear()

	for _, s := range *c.sources.Load() {
		if err := c.draw(back, s); err != nil {
			c.skipped.Add(1)
			c.errLog.Warn().
				Err(err).
				Str("source_id", s.ID()).
				Str("source", s.Name()).
				Msg("Composite failed, source skipped for this tick")
		}
	}

	c.buf.Publish()
	c.ticks.Add(1)
}

// draw blends one source. A panic inside a source or effect is recovered
// and reported as an error so the remaining sources still composite.
func (c *Compositor) draw(dst *frame.Frame, s source.Source) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	f, release := s.Acquire()
	defer release()
	if f == nil {
		return nil
	}
	alpha := s.Alpha()
	if alpha <= 0 {
		return nil
	}
	if kind := s.Effect(); kind != effect.None {
		if f, err = effect.Apply(kind, f); err != nil {
			return err
		}
	}
	if err := f.Validate(); err != nil {
		return err
	}

	Blend(dst, f, s.Bounds(), alpha)
	return nil
}
