// Package session runs one recording pipeline: configured sources feed the
// compositor, whose output goes to the encoder feed and the MJPEG preview.
// Status changes fan out to subscribers and, when configured, MQTT.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/LayerCast/internal/compositor"
	"github.com/bryanchriswhite/LayerCast/internal/config"
	"github.com/bryanchriswhite/LayerCast/internal/effect"
	"github.com/bryanchriswhite/LayerCast/internal/encoder"
	"github.com/bryanchriswhite/LayerCast/internal/logger"
	"github.com/bryanchriswhite/LayerCast/internal/notify"
	"github.com/bryanchriswhite/LayerCast/internal/output"
	"github.com/bryanchriswhite/LayerCast/internal/source"
	"github.com/bryanchriswhite/LayerCast/internal/transition"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrRunning is returned by Start while a session is active.
var ErrRunning = errors.New("session already running")

// ErrNotFound is returned for an unknown source id.
var ErrNotFound = errors.New("source not found")

// Session owns the pipeline built from one configuration.
type Session struct {
	cfg     *config.Config
	comp    *compositor.Compositor
	preview *output.MJPEGOutput
	pub     *notify.Publisher
	log     *zerolog.Logger

	// mu serializes Start and Stop. Status reads the run pointers without it
	// because encoder listeners report while Start or Stop hold it.
	mu      sync.Mutex
	current atomic.Pointer[run]
	last    atomic.Pointer[run]

	subMu  sync.Mutex
	subs   map[int]func(Status)
	nextID int
}

// run is one Start..Stop cycle.
type run struct {
	id        string
	feed      *encoder.Feed
	startedAt time.Time
	stoppedAt atomic.Int64
	done      chan struct{}
	cancel    context.CancelFunc
}

// Option configures a Session.
type Option func(*Session)

// WithPublisher sends every status change to pub.
func WithPublisher(pub *notify.Publisher) Option {
	return func(s *Session) { s.pub = pub }
}

// New builds every configured source and the compositor. Nothing runs until
// Start.
func New(cfg *config.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	sources := make([]source.Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		src, err := BuildSource(sc, cfg.Display, cfg.Output.FPS)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	comp, err := compositor.New(sources, cfg.Output.Width, cfg.Output.Height, cfg.Output.FPS)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:  cfg,
		comp: comp,
		preview: output.NewMJPEGOutput(output.Config{
			Width:   cfg.Output.Width,
			Height:  cfg.Output.Height,
			FPS:     cfg.Preview.FPS,
			Quality: cfg.Preview.Quality,
		}),
		log:  logger.WithComponent("session"),
		subs: make(map[int]func(Status)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Compositor exposes the mixing stage.
func (s *Session) Compositor() *compositor.Compositor { return s.comp }

// Preview exposes the MJPEG preview for mounting on an HTTP router.
func (s *Session) Preview() *output.MJPEGOutput { return s.preview }

// Start runs sources, compositor, encoder feed and preview. An encoder
// start failure stops everything again and is returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.Load() != nil {
		return ErrRunning
	}

	r := &run{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	log := s.log.With().Str("session_id", r.id).Logger()

	if err := s.comp.Start(ctx); err != nil {
		return err
	}

	var once sync.Once
	feed, err := encoder.NewFeed(s.encoderConfig(), s.comp,
		encoder.WithStateListener(func(encoder.State, error) { s.notify() }),
		encoder.WithStopHook(func() {
			if err := s.comp.Stop(); err != nil {
				log.Warn().Err(err).Msg("Stopping sources")
			}
			once.Do(func() { close(r.done) })
		}),
	)
	if err != nil {
		s.comp.Stop()
		return err
	}
	r.feed = feed
	s.last.Store(r)

	if err := feed.Start(ctx); err != nil {
		s.comp.Stop()
		r.stoppedAt.Store(time.Now().UnixNano())
		once.Do(func() { close(r.done) })
		s.notify()
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	s.current.Store(r)

	if s.cfg.Preview.Enabled {
		if err := s.preview.Start(); err != nil {
			log.Warn().Err(err).Msg("Preview not started")
		}
		go output.Pump(pumpCtx, s.comp, s.preview, s.cfg.Preview.FPS)
	}
	go func() {
		select {
		case <-r.done:
			// the encoder stopped on its own after a write failure
			s.mu.Lock()
			if s.current.Load() == r {
				s.teardownLocked(r)
				s.notify()
			}
			s.mu.Unlock()
		case <-pumpCtx.Done():
		}
	}()

	s.runEntryTransitions(pumpCtx)

	log.Info().
		Int("sources", len(s.comp.Sources())).
		Str("output", s.cfg.Encoder.Output).
		Msg("Session started")
	s.notify()
	return nil
}

func (s *Session) encoderConfig() encoder.Config {
	e := s.cfg.Encoder
	return encoder.Config{
		Command:         e.Command,
		Output:          e.Output,
		Width:           s.cfg.Output.Width,
		Height:          s.cfg.Output.Height,
		FPS:             s.cfg.Output.FPS,
		ConnectTimeout:  time.Duration(e.ConnectTimeoutMs) * time.Millisecond,
		ShutdownTimeout: time.Duration(e.ShutdownTimeoutMs) * time.Millisecond,
		QuitToken:       e.QuitToken,
	}
}

// runEntryTransitions starts the configured transition of every source.
func (s *Session) runEntryTransitions(ctx context.Context) {
	for _, sc := range s.cfg.Sources {
		if sc.Transition == "" {
			continue
		}
		src := s.sourceFor(sc)
		if src == nil {
			continue
		}
		d := time.Duration(sc.TransitionMs) * time.Millisecond
		if _, err := s.startTransition(ctx, src, sc.Transition, d); err != nil {
			s.log.Warn().Err(err).Str("source", src.Name()).Msg("Entry transition skipped")
		}
	}
}

// sourceFor finds the live source built from sc.
func (s *Session) sourceFor(sc config.SourceConfig) source.Source {
	for _, src := range s.comp.Sources() {
		if (sc.ID != "" && src.ID() == sc.ID) || (sc.ID == "" && src.Name() == sc.Name && src.Kind() == source.Kind(sc.Kind)) {
			return src
		}
	}
	return nil
}

// Stop ends the running session. It is safe to call when idle.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.current.Load()
	if r == nil {
		return nil
	}
	err := s.teardownLocked(r)
	s.notify()
	return err
}

func (s *Session) teardownLocked(r *run) error {
	err := r.feed.Stop()
	r.cancel()
	if perr := s.preview.Stop(); perr != nil {
		err = errors.Join(err, perr)
	}
	r.stoppedAt.Store(time.Now().UnixNano())
	s.current.Store(nil)

	st := r.feed.Stats()
	s.log.Info().
		Str("session_id", r.id).
		Str("encoder_state", r.feed.State().String()).
		Uint64("frames_written", st.FramesWritten).
		Dur("duration", time.Since(r.startedAt)).
		Msg("Session stopped")
	return err
}

// Done is closed when the latest session ends, whether by Stop or by an
// encoder failure. It is nil before the first Start.
func (s *Session) Done() <-chan struct{} {
	if r := s.last.Load(); r != nil {
		return r.done
	}
	return nil
}

// Running reports whether a session is active.
func (s *Session) Running() bool { return s.current.Load() != nil }

// Sources lists the live sources in paint order.
func (s *Session) Sources() []SourceStatus {
	srcs := s.comp.Sources()
	out := make([]SourceStatus, 0, len(srcs))
	for _, src := range srcs {
		out = append(out, sourceStatus(src))
	}
	return out
}

// SourcePatch changes the mutable state of a live source. Nil fields are
// left alone.
type SourcePatch struct {
	Alpha  *float64 `json:"alpha,omitempty"`
	X      *int     `json:"x,omitempty"`
	Y      *int     `json:"y,omitempty"`
	Effect *string  `json:"effect,omitempty"`
}

// UpdateSource applies patch to the source with the given id.
func (s *Session) UpdateSource(id string, patch SourcePatch) (SourceStatus, error) {
	src, ok := s.comp.Source(id)
	if !ok {
		return SourceStatus{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var fx effect.Kind
	if patch.Effect != nil {
		var err error
		if fx, err = effect.Parse(*patch.Effect); err != nil {
			return SourceStatus{}, err
		}
	}
	if patch.Alpha != nil && (*patch.Alpha < 0 || *patch.Alpha > 1) {
		return SourceStatus{}, fmt.Errorf("alpha %v out of range 0-1", *patch.Alpha)
	}

	if patch.Alpha != nil {
		src.SetAlpha(*patch.Alpha)
	}
	if patch.X != nil || patch.Y != nil {
		x, y := src.Position()
		if patch.X != nil {
			x = *patch.X
		}
		if patch.Y != nil {
			y = *patch.Y
		}
		src.SetPosition(x, y)
	}
	if patch.Effect != nil {
		src.SetEffect(fx)
	}

	s.notify()
	return sourceStatus(src), nil
}

// Transition starts the named transition on a source and returns
// immediately. The returned channel is closed when it finishes.
func (s *Session) Transition(id, name string, d time.Duration) (<-chan struct{}, error) {
	src, ok := s.comp.Source(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.startTransition(context.Background(), src, name, d)
}

func (s *Session) startTransition(ctx context.Context, src source.Source, name string, d time.Duration) (<-chan struct{}, error) {
	w, h := s.comp.Size()
	tr, err := transition.New(name, src, image.Rect(0, 0, w, h), s.comp.FPS())
	if err != nil {
		return nil, err
	}
	if d > 0 {
		tr.Duration = d
	}
	s.log.Debug().Str("source", src.Name()).Str("transition", tr.Name).Dur("duration", tr.Duration).Msg("Transition requested")
	return tr.Start(ctx), nil
}

// Subscribe registers fn for status changes and returns a function that
// removes it. fn runs on the goroutine that caused the change and must not
// block.
func (s *Session) Subscribe(fn func(Status)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Session) notify() {
	st := s.Status()

	s.subMu.Lock()
	fns := make([]func(Status), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}

	if s.pub != nil && s.pub.IsConnected() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.pub.Publish(ctx, "", st); err != nil {
				s.log.Debug().Err(err).Msg("Status not published")
			}
		}()
	}
}
