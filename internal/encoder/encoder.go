// Package encoder delivers composited frames to an external encoder process.
// The feed listens on an ephemeral loopback port, launches the encoder with
// that address as its raw-video input, and writes one frame per tick to the
// accepted connection until stopped.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bryanchriswhite/LayerCast/internal/cmdline"
	"github.com/bryanchriswhite/LayerCast/internal/frame"
	"github.com/bryanchriswhite/LayerCast/internal/logger"
	"github.com/rs/zerolog"
)

const (
	// DefaultCommand encodes to FLV with x264. {output} comes from config.
	DefaultCommand = "ffmpeg -hide_banner -loglevel error -f rawvideo -pix_fmt bgr24 " +
		"-s {width}x{height} -r {fps} -i {input} " +
		"-c:v libx264 -preset veryfast -pix_fmt yuv420p -f flv {output}"

	DefaultConnectTimeout  = 10 * time.Second
	DefaultShutdownTimeout = 20 * time.Second
	DefaultQuitToken       = "q"
)

// Config describes one encoder session.
type Config struct {
	Command         string
	Output          string
	Width, Height   int
	FPS             int
	ConnectTimeout  time.Duration
	ShutdownTimeout time.Duration
	QuitToken       string
}

func (c Config) withDefaults() Config {
	if c.Command == "" {
		c.Command = DefaultCommand
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.QuitToken == "" {
		c.QuitToken = DefaultQuitToken
	}
	return c
}

// Validate reports settings the feed cannot run with.
func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("invalid frame rate %d", c.FPS)
	}
	if strings.Contains(c.Command, "{output}") && c.Output == "" {
		return errors.New("encoder output is required by the command")
	}
	return nil
}

// FrameSource supplies the frame to send each tick. A nil frame, or one of
// the wrong size, is sent as black. The frame is held until release is
// called, so it cannot change while it is written to the encoder.
type FrameSource interface {
	Acquire() (f *frame.Frame, release func())
}

// Stats counts what the feed delivered during the current session.
type Stats struct {
	FramesWritten uint64    `json:"frames_written"`
	BytesWritten  uint64    `json:"bytes_written"`
	FirstWrite    time.Time `json:"first_write"`
	LastWrite     time.Time `json:"last_write"`
}

// StateListener is called on every state transition with the new state and
// the error that caused it, if any. It runs on the transitioning goroutine.
type StateListener func(state State, err error)

// Option configures a Feed.
type Option func(*Feed)

// WithStateListener registers fn for state transitions.
func WithStateListener(fn StateListener) Option {
	return func(f *Feed) { f.listeners = append(f.listeners, fn) }
}

// WithStopHook registers fn to run at the end of every Stop, including the
// teardown after a write failure unless the feed was restarted first. The
// session uses it to stop the compositor.
func WithStopHook(fn func()) Option {
	return func(f *Feed) { f.onStop = fn }
}

// session holds the resources of one Start..Stop cycle.
type session struct {
	ln     net.Listener
	conn   net.Conn
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}

	// waitErr is valid once exited is closed
	waitErr error

	stop     chan struct{}
	stopOnce sync.Once
	pacing   chan struct{}
}

func (s *session) signalStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Feed paces frames from a FrameSource into an encoder process.
type Feed struct {
	cfg       Config
	src       FrameSource
	listeners []StateListener
	onStop    func()
	log       *zerolog.Logger

	mu      sync.Mutex
	state   atomic.Int32
	lastErr atomic.Pointer[error]
	sess    atomic.Pointer[session]

	writeMu  sync.Mutex
	interval time.Duration
	next     time.Time
	black    []byte

	frames     atomic.Uint64
	bytes      atomic.Uint64
	firstWrite atomic.Int64
	lastWrite  atomic.Int64
}

// NewFeed creates a stopped feed. src may be nil, in which case no pacing
// goroutine runs and the caller pushes frames with Feed.
func NewFeed(cfg Config, src FrameSource, opts ...Option) (*Feed, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &Feed{
		cfg:      cfg,
		src:      src,
		log:      logger.WithComponent("encoder"),
		interval: time.Second / time.Duration(cfg.FPS),
		black:    make([]byte, frame.Size(cfg.Width, cfg.Height)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Config returns the effective configuration.
func (f *Feed) Config() Config { return f.cfg }

// State returns the current state.
func (f *Feed) State() State { return State(f.state.Load()) }

// LastError returns the error behind the last Error transition.
func (f *Feed) LastError() error {
	if e := f.lastErr.Load(); e != nil {
		return *e
	}
	return nil
}

// Stats returns the delivery counters of the current or last session.
func (f *Feed) Stats() Stats {
	s := Stats{
		FramesWritten: f.frames.Load(),
		BytesWritten:  f.bytes.Load(),
	}
	if t := f.firstWrite.Load(); t != 0 {
		s.FirstWrite = time.Unix(0, t)
	}
	if t := f.lastWrite.Load(); t != 0 {
		s.LastWrite = time.Unix(0, t)
	}
	return s
}

func (f *Feed) setState(s State, err error) {
	if err != nil {
		f.lastErr.Store(&err)
	}
	f.state.Store(int32(s))
	for _, fn := range f.listeners {
		fn(s, err)
	}
}

// Start opens the delivery channel, launches the encoder and waits for it to
// connect. Any failure leaves the feed in Error and is returned as a
// *StartError.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch st := f.State(); st {
	case Starting, Running:
		return fmt.Errorf("encoder feed already %s", st)
	}
	// a failed session may still be waiting for its background teardown
	if f.sess.Load() != nil {
		_ = f.shutdown()
	}

	f.lastErr.Store(nil)
	f.resetStats()
	f.setState(Starting, nil)

	sess, err := f.launch(ctx)
	if err != nil {
		serr := &StartError{Err: err}
		f.setState(Error, serr)
		f.log.Error().Err(err).Msg("Encoder failed to start")
		return serr
	}

	f.attach(sess)
	f.setState(Running, nil)
	f.startPacing(sess)

	f.log.Info().
		Int("pid", sess.cmd.Process.Pid).
		Str("input", sess.ln.Addr().String()).
		Int("width", f.cfg.Width).
		Int("height", f.cfg.Height).
		Int("fps", f.cfg.FPS).
		Msg("Encoder running")
	return nil
}

// launch performs the Starting phase. On error every resource it created
// is released.
func (f *Feed) launch(ctx context.Context) (*session, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen on loopback: %w", err)
	}

	argv, err := cmdline.Expand(f.cfg.Command, map[string]string{
		"input":  "tcp://" + ln.Addr().String(),
		"width":  strconv.Itoa(f.cfg.Width),
		"height": strconv.Itoa(f.cfg.Height),
		"fps":    strconv.Itoa(f.cfg.FPS),
		"output": f.cfg.Output,
	})
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("encoder command: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	f.log.Debug().Str("command", strings.Join(argv, " ")).Msg("Starting encoder process")
	if err := cmd.Start(); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	sess := &session{
		ln:     ln,
		cmd:    cmd,
		stdin:  stdin,
		exited: make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go func() {
		// the diagnostic stream is drained, never parsed
		_, _ = io.Copy(io.Discard, stderr)
		sess.waitErr = cmd.Wait()
		close(sess.exited)
	}()

	conn, err := f.accept(ctx, sess)
	if err != nil {
		ln.Close()
		stdin.Close()
		_ = cmd.Process.Kill()
		<-sess.exited
		return nil, err
	}
	sess.conn = conn
	return sess, nil
}

// accept waits for the encoder to connect, for ConnectTimeout at most.
func (f *Feed) accept(ctx context.Context, sess *session) (net.Conn, error) {
	if tl, ok := sess.ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(f.cfg.ConnectTimeout))
	}

	type result struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := sess.ln.Accept()
		accepted <- result{conn, err}
	}()

	select {
	case r := <-accepted:
		if r.err != nil {
			var ne net.Error
			if errors.As(r.err, &ne) && ne.Timeout() {
				return nil, fmt.Errorf("encoder did not connect within %v", f.cfg.ConnectTimeout)
			}
			return nil, fmt.Errorf("accept: %w", r.err)
		}
		return r.conn, nil
	case <-sess.exited:
		sess.ln.Close()
		if r := <-accepted; r.conn != nil {
			r.conn.Close()
		}
		return nil, fmt.Errorf("encoder exited before connecting: %v", sess.waitErr)
	case <-ctx.Done():
		sess.ln.Close()
		if r := <-accepted; r.conn != nil {
			r.conn.Close()
		}
		return nil, ctx.Err()
	}
}

// attach makes sess current.
func (f *Feed) attach(sess *session) {
	f.writeMu.Lock()
	f.next = time.Now().Add(f.interval)
	f.writeMu.Unlock()

	sess.pacing = make(chan struct{})
	f.sess.Store(sess)
}

// startPacing feeds frames from the FrameSource until sess stops. Without a
// source the caller drives Feed directly.
func (f *Feed) startPacing(sess *session) {
	if f.src == nil {
		close(sess.pacing)
		return
	}
	go f.pace(sess)
}

func (f *Feed) pace(sess *session) {
	defer close(sess.pacing)
	for {
		select {
		case <-sess.stop:
			return
		default:
		}
		if !f.paceOne(sess) {
			return
		}
	}
}

// paceOne writes the current frame and waits for the next presentation
// time. The frame is released before the wait.
func (f *Feed) paceOne(sess *session) bool {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	fr, release := f.src.Acquire()
	err := f.write(sess, fr)
	release()
	if err != nil {
		return false
	}
	f.wait(sess)
	return true
}

// Feed writes one frame and then sleeps until the next presentation time.
// Frames of the wrong size are replaced with black. The write blocks while
// the encoder is not reading, which is the pipeline's only backpressure.
func (f *Feed) Feed(fr *frame.Frame) error {
	sess := f.sess.Load()
	if sess == nil || f.State() != Running {
		return ErrNotRunning
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.write(sess, fr); err != nil {
		return err
	}
	f.wait(sess)
	return nil
}

// write sends one frame on the delivery channel. Callers hold writeMu.
func (f *Feed) write(sess *session, fr *frame.Frame) error {
	data := f.black
	if fr != nil && fr.Width == f.cfg.Width && fr.Height == f.cfg.Height && len(fr.Pix) == len(f.black) {
		data = fr.Pix
	}

	n, err := sess.conn.Write(data)
	if err != nil {
		select {
		case <-sess.stop:
			return ErrNotRunning
		default:
		}
		werr := &WriteError{Err: err}
		f.fail(sess, werr)
		return werr
	}

	now := time.Now()
	f.frames.Add(1)
	f.bytes.Add(uint64(n))
	f.firstWrite.CompareAndSwap(0, now.UnixNano())
	f.lastWrite.Store(now.UnixNano())
	return nil
}

// wait sleeps until the next presentation time and advances it. Callers
// hold writeMu.
func (f *Feed) wait(sess *session) {
	if wait := time.Until(f.next); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-sess.stop:
		case <-t.C:
		}
		t.Stop()
	}
	f.next = f.next.Add(f.interval)
}

// fail moves to Error and tears sess down in the background, which also
// runs the stop hook.
func (f *Feed) fail(sess *session, err error) {
	f.log.Error().
		Err(err).
		Uint64("frames_written", f.frames.Load()).
		Msg("Encoder write failed, stopping session")
	f.setState(Error, err)
	go f.teardown(sess)
}

// teardown stops the failed session unless it was already stopped or
// replaced by a restart.
func (f *Feed) teardown(failed *session) {
	f.mu.Lock()
	if f.sess.Load() != failed {
		f.mu.Unlock()
		return
	}
	err := f.shutdown()
	f.mu.Unlock()

	if err != nil {
		f.log.Warn().Err(err).Msg("Encoder teardown after failure")
	}
	if f.onStop != nil {
		f.onStop()
	}
}

// Stop ends the session: stop pacing, close the delivery channel, send the
// quit token, wait up to ShutdownTimeout for the encoder to exit and kill it
// otherwise. The stop hook runs last. Stop is safe to call repeatedly and
// before Start. An Error state is kept so the failure stays visible.
func (f *Feed) Stop() error {
	f.mu.Lock()
	err := f.shutdown()
	f.mu.Unlock()

	if f.onStop != nil {
		f.onStop()
	}
	return err
}

func (f *Feed) shutdown() error {
	sess := f.sess.Load()
	if sess == nil {
		if f.State() != Error {
			f.state.Store(int32(Stopped))
		}
		return nil
	}

	sess.signalStop()
	sess.conn.Close()
	sess.ln.Close()
	<-sess.pacing
	f.sess.Store(nil)

	var errs []error
	if _, err := io.WriteString(sess.stdin, f.cfg.QuitToken); err != nil {
		errs = append(errs, fmt.Errorf("send quit token: %w", err))
	}
	sess.stdin.Close()

	t := time.NewTimer(f.cfg.ShutdownTimeout)
	defer t.Stop()
	select {
	case <-sess.exited:
	case <-t.C:
		f.log.Warn().Dur("timeout", f.cfg.ShutdownTimeout).Msg("Encoder did not exit, killing it")
		if err := sess.cmd.Process.Kill(); err != nil {
			errs = append(errs, fmt.Errorf("kill encoder: %w", err))
		}
		<-sess.exited
	}

	if f.State() != Error {
		f.setState(Stopped, nil)
	}

	stats := f.Stats()
	f.log.Info().
		Uint64("frames_written", stats.FramesWritten).
		Uint64("bytes_written", stats.BytesWritten).
		AnErr("exit", sess.waitErr).
		Msg("Encoder stopped")

	// a quit token the encoder never read is not worth reporting
	if len(errs) == 1 && (errors.Is(errs[0], syscall.EPIPE) || errors.Is(errs[0], os.ErrClosed)) {
		return nil
	}
	return errors.Join(errs...)
}

func (f *Feed) resetStats() {
	f.frames.Store(0)
	f.bytes.Store(0)
	f.firstWrite.Store(0)
	f.lastWrite.Store(0)
}
