// Package link manages the serial connection to the fan controller: port
// discovery, the connection lifecycle, and feeding decoded telemetry into
// the controller state.
package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/fanbridge/internal/frame"
	"github.com/shaunagostinho/fanbridge/internal/state"
)

// DefaultSettleDelay gives the OS time to finish enumerating a board that
// was just plugged in.
const DefaultSettleDelay = 3 * time.Second

var (
	ErrSessionClosed  = errors.New("link: session closed")
	ErrSessionRunning = errors.New("link: session already running")
	ErrNotRestartable = errors.New("link: session can only restart from port_not_found or disconnected")
)

// FrameObserver is told about every line the session decodes or rejects.
type FrameObserver interface {
	FrameDecoded(f frame.Fields)
	FrameRejected(err error)
}

type nopFrameObserver struct{}

func (nopFrameObserver) FrameDecoded(frame.Fields) {}
func (nopFrameObserver) FrameRejected(error)       {}

// Config holds session tuning.
type Config struct {
	SettleDelay time.Duration
	Level       frame.Level
}

// Session owns the device connection. It writes telemetry and connection
// changes into a state.Controller and never returns transport errors to
// its callers; they surface as connection state.
type Session struct {
	cfg    Config
	state  *state.Controller
	finder PortFinder
	opener Opener
	codec  *frame.Codec
	frames FrameObserver
	log    *zap.SugaredLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	closed  bool
}

// Option configures a Session.
type Option func(*Session)

// WithFrameObserver reports per-line decode outcomes to o.
func WithFrameObserver(o FrameObserver) Option {
	return func(s *Session) { s.frames = o }
}

// NewSession wires a session. Nothing happens until Start.
func NewSession(cfg Config, st *state.Controller, finder PortFinder, opener Opener, log *zap.SugaredLogger, opts ...Option) *Session {
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	s := &Session{
		cfg:    cfg,
		state:  st,
		finder: finder,
		opener: opener,
		codec:  frame.NewCodec(cfg.Level),
		frames: nopFrameObserver{},
		log:    log.Named("link"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start moves the link from Idle to SearchingPort and returns immediately.
// Discovery and reading continue in the background until the link ends up
// PortNotFound or Disconnected, ctx is cancelled, or Close is called.
//
// Cancelling ctx is teardown, not a failure: the connection state is left
// where it was (SearchingPort or Connected) and the session can be neither
// started nor restarted afterwards. Pass a context that lives as long as
// the process and use Close to stop.
func (s *Session) Start(ctx context.Context) error {
	if c := s.state.Connection(); c != state.Idle {
		return fmt.Errorf("link: start from %s: %w", c, state.ErrInvalidTransition)
	}
	return s.begin(ctx)
}

// Restart re-runs discovery after the link ended in PortNotFound or
// Disconnected.
func (s *Session) Restart(ctx context.Context) error {
	switch s.state.Connection() {
	case state.PortNotFound, state.Disconnected:
	default:
		return ErrNotRestartable
	}
	return s.begin(ctx)
}

func (s *Session) begin(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.running {
		s.mu.Unlock()
		return ErrSessionRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.running = true
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	if err := s.state.Transition(state.SearchingPort); err != nil {
		cancel()
		s.finish()
		close(done)
		return err
	}
	s.log.Infow("searching for device", "settle", s.cfg.SettleDelay)
	go s.run(runCtx, done)
	return nil
}

// Close stops the session and releases the transport. After Close returns
// the session makes no further state updates. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

func (s *Session) finish() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if !s.settle(ctx) {
		s.finish()
		return
	}

	name, ok := s.finder.FindDevicePort()
	if !ok {
		s.log.Warnw("device port not found")
		s.end(ctx, state.PortNotFound)
		return
	}

	port, err := s.opener.Open(name)
	if err != nil {
		s.log.Errorw("device port found but could not be opened", "port", name, "error", err)
		s.end(ctx, state.PortNotFound)
		return
	}
	// Closing the port is what unblocks a pending Read on teardown.
	stop := context.AfterFunc(ctx, func() { port.Close() })
	defer stop()

	if ctx.Err() != nil {
		port.Close()
		s.finish()
		return
	}
	if err := s.state.Transition(state.Connected); err != nil {
		s.log.Errorw("unexpected connection state", "error", err)
		port.Close()
		s.finish()
		return
	}
	s.log.Infow("connected", "port", name)

	err = s.readLines(ctx, port)
	port.Close()
	if ctx.Err() != nil {
		s.log.Infow("link closed", "port", name)
		s.finish()
		return
	}
	s.log.Warnw("device disconnected", "port", name, "error", err)
	s.end(ctx, state.Disconnected)
}

// settle waits the settle delay. It returns false if ctx ended first.
func (s *Session) settle(ctx context.Context) bool {
	if s.cfg.SettleDelay == 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.cfg.SettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// end records a terminal connection state unless the session is being torn
// down. running is cleared first so a listener reacting to the terminal
// state can Restart immediately.
func (s *Session) end(ctx context.Context, to state.Connection) {
	s.finish()
	if ctx.Err() != nil {
		return
	}
	if err := s.state.Transition(to); err != nil {
		s.log.Errorw("unexpected connection state", "error", err)
	}
}

// maxLineLen bounds a telemetry line. Longer runs without a newline are
// noise (a baud mismatch or a board resetting) and are skipped up to the
// next newline.
const maxLineLen = 256

// readLines handles one line at a time until the transport fails. A line
// is fully applied before the next is read, so nothing queues inside the
// session.
func (s *Session) readLines(ctx context.Context, r io.Reader) error {
	br := bufio.NewReaderSize(r, maxLineLen)
	for {
		line, err := br.ReadSlice('\n')
		switch {
		case err == nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.HandleLine(string(line))
		case errors.Is(err, bufio.ErrBufferFull):
			n, err := skipLine(br)
			if err != nil {
				return err
			}
			err = fmt.Errorf("%w: line of %d bytes exceeds %d", frame.ErrMalformed, n+maxLineLen, maxLineLen)
			s.log.Warnw("discarding telemetry line", "error", err)
			s.frames.FrameRejected(err)
		default:
			return err
		}
	}
}

// skipLine discards input up to and including the next newline and
// returns how many bytes it dropped.
func skipLine(br *bufio.Reader) (int, error) {
	n := 0
	for {
		b, err := br.ReadSlice('\n')
		n += len(b)
		if !errors.Is(err, bufio.ErrBufferFull) {
			return n, err
		}
	}
}

// HandleLine decodes one telemetry line and applies it. Malformed lines are
// logged and returned as an error wrapping frame.ErrMalformed; the state is
// not touched.
func (s *Session) HandleLine(line string) error {
	f, err := s.codec.Parse(line)
	if err != nil {
		s.log.Warnw("discarding telemetry line", "line", line, "error", err)
		s.frames.FrameRejected(err)
		return err
	}
	s.state.ApplyTelemetry(f)
	s.frames.FrameDecoded(f)
	return nil
}
