package link

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shaunagostinho/fanbridge/internal/frame"
	"github.com/shaunagostinho/fanbridge/internal/state"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// pipePort is an in-memory serial port. Tests write device output to w.
type pipePort struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	once   sync.Once
	closed chan struct{}
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w, closed: make(chan struct{})}
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return len(b), nil }
func (p *pipePort) Close() error {
	p.once.Do(func() {
		close(p.closed)
		p.r.Close()
	})
	return nil
}

func (p *pipePort) send(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(p.w, line+"\n")
	require.NoError(t, err)
}

func (p *pipePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

type countingFinder struct {
	name  string
	calls atomic.Int32
}

func (f *countingFinder) FindDevicePort() (string, bool) {
	f.calls.Add(1)
	return f.name, f.name != ""
}

type frameCounter struct {
	decoded, rejected atomic.Int32
}

func (c *frameCounter) FrameDecoded(frame.Fields) { c.decoded.Add(1) }
func (c *frameCounter) FrameRejected(error)       { c.rejected.Add(1) }

// recordConnections collects every connection state the controller passes
// through.
func recordConnections(st *state.Controller) func() []state.Connection {
	var mu sync.Mutex
	var seen []state.Connection
	st.Subscribe(func(ch state.Change) {
		if ch.Fields.Has(state.FieldConnection) {
			mu.Lock()
			seen = append(seen, ch.State.Connection)
			mu.Unlock()
		}
	})
	return func() []state.Connection {
		mu.Lock()
		defer mu.Unlock()
		return append([]state.Connection(nil), seen...)
	}
}

func newTestSession(t *testing.T, st *state.Controller, finder PortFinder, port *pipePort, opts ...Option) *Session {
	t.Helper()
	opener := OpenerFunc(func(string) (io.ReadWriteCloser, error) { return port, nil })
	s := NewSession(Config{}, st, finder, opener, zaptest.NewLogger(t).Sugar(), opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

// waitSeen waits for the listener to have observed exactly want.
func waitSeen(t *testing.T, seen func() []state.Connection, want ...state.Connection) {
	t.Helper()
	require.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, seen()) }, waitFor, tick,
		"saw %v, want %v", seen(), want)
}

func waitConnection(t *testing.T, st *state.Controller, want state.Connection) {
	t.Helper()
	require.Eventually(t, func() bool { return st.Connection() == want }, waitFor, tick,
		"connection stayed %s, want %s", st.Connection(), want)
}

func TestSession_TelemetryEndToEnd(t *testing.T) {
	st := state.New()
	port := newPipePort()
	counter := &frameCounter{}
	s := newTestSession(t, st, StaticPort("/dev/ttyACM0"), port, WithFrameObserver(counter))
	seen := recordConnections(st)

	require.NoError(t, s.Start(context.Background()))
	waitConnection(t, st, state.Connected)

	port.send(t, "A0536802550")
	require.Eventually(t, func() bool { return st.PeopleCount() == 5 }, waitFor, tick)
	snap := st.Snapshot()
	assert.Equal(t, 36, snap.Temperature)
	assert.Equal(t, 80, snap.FanSpeed)
	assert.Equal(t, state.DefaultActivationTemp, snap.ActivationTemp)
	assert.Equal(t, state.DefaultStartFanSpeed, snap.StartFanSpeed)

	// Noise does not change state or drop the link.
	port.send(t, "A053680")
	port.send(t, "A0102030000")
	require.Eventually(t, func() bool { return st.PeopleCount() == 1 }, waitFor, tick)
	assert.Equal(t, state.Connected, st.Connection())
	require.Eventually(t, func() bool { return counter.decoded.Load() == 2 }, waitFor, tick)
	assert.EqualValues(t, 1, counter.rejected.Load())

	waitSeen(t, seen, state.SearchingPort, state.Connected)
}

func TestSession_OverlongNoiseKeepsLink(t *testing.T) {
	st := state.New()
	port := newPipePort()
	counter := &frameCounter{}
	s := newTestSession(t, st, StaticPort("/dev/ttyACM0"), port, WithFrameObserver(counter))

	require.NoError(t, s.Start(context.Background()))
	waitConnection(t, st, state.Connected)

	port.send(t, strings.Repeat("x", 70000))
	port.send(t, "A0536802550")
	require.Eventually(t, func() bool { return st.PeopleCount() == 5 }, waitFor, tick)

	assert.Equal(t, state.Connected, st.Connection())
	assert.EqualValues(t, 1, counter.rejected.Load())
	require.Eventually(t, func() bool { return counter.decoded.Load() == 1 }, waitFor, tick)
}

func TestSession_HandleLineRejectsWithoutMutation(t *testing.T) {
	st := state.New()
	s := newTestSession(t, st, StaticPort(""), newPipePort())
	require.NoError(t, s.HandleLine("A0536802550"))
	before := st.Snapshot()

	err := s.HandleLine("A053680")
	require.ErrorIs(t, err, frame.ErrMalformed)
	assert.Equal(t, before, st.Snapshot())
}

func TestSession_PortNotFound(t *testing.T) {
	st := state.New()
	s := newTestSession(t, st, StaticPort(""), newPipePort())
	seen := recordConnections(st)

	require.NoError(t, s.Start(context.Background()))
	waitConnection(t, st, state.PortNotFound)
	assert.False(t, st.Snapshot().Connected())
	waitSeen(t, seen, state.SearchingPort, state.PortNotFound)
}

func TestSession_OpenFailureIsPortNotFound(t *testing.T) {
	st := state.New()
	opener := OpenerFunc(func(string) (io.ReadWriteCloser, error) { return nil, errors.New("permission denied") })
	s := NewSession(Config{}, st, StaticPort("/dev/ttyACM0"), opener, zaptest.NewLogger(t).Sugar())
	defer s.Close()

	require.NoError(t, s.Start(context.Background()))
	waitConnection(t, st, state.PortNotFound)
}

func TestSession_SettleDelayBeforeDiscovery(t *testing.T) {
	st := state.New()
	finder := &countingFinder{}
	s := NewSession(Config{SettleDelay: 100 * time.Millisecond}, st, finder, nil, zaptest.NewLogger(t).Sugar())
	defer s.Close()

	start := time.Now()
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, state.SearchingPort, st.Connection(), "Start must not block on the settle delay")
	assert.EqualValues(t, 0, finder.calls.Load())

	waitConnection(t, st, state.PortNotFound)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.EqualValues(t, 1, finder.calls.Load())
}

func TestSession_TransportEOFDisconnects(t *testing.T) {
	st := state.New()
	port := newPipePort()
	s := newTestSession(t, st, StaticPort("/dev/ttyACM0"), port)
	seen := recordConnections(st)

	require.NoError(t, s.Start(context.Background()))
	waitConnection(t, st, state.Connected)

	port.w.CloseWithError(errors.New("device removed"))
	waitConnection(t, st, state.Disconnected)
	waitSeen(t, seen, state.SearchingPort, state.Connected, state.Disconnected)
}

func TestSession_CloseStopsUpdates(t *testing.T) {
	st := state.New()
	port := newPipePort()
	s := newTestSession(t, st, StaticPort("/dev/ttyACM0"), port)

	require.NoError(t, s.Start(context.Background()))
	waitConnection(t, st, state.Connected)

	require.NoError(t, s.Close())
	assert.True(t, port.isClosed())
	assert.Equal(t, state.Connected, st.Connection(), "teardown is not a disconnect")

	_, err := io.WriteString(port.w, "A0536802550\n")
	assert.Error(t, err)
	assert.Equal(t, 0, st.PeopleCount())

	assert.ErrorIs(t, s.Restart(context.Background()), ErrNotRestartable)
	require.NoError(t, s.Close())
}

func TestSession_CloseDuringSettle(t *testing.T) {
	st := state.New()
	finder := &countingFinder{name: "/dev/ttyACM0"}
	s := NewSession(Config{SettleDelay: time.Hour}, st, finder, nil, zaptest.NewLogger(t).Sugar())

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Close())
	assert.EqualValues(t, 0, finder.calls.Load())
	assert.Equal(t, state.SearchingPort, st.Connection())
	assert.ErrorIs(t, s.Start(context.Background()), state.ErrInvalidTransition)
}

func TestSession_ContextCancelReleasesPort(t *testing.T) {
	st := state.New()
	port := newPipePort()
	s := newTestSession(t, st, StaticPort("/dev/ttyACM0"), port)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	waitConnection(t, st, state.Connected)

	cancel()
	require.Eventually(t, port.isClosed, waitFor, tick)
	assert.Equal(t, state.Connected, st.Connection())
	assert.ErrorIs(t, s.Restart(context.Background()), ErrNotRestartable)
	assert.ErrorIs(t, s.Start(context.Background()), state.ErrInvalidTransition)
}

func TestSession_StartAndRestartRules(t *testing.T) {
	st := state.New()
	finder := &countingFinder{}
	port := newPipePort()
	s := newTestSession(t, st, finder, port)

	assert.ErrorIs(t, s.Restart(context.Background()), ErrNotRestartable)

	require.NoError(t, s.Start(context.Background()))
	waitConnection(t, st, state.PortNotFound)
	assert.Error(t, s.Start(context.Background()))

	finder.name = "/dev/ttyACM0"
	require.NoError(t, s.Restart(context.Background()))
	waitConnection(t, st, state.Connected)
	assert.ErrorIs(t, s.Restart(context.Background()), ErrNotRestartable)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.begin(context.Background()), ErrSessionClosed)
}
