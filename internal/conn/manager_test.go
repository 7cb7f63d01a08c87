package conn

import (
	"encoding/json"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/clock"
	"github.com/matheus3301/chatlink/internal/sched"
	"github.com/matheus3301/chatlink/internal/status"
	"github.com/matheus3301/chatlink/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSocket struct {
	url         string
	ev          Events
	sent        [][]byte
	closed      bool
	closeCode   int
	closeReason string
}

func (s *fakeSocket) Send(data []byte) error {
	if s.closed {
		return errors.New("socket closed")
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
	return nil
}

func (s *fakeSocket) frames(t *testing.T, typ wire.FrameType) []wire.Frame {
	t.Helper()
	var out []wire.Frame
	for _, data := range s.sent {
		f, err := wire.Decode(data)
		require.NoError(t, err)
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeSocket) lastPing(t *testing.T) int64 {
	t.Helper()
	pings := s.frames(t, wire.TypePing)
	require.NotEmpty(t, pings)
	var p wire.PingPayload
	require.NoError(t, pings[len(pings)-1].Into(&p))
	return p.Timestamp
}

func (s *fakeSocket) pong(t *testing.T, ts int64) {
	t.Helper()
	data, err := wire.Encode(wire.TypePong, wire.PingPayload{Timestamp: ts})
	require.NoError(t, err)
	s.ev.OnMessage(data)
}

type fakeDialer struct {
	sockets []*fakeSocket
	err     error
}

func (d *fakeDialer) Dial(url string, ev Events) (Socket, error) {
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeSocket{url: url, ev: ev}
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *fakeDialer) last() *fakeSocket {
	return d.sockets[len(d.sockets)-1]
}

type harness struct {
	clock  *clock.Fake
	sched  *sched.Scheduler
	bus    *bus.Bus
	dialer *fakeDialer
	m      *Manager

	states       []string
	disconnected []bus.Disconnected
	reconnecting []bus.Reconnecting
	errs         []bus.Error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  clock.NewFake(time.Unix(1_700_000_000, 0)),
		bus:    bus.New(),
		dialer: &fakeDialer{},
	}
	h.sched = sched.New(h.clock)
	h.m = NewManager(DefaultConfig("ws://chat.test/ws"), h.dialer, h.sched, status.NewMachine(h.bus), h.bus, zap.NewNop())

	bus.On(h.bus, func(p bus.StateChanged) { h.states = append(h.states, p.To) })
	bus.On(h.bus, func(p bus.Disconnected) { h.disconnected = append(h.disconnected, p) })
	bus.On(h.bus, func(p bus.Reconnecting) { h.reconnecting = append(h.reconnecting, p) })
	bus.On(h.bus, func(p bus.Error) { h.errs = append(h.errs, p) })
	return h
}

// advance moves the clock in one-second steps, firing timers as it goes.
func (h *harness) advance(d time.Duration) {
	for d > 0 {
		step := min(d, time.Second)
		h.clock.Advance(step)
		h.sched.Tick()
		d -= step
	}
}

func (h *harness) connect(t *testing.T) *fakeSocket {
	t.Helper()
	var result error = errors.New("unresolved")
	h.m.Connect("secret", func(err error) { result = err })
	sock := h.dialer.last()
	sock.ev.OnOpen()
	require.NoError(t, result)
	require.True(t, h.m.IsConnected())
	return sock
}

func TestConnectReachesConnected(t *testing.T) {
	h := newHarness(t)
	var result error = errors.New("unresolved")
	h.m.Connect("a b&c", func(err error) { result = err })

	assert.Equal(t, status.Connecting, h.m.State())
	h.advance(10 * time.Second)
	h.dialer.last().ev.OnOpen()

	require.NoError(t, result)
	assert.Equal(t, []string{"connecting", "connected"}, h.states)
	assert.Equal(t, 2, h.sched.Pending(), "heartbeat probe and alive timers")

	u, err := url.Parse(h.dialer.last().url)
	require.NoError(t, err)
	assert.Equal(t, "a b&c", u.Query().Get("token"))
	assert.Equal(t, "/ws", u.Path)
}

func TestConnectWhileConnectedSucceeds(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	var called bool
	h.m.Connect("secret", func(err error) {
		called = true
		assert.NoError(t, err)
	})
	assert.True(t, called)
	assert.Len(t, h.dialer.sockets, 1)
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t)
	var result error
	h.m.Connect("secret", func(err error) { result = err })

	h.advance(89 * time.Second)
	assert.Nil(t, result)
	h.advance(time.Second)

	assert.ErrorIs(t, result, ErrConnectTimeout)
	assert.Equal(t, status.Disconnected, h.m.State())
	assert.True(t, h.dialer.last().closed)
	assert.Empty(t, h.reconnecting)

	// A late open from the abandoned socket is ignored.
	h.dialer.last().ev.OnOpen()
	assert.False(t, h.m.IsConnected())
}

func TestCloseBeforeOpenRejectsConnect(t *testing.T) {
	h := newHarness(t)
	var result error
	h.m.Connect("secret", func(err error) { result = err })

	sock := h.dialer.last()
	sock.ev.OnError(errors.New("connection refused"))
	sock.ev.OnClose(1006, "")

	require.Error(t, result)
	assert.Equal(t, status.Disconnected, h.m.State())
	assert.Equal(t, 0, h.sched.Pending())
	require.Len(t, h.errs, 1)
	assert.Equal(t, "connect", h.errs[0].Op)
}

func TestCloseBeforeOpenError(t *testing.T) {
	h := newHarness(t)
	var result error
	h.m.Connect("secret", func(err error) { result = err })
	h.dialer.last().ev.OnClose(1006, "abnormal")
	assert.ErrorIs(t, result, ErrClosedBeforeOpen)
}

func TestDialErrorRejectsConnect(t *testing.T) {
	h := newHarness(t)
	h.dialer.err = errors.New("bad url")
	var result error
	h.m.Connect("secret", func(err error) { result = err })
	assert.Error(t, result)
	assert.Equal(t, status.Disconnected, h.m.State())
}

func TestConnectSupersedesInFlightAttempt(t *testing.T) {
	h := newHarness(t)
	var first, second error
	h.m.Connect("one", func(err error) { first = err })
	old := h.dialer.last()
	h.m.Connect("two", func(err error) { second = err })

	assert.ErrorIs(t, first, ErrSuperseded)
	assert.True(t, old.closed)

	old.ev.OnOpen()
	assert.False(t, h.m.IsConnected())

	h.dialer.last().ev.OnOpen()
	assert.NoError(t, second)
	assert.True(t, h.m.IsConnected())
}

func TestServerNormalCloseDoesNotReconnect(t *testing.T) {
	h := newHarness(t)
	sock := h.connect(t)

	sock.ev.OnClose(CodeNormal, "bye")

	assert.Equal(t, status.Disconnected, h.m.State())
	assert.Empty(t, h.reconnecting)
	require.Len(t, h.disconnected, 1)
	assert.True(t, h.disconnected[0].Manual)

	h.advance(5 * time.Minute)
	assert.Equal(t, status.Disconnected, h.m.State())
	assert.Len(t, h.dialer.sockets, 1)
	assert.Equal(t, 0, h.sched.Pending())
}

func TestUnexpectedCloseReconnects(t *testing.T) {
	h := newHarness(t)
	sock := h.connect(t)

	sock.ev.OnClose(1006, "")
	assert.Equal(t, status.Reconnecting, h.m.State())
	require.Len(t, h.reconnecting, 1)
	assert.Equal(t, bus.Reconnecting{Attempt: 1, Delay: 2 * time.Second}, h.reconnecting[0])

	h.advance(2 * time.Second)
	assert.Equal(t, status.Connecting, h.m.State())
	require.Len(t, h.dialer.sockets, 2)

	h.dialer.last().ev.OnOpen()
	assert.True(t, h.m.IsConnected())
	assert.Equal(t, 0, h.m.Attempts())
}

func TestBackoffIncreasesUntilExhausted(t *testing.T) {
	h := newHarness(t)
	h.connect(t).ev.OnClose(1006, "")

	for i := 0; i < 10 && h.m.State() == status.Reconnecting; i++ {
		delay := h.reconnecting[len(h.reconnecting)-1].Delay
		h.advance(delay)
		require.Equal(t, status.Connecting, h.m.State())
		h.dialer.last().ev.OnClose(1006, "")
	}

	require.Len(t, h.reconnecting, 5)
	for i := 1; i < len(h.reconnecting); i++ {
		assert.Greater(t, h.reconnecting[i].Delay, h.reconnecting[i-1].Delay)
		assert.Equal(t, i+1, h.reconnecting[i].Attempt)
	}
	assert.Equal(t, 32*time.Second, h.reconnecting[4].Delay)

	assert.Equal(t, status.Disconnected, h.m.State())
	assert.Equal(t, 0, h.sched.Pending())
	assert.ErrorIs(t, h.errs[len(h.errs)-1].Err, ErrReconnectExhausted)

	h.advance(10 * time.Minute)
	assert.Len(t, h.dialer.sockets, 6)
}

func TestReconnectSchedulingIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.connect(t).ev.OnClose(1006, "")
	require.Equal(t, 1, h.m.Attempts())

	assert.True(t, h.m.scheduleReconnect())
	assert.Equal(t, 1, h.m.Attempts())
	assert.Len(t, h.reconnecting, 1)
	assert.Equal(t, 1, h.sched.Pending())
}

func TestHeartbeatTimeoutForcesReconnect(t *testing.T) {
	h := newHarness(t)
	sock := h.connect(t)

	h.advance(89 * time.Second)
	assert.True(t, h.m.IsConnected())
	assert.Len(t, sock.frames(t, wire.TypePing), 89)

	h.advance(time.Second)
	assert.True(t, sock.closed)
	assert.Equal(t, CodeHeartbeatTimeout, sock.closeCode)
	assert.Equal(t, "heartbeat_timeout", sock.closeReason)

	require.Len(t, h.disconnected, 1)
	assert.False(t, h.disconnected[0].Manual)
	assert.Equal(t, "heartbeat_timeout", h.disconnected[0].Reason)
	assert.Equal(t, status.Reconnecting, h.m.State())
	assert.Equal(t, 1, h.m.Attempts())
}

func TestPongKeepsConnectionAlive(t *testing.T) {
	h := newHarness(t)
	sock := h.connect(t)

	h.advance(time.Second)
	for range 200 {
		h.advance(250 * time.Millisecond)
		sock.pong(t, sock.lastPing(t))
		h.advance(750 * time.Millisecond)
	}

	assert.True(t, h.m.IsConnected())
	assert.Equal(t, 250*time.Millisecond, h.m.Latency())
}

func TestStalePongDoesNotResetAliveTimer(t *testing.T) {
	h := newHarness(t)
	sock := h.connect(t)

	h.advance(time.Second)
	first := sock.lastPing(t)
	sock.pong(t, first)

	// Replays of an answered probe and unknown timestamps do not count.
	for range 89 {
		h.advance(time.Second)
		sock.pong(t, first)
		sock.pong(t, first+7)
	}
	assert.True(t, h.m.IsConnected())

	h.advance(time.Second)
	assert.Equal(t, status.Reconnecting, h.m.State())
	assert.Equal(t, CodeHeartbeatTimeout, sock.closeCode)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	sock := h.connect(t)

	h.m.Disconnect("user")
	assert.True(t, sock.closed)
	assert.Equal(t, CodeNormal, sock.closeCode)
	assert.Equal(t, 0, h.sched.Pending())

	h.m.Disconnect("user")
	h.m.Disconnect("again")
	sock.ev.OnClose(CodeNormal, "user")

	assert.Len(t, h.disconnected, 1)
	assert.Equal(t, []string{"connecting", "connected", "disconnected"}, h.states)
	assert.Equal(t, 0, h.sched.Pending())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t)
	h.connect(t).ev.OnClose(1006, "")
	require.Equal(t, status.Reconnecting, h.m.State())

	h.m.Disconnect("user")
	assert.Equal(t, status.Disconnected, h.m.State())
	assert.Equal(t, 0, h.sched.Pending())

	h.advance(time.Minute)
	assert.Len(t, h.dialer.sockets, 1)
}

func TestDisconnectWhileConnectingRejectsConnect(t *testing.T) {
	h := newHarness(t)
	var result error
	h.m.Connect("secret", func(err error) { result = err })
	h.m.Disconnect("user")
	assert.ErrorIs(t, result, ErrDisconnected)
	assert.Equal(t, 0, h.sched.Pending())
}

func TestSendBuffersUntilConnected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Send(wire.TypeRead, wire.ReadPayload{ChatID: "c1", MessageIDs: []string{"1"}}))
	require.NoError(t, h.m.Send(wire.TypeRead, wire.ReadPayload{ChatID: "c1", MessageIDs: []string{"2"}}))
	assert.Equal(t, 2, h.m.Buffered())

	sock := h.connect(t)
	reads := sock.frames(t, wire.TypeRead)
	require.Len(t, reads, 2)
	var p wire.ReadPayload
	require.NoError(t, reads[0].Into(&p))
	assert.Equal(t, []string{"1"}, p.MessageIDs)
	assert.Equal(t, 0, h.m.Buffered())
}

func TestTransmitRequiresConnection(t *testing.T) {
	h := newHarness(t)
	env := wire.Envelope{Type: wire.TypePrivate, Payload: wire.MessagePayload{MessageID: "m1", ChatID: "c1"}}
	assert.ErrorIs(t, h.m.Transmit(env), ErrNotConnected)
	assert.Equal(t, 0, h.m.Buffered())

	sock := h.connect(t)
	require.NoError(t, h.m.Transmit(env))
	assert.Len(t, sock.frames(t, wire.TypePrivate), 1)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	h := newHarness(t)
	sock := h.connect(t)

	var frames []wire.Frame
	h.m.SetFrameHandler(func(f wire.Frame) { frames = append(frames, f) })

	sock.ev.OnMessage([]byte("{not json"))
	assert.True(t, h.m.IsConnected())
	require.Len(t, h.errs, 1)
	assert.ErrorIs(t, h.errs[0].Err, wire.ErrMalformedFrame)

	data, err := json.Marshal(map[string]any{"type": "Private", "payload": map[string]any{"message_id": "m1"}})
	require.NoError(t, err)
	sock.ev.OnMessage(data)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.TypePrivate, frames[0].Type)
}

func TestServerPingIsAnswered(t *testing.T) {
	h := newHarness(t)
	sock := h.connect(t)

	data, err := wire.Encode(wire.TypePing, wire.PingPayload{Timestamp: 42})
	require.NoError(t, err)
	sock.ev.OnMessage(data)

	pongs := sock.frames(t, wire.TypePong)
	require.Len(t, pongs, 1)
	var p wire.PingPayload
	require.NoError(t, pongs[0].Into(&p))
	assert.Equal(t, int64(42), p.Timestamp)
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoffDelay(time.Second, 1))
	assert.Equal(t, 16*time.Second, backoffDelay(time.Second, 4))
	assert.Positive(t, backoffDelay(time.Second, 500))
}
