// Package conn owns the connection to the chat server: the socket, its state
// machine, the heartbeat monitor and the reconnection scheduler.
//
// A Manager is confined to one event loop. Every method, and every Events
// callback a Dialer delivers, must run on that loop.
package conn

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/sched"
	"github.com/matheus3301/chatlink/internal/status"
	"github.com/matheus3301/chatlink/internal/wire"
	"go.uber.org/zap"
)

var (
	ErrNotConnected       = errors.New("not connected")
	ErrConnectTimeout     = errors.New("connect timed out")
	ErrClosedBeforeOpen   = errors.New("socket closed before open")
	ErrDisconnected       = errors.New("disconnected")
	ErrSuperseded         = errors.New("connect superseded by a newer attempt")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Config holds connection timing.
type Config struct {
	URL                  string
	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	ConnectTimeout       time.Duration
	AliveTimeout         time.Duration
}

// DefaultConfig returns the stock timings for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		HeartbeatInterval:    time.Second,
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 5,
		ConnectTimeout:       90 * time.Second,
		AliveTimeout:         90 * time.Second,
	}
}

// Manager drives the connection state machine.
type Manager struct {
	cfg    Config
	dialer Dialer
	sched  *sched.Scheduler
	state  *status.Machine
	bus    *bus.Bus
	logger *zap.Logger

	token string
	gen   uint64
	sock  Socket
	done  func(error)

	manual        bool
	fromReconnect bool
	attempts      int

	connectTimer   sched.TimerID
	reconnectTimer sched.TimerID
	heartbeat      *Heartbeat

	outbound [][]byte
	onFrame  func(wire.Frame)
}

// NewManager creates a disconnected manager.
func NewManager(cfg Config, dialer Dialer, s *sched.Scheduler, state *status.Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:    cfg,
		dialer: dialer,
		sched:  s,
		state:  state,
		bus:    b,
		logger: logger,
	}
	m.heartbeat = NewHeartbeat(s, cfg.HeartbeatInterval, cfg.AliveTimeout, m.sendPing, m.heartbeatTimeout, logger)
	return m
}

// SetFrameHandler registers the receiver for every inbound frame other than
// liveness frames.
func (m *Manager) SetFrameHandler(fn func(wire.Frame)) {
	m.onFrame = fn
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.state.Current()
}

// IsConnected reports whether the socket is open.
func (m *Manager) IsConnected() bool {
	return m.state.Is(status.Connected)
}

// Attempts returns the reconnect attempt counter.
func (m *Manager) Attempts() int {
	return m.attempts
}

// Latency returns the last measured heartbeat round trip.
func (m *Manager) Latency() time.Duration {
	return m.heartbeat.Latency()
}

// Buffered returns the number of frames waiting for a connection.
func (m *Manager) Buffered() int {
	return len(m.outbound)
}

// Connect opens a connection authenticated by token. done, if set, is called
// once with nil on open or with the reason the attempt failed. Connecting
// while connected succeeds immediately; connecting while an attempt is in
// flight supersedes it.
func (m *Manager) Connect(token string, done func(error)) {
	if m.IsConnected() {
		if done != nil {
			done(nil)
		}
		return
	}
	m.settle(ErrSuperseded)
	m.sched.Cancel(m.reconnectTimer)
	m.reconnectTimer = 0

	m.token = token
	m.done = done
	m.manual = false
	m.fromReconnect = false
	m.attempts = 0
	m.open()
}

// Disconnect closes the connection on purpose. Reconnection is suppressed
// and every timer is cancelled. Disconnecting while already disconnected
// does nothing.
func (m *Manager) Disconnect(reason string) {
	m.manual = true
	if m.State() == status.Disconnected && m.sock == nil {
		return
	}
	m.sched.Cancel(m.reconnectTimer)
	m.reconnectTimer = 0
	m.attempts = 0
	m.fromReconnect = false

	m.teardown(CodeNormal, reason)
	m.settle(ErrDisconnected)
	m.transition(status.Disconnected)
	m.logger.Info("disconnected", zap.String("reason", reason))
	m.bus.Emit(bus.Disconnected{Code: CodeNormal, Reason: reason, Manual: true})
}

// Send transmits a frame now when connected, otherwise buffers it until the
// next successful connection. It only fails when the payload cannot be
// encoded.
func (m *Manager) Send(t wire.FrameType, payload any) error {
	data, err := wire.Encode(t, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	if m.IsConnected() {
		err := m.sock.Send(data)
		if err == nil {
			return nil
		}
		m.logger.Warn("send failed, buffering", zap.String("type", string(t)), zap.Error(err))
	}
	m.outbound = append(m.outbound, data)
	return nil
}

// Transmit writes env only if the socket is open. Nothing is buffered.
func (m *Manager) Transmit(env wire.Envelope) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return m.sock.Send(data)
}

func (m *Manager) dialURL() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if m.token != "" {
		q := u.Query()
		q.Set("token", m.token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// open starts one connect attempt, discarding any previous socket.
func (m *Manager) open() {
	m.teardown(CodeNormal, "reconnect")
	m.transition(status.Connecting)

	target, err := m.dialURL()
	if err != nil {
		m.attemptFailed(err)
		return
	}
	gen := m.gen
	m.logger.Info("connecting", zap.String("url", m.cfg.URL), zap.Bool("reconnect", m.fromReconnect))

	sock, err := m.dialer.Dial(target, m.events(gen))
	if err != nil {
		if gen == m.gen {
			m.attemptFailed(fmt.Errorf("dial: %w", err))
		}
		return
	}
	if gen != m.gen {
		// Superseded from inside Dial.
		sock.Close(CodeNormal, "superseded")
		return
	}
	m.sock = sock
	m.connectTimer = m.sched.After(m.cfg.ConnectTimeout, func() {
		m.connectTimer = 0
		if gen == m.gen && m.State() == status.Connecting {
			m.attemptFailed(ErrConnectTimeout)
		}
	})
}

// events binds socket callbacks to one generation. Once the generation moves
// on, a socket's late callbacks are dropped.
func (m *Manager) events(gen uint64) Events {
	live := func() bool { return gen == m.gen }
	return Events{
		OnOpen: func() {
			if live() && m.State() == status.Connecting {
				m.opened()
			}
		},
		OnMessage: func(data []byte) {
			if live() && m.IsConnected() {
				m.receive(data)
			}
		},
		OnClose: func(code int, reason string) {
			if !live() {
				return
			}
			m.sock = nil
			if m.State() == status.Connecting {
				m.attemptFailed(fmt.Errorf("%w: code %d %s", ErrClosedBeforeOpen, code, reason))
				return
			}
			m.closed(code, reason)
		},
		OnError: func(err error) {
			if !live() {
				return
			}
			if m.State() == status.Connecting {
				m.attemptFailed(err)
				return
			}
			m.logger.Warn("socket error", zap.Error(err))
			m.bus.Emit(bus.Error{Op: "socket", Err: err})
		},
	}
}

func (m *Manager) opened() {
	m.sched.Cancel(m.connectTimer)
	m.connectTimer = 0
	m.attempts = 0
	m.fromReconnect = false
	m.transition(status.Connected)
	m.heartbeat.Start()
	m.logger.Info("connected", zap.String("url", m.cfg.URL))

	m.drain()
	m.settle(nil)
	m.bus.Emit(bus.Connected{URL: m.cfg.URL})
}

// drain flushes buffered frames in their original order.
func (m *Manager) drain() {
	for len(m.outbound) > 0 {
		if err := m.sock.Send(m.outbound[0]); err != nil {
			m.logger.Warn("drain halted", zap.Int("remaining", len(m.outbound)), zap.Error(err))
			return
		}
		m.outbound = m.outbound[1:]
	}
	m.outbound = nil
}

// attemptFailed ends a connect attempt that never opened. Attempts started
// by the reconnection scheduler keep backing off; a caller's attempt ends
// in disconnected.
func (m *Manager) attemptFailed(err error) {
	m.teardown(CodeNormal, "connect failed")
	m.logger.Warn("connect attempt failed", zap.Error(err), zap.Int("attempt", m.attempts))
	m.bus.Emit(bus.Error{Op: "connect", Err: err})
	m.settle(err)

	if m.fromReconnect && !m.manual {
		m.fromReconnect = false
		m.scheduleReconnect()
		return
	}
	m.transition(status.Disconnected)
}

// closed handles the close of an open connection.
func (m *Manager) closed(code int, reason string) {
	m.teardown(code, reason)
	manual := m.manual || code == CodeNormal
	m.logger.Info("connection closed",
		zap.Int("code", code),
		zap.String("reason", reason),
		zap.Bool("manual", manual),
	)
	m.bus.Emit(bus.Disconnected{Code: code, Reason: reason, Manual: manual})
	if manual {
		m.transition(status.Disconnected)
		return
	}
	m.scheduleReconnect()
}

func (m *Manager) heartbeatTimeout() {
	m.closed(CodeHeartbeatTimeout, "heartbeat_timeout")
}

// teardown detaches and closes the current socket and stops its timers.
func (m *Manager) teardown(code int, reason string) {
	m.gen++
	m.heartbeat.Stop()
	m.sched.Cancel(m.connectTimer)
	m.connectTimer = 0
	if m.sock != nil {
		if err := m.sock.Close(code, reason); err != nil {
			m.logger.Debug("close socket", zap.Error(err))
		}
		m.sock = nil
	}
}

// settle resolves the in-flight Connect callback, if any.
func (m *Manager) settle(err error) {
	done := m.done
	m.done = nil
	if done != nil {
		done(err)
	}
}

func (m *Manager) transition(to status.State) {
	if err := m.state.Transition(to); err != nil {
		m.logger.Error("state transition", zap.Error(err))
	}
}

func (m *Manager) sendPing(ts int64) error {
	data, err := wire.Encode(wire.TypePing, wire.PingPayload{Timestamp: ts})
	if err != nil {
		return err
	}
	if m.sock == nil {
		return ErrNotConnected
	}
	return m.sock.Send(data)
}

func (m *Manager) receive(data []byte) {
	frame, err := wire.Decode(data)
	if err != nil {
		m.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
		m.bus.Emit(bus.Error{Op: "decode", Err: err})
		return
	}

	switch frame.Type {
	case wire.TypePong:
		var p wire.PingPayload
		if err := frame.Into(&p); err != nil {
			m.logger.Warn("dropping malformed pong", zap.Error(err))
			return
		}
		m.heartbeat.Pong(p.Timestamp)
	case wire.TypePing:
		var p wire.PingPayload
		if err := frame.Into(&p); err != nil {
			m.logger.Warn("dropping malformed ping", zap.Error(err))
			return
		}
		if err := m.Send(wire.TypePong, p); err != nil {
			m.logger.Warn("answer ping", zap.Error(err))
		}
	default:
		if m.onFrame != nil {
			m.onFrame(frame)
		}
	}
}
