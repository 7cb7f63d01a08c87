// Package ws is the WebSocket transport behind the connection manager.
// Network I/O runs on per-socket goroutines; every event is handed to the
// manager's event loop through a post function.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatlink/internal/conn"
	"go.uber.org/zap"
)

var (
	ErrNotOpen      = errors.New("socket not open")
	ErrClosed       = errors.New("socket closed")
	ErrSendOverflow = errors.New("send buffer full")
)

// Config tunes the transport.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int
}

// DefaultConfig returns the stock transport settings.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 30 * time.Second,
		WriteTimeout:     10 * time.Second,
		SendBuffer:       256,
	}
}

// Dialer opens gorilla WebSocket connections.
type Dialer struct {
	cfg    Config
	post   func(func()) bool
	header http.Header
	logger *zap.Logger
}

// NewDialer creates a dialer that delivers socket events through post,
// usually (*sched.Loop).Post.
func NewDialer(cfg Config, post func(func()) bool, logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}
	header := http.Header{}
	header.Set("Accept", "application/json")
	return &Dialer{cfg: cfg, post: post, header: header, logger: logger}
}

// Dial starts connecting in the background.
func (d *Dialer) Dial(url string, ev conn.Events) (conn.Socket, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &socket{
		cfg:    d.cfg,
		post:   d.post,
		ev:     ev,
		logger: d.logger,
		out:    make(chan []byte, d.cfg.SendBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.run(ctx, url, d.header.Clone())
	return s, nil
}

type socket struct {
	cfg    Config
	post   func(func()) bool
	ev     conn.Events
	logger *zap.Logger

	out    chan []byte
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

func (s *socket) run(ctx context.Context, url string, header http.Header) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}
	c, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial: %w (http %d)", err, resp.StatusCode)
		} else {
			err = fmt.Errorf("dial: %w", err)
		}
		s.post(func() { s.ev.OnError(err) })
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.ws = c
	s.mu.Unlock()

	s.post(s.ev.OnOpen)
	go s.writeLoop(c)
	s.readLoop(c)
}

func (s *socket) readLoop(c *websocket.Conn) {
	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			s.logger.Debug("websocket read ended", zap.Int("code", code), zap.Error(err))
			s.post(func() { s.ev.OnClose(code, reason) })
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		s.post(func() { s.ev.OnMessage(data) })
	}
}

func (s *socket) writeLoop(c *websocket.Conn) {
	for {
		select {
		case data := <-s.out:
			if s.cfg.WriteTimeout > 0 {
				_ = c.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			}
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("websocket write failed", zap.Error(err))
				s.post(func() { s.ev.OnError(fmt.Errorf("write: %w", err)) })
				// Unblocks the reader, which reports the close.
				c.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// Send queues data for the writer goroutine.
func (s *socket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.ws == nil {
		return ErrNotOpen
	}
	select {
	case s.out <- data:
		return nil
	default:
		return ErrSendOverflow
	}
}

// Close sends a close frame and releases the connection. Closing an
// unopened socket abandons the dial.
func (s *socket) Close(code int, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.ws
	s.mu.Unlock()

	s.cancel()
	close(s.done)
	if c == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		s.logger.Debug("write close frame", zap.Error(err))
	}
	return c.Close()
}

// closeInfo extracts the close code and reason from a read error. Anything
// other than a close frame is an abnormal closure.
func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
