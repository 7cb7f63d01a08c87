// Package relay is a development chat server speaking the chatlink wire
// protocol. It acknowledges messages with durable ids, answers probes and
// fans messages out to connected users. It keeps nothing on disk.
package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/matheus3301/chatlink/internal/wire"
	"go.uber.org/zap"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
	// maxAcked bounds the resend de-duplication table.
	maxAcked = 50_000
)

type peer struct {
	user string
	conn *websocket.Conn
}

// Server is an http.Handler accepting WebSocket clients. The token query
// parameter is taken as the user id.
type Server struct {
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	peers map[string]map[*peer]struct{}
	acked map[string]string
}

// New creates a relay.
func New(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger: logger,
		now:    time.Now,
		peers:  make(map[string]map[*peer]struct{}),
		acked:  make(map[string]string),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("token")
	if user == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("accept failed", zap.Error(err))
		return
	}
	c.SetReadLimit(readLimit)

	p := &peer{user: user, conn: c}
	s.register(p)
	defer s.unregister(p)
	s.logger.Info("client connected", zap.String("user", user), zap.String("remote", r.RemoteAddr))

	ctx := r.Context()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			s.logger.Info("client disconnected",
				zap.String("user", user),
				zap.Int("code", int(websocket.CloseStatus(err))),
			)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.handle(ctx, p, data)
	}
}

func (s *Server) register(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.peers[p.user]
	if !ok {
		set = make(map[*peer]struct{})
		s.peers[p.user] = set
	}
	set[p] = struct{}{}
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.peers[p.user]; ok {
		delete(set, p)
		if len(set) == 0 {
			delete(s.peers, p.user)
		}
	}
	p.conn.CloseNow()
}

// Online returns how many connections user has open.
func (s *Server) Online(user string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers[user])
}

// Kick closes every connection of user with the given close code.
func (s *Server) Kick(user string, code int, reason string) int {
	s.mu.Lock()
	var conns []*websocket.Conn
	for p := range s.peers[user] {
		conns = append(conns, p.conn)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.StatusCode(code), reason)
	}
	return len(conns)
}

func (s *Server) handle(ctx context.Context, from *peer, data []byte) {
	frame, err := wire.Decode(data)
	if err != nil {
		s.reply(ctx, from, wire.TypeError, wire.ErrorPayload{Code: "bad_frame", Message: err.Error()})
		return
	}

	switch {
	case frame.Type == wire.TypePing:
		var p wire.PingPayload
		if err := frame.Into(&p); err == nil {
			s.reply(ctx, from, wire.TypePong, p)
		}
	case frame.Type == wire.TypePong:
	case frame.Type.IsChat():
		env, err := frame.Envelope()
		if err != nil {
			s.reply(ctx, from, wire.TypeError, wire.ErrorPayload{Code: "bad_message", Message: err.Error()})
			return
		}
		s.relayMessage(ctx, from, env)
	case frame.Type == wire.TypeRead, frame.Type == wire.TypeRevoke:
		s.broadcast(ctx, from, nil, data)
	default:
		s.reply(ctx, from, wire.TypeError, wire.ErrorPayload{Code: "unsupported", Message: string(frame.Type)})
	}
}

// relayMessage acks env and forwards it under its durable id. A resend of an
// already acked message gets the same id and is not forwarded again.
func (s *Server) relayMessage(ctx context.Context, from *peer, env wire.Envelope) {
	tempID := env.Payload.MessageID
	key := from.user + "/" + tempID

	s.mu.Lock()
	realID, seen := s.acked[key]
	if !seen {
		if len(s.acked) >= maxAcked {
			clear(s.acked)
		}
		realID = uuid.NewString()
		s.acked[key] = realID
	}
	s.mu.Unlock()

	if env.Payload.Timestamp == 0 {
		env.Payload.Timestamp = s.now().UnixMilli()
	}
	s.reply(ctx, from, wire.TypeAck, wire.AckPayload{
		TempID:    tempID,
		RealID:    realID,
		ChatID:    env.Payload.ChatID,
		Timestamp: env.Payload.Timestamp,
	})
	if seen {
		s.logger.Debug("duplicate message re-acked", zap.String("temp_id", tempID))
		return
	}

	env.Payload.MessageID = realID
	env.Payload.SenderID = from.user
	data, err := env.Marshal()
	if err != nil {
		s.logger.Error("encode relayed message", zap.Error(err))
		return
	}

	var to []string
	if env.Type == wire.TypePrivate {
		to = []string{env.Payload.ReceiverID, from.user}
	}
	s.broadcast(ctx, from, to, data)
}

// broadcast writes data to every connection of the listed users, or to
// everyone when users is nil, skipping the originating connection.
func (s *Server) broadcast(ctx context.Context, from *peer, users []string, data []byte) {
	s.mu.Lock()
	targets := make(map[*peer]struct{})
	if users == nil {
		for _, set := range s.peers {
			for p := range set {
				targets[p] = struct{}{}
			}
		}
	} else {
		for _, u := range users {
			for p := range s.peers[u] {
				targets[p] = struct{}{}
			}
		}
	}
	s.mu.Unlock()

	// Fan-out outlives the sender's connection.
	ctx = context.WithoutCancel(ctx)
	for p := range targets {
		if p == from {
			continue
		}
		s.write(ctx, p, data)
	}
}

func (s *Server) reply(ctx context.Context, to *peer, t wire.FrameType, payload any) {
	data, err := wire.Encode(t, payload)
	if err != nil {
		s.logger.Error("encode reply", zap.String("type", string(t)), zap.Error(err))
		return
	}
	s.write(ctx, to, data)
}

func (s *Server) write(ctx context.Context, to *peer, data []byte) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := to.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("write failed", zap.String("user", to.user), zap.Error(err))
	}
}
