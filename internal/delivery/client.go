// Package delivery is the send/receive surface of the core. It binds the
// connection manager, the pending-ack queue and the conversation timelines
// into one client that callers drive from the event loop.
package delivery

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/clock"
	"github.com/matheus3301/chatlink/internal/message"
	"github.com/matheus3301/chatlink/internal/outbox"
	"github.com/matheus3301/chatlink/internal/sched"
	"github.com/matheus3301/chatlink/internal/status"
	"github.com/matheus3301/chatlink/internal/timeline"
	"github.com/matheus3301/chatlink/internal/wire"
	"go.uber.org/zap"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrNotFound       = errors.New("message not found")
	ErrNotRetriable   = errors.New("message is not in failed state")
)

// Connection is the part of the connection manager the client uses.
type Connection interface {
	Connect(token string, done func(error))
	Disconnect(reason string)
	IsConnected() bool
	State() status.State
	Attempts() int
	Latency() time.Duration
	Buffered() int
	Send(t wire.FrameType, payload any) error
	SetFrameHandler(fn func(wire.Frame))
}

// Draft is an outbound message before it is given an id and timestamp.
type Draft struct {
	Type           wire.FrameType
	ChatID         string
	ReceiverID     string
	ContentType    string
	Detail         string
	IsAnnouncement bool
	MentionedUIDs  []string
	QuoteMsgID     string
}

// Status is a point-in-time view of the client.
type Status struct {
	SessionID     string
	State         status.State
	Attempts      int
	Latency       time.Duration
	PendingAcks   int
	Buffered      int
	Conversations int
}

// Client sends and receives chat messages. Not safe for concurrent use; see
// Service for the loop-bound wrapper.
type Client struct {
	selfID    string
	sessionID string

	arena    *message.Arena
	timeline *timeline.Store
	queue    *outbox.Queue
	conn     Connection
	clock    clock.Clock
	ids      *wire.IDGen
	bus      *bus.Bus
	logger   *zap.Logger

	connectedHandler bus.HandlerID
}

// New creates a client for user selfID and takes over conn's frame handler.
func New(selfID string, arena *message.Arena, store *timeline.Store, queue *outbox.Queue, conn Connection, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionID := uuid.NewString()
	c := &Client{
		selfID:    selfID,
		sessionID: sessionID,
		arena:     arena,
		timeline:  store,
		queue:     queue,
		conn:      conn,
		clock:     clk,
		ids:       wire.NewIDGen(clk.Now),
		bus:       b,
		logger:    logger.With(zap.String("session_id", sessionID)),
	}
	conn.SetFrameHandler(c.handleFrame)
	c.connectedHandler = bus.On(b, func(bus.Connected) { c.queue.Flush() })
	return c
}

// SessionID identifies this client instance in logs and status.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Start begins the ack sweep on s.
func (c *Client) Start(s *sched.Scheduler) {
	c.queue.Start(s)
}

// Stop halts the sweep and detaches from the bus.
func (c *Client) Stop() {
	c.queue.Stop()
	c.bus.Off(bus.KindConnected, c.connectedHandler)
}

// Connect forwards to the connection manager.
func (c *Client) Connect(token string, done func(error)) {
	c.conn.Connect(token, done)
}

// Disconnect forwards to the connection manager.
func (c *Client) Disconnect(reason string) {
	c.conn.Disconnect(reason)
}

// Status reports connection and queue state.
func (c *Client) Status() Status {
	return Status{
		SessionID:     c.sessionID,
		State:         c.conn.State(),
		Attempts:      c.conn.Attempts(),
		Latency:       c.conn.Latency(),
		PendingAcks:   c.queue.Len(),
		Buffered:      c.conn.Buffered(),
		Conversations: len(c.timeline.Conversations()),
	}
}

// SendMessage assigns d a message id, shows it in the timeline right away and
// hands it to the pending-ack queue. It never fails because the connection is
// down; the message waits in the queue instead.
func (c *Client) SendMessage(d Draft) (message.Record, error) {
	if !d.Type.IsChat() {
		return message.Record{}, fmt.Errorf("%w: type %q", ErrInvalidMessage, d.Type)
	}
	if d.ChatID == "" {
		return message.Record{}, fmt.Errorf("%w: missing chat id", ErrInvalidMessage)
	}
	if d.ContentType == "" {
		d.ContentType = "text"
	}

	env := wire.Envelope{
		Type: d.Type,
		Payload: wire.MessagePayload{
			MessageID:      c.ids.Next(),
			Timestamp:      c.clock.Now().UnixMilli(),
			SenderID:       c.selfID,
			ReceiverID:     d.ReceiverID,
			ChatID:         d.ChatID,
			ContentType:    d.ContentType,
			Detail:         d.Detail,
			IsAnnouncement: d.IsAnnouncement,
			MentionedUIDs:  d.MentionedUIDs,
			QuoteMsgID:     d.QuoteMsgID,
		},
	}
	ref := c.arena.Alloc(message.Record{
		Envelope:     env,
		Status:       message.StatusSending,
		UserIsSender: true,
	})
	defer c.arena.Release(ref)

	c.timeline.Attach(d.ChatID, ref)
	if err := c.queue.Enqueue(ref); err != nil {
		return message.Record{}, fmt.Errorf("enqueue %s: %w", env.Payload.MessageID, err)
	}

	rec, _ := c.arena.Get(ref)
	c.logger.Debug("message queued",
		zap.String("message_id", rec.ID()),
		zap.String("chat_id", rec.ChatID()),
		zap.String("status", string(rec.Status)),
	)
	return *rec, nil
}

// Retry re-sends a message that exhausted its ack retries.
func (c *Client) Retry(chatID, msgID string) (message.Record, error) {
	ref, ok := c.timeline.Lookup(chatID, msgID)
	if !ok {
		return message.Record{}, ErrNotFound
	}
	rec, ok := c.arena.Get(ref)
	if !ok {
		return message.Record{}, ErrNotFound
	}
	if rec.Status != message.StatusFailed {
		return message.Record{}, fmt.Errorf("%w: %s", ErrNotRetriable, rec.Status)
	}
	if err := c.queue.Retry(ref); err != nil {
		return message.Record{}, err
	}
	c.logger.Info("retrying failed message", zap.String("message_id", msgID))
	return *rec, nil
}

// MarkRead marks messages read locally and tells the server. The receipt is
// buffered while offline.
func (c *Client) MarkRead(chatID string, ids []string) (int, error) {
	n := c.timeline.MarkRead(chatID, ids)
	if n == 0 {
		return 0, nil
	}
	err := c.conn.Send(wire.TypeRead, wire.ReadPayload{ChatID: chatID, MessageIDs: ids, ReaderID: c.selfID})
	if err != nil {
		return n, fmt.Errorf("send read receipt: %w", err)
	}
	return n, nil
}

// ClearConversation drops a conversation's timeline and any of its messages
// still awaiting an ack. Acks that arrive later are ignored.
func (c *Client) ClearConversation(chatID string) int {
	dropped := c.queue.DropConversation(chatID)
	n := c.timeline.Clear(chatID)
	c.logger.Info("conversation cleared",
		zap.String("chat_id", chatID),
		zap.Int("entries", n),
		zap.Int("pending_dropped", dropped),
	)
	return n
}

// MergeHistory folds a page of history into the conversation and returns how
// many entries were new.
func (c *Client) MergeHistory(chatID string, envs []wire.Envelope) int {
	recs := make([]message.Record, 0, len(envs))
	for _, env := range envs {
		recs = append(recs, c.record(env))
	}
	return c.timeline.Merge(chatID, recs)
}

// Timeline returns the conversation in timestamp order.
func (c *Client) Timeline(chatID string) []message.Record {
	return c.timeline.GetOrdered(chatID)
}

// Conversations lists conversations with at least one entry.
func (c *Client) Conversations() []string {
	return c.timeline.Conversations()
}

// Pending returns the messages awaiting an ack.
func (c *Client) Pending() []message.Record {
	return c.queue.Entries()
}

func (c *Client) record(env wire.Envelope) message.Record {
	mine := env.Payload.SenderID != "" && env.Payload.SenderID == c.selfID
	st := message.StatusReceived
	if mine {
		st = message.StatusSent
	}
	return message.Record{Envelope: env, Status: st, UserIsSender: mine}
}

// conversationID returns the timeline a message belongs to. Private messages
// without a chat id are keyed by the other party.
func (c *Client) conversationID(env wire.Envelope) string {
	p := env.Payload
	if p.ChatID != "" || env.Type == wire.TypeGroup {
		return p.ChatID
	}
	if p.SenderID == c.selfID {
		return p.ReceiverID
	}
	return p.SenderID
}

func (c *Client) handleFrame(f wire.Frame) {
	var err error
	switch {
	case f.Type.IsChat():
		err = c.receive(f)
	case f.Type == wire.TypeAck:
		var p wire.AckPayload
		if err = f.Into(&p); err == nil {
			c.ack(p)
		}
	case f.Type == wire.TypeRead:
		var p wire.ReadPayload
		if err = f.Into(&p); err == nil {
			var n int
			if p.ReaderID == c.selfID {
				// Our own receipt relayed from another session.
				n = c.timeline.MarkRead(p.ChatID, p.MessageIDs)
			} else {
				n = c.timeline.ApplyRead(p.ChatID, p.MessageIDs, p.ReaderID)
			}
			c.logger.Debug("read receipt", zap.String("chat_id", p.ChatID), zap.Int("matched", n))
			c.bus.Emit(bus.Read{ChatID: p.ChatID, MessageIDs: p.MessageIDs, ReaderID: p.ReaderID})
		}
	case f.Type == wire.TypeRevoke:
		var p wire.RevokePayload
		if err = f.Into(&p); err == nil {
			if c.timeline.Revoke(p.ChatID, p.MessageID) {
				c.bus.Emit(bus.Revoked{ChatID: p.ChatID, MessageID: p.MessageID})
			}
		}
	case f.Type == wire.TypeError:
		var p wire.ErrorPayload
		if err = f.Into(&p); err == nil {
			c.logger.Warn("server error", zap.String("code", p.Code), zap.String("message", p.Message))
			c.bus.Emit(bus.Error{Op: "server", Err: fmt.Errorf("server error %s: %s", p.Code, p.Message)})
		}
	default:
		c.logger.Debug("ignoring frame", zap.String("type", string(f.Type)))
	}

	if err != nil {
		c.logger.Warn("dropping malformed frame", zap.String("type", string(f.Type)), zap.Error(err))
		c.bus.Emit(bus.Error{Op: "decode", Err: err})
	}
}

func (c *Client) receive(f wire.Frame) error {
	env, err := f.Envelope()
	if err != nil {
		return err
	}
	chatID := c.conversationID(env)
	if chatID == "" {
		return fmt.Errorf("%w: message %s has no conversation", wire.ErrMalformedFrame, env.Payload.MessageID)
	}
	env.Payload.ChatID = chatID
	if env.Payload.SenderID == c.selfID {
		if _, _, queued := c.queue.FindByTempID(env.Payload.MessageID); queued {
			// The server echoed our message under its temp id before acking
			// it; the echo confirms delivery.
			c.ack(wire.AckPayload{TempID: env.Payload.MessageID, RealID: env.Payload.MessageID})
			c.timeline.Insert(chatID, c.record(env))
			return nil
		}
	}
	c.timeline.Insert(chatID, c.record(env))
	c.bus.Emit(bus.MessageReceived{Envelope: env})
	return nil
}

// ack reconciles an optimistic message with its durable id. A second ack
// for the same message finds nothing in the queue and is ignored.
func (c *Client) ack(p wire.AckPayload) {
	_, rec, ok := c.queue.FindByTempID(p.TempID)
	if !ok {
		c.logger.Debug("ack for unknown message", zap.String("temp_id", p.TempID), zap.String("real_id", p.RealID))
		return
	}
	realID := p.RealID
	if realID == "" {
		realID = p.TempID
	}
	chatID := rec.ChatID()
	rec.Envelope.Payload.MessageID = realID
	rec.Status = message.StatusSent
	c.timeline.Rekey(chatID, p.TempID, realID)
	env := rec.Envelope
	c.queue.Remove(p.TempID)

	c.logger.Debug("message acked", zap.String("temp_id", p.TempID), zap.String("real_id", realID))
	c.bus.Emit(bus.MessageAck{TempID: p.TempID, RealID: realID, Envelope: env})
}
