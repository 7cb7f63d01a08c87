package delivery

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatlink/internal/message"
	"github.com/matheus3301/chatlink/internal/sched"
	"github.com/matheus3301/chatlink/internal/wire"
	"go.uber.org/zap"
)

// HistorySource serves pages of confirmed history, newest last.
type HistorySource interface {
	History(ctx context.Context, chatID string, before int64, limit int) ([]wire.Envelope, error)
}

// Service exposes a Client to other goroutines by running every call on the
// client's event loop.
type Service struct {
	loop    *sched.Loop
	client  *Client
	history HistorySource
	logger  *zap.Logger
}

// NewService wraps client. history may be nil, in which case LoadHistory
// only reports what is already in the timeline.
func NewService(loop *sched.Loop, client *Client, history HistorySource, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{loop: loop, client: client, history: history, logger: logger}
}

// Connect blocks until the connection opens, the attempt fails or ctx ends.
func (s *Service) Connect(ctx context.Context, token string) error {
	result := make(chan error, 1)
	err := s.loop.Do(ctx, func() {
		s.client.Connect(token, func(err error) { result <- err })
	})
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the connection on purpose.
func (s *Service) Disconnect(ctx context.Context, reason string) error {
	return s.loop.Do(ctx, func() { s.client.Disconnect(reason) })
}

// Status reports connection and queue state.
func (s *Service) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.loop.Do(ctx, func() { st = s.client.Status() })
	return st, err
}

// Send queues an outbound message.
func (s *Service) Send(ctx context.Context, d Draft) (message.Record, error) {
	var (
		rec     message.Record
		sendErr error
	)
	if err := s.loop.Do(ctx, func() { rec, sendErr = s.client.SendMessage(d) }); err != nil {
		return message.Record{}, err
	}
	return rec, sendErr
}

// Retry re-sends a failed message.
func (s *Service) Retry(ctx context.Context, chatID, msgID string) (message.Record, error) {
	var (
		rec      message.Record
		retryErr error
	)
	if err := s.loop.Do(ctx, func() { rec, retryErr = s.client.Retry(chatID, msgID) }); err != nil {
		return message.Record{}, err
	}
	return rec, retryErr
}

// Timeline returns a conversation in timestamp order.
func (s *Service) Timeline(ctx context.Context, chatID string) ([]message.Record, error) {
	var recs []message.Record
	err := s.loop.Do(ctx, func() { recs = s.client.Timeline(chatID) })
	return recs, err
}

// Conversations lists non-empty conversations.
func (s *Service) Conversations(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.loop.Do(ctx, func() { ids = s.client.Conversations() })
	return ids, err
}

// MarkRead marks messages read and sends a receipt.
func (s *Service) MarkRead(ctx context.Context, chatID string, ids []string) (int, error) {
	var (
		n       int
		markErr error
	)
	if err := s.loop.Do(ctx, func() { n, markErr = s.client.MarkRead(chatID, ids) }); err != nil {
		return 0, err
	}
	return n, markErr
}

// ClearConversation drops a conversation's timeline and pending messages.
func (s *Service) ClearConversation(ctx context.Context, chatID string) (int, error) {
	var n int
	err := s.loop.Do(ctx, func() { n = s.client.ClearConversation(chatID) })
	return n, err
}

// LoadHistory fetches a page from the history source off the loop, then
// merges it into the timeline. Returns how many entries were new.
func (s *Service) LoadHistory(ctx context.Context, chatID string, before int64, limit int) (int, error) {
	if s.history == nil {
		return 0, nil
	}
	envs, err := s.history.History(ctx, chatID, before, limit)
	if err != nil {
		return 0, fmt.Errorf("load history for %s: %w", chatID, err)
	}
	var added int
	if err := s.loop.Do(ctx, func() { added = s.client.MergeHistory(chatID, envs) }); err != nil {
		return 0, err
	}
	s.logger.Debug("history merged",
		zap.String("chat_id", chatID),
		zap.Int("fetched", len(envs)),
		zap.Int("added", added),
	)
	return added, nil
}

// Pending lists messages still awaiting an ack, oldest first.
func (s *Service) Pending(ctx context.Context) ([]message.Record, error) {
	var recs []message.Record
	err := s.loop.Do(ctx, func() { recs = s.client.Pending() })
	return recs, err
}
