// Package outbox tracks messages handed to the transport until the server
// acknowledges them, resending on ack timeout and failing them after a
// bounded number of retries.
package outbox

import (
	"errors"
	"slices"
	"time"

	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/clock"
	"github.com/matheus3301/chatlink/internal/message"
	"github.com/matheus3301/chatlink/internal/sched"
	"github.com/matheus3301/chatlink/internal/wire"
	"go.uber.org/zap"
)

var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrAlreadyQueued  = errors.New("message already queued")
)

// Link is the transport side of the queue.
type Link interface {
	IsConnected() bool
	// Transmit writes the envelope now or fails; it never buffers.
	Transmit(env wire.Envelope) error
}

// Config tunes ack handling.
type Config struct {
	AckTimeout    time.Duration
	RetryInterval time.Duration
	MaxRetries    int
}

// DefaultConfig returns the stock ack settings.
func DefaultConfig() Config {
	return Config{
		AckTimeout:    5 * time.Second,
		RetryInterval: time.Second,
		MaxRetries:    3,
	}
}

// SweepResult lists what a sweep did, by message id.
type SweepResult struct {
	Resent []string
	Failed []string
}

// Queue is the pending-ack queue. Entries are arena refs shared with the
// timeline, so status changes made here show up there.
// Not safe for concurrent use.
type Queue struct {
	arena  *message.Arena
	link   Link
	clock  clock.Clock
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config

	order []string
	index map[string]message.Ref

	sched      *sched.Scheduler
	sweepTimer sched.TimerID
}

// NewQueue creates a pending-ack queue.
func NewQueue(arena *message.Arena, link Link, clk clock.Clock, b *bus.Bus, cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		arena:  arena,
		link:   link,
		clock:  clk,
		bus:    b,
		logger: logger,
		cfg:    cfg,
		index:  make(map[string]message.Ref),
	}
}

// Start begins sweeping on s every RetryInterval.
func (q *Queue) Start(s *sched.Scheduler) {
	q.Stop()
	q.sched = s
	q.sweepTimer = s.Every(q.cfg.RetryInterval, func() { q.Sweep() })
}

// Stop cancels the sweep timer.
func (q *Queue) Stop() {
	if q.sched != nil {
		q.sched.Cancel(q.sweepTimer)
		q.sweepTimer = 0
	}
}

// Enqueue adds the record behind ref and transmits it if the link is up.
// Entries that cannot be transmitted stay pending until Flush.
func (q *Queue) Enqueue(ref message.Ref) error {
	rec, ok := q.arena.Get(ref)
	if !ok {
		return ErrUnknownMessage
	}
	id := rec.ID()
	if _, dup := q.index[id]; dup {
		return ErrAlreadyQueued
	}
	q.arena.Retain(ref)
	rec.Status = message.StatusPending
	q.index[id] = ref
	q.order = append(q.order, id)

	if q.link.IsConnected() {
		q.Flush()
	}
	return nil
}

// Retry re-enqueues a message that left the queue, typically after it was
// marked failed, with its retry count reset.
func (q *Queue) Retry(ref message.Ref) error {
	rec, ok := q.arena.Get(ref)
	if !ok {
		return ErrUnknownMessage
	}
	rec.RetryCount = 0
	return q.Enqueue(ref)
}

// Remove drops tempID from the queue. The record stays alive for any other
// holder. Removing an absent id is a no-op.
func (q *Queue) Remove(tempID string) bool {
	ref, ok := q.index[tempID]
	if !ok {
		return false
	}
	delete(q.index, tempID)
	q.order = slices.DeleteFunc(q.order, func(id string) bool { return id == tempID })
	q.arena.Release(ref)
	return true
}

// FindByTempID returns the queued record for tempID.
func (q *Queue) FindByTempID(tempID string) (message.Ref, *message.Record, bool) {
	ref, ok := q.index[tempID]
	if !ok {
		return message.Ref{}, nil, false
	}
	rec, ok := q.arena.Get(ref)
	if !ok {
		return message.Ref{}, nil, false
	}
	return ref, rec, true
}

// Flush transmits never-sent entries in enqueue order. It stops at the first
// transmit failure so later messages never overtake earlier ones.
func (q *Queue) Flush() int {
	sent := 0
	for _, id := range q.order {
		rec, ok := q.arena.Get(q.index[id])
		if !ok || rec.Status != message.StatusPending {
			continue
		}
		if err := q.link.Transmit(rec.Envelope); err != nil {
			q.logger.Debug("flush halted", zap.String("message_id", id), zap.Error(err))
			break
		}
		rec.Status = message.StatusSending
		rec.EnqueuedAt = q.clock.Now()
		sent++
	}
	if sent > 0 {
		q.logger.Info("flushed pending messages", zap.Int("count", sent))
	}
	return sent
}

// Sweep resends every transmitted entry whose ack is overdue, unmodified so
// the server can de-duplicate by message id. Entries already resent
// MaxRetries times are marked failed and leave the queue; they stay in the
// timeline for a manual retry.
func (q *Queue) Sweep() SweepResult {
	var res SweepResult
	if !q.link.IsConnected() {
		return res
	}
	now := q.clock.Now()
	for _, id := range slices.Clone(q.order) {
		ref := q.index[id]
		rec, ok := q.arena.Get(ref)
		if !ok || rec.Status != message.StatusSending {
			continue
		}
		if now.Sub(rec.EnqueuedAt) < q.cfg.AckTimeout {
			continue
		}
		if rec.RetryCount >= q.cfg.MaxRetries {
			rec.Status = message.StatusFailed
			res.Failed = append(res.Failed, id)
			q.logger.Warn("message ack retries exhausted",
				zap.String("message_id", id),
				zap.String("chat_id", rec.ChatID()),
				zap.Int("retries", rec.RetryCount),
			)
			if q.bus != nil {
				q.bus.Emit(bus.SendFailed{ChatID: rec.ChatID(), MessageID: id, Retries: rec.RetryCount})
			}
			q.Remove(id)
			continue
		}
		if err := q.link.Transmit(rec.Envelope); err != nil {
			q.logger.Warn("resend failed", zap.String("message_id", id), zap.Error(err))
			continue
		}
		rec.RetryCount++
		rec.EnqueuedAt = now
		res.Resent = append(res.Resent, id)
		q.logger.Debug("resent unacked message",
			zap.String("message_id", id),
			zap.Int("retry", rec.RetryCount),
		)
	}
	return res
}

// DropConversation removes every entry belonging to chatID.
func (q *Queue) DropConversation(chatID string) int {
	var drop []string
	for _, id := range q.order {
		if rec, ok := q.arena.Get(q.index[id]); ok && rec.ChatID() == chatID {
			drop = append(drop, id)
		}
	}
	for _, id := range drop {
		q.Remove(id)
	}
	return len(drop)
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	return len(q.order)
}

// Entries returns a snapshot of the queue in enqueue order.
func (q *Queue) Entries() []message.Record {
	out := make([]message.Record, 0, len(q.order))
	for _, id := range q.order {
		if rec, ok := q.arena.Get(q.index[id]); ok {
			out = append(out, *rec)
		}
	}
	return out
}
