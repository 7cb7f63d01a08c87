// Package archive copies delivery traffic from the bus into the SQLite
// history archive.
package archive

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/store"
	"github.com/matheus3301/chatlink/internal/wire"
	"go.uber.org/zap"
)

const previewLen = 100

// Archiver persists received and acknowledged messages. Bus handlers queue
// events without bound and a single goroutine writes them, so the event loop
// never waits on disk and a burst is never dropped.
type Archiver struct {
	db     *store.DB
	bus    *bus.Bus
	selfID string
	logger *zap.Logger

	mu     sync.Mutex
	queue  []bus.Event
	wake   chan struct{}
	offs   []func()
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an archiver for user selfID.
func New(db *store.DB, b *bus.Bus, selfID string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{db: db, bus: b, selfID: selfID, logger: logger, wake: make(chan struct{}, 1)}
}

func listen[P bus.Payload](a *Archiver) {
	var zero P
	id := bus.On(a.bus, func(p P) { a.enqueue(p) })
	a.offs = append(a.offs, func() { a.bus.Off(zero.Kind(), id) })
}

// Start registers the archive handlers and starts the writer.
func (a *Archiver) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	listen[bus.MessageReceived](a)
	listen[bus.MessageAck](a)
	listen[bus.SendFailed](a)
	listen[bus.Read](a)
	listen[bus.Revoked](a)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.wake:
				a.drain()
			case <-ctx.Done():
				a.unlisten()
				a.drain()
				return
			}
		}
	}()
}

func (a *Archiver) enqueue(p bus.Payload) {
	a.mu.Lock()
	a.queue = append(a.queue, bus.Event{Timestamp: time.Now(), Payload: p})
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Archiver) drain() {
	for {
		a.mu.Lock()
		batch := a.queue
		a.queue = nil
		a.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, evt := range batch {
			a.apply(evt)
		}
	}
}

func (a *Archiver) unlisten() {
	for _, off := range a.offs {
		off()
	}
	a.offs = nil
}

func (a *Archiver) apply(evt bus.Event) {
	if err := a.Handle(evt); err != nil {
		a.logger.Error("archive event", zap.String("kind", string(evt.Kind())), zap.Error(err))
	}
}

// Stop stops the archiver and waits until queued events are written.
func (a *Archiver) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// Handle applies one event to the archive.
func (a *Archiver) Handle(evt bus.Event) error {
	switch p := evt.Payload.(type) {
	case bus.MessageReceived:
		fromMe := p.Envelope.Payload.SenderID == a.selfID
		status := "received"
		if fromMe {
			status = "sent"
		}
		return a.ingest(p.Envelope, fromMe, status)
	case bus.MessageAck:
		if err := a.ingest(p.Envelope, true, "sent"); err != nil {
			return err
		}
		if err := a.db.RecordAck(p.TempID, p.Envelope.Payload.ChatID, p.RealID); err != nil {
			return fmt.Errorf("record ack: %w", err)
		}
	case bus.SendFailed:
		if err := a.db.RecordFailure(p.MessageID, p.ChatID, p.Retries); err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
	case bus.Read:
		if _, err := a.db.MarkRead(p.ChatID, p.MessageIDs, p.ReaderID); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
	case bus.Revoked:
		if err := a.db.MarkRevoked(p.ChatID, p.MessageID); err != nil {
			return fmt.Errorf("mark revoked: %w", err)
		}
	}
	return nil
}

// ingest stores one message and its chat summary (idempotent).
func (a *Archiver) ingest(env wire.Envelope, fromMe bool, status string) error {
	if err := a.db.UpsertChat(&store.Chat{
		ID:                 env.Payload.ChatID,
		IsGroup:            env.Type == wire.TypeGroup,
		LastMessageAt:      env.Payload.Timestamp,
		LastMessagePreview: truncate(env.Payload.Detail, previewLen),
	}); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}

	m := store.MessageFromEnvelope(env, fromMe, status)
	if err := a.db.UpsertMessage(&m); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
