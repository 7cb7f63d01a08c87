// Package message holds message records in an arena shared by the pending-ack
// queue and the conversation timelines. Both index the same slot, so a status
// change made through either is visible to the other.
package message

import (
	"slices"
	"time"

	"github.com/matheus3301/chatlink/internal/wire"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusPending  Status = "pending"  // queued, never transmitted
	StatusSending  Status = "sending"  // transmitted, awaiting ack
	StatusSent     Status = "sent"     // acked by the server
	StatusFailed   Status = "failed"   // ack retries exhausted
	StatusReceived Status = "received" // inbound from another user or history
)

// Record is one message plus its delivery and read metadata.
type Record struct {
	Envelope     wire.Envelope
	Status       Status
	UserIsSender bool
	IsRead       bool
	IsRevoked    bool
	ReadCount    int

	readers []string

	// Pending-ack bookkeeping.
	EnqueuedAt time.Time
	RetryCount int
}

// ID returns the message id.
func (r *Record) ID() string { return r.Envelope.Payload.MessageID }

// ChatID returns the conversation the message belongs to.
func (r *Record) ChatID() string { return r.Envelope.Payload.ChatID }

// Timestamp returns the message timestamp in epoch milliseconds.
func (r *Record) Timestamp() int64 { return r.Envelope.Payload.Timestamp }

// Queued reports whether the pending-ack queue still owns the status.
func (r *Record) Queued() bool {
	return r.Status == StatusPending || r.Status == StatusSending
}

// AddReader records a read receipt from reader and bumps ReadCount. A
// repeated receipt from the same reader is ignored and returns false.
func (r *Record) AddReader(reader string) bool {
	if slices.Contains(r.readers, reader) {
		return false
	}
	// Clip so snapshots taken by value never share the appended element.
	r.readers = append(slices.Clip(r.readers), reader)
	r.IsRead = true
	r.ReadCount++
	return true
}

// Readers returns the ids whose receipts were counted.
func (r *Record) Readers() []string {
	return slices.Clone(r.readers)
}

// Absorb folds an update for the same message into r. Flags only move
// forward: a stale copy from history cannot un-read or un-revoke a message,
// and an echo cannot settle a message the queue is still tracking.
func (r *Record) Absorb(u Record) {
	r.Envelope = u.Envelope
	if u.Status != "" && !r.Queued() && !(u.Status == StatusReceived && r.UserIsSender) {
		r.Status = u.Status
	}
	r.UserIsSender = r.UserIsSender || u.UserIsSender
	r.MergeFlags(u)
}

// MergeFlags folds u's read and revoke state into r.
func (r *Record) MergeFlags(u Record) {
	r.IsRead = r.IsRead || u.IsRead
	r.IsRevoked = r.IsRevoked || u.IsRevoked
	for _, id := range u.readers {
		if !slices.Contains(r.readers, id) {
			r.readers = append(slices.Clip(r.readers), id)
		}
	}
	r.ReadCount = max(r.ReadCount, u.ReadCount, len(r.readers))
}
