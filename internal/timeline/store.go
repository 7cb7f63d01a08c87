// Package timeline keeps each conversation's messages ordered by timestamp
// and unique by message id.
package timeline

import (
	"slices"

	"github.com/matheus3301/chatlink/internal/message"
	"go.uber.org/zap"
)

type conversation struct {
	order []message.Ref
	index map[string]message.Ref
}

// Store holds every conversation timeline of the session. Records live in
// the shared arena; the store holds one reference per entry.
// Not safe for concurrent use.
type Store struct {
	arena  *message.Arena
	convs  map[string]*conversation
	logger *zap.Logger
}

// NewStore creates an empty store over arena.
func NewStore(arena *message.Arena, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		arena:  arena,
		convs:  make(map[string]*conversation),
		logger: logger,
	}
}

func (s *Store) conv(chatID string) *conversation {
	c, ok := s.convs[chatID]
	if !ok {
		c = &conversation{index: make(map[string]message.Ref)}
		s.convs[chatID] = c
	}
	return c
}

func (s *Store) ts(ref message.Ref) int64 {
	r, ok := s.arena.Get(ref)
	if !ok {
		return 0
	}
	return r.Timestamp()
}

// Insert adds rec to its conversation. If the message id is already present
// the existing entry absorbs rec in place. Returns the entry's ref and
// whether a new entry was created.
func (s *Store) Insert(chatID string, rec message.Record) (message.Ref, bool) {
	c := s.conv(chatID)
	if ref, ok := c.index[rec.ID()]; ok {
		s.update(c, ref, rec)
		return ref, false
	}
	ref := s.arena.Alloc(rec)
	c.index[rec.ID()] = ref
	s.place(c, ref)
	return ref, true
}

// Attach adds an arena record that is already referenced elsewhere, such as
// an optimistic send that is also in the pending-ack queue. The store takes
// its own reference. It reports false when the id is already present.
func (s *Store) Attach(chatID string, ref message.Ref) bool {
	rec, ok := s.arena.Get(ref)
	if !ok {
		return false
	}
	c := s.conv(chatID)
	if _, dup := c.index[rec.ID()]; dup {
		return false
	}
	s.arena.Retain(ref)
	c.index[rec.ID()] = ref
	s.place(c, ref)
	return true
}

func (s *Store) update(c *conversation, ref message.Ref, u message.Record) {
	cur, ok := s.arena.Get(ref)
	if !ok {
		return
	}
	before := cur.Timestamp()
	cur.Absorb(u)
	if cur.Timestamp() != before {
		c.order = slices.DeleteFunc(c.order, func(r message.Ref) bool { return r == ref })
		s.place(c, ref)
	}
}

// place inserts ref keeping order sorted ascending by timestamp. Live traffic
// usually lands at the tail; otherwise scan back for the slot after the last
// entry that is not newer.
func (s *Store) place(c *conversation, ref message.Ref) {
	ts := s.ts(ref)
	n := len(c.order)
	if n == 0 || ts >= s.ts(c.order[n-1]) {
		c.order = append(c.order, ref)
		return
	}
	i := n - 1
	for i > 0 && s.ts(c.order[i-1]) > ts {
		i--
	}
	c.order = slices.Insert(c.order, i, ref)
}

// Merge folds a batch (typically a history page) into the conversation with
// the same de-duplication rule as Insert, then re-sorts the whole timeline.
// Returns the number of new entries.
func (s *Store) Merge(chatID string, recs []message.Record) int {
	c := s.conv(chatID)
	added := 0
	for _, rec := range recs {
		if ref, ok := c.index[rec.ID()]; ok {
			cur, _ := s.arena.Get(ref)
			if cur != nil {
				cur.Absorb(rec)
			}
			continue
		}
		ref := s.arena.Alloc(rec)
		c.index[rec.ID()] = ref
		c.order = append(c.order, ref)
		added++
	}
	slices.SortStableFunc(c.order, func(a, b message.Ref) int {
		ta, tb := s.ts(a), s.ts(b)
		switch {
		case ta < tb:
			return -1
		case ta > tb:
			return 1
		}
		return 0
	})
	return added
}

// Rekey moves an entry from oldID to newID after the server assigned a durable
// id. The record's own id must already be newID. If the conversation already
// holds newID (the server echoed the message before its ack) the echo is
// folded into the re-keyed entry and dropped.
func (s *Store) Rekey(chatID, oldID, newID string) bool {
	if oldID == newID {
		return true
	}
	c, ok := s.convs[chatID]
	if !ok {
		return false
	}
	ref, ok := c.index[oldID]
	if !ok {
		return false
	}
	delete(c.index, oldID)
	if echo, dup := c.index[newID]; dup && echo != ref {
		if er, ok := s.arena.Get(echo); ok {
			if cur, ok := s.arena.Get(ref); ok {
				cur.MergeFlags(*er)
			}
		}
		c.order = slices.DeleteFunc(c.order, func(r message.Ref) bool { return r == echo })
		s.arena.Release(echo)
		s.logger.Debug("folded echoed message into acked entry",
			zap.String("chat_id", chatID), zap.String("message_id", newID))
	}
	c.index[newID] = ref
	return true
}

// Get returns a copy of one entry.
func (s *Store) Get(chatID, msgID string) (message.Record, bool) {
	c, ok := s.convs[chatID]
	if !ok {
		return message.Record{}, false
	}
	ref, ok := c.index[msgID]
	if !ok {
		return message.Record{}, false
	}
	r, ok := s.arena.Get(ref)
	if !ok {
		return message.Record{}, false
	}
	return *r, true
}

// Lookup returns the arena ref for an entry.
func (s *Store) Lookup(chatID, msgID string) (message.Ref, bool) {
	c, ok := s.convs[chatID]
	if !ok {
		return message.Ref{}, false
	}
	ref, ok := c.index[msgID]
	return ref, ok
}

// GetOrdered returns a snapshot of the conversation in timestamp order.
func (s *Store) GetOrdered(chatID string) []message.Record {
	c, ok := s.convs[chatID]
	if !ok {
		return nil
	}
	out := make([]message.Record, 0, len(c.order))
	for _, ref := range c.order {
		if r, ok := s.arena.Get(ref); ok {
			out = append(out, *r)
		}
	}
	return out
}

// MarkRead marks the given entries read by the local user. The read count
// is left alone; it only counts receipts from other readers. Returns how
// many entries were found.
func (s *Store) MarkRead(chatID string, ids []string) int {
	return s.eachEntry(chatID, ids, func(r *message.Record) { r.IsRead = true })
}

// ApplyRead applies a read receipt from readerID. Each reader is counted
// once per entry however often its receipt is redelivered. Returns how many
// entries were found.
func (s *Store) ApplyRead(chatID string, ids []string, readerID string) int {
	return s.eachEntry(chatID, ids, func(r *message.Record) {
		if !r.AddReader(readerID) {
			s.logger.Debug("duplicate read receipt",
				zap.String("chat_id", chatID), zap.String("message_id", r.ID()), zap.String("reader_id", readerID))
		}
	})
}

func (s *Store) eachEntry(chatID string, ids []string, fn func(*message.Record)) int {
	c, ok := s.convs[chatID]
	if !ok {
		return 0
	}
	n := 0
	for _, id := range ids {
		ref, ok := c.index[id]
		if !ok {
			continue
		}
		if r, ok := s.arena.Get(ref); ok {
			fn(r)
			n++
		}
	}
	return n
}

// Revoke flags an entry as revoked.
func (s *Store) Revoke(chatID, msgID string) bool {
	ref, ok := s.Lookup(chatID, msgID)
	if !ok {
		return false
	}
	r, ok := s.arena.Get(ref)
	if !ok {
		return false
	}
	r.IsRevoked = true
	return true
}

// Clear drops every entry of a conversation.
func (s *Store) Clear(chatID string) int {
	c, ok := s.convs[chatID]
	if !ok {
		return 0
	}
	for _, ref := range c.order {
		s.arena.Release(ref)
	}
	delete(s.convs, chatID)
	return len(c.order)
}

// Len returns the number of entries in a conversation.
func (s *Store) Len(chatID string) int {
	if c, ok := s.convs[chatID]; ok {
		return len(c.order)
	}
	return 0
}

// Conversations returns the ids of every non-empty conversation, sorted.
func (s *Store) Conversations() []string {
	ids := make([]string, 0, len(s.convs))
	for id, c := range s.convs {
		if len(c.order) > 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}
