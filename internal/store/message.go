package store

import (
	"strings"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on chat_id + msg_id).
// Read and revoke flags only move forward.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_id, msg_id, type, sender_id, receiver_id, content_type, detail,
			is_announcement, mentioned_uids, quote_msg_id, from_me, status, is_read, is_revoked,
			read_count, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, msg_id) DO UPDATE SET
			detail = excluded.detail,
			status = excluded.status,
			from_me = MAX(messages.from_me, excluded.from_me),
			is_read = MAX(messages.is_read, excluded.is_read),
			is_revoked = MAX(messages.is_revoked, excluded.is_revoked),
			read_count = MAX(messages.read_count, excluded.read_count)`,
		m.ChatID, m.MsgID, m.Type, m.SenderID, m.ReceiverID, m.ContentType, m.Detail,
		m.IsAnnouncement, strings.Join(m.MentionedUIDs, ","), m.QuoteMsgID, m.FromMe, m.Status,
		m.IsRead, m.IsRevoked, m.ReadCount, m.Timestamp, now)
	return err
}

// ListMessages returns messages for a chat using keyset pagination by
// timestamp, newest first.
func (db *DB) ListMessages(chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, chat_id, msg_id, type, sender_id, receiver_id, content_type, detail,
			is_announcement, mentioned_uids, quote_msg_id, from_me, status, is_read, is_revoked,
			read_count, timestamp
		FROM messages
		WHERE chat_id = ? AND timestamp < ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var (
			m         Message
			mentioned string
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.MsgID, &m.Type, &m.SenderID, &m.ReceiverID,
			&m.ContentType, &m.Detail, &m.IsAnnouncement, &mentioned, &m.QuoteMsgID, &m.FromMe,
			&m.Status, &m.IsRead, &m.IsRevoked, &m.ReadCount, &m.Timestamp); err != nil {
			return nil, err
		}
		if mentioned != "" {
			m.MentionedUIDs = strings.Split(mentioned, ",")
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkRead records readerID's receipt for msgIDs. A message's read count
// grows once per distinct reader; repeated receipts only keep is_read set.
// Returns how many receipts were new.
func (db *DB) MarkRead(chatID string, msgIDs []string, readerID string) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	var total int64
	for _, id := range msgIDs {
		res, err := tx.Exec(`
			INSERT OR IGNORE INTO message_reads (chat_id, msg_id, reader_id, read_at)
			SELECT chat_id, msg_id, ?, ? FROM messages WHERE chat_id = ? AND msg_id = ?`,
			readerID, now, chatID, id)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		bump := 0
		if n > 0 {
			bump = 1
		}
		if _, err := tx.Exec(`
			UPDATE messages SET is_read = 1, read_count = read_count + ?
			WHERE chat_id = ? AND msg_id = ?`, bump, chatID, id); err != nil {
			return total, err
		}
		total += n
	}
	return total, tx.Commit()
}

// MarkRevoked flags a message revoked.
func (db *DB) MarkRevoked(chatID, msgID string) error {
	_, err := db.Exec(`UPDATE messages SET is_revoked = 1 WHERE chat_id = ? AND msg_id = ?`, chatID, msgID)
	return err
}
