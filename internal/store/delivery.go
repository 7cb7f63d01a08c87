package store

import "time"

// RecordAck logs that tempID was acknowledged as realID.
func (db *DB) RecordAck(tempID, chatID, realID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO delivery_log (temp_id, chat_id, real_id, status, created_at, updated_at)
		VALUES (?, ?, ?, 'sent', ?, ?)
		ON CONFLICT(temp_id) DO UPDATE SET
			real_id = excluded.real_id,
			status = 'sent',
			updated_at = excluded.updated_at`,
		tempID, chatID, realID, now, now)
	return err
}

// RecordFailure logs that tempID exhausted its ack retries. A later ack
// overrides it.
func (db *DB) RecordFailure(tempID, chatID string, retries int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO delivery_log (temp_id, chat_id, status, retries, created_at, updated_at)
		VALUES (?, ?, 'failed', ?, ?, ?)
		ON CONFLICT(temp_id) DO UPDATE SET
			status = CASE WHEN delivery_log.status = 'sent' THEN 'sent' ELSE 'failed' END,
			retries = excluded.retries,
			updated_at = excluded.updated_at`,
		tempID, chatID, retries, now, now)
	return err
}

// ListDeliveries returns logged outcomes with the given status, oldest first.
// An empty status lists everything.
func (db *DB) ListDeliveries(status string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT temp_id, chat_id, real_id, status, retries
		FROM delivery_log
		WHERE ? = '' OR status = ?
		ORDER BY updated_at ASC
		LIMIT ?`, status, status, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.TempID, &d.ChatID, &d.RealID, &d.Status, &d.Retries); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
