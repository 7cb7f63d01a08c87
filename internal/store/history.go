package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/matheus3301/chatlink/internal/wire"
)

// History serves a page of archived messages as wire envelopes, oldest
// first, for merging into a timeline.
func (db *DB) History(ctx context.Context, chatID string, before int64, limit int) ([]wire.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgs, err := db.ListMessages(chatID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	slices.Reverse(msgs)

	envs := make([]wire.Envelope, 0, len(msgs))
	for _, m := range msgs {
		envs = append(envs, m.Envelope())
	}
	return envs, nil
}

// Envelope converts an archived message back to its wire form.
func (m Message) Envelope() wire.Envelope {
	return wire.Envelope{
		Type: wire.FrameType(m.Type),
		Payload: wire.MessagePayload{
			MessageID:      m.MsgID,
			Timestamp:      m.Timestamp,
			SenderID:       m.SenderID,
			ReceiverID:     m.ReceiverID,
			ChatID:         m.ChatID,
			ContentType:    m.ContentType,
			Detail:         m.Detail,
			IsAnnouncement: m.IsAnnouncement,
			MentionedUIDs:  m.MentionedUIDs,
			QuoteMsgID:     m.QuoteMsgID,
		},
	}
}

// MessageFromEnvelope builds an archive row from a wire envelope.
func MessageFromEnvelope(env wire.Envelope, fromMe bool, status string) Message {
	p := env.Payload
	return Message{
		ChatID:         p.ChatID,
		MsgID:          p.MessageID,
		Type:           string(env.Type),
		SenderID:       p.SenderID,
		ReceiverID:     p.ReceiverID,
		ContentType:    p.ContentType,
		Detail:         p.Detail,
		IsAnnouncement: p.IsAnnouncement,
		MentionedUIDs:  p.MentionedUIDs,
		QuoteMsgID:     p.QuoteMsgID,
		FromMe:         fromMe,
		Status:         status,
		Timestamp:      p.Timestamp,
	}
}
