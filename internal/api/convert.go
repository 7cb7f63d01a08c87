package api

import (
	"fmt"

	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/delivery"
	"github.com/matheus3301/chatlink/internal/message"
	"github.com/matheus3301/chatlink/internal/wire"
	"google.golang.org/protobuf/types/known/structpb"
)

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func num(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}

func flag(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func strs(s *structpb.Struct, key string) []string {
	vals := s.GetFields()[key].GetListValue().GetValues()
	if len(vals) == 0 {
		return nil
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		out = append(out, v.GetStringValue())
	}
	return out
}

func list(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func draftFromStruct(s *structpb.Struct) delivery.Draft {
	t := wire.FrameType(str(s, "type"))
	if t == "" {
		t = wire.TypePrivate
	}
	return delivery.Draft{
		Type:           t,
		ChatID:         str(s, "chat_id"),
		ReceiverID:     str(s, "receiver_id"),
		ContentType:    str(s, "content_type"),
		Detail:         str(s, "detail"),
		IsAnnouncement: flag(s, "is_announcement"),
		MentionedUIDs:  strs(s, "mentioned_uids"),
		QuoteMsgID:     str(s, "quote_msg_id"),
	}
}

func recordMap(r message.Record) map[string]any {
	p := r.Envelope.Payload
	m := map[string]any{
		"type":         string(r.Envelope.Type),
		"message_id":   p.MessageID,
		"chat_id":      p.ChatID,
		"timestamp":    p.Timestamp,
		"sender_id":    p.SenderID,
		"receiver_id":  p.ReceiverID,
		"content_type": p.ContentType,
		"detail":       p.Detail,
		"status":       string(r.Status),
		"from_me":      r.UserIsSender,
		"is_read":      r.IsRead,
		"is_revoked":   r.IsRevoked,
		"read_count":   r.ReadCount,
	}
	if r.RetryCount > 0 {
		m["retry_count"] = r.RetryCount
	}
	if p.IsAnnouncement {
		m["is_announcement"] = true
	}
	if len(p.MentionedUIDs) > 0 {
		m["mentioned_uids"] = list(p.MentionedUIDs)
	}
	if p.QuoteMsgID != "" {
		m["quote_msg_id"] = p.QuoteMsgID
	}
	return m
}

func recordStruct(r message.Record) (*structpb.Struct, error) {
	return structpb.NewStruct(recordMap(r))
}

func recordsStruct(key string, recs []message.Record) (*structpb.Struct, error) {
	items := make([]any, len(recs))
	for i, r := range recs {
		items[i] = recordMap(r)
	}
	return structpb.NewStruct(map[string]any{key: items})
}

func statusStruct(st delivery.Status) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"session_id":    st.SessionID,
		"state":         string(st.State),
		"attempts":      st.Attempts,
		"latency_ms":    st.Latency.Milliseconds(),
		"pending_acks":  st.PendingAcks,
		"buffered":      st.Buffered,
		"conversations": st.Conversations,
	})
}

func envelopeMap(env wire.Envelope) map[string]any {
	return recordMap(message.Record{Envelope: env})
}

// eventFields flattens a bus payload into Struct-compatible values.
func eventFields(p bus.Payload) (map[string]any, error) {
	switch e := p.(type) {
	case bus.Connected:
		return map[string]any{"url": e.URL}, nil
	case bus.Disconnected:
		return map[string]any{"code": e.Code, "reason": e.Reason, "manual": e.Manual}, nil
	case bus.Reconnecting:
		return map[string]any{"attempt": e.Attempt, "delay_ms": e.Delay.Milliseconds()}, nil
	case bus.StateChanged:
		return map[string]any{"from": e.From, "to": e.To}, nil
	case bus.Error:
		msg := ""
		if e.Err != nil {
			msg = e.Err.Error()
		}
		return map[string]any{"op": e.Op, "error": msg}, nil
	case bus.MessageReceived:
		return map[string]any{"message": envelopeMap(e.Envelope)}, nil
	case bus.MessageAck:
		return map[string]any{"temp_id": e.TempID, "real_id": e.RealID, "message": envelopeMap(e.Envelope)}, nil
	case bus.SendFailed:
		return map[string]any{"chat_id": e.ChatID, "message_id": e.MessageID, "retries": e.Retries}, nil
	case bus.Read:
		return map[string]any{"chat_id": e.ChatID, "message_ids": list(e.MessageIDs), "reader_id": e.ReaderID}, nil
	case bus.Revoked:
		return map[string]any{"chat_id": e.ChatID, "message_id": e.MessageID}, nil
	}
	return nil, fmt.Errorf("unsupported event payload %T", p)
}
