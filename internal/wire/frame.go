// Package wire defines the JSON frames exchanged with the chat server.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType discriminates frames on the wire.
type FrameType string

const (
	TypePrivate FrameType = "Private"
	TypeGroup   FrameType = "Group"
	TypePing    FrameType = "Ping"
	TypePong    FrameType = "Pong"
	TypeAck     FrameType = "MessageAck"
	TypeRead    FrameType = "MessageRead"
	TypeRevoke  FrameType = "MessageRevoke"
	TypeError   FrameType = "Error"
)

// ErrMalformedFrame is returned when inbound bytes are not a valid frame.
var ErrMalformedFrame = errors.New("malformed frame")

// IsChat reports whether t carries a chat message.
func (t FrameType) IsChat() bool {
	return t == TypePrivate || t == TypeGroup
}

// Frame is the raw {type, payload} unit as received.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MessagePayload is the payload of Private and Group frames.
type MessagePayload struct {
	MessageID      string   `json:"message_id"`
	Timestamp      int64    `json:"timestamp"`
	SenderID       string   `json:"sender_id"`
	ReceiverID     string   `json:"receiver_id"`
	ChatID         string   `json:"chat_id"`
	ContentType    string   `json:"content_type"`
	Detail         string   `json:"detail"`
	IsAnnouncement bool     `json:"is_announcement,omitempty"`
	MentionedUIDs  []string `json:"mentioned_uids,omitempty"`
	QuoteMsgID     string   `json:"quote_msg_id,omitempty"`
}

// Envelope is a chat message with its frame type.
type Envelope struct {
	Type    FrameType      `json:"type"`
	Payload MessagePayload `json:"payload"`
}

// PingPayload is carried by both Ping and Pong; a Pong echoes its probe's timestamp.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// AckPayload maps a client temporary id to the server's durable id.
type AckPayload struct {
	TempID    string `json:"temp_id"`
	RealID    string `json:"real_id"`
	ChatID    string `json:"chat_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ReadPayload reports that reader has read message ids in a chat.
type ReadPayload struct {
	ChatID     string   `json:"chat_id"`
	MessageIDs []string `json:"message_ids"`
	ReaderID   string   `json:"reader_id,omitempty"`
}

// RevokePayload withdraws a message.
type RevokePayload struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// ErrorPayload is a server-side error notice.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Encode serializes a frame of type t with the given payload.
func Encode(t FrameType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return json.Marshal(Frame{Type: t, Payload: raw})
}

// Marshal serializes the envelope as a frame.
func (e Envelope) Marshal() ([]byte, error) {
	return Encode(e.Type, e.Payload)
}

// Decode parses inbound bytes into a frame. The payload is left raw.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return f, nil
}

// Into decodes the frame payload into v.
func (f Frame) Into(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: %s frame without payload", ErrMalformedFrame, f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, f.Type, err)
	}
	return nil
}

// Envelope decodes a chat frame into an Envelope.
func (f Frame) Envelope() (Envelope, error) {
	if !f.Type.IsChat() {
		return Envelope{}, fmt.Errorf("%w: %s is not a chat frame", ErrMalformedFrame, f.Type)
	}
	var p MessagePayload
	if err := f.Into(&p); err != nil {
		return Envelope{}, err
	}
	if p.MessageID == "" {
		return Envelope{}, fmt.Errorf("%w: %s frame without message_id", ErrMalformedFrame, f.Type)
	}
	return Envelope{Type: f.Type, Payload: p}, nil
}
