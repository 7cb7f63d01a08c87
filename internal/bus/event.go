package bus

import (
	"time"

	"github.com/matheus3301/chatlink/internal/wire"
)

// Kind names an event variant. Kinds are dotted so channel subscribers can
// filter by namespace prefix.
type Kind string

const (
	KindConnected    Kind = "conn.connected"
	KindDisconnected Kind = "conn.disconnected"
	KindReconnecting Kind = "conn.reconnecting"
	KindStateChanged Kind = "conn.state_changed"
	KindError        Kind = "conn.error"
	KindMessage      Kind = "message.received"
	KindMessageAck   Kind = "message.ack"
	KindSendFailed   Kind = "message.send_failed"
	KindRead         Kind = "message.read"
	KindRevoked      Kind = "message.revoked"
)

// Payload is implemented by every event variant.
type Payload interface {
	Kind() Kind
}

// Event is a published payload with its publication time.
type Event struct {
	Timestamp time.Time
	Payload   Payload
}

// Kind returns the payload's kind.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Connected is published when a connection handshake succeeds.
type Connected struct {
	URL string
}

// Disconnected is published when the connection closes for any reason.
type Disconnected struct {
	Code   int
	Reason string
	Manual bool
}

// Reconnecting is published when a reconnect attempt is scheduled.
type Reconnecting struct {
	Attempt int
	Delay   time.Duration
}

// StateChanged is published on every connection state transition.
type StateChanged struct {
	From string
	To   string
}

// Error reports a transport or protocol failure for user feedback.
type Error struct {
	Op  string
	Err error
}

// MessageReceived carries an inbound chat message after it reached the timeline.
type MessageReceived struct {
	Envelope wire.Envelope
}

// MessageAck reports that the server confirmed an outbound message.
type MessageAck struct {
	TempID   string
	RealID   string
	Envelope wire.Envelope
}

// SendFailed reports that a message exhausted its ack retries.
type SendFailed struct {
	ChatID    string
	MessageID string
	Retries   int
}

// Read reports read receipts applied to a conversation.
type Read struct {
	ChatID     string
	MessageIDs []string
	ReaderID   string
}

// Revoked reports a withdrawn message.
type Revoked struct {
	ChatID    string
	MessageID string
}

func (Connected) Kind() Kind       { return KindConnected }
func (Disconnected) Kind() Kind    { return KindDisconnected }
func (Reconnecting) Kind() Kind    { return KindReconnecting }
func (StateChanged) Kind() Kind    { return KindStateChanged }
func (Error) Kind() Kind           { return KindError }
func (MessageReceived) Kind() Kind { return KindMessage }
func (MessageAck) Kind() Kind      { return KindMessageAck }
func (SendFailed) Kind() Kind      { return KindSendFailed }
func (Read) Kind() Kind            { return KindRead }
func (Revoked) Kind() Kind         { return KindRevoked }
