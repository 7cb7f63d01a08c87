package store

// Chat summarizes one archived conversation.
type Chat struct {
	ID                 string
	IsGroup            bool
	MessageCount       int
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is one archived message.
type Message struct {
	ID             int64
	ChatID         string
	MsgID          string
	Type           string
	SenderID       string
	ReceiverID     string
	ContentType    string
	Detail         string
	IsAnnouncement bool
	MentionedUIDs  []string
	QuoteMsgID     string
	FromMe         bool
	Status         string
	IsRead         bool
	IsRevoked      bool
	ReadCount      int
	Timestamp      int64
}

// Delivery is the recorded outcome of one outbound message.
type Delivery struct {
	TempID  string
	ChatID  string
	RealID  string
	Status  string // sent, failed
	Retries int
}
