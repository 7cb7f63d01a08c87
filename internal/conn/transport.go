package conn

// Events are the callbacks a socket reports through. A Dialer must invoke
// them on the manager's event loop, never concurrently with manager calls.
// Every socket ends with exactly one OnClose, or OnError when it never opened.
type Events struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(code int, reason string)
	OnError   func(err error)
}

// Socket is one established or establishing connection.
type Socket interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// Dialer starts connecting to url and returns immediately. The outcome is
// reported through ev, never before Dial has returned.
type Dialer interface {
	Dial(url string, ev Events) (Socket, error)
}

// Close codes used by the manager.
const (
	CodeNormal           = 1000
	CodeHeartbeatTimeout = 4000
)
