package livetime

import "errors"

var (
	ErrConnClosed     = errors.New("livetime: connection closed")
	ErrAlreadyStarted = errors.New("livetime: server already started")
)

// Conn is one client connection as seen by the protocol handler.
type Conn interface {
	ID() string
	// Send delivers one text message. It returns an error matching
	// ErrConnClosed once the peer is gone.
	Send(text string) error
	Close() error
}

// Handler receives connection events from the hosting transport.
type Handler interface {
	OnOpen(conn Conn)
	OnMessage(conn Conn, text string)
	OnClose(conn Conn)
	OnError(conn Conn, err error)
}
