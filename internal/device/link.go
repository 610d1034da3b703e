package device

import (
	"context"
	"sync"
)

// ConnectionState is the link lifecycle as seen by collaborators.
type ConnectionState string

const (
	StateDisconnected  ConnectionState = "disconnected"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateDisconnecting ConnectionState = "disconnecting"
)

// Link is the raw characteristic capability of one transponder.
//
// Exchange writes one frame and reads the response frame. Write is used where
// the device sends no response. Notification frames pushed by the device are
// delivered to every Subscribe channel until the link disconnects, at which
// point those channels close.
type Link interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Exchange(ctx context.Context, frame []byte) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Subscribe() (<-chan []byte, func())
	States() (<-chan ConnectionState, func())
	State() ConnectionState
}

// ResponseReader is implemented by links that can read the response frame
// separately from the write. The engine uses it to wait Options.SettleDelay
// between the two.
type ResponseReader interface {
	Read(ctx context.Context) ([]byte, error)
}

// StateTracker holds the current ConnectionState and publishes transitions.
// Link implementations embed it.
type StateTracker struct {
	mu      sync.RWMutex
	current ConnectionState
	feed    *Feed[ConnectionState]
}

func NewStateTracker() *StateTracker {
	return &StateTracker{
		current: StateDisconnected,
		feed:    NewFeed[ConnectionState]("link.state", 8),
	}
}

func (s *StateTracker) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *StateTracker) States() (<-chan ConnectionState, func()) {
	return s.feed.Subscribe()
}

// Set records next and publishes it when it differs from the current state.
func (s *StateTracker) Set(next ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == next {
		return
	}
	s.current = next
	s.feed.Publish(next)
}
