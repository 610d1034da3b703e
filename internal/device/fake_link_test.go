package device

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/racectl/internal/protocol/frame"
)

// fakeLink answers each exchanged command through respond.
type fakeLink struct {
	*StateTracker

	mu       sync.Mutex
	respond  func(cmd string) (string, error)
	commands []string
	writes   []string
	notes    *Feed[[]byte]
}

func newFakeLink(respond func(cmd string) (string, error)) *fakeLink {
	return &fakeLink{
		StateTracker: NewStateTracker(),
		respond:      respond,
		notes:        NewFeed[[]byte]("fake.notes", 16),
	}
}

func (l *fakeLink) Connect(ctx context.Context) error {
	l.Set(StateConnected)
	return nil
}

func (l *fakeLink) Disconnect() error {
	l.notes.CloseSubscribers()
	l.Set(StateDisconnected)
	return nil
}

func (l *fakeLink) Exchange(ctx context.Context, b []byte) ([]byte, error) {
	cmd := frame.Decode(b)
	l.mu.Lock()
	l.commands = append(l.commands, cmd)
	respond := l.respond
	l.mu.Unlock()
	text, err := respond(cmd)
	if err != nil {
		return nil, err
	}
	out := make([]byte, frame.Capacity)
	copy(out, text)
	return out, nil
}

func (l *fakeLink) Write(ctx context.Context, b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes = append(l.writes, frame.Decode(b))
	return nil
}

func (l *fakeLink) Subscribe() (<-chan []byte, func()) {
	return l.notes.Subscribe()
}

func (l *fakeLink) notify(text string) {
	b := make([]byte, frame.Capacity)
	copy(b, text)
	l.notes.Publish(b)
}

func (l *fakeLink) sent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.commands))
	copy(out, l.commands)
	return out
}

func (l *fakeLink) written() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.writes))
	copy(out, l.writes)
	return out
}

// readLink answers the last written command on Read.
type readLink struct {
	*fakeLink
	wroteAt time.Time
	gap     time.Duration
}

func (l *readLink) Write(ctx context.Context, b []byte) error {
	l.mu.Lock()
	l.wroteAt = time.Now()
	l.mu.Unlock()
	return l.fakeLink.Write(ctx, b)
}

func (l *readLink) Read(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	l.gap = time.Since(l.wroteAt)
	cmd := l.writes[len(l.writes)-1]
	respond := l.respond
	l.mu.Unlock()
	text, err := respond(cmd)
	if err != nil {
		return nil, err
	}
	out := make([]byte, frame.Capacity)
	copy(out, text)
	return out, nil
}
