package race

import (
	"sync"

	"github.com/danmuck/racectl/internal/observability"
	"github.com/danmuck/racectl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// Session turns a raw notification subscription into a LapEvent stream.
// Events closes when the subscription ends or Stop is called.
type Session struct {
	events chan LapEvent
	done   chan struct{}
	cancel func()
	once   sync.Once
}

// NewSession starts decoding frames. cancel releases the underlying
// subscription and is called exactly once.
func NewSession(frames <-chan []byte, cancel func()) *Session {
	s := &Session{
		events: make(chan LapEvent, 16),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.run(frames)
	return s
}

func (s *Session) Events() <-chan LapEvent {
	return s.events
}

// Stop ends the session. Safe to call more than once.
func (s *Session) Stop() {
	s.once.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *Session) run(frames <-chan []byte) {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case b, ok := <-frames:
			if !ok {
				return
			}
			text := frame.Decode(b)
			ev, ok := Decode(text)
			if !ok {
				log.Trace().Str("frame", text).Msg("race: non-lap notification dropped")
				continue
			}
			observability.RecordLapEvent(ev.PilotIndex)
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}
