package device

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Feed fans one producer out to any number of channel subscribers. Slow
// subscribers lose values instead of stalling the producer.
type Feed[T any] struct {
	mu     sync.Mutex
	name   string
	buffer int
	next   uint64
	subs   map[uint64]chan T
}

func NewFeed[T any](name string, buffer int) *Feed[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Feed[T]{
		name:   name,
		buffer: buffer,
		subs:   make(map[uint64]chan T),
	}
}

// Subscribe returns a receive channel and its cancel func. Cancel is idempotent
// and closes the channel if CloseSubscribers has not already done so.
func (f *Feed[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, f.buffer)
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		select {
		case ch <- v:
		default:
			log.Warn().Str("feed", f.name).Uint64("subscriber", id).Msg("subscriber full, value dropped")
		}
	}
}

// CloseSubscribers ends every current subscription. The feed stays usable.
func (f *Feed[T]) CloseSubscribers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
