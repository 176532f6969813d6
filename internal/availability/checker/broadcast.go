package checker

import (
	"log/slog"
	"sync"

	"domainhunter/internal/availability/models"
)

const defaultSubscriberBuffer = 256

// Broadcaster fans one event stream out to independent subscribers. A
// subscriber that falls a full buffer behind is dropped so it cannot slow the
// others.
type Broadcaster struct {
	mu     sync.Mutex
	subs   []chan models.Event
	closed bool
	buffer int
	logger *slog.Logger
}

func NewBroadcaster(buffer int, logger *slog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{buffer: buffer, logger: logger}
}

// Subscribe returns a channel that receives every event published after the
// call. It is closed when the source ends or the subscriber is dropped.
func (b *Broadcaster) Subscribe() <-chan models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan models.Event, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Run forwards src until it is closed, then closes every subscriber.
func (b *Broadcaster) Run(src <-chan models.Event) {
	for ev := range src {
		b.publish(ev)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.closed = true
}

func (b *Broadcaster) publish(ev models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.subs[:0]
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			kept = append(kept, ch)
		default:
			b.logger.Warn("event subscriber dropped", "event", ev.Type)
			close(ch)
		}
	}
	b.subs = kept
}
