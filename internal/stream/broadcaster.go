// Package stream fans stored events out to in-process subscribers, feeding
// the live event stream and the alert notifier.
package stream

import (
	"sync"

	"github.com/hivetrap/sentinel/internal/event"
)

const defaultSubscriberBuffer = 256

// Broadcaster delivers newly stored events to subscribers. Publishing never
// blocks: a subscriber that falls behind its buffer loses events, and the
// stream handlers re-sync from the store by id.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[chan *event.Record]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[chan *event.Record]struct{}),
	}
}

// Subscribe registers a new subscriber and returns its channel. Callers must
// not close the returned channel; use Unsubscribe when finished.
func (b *Broadcaster) Subscribe() chan *event.Record {
	ch := make(chan *event.Record, defaultSubscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the subscriber and closes the channel.
func (b *Broadcaster) Unsubscribe(ch chan *event.Record) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers rec to every subscriber with buffer room.
func (b *Broadcaster) Publish(rec *event.Record) {
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- rec:
		default:
		}
	}
	b.mu.RUnlock()
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
