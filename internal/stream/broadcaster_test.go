package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivetrap/sentinel/internal/event"
)

func TestSubscribeAndPublish(t *testing.T) {
	b := NewBroadcaster()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	rec := &event.Record{ID: 1, SourceIP: "203.0.113.7"}
	b.Publish(rec)

	got := <-sub1
	assert.Same(t, rec, got)
	got = <-sub2
	assert.Same(t, rec, got)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe()

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	assert.False(t, ok)

	// Double unsubscribe is a no-op, not a double close
	b.Unsubscribe(sub)
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe()

	// Overfill the subscriber buffer; the excess is dropped
	for i := 0; i < defaultSubscriberBuffer+10; i++ {
		b.Publish(&event.Record{ID: int64(i)})
	}

	require.Len(t, sub, defaultSubscriberBuffer)
	first := <-sub
	assert.Equal(t, int64(0), first.ID)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster()
	b.Publish(&event.Record{ID: 1})
	assert.Equal(t, 0, b.SubscriberCount())
}
