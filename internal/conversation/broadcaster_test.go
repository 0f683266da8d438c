// ABOUTME: Tests for the change notification broadcaster
// ABOUTME: Covers fan-out, per-conversation isolation, slow subscribers, and cleanup

package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1, _ := b.Subscribe(ctx, "c1")
	ch2, _ := b.Subscribe(ctx, "c1")
	other, _ := b.Subscribe(ctx, "c2")

	b.Publish(Change{ConversationID: "c1", Seq: 3})

	for _, ch := range []<-chan Change{ch1, ch2} {
		select {
		case c := <-ch:
			assert.Equal(t, int64(3), c.Seq)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive change")
		}
	}

	select {
	case c := <-other:
		t.Fatalf("unexpected change for other conversation: %+v", c)
	default:
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), "c1")
	for i := 0; i < subscriberBufferSize*2; i++ {
		b.Publish(Change{ConversationID: "c1", Seq: int64(i)})
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_UnsubscribeOnCancel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "c1")
	require.Equal(t, 1, b.Subscribers("c1"))

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("subscription was not cleaned up")
	}
	assert.Equal(t, 0, b.Subscribers("c1"))

	// Publishing to a conversation with no subscribers is a no-op.
	b.Publish(Change{ConversationID: "c1"})
}

func TestBroadcaster_CloseClosesChannels(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, subID := b.Subscribe(context.Background(), "c1")
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	// Unsubscribing after close is harmless.
	b.Unsubscribe("c1", subID)
}
