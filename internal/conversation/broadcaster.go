// ABOUTME: In-memory fan-out of record change notifications
// ABOUTME: Wakes pollers held open by this process; the store remains the source of truth

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber. A dropped
// notification only delays a waiter until its next poll tick.
const subscriberBufferSize = 16

// Change announces that the record for ConversationID was written.
type Change struct {
	ConversationID string
	Seq            int64
	Terminal       bool
}

// Broadcaster provides in-memory pub/sub keyed by conversation id.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Change // conversation id -> sub id -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Change),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for changes to conversationID. The subscription is
// removed and its channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan Change, string) {
	subID := uuid.New().String()
	ch := make(chan Change, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan Change)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish notifies every subscriber of c.ConversationID without blocking.
func (b *Broadcaster) Publish(c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[c.ConversationID] {
		select {
		case ch <- c:
		default:
			b.logger.Debug("dropped change for slow subscriber",
				"conversation_id", c.ConversationID,
				"seq", c.Seq)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}
}

// Subscribers returns the number of live subscriptions for conversationID.
func (b *Broadcaster) Subscribers(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, id)
	}
	b.logger.Debug("broadcaster closed")
}
