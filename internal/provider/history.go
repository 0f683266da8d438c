// ABOUTME: Conversation history kept in the key-value store, one key per message
// ABOUTME: Replies link to their parent so a thread is rebuilt by walking parent ids

package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/relay-gateway/internal/store"
)

const (
	historyKeyPrefix = "msg:"

	// maxHistoryDepth caps how many ancestors are replayed to the model.
	maxHistoryDepth = 32

	defaultHistoryTTL = 24 * time.Hour
)

// Message is one stored turn of a conversation.
type Message struct {
	ID              string `json:"id"`
	ConversationID  string `json:"conversationId"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	Role            string `json:"role"`
	Text            string `json:"text"`
	TTL             int64  `json:"ttl"`
}

// History stores messages under msg:<id> with a ttl so abandoned threads are
// reclaimed the same way conversation records are.
type History struct {
	kv  store.Store
	ttl time.Duration
	now func() time.Time
}

// NewHistory creates a History on kv. A non-positive ttl uses 24 hours.
func NewHistory(kv store.Store, ttl time.Duration) *History {
	if ttl <= 0 {
		ttl = defaultHistoryTTL
	}
	return &History{kv: kv, ttl: ttl, now: time.Now}
}

// Save writes m, stamping its ttl.
func (h *History) Save(ctx context.Context, m *Message) error {
	m.TTL = h.now().Add(h.ttl).Unix()
	if _, err := h.kv.Set(ctx, historyKeyPrefix+m.ID, m); err != nil {
		return fmt.Errorf("saving message %s: %w", m.ID, err)
	}
	return nil
}

// Get loads one message.
func (h *History) Get(ctx context.Context, id string) (*Message, error) {
	item, err := h.kv.Get(ctx, historyKeyPrefix+id)
	if err != nil {
		return nil, err
	}
	var m Message
	if err := item.Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Thread returns the ancestors of parentID, oldest first, ending with
// parentID itself. A missing or expired ancestor ends the walk.
func (h *History) Thread(ctx context.Context, parentID string) ([]*Message, error) {
	var chain []*Message
	seen := make(map[string]bool)

	for id := parentID; id != "" && len(chain) < maxHistoryDepth; {
		if seen[id] {
			break
		}
		seen[id] = true

		m, err := h.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, m)
		id = m.ParentMessageID
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
