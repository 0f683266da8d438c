// ABOUTME: Typed access to conversation records in the key-value store under conv:<id>
// ABOUTME: Maps store.ErrNotFound onto ErrRecordNotFound and decodes props into Record

package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/relay-gateway/internal/store"
)

// recordKeyPrefix keeps records apart from other data sharing the store,
// such as provider history under msg:<id>.
const recordKeyPrefix = "conv:"

// RecordKey returns the store key holding the record for conversation id.
func RecordKey(id string) string {
	return recordKeyPrefix + id
}

// RecordStore reads and writes Records keyed by conversation id.
type RecordStore struct {
	kv store.Store
}

// NewRecordStore wraps kv.
func NewRecordStore(kv store.Store) *RecordStore {
	return &RecordStore{kv: kv}
}

// Get loads the record for id.
func (s *RecordStore) Get(ctx context.Context, id string) (*Record, error) {
	item, err := s.kv.Get(ctx, RecordKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", id, err)
	}
	return decodeRecord(item)
}

// Put overwrites the record for id.
func (s *RecordStore) Put(ctx context.Context, id string, rec *Record) error {
	if _, err := s.kv.Set(ctx, RecordKey(id), rec); err != nil {
		return fmt.Errorf("saving conversation %s: %w", id, err)
	}
	return nil
}

// Delete removes the record for id and returns what it held.
func (s *RecordStore) Delete(ctx context.Context, id string) (*Record, error) {
	item, err := s.kv.Delete(ctx, RecordKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("deleting conversation %s: %w", id, err)
	}
	return decodeRecord(item)
}

func decodeRecord(item *store.Item) (*Record, error) {
	var rec Record
	if err := item.Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
