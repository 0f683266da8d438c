// ABOUTME: Key-value Store interface and the Item value type shared by every backend
// ABOUTME: Values are JSON objects; a top-level "ttl" field (epoch seconds) marks expiry

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// ErrNotFound is returned when a key is absent or its value has expired
var ErrNotFound = errors.New("not found")

// TTLField is the props field every backend reads to schedule eviction.
const TTLField = "ttl"

// Item is a value as returned by the store.
type Item struct {
	Key string

	// Props holds the stored fields as a JSON object.
	Props json.RawMessage
}

// Decode unmarshals the item's props into v.
func (i *Item) Decode(v any) error {
	if err := json.Unmarshal(i.Props, v); err != nil {
		return fmt.Errorf("decoding %q: %w", i.Key, err)
	}
	return nil
}

// Field returns a single top-level prop as raw JSON, or nil if absent.
func (i *Item) Field(name string) json.RawMessage {
	res := gjson.GetBytes(i.Props, name)
	if !res.Exists() {
		return nil
	}
	return json.RawMessage(res.Raw)
}

// ExpiresAt reports the absolute expiry stamped in the item's ttl field.
func (i *Item) ExpiresAt() (time.Time, bool) {
	return expiryOf(i.Props)
}

// Store is the external key-value collaborator: get/set/delete by key.
// There are no transactions and no conditional writes.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Item, error)

	// Set overwrites the value under key. props must marshal to a JSON object.
	Set(ctx context.Context, key string, props any) (*Item, error)

	// Delete removes key and returns the value it held, or ErrNotFound.
	Delete(ctx context.Context, key string) (*Item, error)

	// Close releases any resources held by the store
	Close() error
}

// encodeProps marshals props and checks that the result is a JSON object.
func encodeProps(props any) (json.RawMessage, error) {
	var raw []byte
	switch v := props.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(props)
		if err != nil {
			return nil, fmt.Errorf("encoding props: %w", err)
		}
		raw = b
	}
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, errors.New("props must be a JSON object")
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out, nil
}

// expiryOf extracts the ttl field from raw props. Zero or missing means no expiry.
func expiryOf(raw []byte) (time.Time, bool) {
	ttl := gjson.GetBytes(raw, TTLField).Int()
	if ttl <= 0 {
		return time.Time{}, false
	}
	return time.Unix(ttl, 0), true
}

// expired reports whether raw props carry a ttl at or before now.
func expired(raw []byte, now time.Time) bool {
	at, ok := expiryOf(raw)
	return ok && !now.Before(at)
}
