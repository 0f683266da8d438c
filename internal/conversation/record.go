// ABOUTME: Conversation record persisted under conv:<conversation id>
// ABOUTME: Holds the token log while in progress, then exactly one terminal payload

package conversation

import (
	"encoding/json"
	"sort"
)

// State is the visible state of a record.
type State string

const (
	StateInProgress State = "in_progress"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// TokenEntry is one recorded token. Index is 1-based and assigned in arrival order.
type TokenEntry struct {
	Index int    `json:"index"`
	Token string `json:"token"`
}

// RecordError is the persisted form of a terminal failure.
type RecordError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Record is the value stored for one conversation.
type Record struct {
	// Tokens is not guaranteed to be sorted; use SortedTokens.
	Tokens []TokenEntry    `json:"tokens,omitempty"`
	Done   bool            `json:"done"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RecordError    `json:"error,omitempty"`

	// TTL is the absolute expiry in epoch seconds.
	TTL int64 `json:"ttl"`

	// Seq increases with every write made by the producer.
	Seq int64 `json:"seq"`
}

// State reports which of the three mutually exclusive states the record is in.
// An error outranks done.
func (r *Record) State() State {
	switch {
	case r.Error != nil:
		return StateFailed
	case r.Done:
		return StateDone
	default:
		return StateInProgress
	}
}

// Terminal reports whether the record has reached done or failed.
func (r *Record) Terminal() bool {
	return r.State() != StateInProgress
}

// SortedTokens returns a copy of the tokens ordered by index.
func (r *Record) SortedTokens() []TokenEntry {
	out := make([]TokenEntry, len(r.Tokens))
	copy(out, r.Tokens)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
