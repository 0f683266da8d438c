// ABOUTME: Delta reader: computes what a poller has not yet seen from the stored record
// ABOUTME: Pure read; returns a partial slice of tokens, the terminal payload, or not-found

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// DeltaKind identifies which variant a Delta is.
type DeltaKind string

const (
	DeltaPartial  DeltaKind = "partial"
	DeltaResult   DeltaKind = "result"
	DeltaError    DeltaKind = "error"
	DeltaNotFound DeltaKind = "not_found"
)

// Delta is the answer to one poll.
type Delta struct {
	Kind DeltaKind

	// Next is the index to pass on the following poll. Partial only.
	Next int

	// Text is the concatenation of tokens after the caller's index. Partial only.
	Text string

	// Result is the provider payload. Result only.
	Result json.RawMessage

	// Error is set for Error and NotFound.
	Error *RecordError
}

// Terminal reports whether the caller should stop polling.
func (d *Delta) Terminal() bool {
	return d.Kind == DeltaResult || d.Kind == DeltaError
}

// notFoundDelta is returned for conversations with no record.
func notFoundDelta() *Delta {
	return &Delta{
		Kind:  DeltaNotFound,
		Error: &RecordError{Code: http.StatusNotFound, Message: ErrRecordNotFound.Error()},
	}
}

// Reader answers polls against the record store.
type Reader struct {
	records *RecordStore
	metrics Metrics
}

// NewReader creates a Reader. metrics may be nil.
func NewReader(records *RecordStore, metrics Metrics) *Reader {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Reader{records: records, metrics: metrics}
}

// Read returns everything recorded for id after lastIndex.
func (r *Reader) Read(ctx context.Context, id string, lastIndex int) (*Delta, error) {
	rec, err := r.records.Get(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		d := notFoundDelta()
		r.metrics.DeltaRead(d.Kind)
		return d, nil
	}
	if err != nil {
		return nil, err
	}
	d := ComputeDelta(rec, lastIndex)
	r.metrics.DeltaRead(d.Kind)
	return d, nil
}

// ComputeDelta derives the delta for rec as seen by a caller that has
// consumed tokens up to lastIndex. Tokens are sorted by index before
// concatenation since storage order is not guaranteed. Next is the number of
// tokens recorded, which equals the highest index while indices are gapless.
func ComputeDelta(rec *Record, lastIndex int) *Delta {
	switch rec.State() {
	case StateFailed:
		e := *rec.Error
		return &Delta{Kind: DeltaError, Error: &e}
	case StateDone:
		return &Delta{Kind: DeltaResult, Result: rec.Result}
	}

	if lastIndex < 0 {
		lastIndex = 0
	}

	var b strings.Builder
	tokens := rec.SortedTokens()
	for _, t := range tokens {
		if t.Index > lastIndex {
			b.WriteString(t.Token)
		}
	}
	return &Delta{Kind: DeltaPartial, Next: len(tokens), Text: b.String()}
}
