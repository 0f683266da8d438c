// ABOUTME: Progress recorder: turns one producer's tokens into record writes
// ABOUTME: Appends are read-modify-write; the terminal write is an overwrite that closes the recorder

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Recorder persists the output of a single producer invocation for one
// conversation. It is safe for concurrent use, but a conversation must only
// ever have one Recorder at a time.
type Recorder struct {
	id          string
	records     *RecordStore
	waiter      *Waiter
	lifecycle   Lifecycle
	broadcaster *Broadcaster
	metrics     Metrics
	logger      *slog.Logger

	mu      sync.Mutex
	index   int          // last index handed out
	seq     int64        // last write sequence used
	created bool         // a write of ours has landed
	pending []TokenEntry // tokens assigned an index but not yet persisted
	closed  bool
	lost    bool // the record vanished and a bootstrap wait for it timed out

	terminal *Record // terminal write, kept for retry until saved
	outcome  string
	saved    bool
}

// RecorderConfig carries a Recorder's collaborators.
type RecorderConfig struct {
	Records     *RecordStore
	Waiter      *Waiter
	Lifecycle   Lifecycle
	Broadcaster *Broadcaster
	Metrics     Metrics
	Logger      *slog.Logger
}

// NewRecorder creates a recorder for conversation id.
func NewRecorder(id string, cfg RecorderConfig) *Recorder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Recorder{
		id:          id,
		records:     cfg.Records,
		waiter:      cfg.Waiter,
		lifecycle:   cfg.Lifecycle,
		broadcaster: cfg.Broadcaster,
		metrics:     metrics,
		logger:      logger.With("component", "recorder", "conversation_id", id),
	}
}

// Append records the next token.
//
// Until one of our writes has landed the record is written fresh, without
// reading. After that the current record is read (waiting for it if the store
// has not caught up), the token is merged in and the record written back with
// its ttl preserved. A token whose write fails stays pending and is merged
// into the next append, so indices stay gapless.
func (r *Recorder) Append(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRecorderClosed
	}

	r.index++
	r.pending = append(r.pending, TokenEntry{Index: r.index, Token: token})

	var rec *Record
	if !r.created {
		rec = &Record{TTL: r.lifecycle.Stamp()}
	} else {
		current, err := r.load(ctx)
		if err != nil {
			return err
		}
		if current.Terminal() {
			// Something else finished this conversation; our tokens are moot.
			r.closed = true
			r.logger.Warn("dropping append to terminal record", "index", r.index, "seq", current.Seq)
			return ErrRecorderClosed
		}
		rec = current
		rec.TTL = r.lifecycle.OnAppend(rec.TTL)
	}

	rec.Tokens = mergeTokens(rec.Tokens, r.pending)
	rec.Seq = r.seq + 1

	if err := r.records.Put(ctx, r.id, rec); err != nil {
		return fmt.Errorf("appending token %d: %w", r.index, err)
	}

	r.seq = rec.Seq
	r.created = true
	r.pending = r.pending[:0]
	r.metrics.TokenRecorded()
	r.publish(false)
	return nil
}

// load reads the record, falling back to the bootstrap waiter when the
// store does not show it yet. Once a wait has timed out the record is treated
// as gone, and later appends fail at once instead of waiting again.
func (r *Recorder) load(ctx context.Context) (*Record, error) {
	rec, err := r.records.Get(ctx, r.id)
	if errors.Is(err, ErrRecordNotFound) && r.waiter != nil && !r.lost {
		rec, err = r.waiter.Await(ctx, r.id)
		if errors.Is(err, ErrWaitTimeout) {
			r.lost = true
			r.logger.Warn("record vanished mid-stream; further tokens will not be recorded")
		}
	}
	if err == nil {
		r.lost = false
	}
	if err != nil {
		return nil, fmt.Errorf("reading record before append: %w", err)
	}
	return rec, nil
}

// Complete writes the terminal success record, replacing any tokens.
func (r *Recorder) Complete(ctx context.Context, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	return r.finish(ctx, &Record{Done: true, Result: payload}, OutcomeResult)
}

// Fail writes the terminal failure record, replacing any tokens.
func (r *Recorder) Fail(ctx context.Context, perr *ProviderError) error {
	return r.finish(ctx, &Record{Error: perr.record()}, OutcomeError)
}

// finish performs the terminal overwrite. The recorder is closed on the
// first attempt, so no append can land after it. If the write fails, calling
// Complete or Fail again retries the same terminal record.
func (r *Recorder) finish(ctx context.Context, rec *Record, outcome string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.terminal == nil && r.closed:
		return ErrRecorderClosed
	case r.terminal == nil:
		r.closed = true
		r.pending = nil
		r.seq++
		rec.Seq = r.seq
		rec.TTL = r.lifecycle.Stamp()
		r.terminal = rec
		r.outcome = outcome
	case r.saved:
		return ErrRecorderClosed
	default:
		rec, outcome = r.terminal, r.outcome
	}

	if err := r.records.Put(ctx, r.id, rec); err != nil {
		return fmt.Errorf("writing terminal %s: %w", outcome, err)
	}

	r.saved = true
	r.metrics.TerminalWritten(outcome)
	r.publish(true)
	r.logger.Debug("terminal write", "outcome", outcome, "tokens", r.index, "seq", r.seq)
	return nil
}

// Tokens returns how many tokens have been handed an index.
func (r *Recorder) Tokens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index
}

func (r *Recorder) publish(terminal bool) {
	if r.broadcaster == nil {
		return
	}
	r.broadcaster.Publish(Change{ConversationID: r.id, Seq: r.seq, Terminal: terminal})
}

// mergeTokens adds each pending entry whose index is not already stored.
func mergeTokens(stored, pending []TokenEntry) []TokenEntry {
	have := make(map[int]bool, len(stored))
	for _, t := range stored {
		have[t.Index] = true
	}
	out := append([]TokenEntry(nil), stored...)
	for _, t := range pending {
		if !have[t.Index] {
			out = append(out, t)
		}
	}
	return out
}
