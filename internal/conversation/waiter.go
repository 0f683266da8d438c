// ABOUTME: Bootstrap waiter: blocks until a conversation record exists
// ABOUTME: Polls the store at a fixed interval, bounded by a timeout and the caller's context

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	DefaultPollInterval     = 250 * time.Millisecond
	DefaultBootstrapTimeout = 30 * time.Second
)

// Waiter observes the store until a record appears. It never writes.
type Waiter struct {
	records     *RecordStore
	broadcaster *Broadcaster
	interval    time.Duration
	timeout     time.Duration
	metrics     Metrics
	logger      *slog.Logger
}

// NewWaiter creates a Waiter. Non-positive interval and timeout use the defaults.
// broadcaster may be nil; when set, change notifications cut a poll short.
func NewWaiter(records *RecordStore, broadcaster *Broadcaster, interval, timeout time.Duration, metrics Metrics, logger *slog.Logger) *Waiter {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultBootstrapTimeout
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{
		records:     records,
		broadcaster: broadcaster,
		interval:    interval,
		timeout:     timeout,
		metrics:     metrics,
		logger:      logger.With("component", "waiter"),
	}
}

// Await returns the record for id once it exists. It returns ErrWaitTimeout
// if the record has not appeared within the timeout, or ctx.Err() if ctx ends
// first. Store failures other than not-found are retried until then.
func (w *Waiter) Await(ctx context.Context, id string) (rec *Record, err error) {
	start := time.Now()
	defer func() { w.metrics.BootstrapWait(time.Since(start), err) }()

	var changes <-chan Change
	if w.broadcaster != nil {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		changes, _ = w.broadcaster.Subscribe(subCtx, id)
	}

	deadline := time.NewTimer(w.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		rec, err := w.records.Get(ctx, id)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrRecordNotFound) {
			w.logger.Warn("store read failed while waiting", "conversation_id", id, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			w.logger.Warn("record never appeared", "conversation_id", id, "timeout", w.timeout)
			return nil, ErrWaitTimeout
		case <-ticker.C:
		case _, ok := <-changes:
			if !ok {
				changes = nil
			}
		}
	}
}
