// ABOUTME: Tests for the bootstrap waiter
// ABOUTME: Verifies it returns late-arriving records, times out, honours cancellation, and never writes

package conversation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingMetrics struct {
	nopMetrics
	waits   atomic.Int32
	tokens  atomic.Int32
	results atomic.Int32
	errors  atomic.Int32
	busy    atomic.Int32
}

func (m *countingMetrics) BootstrapWait(time.Duration, error) { m.waits.Add(1) }
func (m *countingMetrics) TokenRecorded()                     { m.tokens.Add(1) }
func (m *countingMetrics) BusyRejected()                      { m.busy.Add(1) }
func (m *countingMetrics) TerminalWritten(outcome string) {
	if outcome == OutcomeResult {
		m.results.Add(1)
	} else {
		m.errors.Add(1)
	}
}

func TestWaiter_ReturnsExistingRecord(t *testing.T) {
	kv := newFaultyStore(t)
	records := NewRecordStore(kv)
	require.NoError(t, records.Put(context.Background(), "c1", &Record{Tokens: tokensFor("x")}))

	w := NewWaiter(records, nil, time.Hour, time.Hour, nil, nil)
	rec, err := w.Await(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, rec.Tokens, 1)
}

func TestWaiter_ReturnsRecordOnceWritten(t *testing.T) {
	kv := newFaultyStore(t)
	records := NewRecordStore(kv)
	metrics := &countingMetrics{}
	w := NewWaiter(records, nil, 5*time.Millisecond, 2*time.Second, metrics, nil)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = records.Put(context.Background(), "c1", &Record{Tokens: tokensFor("late")})
	}()

	rec, err := w.Await(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "late", rec.Tokens[0].Token)
	assert.Equal(t, int32(1), metrics.waits.Load())
}

func TestWaiter_WokenByBroadcast(t *testing.T) {
	kv := newFaultyStore(t)
	records := NewRecordStore(kv)
	b := NewBroadcaster(nil)
	defer b.Close()

	// A poll interval far longer than the test proves the broadcast woke it.
	w := NewWaiter(records, b, time.Hour, 5*time.Second, nil, nil)

	go func() {
		for b.Subscribers("c1") == 0 {
			time.Sleep(time.Millisecond)
		}
		_ = records.Put(context.Background(), "c1", &Record{Tokens: tokensFor("x")})
		b.Publish(Change{ConversationID: "c1", Seq: 1})
	}()

	start := time.Now()
	_, err := w.Await(context.Background(), "c1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestWaiter_TimesOut(t *testing.T) {
	kv := newFaultyStore(t)
	w := NewWaiter(NewRecordStore(kv), nil, 5*time.Millisecond, 50*time.Millisecond, nil, nil)

	_, err := w.Await(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrWaitTimeout)

	_, sets := kv.counts()
	assert.Equal(t, 0, sets, "waiter must never write")
}

func TestWaiter_Cancelled(t *testing.T) {
	kv := newFaultyStore(t)
	w := NewWaiter(NewRecordStore(kv), nil, 5*time.Millisecond, time.Hour, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := w.Await(ctx, "ghost")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaiter_Defaults(t *testing.T) {
	w := NewWaiter(nil, nil, 0, 0, nil, nil)
	assert.Equal(t, DefaultPollInterval, w.interval)
	assert.Equal(t, DefaultBootstrapTimeout, w.timeout)
}
