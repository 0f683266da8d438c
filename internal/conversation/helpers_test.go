// ABOUTME: Shared fixtures for conversation tests
// ABOUTME: Store wrappers that fail or lag on demand, and a step-driven fake provider

package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/2389/relay-gateway/internal/provider"
	"github.com/2389/relay-gateway/internal/store"
)

var errStoreDown = errors.New("store unavailable")

// faultyStore wraps a Store. failSets makes the next N writes fail; hideGets
// makes the next N reads report not-found, as a lagging replica would.
type faultyStore struct {
	store.Store

	mu       sync.Mutex
	failSets int
	hideGets int
	gets     int
	sets     int
}

func newFaultyStore(t *testing.T) *faultyStore {
	kv := store.NewMemoryStore(0)
	t.Cleanup(func() { _ = kv.Close() })
	return &faultyStore{Store: kv}
}

func (f *faultyStore) Get(ctx context.Context, key string) (*store.Item, error) {
	f.mu.Lock()
	f.gets++
	hide := f.hideGets > 0
	if hide {
		f.hideGets--
	}
	f.mu.Unlock()

	if hide {
		return nil, store.ErrNotFound
	}
	return f.Store.Get(ctx, key)
}

func (f *faultyStore) Set(ctx context.Context, key string, props any) (*store.Item, error) {
	f.mu.Lock()
	f.sets++
	fail := f.failSets > 0
	if fail {
		f.failSets--
	}
	f.mu.Unlock()

	if fail {
		return nil, errStoreDown
	}
	return f.Store.Set(ctx, key, props)
}

func (f *faultyStore) counts() (gets, sets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets, f.sets
}

// stepProvider emits tokens one at a time. When step is non-nil each token
// waits for a receive on it. progressed reports the count of tokens handed
// to OnProgress, which have been recorded by the time it is sent. When
// finish is non-nil the result is held back until it is closed.
type stepProvider struct {
	tokens     []string
	failAfter  int // fail once this many tokens have been emitted; -1 never
	failErr    error
	step       chan struct{}
	finish     chan struct{}
	progressed chan int
}

func newStepProvider(tokens ...string) *stepProvider {
	return &stepProvider{
		tokens:     tokens,
		failAfter:  -1,
		progressed: make(chan int, 64),
	}
}

func (p *stepProvider) SendMessage(ctx context.Context, text string, opts provider.SendOptions) (*provider.Result, error) {
	for i, tok := range p.tokens {
		if p.failAfter == i {
			return nil, p.failErr
		}
		if p.step != nil {
			select {
			case <-p.step:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		opts.OnProgress(tok)
		p.progressed <- i + 1
	}
	if p.finish != nil {
		select {
		case <-p.finish:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.failAfter == len(p.tokens) {
		return nil, p.failErr
	}
	return &provider.Result{
		ID:             "reply-1",
		ConversationID: opts.ConversationID,
		Role:           "assistant",
		Text:           strings.Join(p.tokens, ""),
	}, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestService(t *testing.T, kv store.Store, p Provider) *Service {
	svc := New(kv, p, Options{
		PollInterval:     5 * time.Millisecond,
		BootstrapTimeout: 200 * time.Millisecond,
		ProducerTimeout:  5 * time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Wait(ctx)
		svc.Close()
	})
	return svc
}
