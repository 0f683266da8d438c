// ABOUTME: Service ties the provider to the recorder and answers polls through the reader
// ABOUTME: Producers run detached from the request and are tracked so shutdown can wait for them

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/provider"
	"github.com/2389/relay-gateway/internal/store"
)

const (
	// saveTimeout bounds the terminal write, which runs after the provider
	// call and must not inherit its deadline.
	saveTimeout = 5 * time.Second

	DefaultProducerTimeout = 5 * time.Minute

	DefaultMaxInFlight = 10_000
)

// Provider is what the service needs from a chat backend.
type Provider interface {
	SendMessage(ctx context.Context, text string, opts provider.SendOptions) (*provider.Result, error)
}

// Options tunes a Service. Zero values use the package defaults.
type Options struct {
	Lifecycle        Lifecycle
	PollInterval     time.Duration
	BootstrapTimeout time.Duration
	ProducerTimeout  time.Duration
	Metrics          Metrics
	Logger           *slog.Logger

	// FollowInterval is how often Follow re-reads the record between
	// change notifications. Defaults to PollInterval.
	FollowInterval time.Duration

	// MaxInFlight caps concurrently running producers. Sends beyond it are
	// rejected as busy.
	MaxInFlight int
}

// Service is the entry point for sending messages and reading progress.
type Service struct {
	records     *RecordStore
	reader      *Reader
	waiter      *Waiter
	broadcaster *Broadcaster
	provider    Provider
	inflight    *dedupe.Cache
	lifecycle   Lifecycle
	follow      time.Duration
	timeout     time.Duration
	metrics     Metrics
	logger      *slog.Logger

	producers sync.WaitGroup
}

// New creates a Service over kv.
func New(kv store.Store, p Provider, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	timeout := opts.ProducerTimeout
	if timeout <= 0 {
		timeout = DefaultProducerTimeout
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	follow := opts.FollowInterval
	if follow <= 0 {
		follow = interval
	}
	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}

	records := NewRecordStore(kv)
	broadcaster := NewBroadcaster(logger)
	waiter := NewWaiter(records, broadcaster, interval, opts.BootstrapTimeout, metrics, logger)

	// A claim outlives the producer deadline plus the terminal write.
	inflight := dedupe.New(timeout+saveTimeout+time.Minute, maxInFlight)

	return &Service{
		records:     records,
		reader:      NewReader(records, metrics),
		waiter:      waiter,
		broadcaster: broadcaster,
		provider:    p,
		inflight:    inflight,
		lifecycle:   opts.Lifecycle,
		follow:      follow,
		timeout:     timeout,
		metrics:     metrics,
		logger:      logger.With("component", "conversation"),
	}
}

// SendRequest is one inbound message.
type SendRequest struct {
	// ConversationID keys the progress record.
	ConversationID string

	Message string

	// ProviderConversationID and ParentMessageID continue a provider-side thread.
	ProviderConversationID string
	ParentMessageID        string
}

// Validate checks the request before anything touches the store.
func (r *SendRequest) Validate() error {
	if strings.TrimSpace(r.ConversationID) == "" {
		return &ValidationError{Field: "conversationID", Message: "The conversationID parameter is required."}
	}
	if r.Message == "" {
		return &ValidationError{Field: "message", Message: "The message parameter is required."}
	}
	return nil
}

// Handle tracks a running producer.
type Handle struct {
	ConversationID string

	done   chan struct{}
	result *provider.Result
	err    error
}

// Done is closed once the terminal write has been attempted.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the producer finishes or ctx ends. The producer keeps
// running if ctx ends first.
func (h *Handle) Wait(ctx context.Context) (*provider.Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send validates req and starts a producer for it. The producer runs on a
// context detached from ctx, so a caller that goes away does not stop it.
func (s *Service) Send(ctx context.Context, req *SendRequest) (*Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if s.inflight.CheckAndMark(req.ConversationID) {
		s.metrics.BusyRejected()
		return nil, ErrConversationBusy
	}

	h := &Handle{ConversationID: req.ConversationID, done: make(chan struct{})}
	rec := NewRecorder(req.ConversationID, RecorderConfig{
		Records:     s.records,
		Waiter:      s.waiter,
		Lifecycle:   s.lifecycle,
		Broadcaster: s.broadcaster,
		Metrics:     s.metrics,
		Logger:      s.logger,
	})

	s.producers.Add(1)
	go s.produce(context.WithoutCancel(ctx), req, rec, h)

	s.logger.Info("producer started", "conversation_id", req.ConversationID)
	return h, nil
}

func (s *Service) produce(ctx context.Context, req *SendRequest, rec *Recorder, h *Handle) {
	defer s.producers.Done()
	defer close(h.done)
	defer s.inflight.Release(req.ConversationID)

	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.provider.SendMessage(pctx, req.Message, provider.SendOptions{
		ConversationID:  req.ProviderConversationID,
		ParentMessageID: req.ParentMessageID,
		OnProgress: func(token string) {
			if err := rec.Append(pctx, token); err != nil {
				s.logger.Warn("failed to record token",
					"conversation_id", req.ConversationID,
					"error", err)
			}
		},
	})

	if err != nil {
		perr := asProviderError(err)
		h.err = perr
		s.logger.Warn("provider failed",
			"conversation_id", req.ConversationID,
			"code", perr.Code,
			"error", err)
		s.saveTerminal(ctx, req.ConversationID, func(c context.Context) error { return rec.Fail(c, perr) })
		return
	}

	h.result = res
	s.saveTerminal(ctx, req.ConversationID, func(c context.Context) error { return rec.Complete(c, res) })
	s.logger.Info("producer finished",
		"conversation_id", req.ConversationID,
		"tokens", rec.Tokens(),
		"duration", time.Since(start))
}

// saveTerminal runs the terminal write on a fresh deadline, retrying
// transient store failures.
func (s *Service) saveTerminal(ctx context.Context, id string, write func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()

	attempt := 0
	op := func() error {
		attempt++
		err := write(ctx)
		if errors.Is(err, ErrRecorderClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)

	if err := backoff.Retry(op, b); err != nil {
		s.logger.Error("failed to save terminal record",
			"conversation_id", id,
			"attempts", attempt,
			"error", err)
	}
}

// Read answers a poll for id from lastIndex.
func (s *Service) Read(ctx context.Context, id string, lastIndex int) (*Delta, error) {
	return s.reader.Read(ctx, id, lastIndex)
}

// Follow relays deltas for id to emit until a terminal delta has been sent or
// ctx ends. It first waits for the record to exist, and emits a not-found
// delta if it never does. Partial deltas are only emitted when they carry
// new text.
func (s *Service) Follow(ctx context.Context, id string, next int, emit func(*Delta) error) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	changes, _ := s.broadcaster.Subscribe(subCtx, id)

	if _, err := s.waiter.Await(ctx, id); err != nil {
		if errors.Is(err, ErrWaitTimeout) {
			return emit(notFoundDelta())
		}
		return err
	}

	ticker := time.NewTicker(s.follow)
	defer ticker.Stop()

	for {
		d, err := s.reader.Read(ctx, id, next)
		if err != nil {
			return fmt.Errorf("reading %s: %w", id, err)
		}

		switch {
		case d.Kind == DeltaNotFound:
			// Deleted or expired mid-stream.
			return emit(d)
		case d.Terminal():
			return emit(d)
		case d.Text != "":
			if err := emit(d); err != nil {
				return err
			}
			next = d.Next
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case _, ok := <-changes:
			if !ok {
				changes = nil
			}
		}
	}
}

// Delete removes the record for id. A conversation with a running producer
// cannot be deleted.
func (s *Service) Delete(ctx context.Context, id string) (*Record, error) {
	if s.inflight.Check(id) {
		return nil, ErrConversationBusy
	}
	rec, err := s.records.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	s.broadcaster.Publish(Change{ConversationID: id, Seq: rec.Seq, Terminal: true})
	s.logger.Info("conversation deleted", "conversation_id", id)
	return rec, nil
}

// InFlight reports whether id has a running producer.
func (s *Service) InFlight(id string) bool {
	return s.inflight.Check(id)
}

// Wait blocks until every running producer has finished or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.producers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for producers: %w", ctx.Err())
	}
}

// Close releases the service's background resources. Call Wait first.
func (s *Service) Close() {
	s.inflight.Close()
	s.broadcaster.Close()
}
