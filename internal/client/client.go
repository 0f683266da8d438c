// ABOUTME: HTTP client for the relay-gateway conversation API
// ABOUTME: Sends messages, polls progress with retries, and follows the SSE relay

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/relay-gateway/internal/provider"
)

// DefaultMaxRetries is how many times an idempotent request is retried.
const DefaultMaxRetries = 4

// DeltaKind mirrors the poll variants returned by the gateway.
type DeltaKind string

const (
	KindPartial DeltaKind = "partial"
	KindResult  DeltaKind = "result"
	KindError   DeltaKind = "error"
)

// SendRequest is the body of a send.
type SendRequest struct {
	Message         string `json:"message"`
	ConversationID  string `json:"conversationId,omitempty"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	Stream          bool   `json:"stream,omitempty"`
}

// RecordError is a terminal error reported by a poll.
type RecordError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("conversation error (%d): %s", e.Code, e.Message)
}

// Delta is one decoded poll response.
type Delta struct {
	Kind   DeltaKind
	Next   int
	Text   string
	Result *provider.Result
	Err    *RecordError
}

// Terminal reports whether polling should stop.
func (d *Delta) Terminal() bool {
	return d.Kind != KindPartial
}

// NotFound reports whether the conversation has no record.
func (d *Delta) NotFound() bool {
	return d.Err != nil && d.Err.Code == http.StatusNotFound
}

// APIError is a non-2xx response from the gateway.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error (%d): %s", e.StatusCode, e.Message)
}

// pollResponse is the gateway's wire form. ID is a number for partials and
// "" for terminal events.
type pollResponse struct {
	ID    json.RawMessage `json:"id"`
	Event string          `json:"event,omitempty"`
	Data  string          `json:"data"`
}

// Client talks to one gateway.
type Client struct {
	baseURL    string
	http       *http.Client
	maxRetries uint64
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMaxRetries sets how many times polls are retried.
func WithMaxRetries(n uint64) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBackOff replaces the exponential retry schedule.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the gateway at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		http:       &http.Client{},
		maxRetries: DefaultMaxRetries,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) conversationURL(id string, parts ...string) string {
	u := c.baseURL + "/conversation/" + url.PathEscape(id)
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

// Send posts a message and waits for the provider result. Sends are not
// retried, since a retry could start a second producer.
func (c *Client) Send(ctx context.Context, id string, req SendRequest) (*provider.Result, error) {
	req.Stream = false
	resp, err := c.post(ctx, id, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var res provider.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	return &res, nil
}

// SendStream posts a message with stream set and blocks until the gateway
// closes the response, which happens once the terminal record is written.
func (c *Client) SendStream(ctx context.Context, id string, req SendRequest) error {
	req.Stream = true
	resp, err := c.post(ctx, id, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// The body carries only keepalive comments.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, id string, req SendRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.conversationURL(id), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, errorResponse(resp)
	}
	return resp, nil
}

// Poll fetches the delta after next. Transport failures and 5xx responses
// are retried with exponential backoff.
func (c *Client) Poll(ctx context.Context, id string, next int) (*Delta, error) {
	var delta *Delta
	attempt := 0
	op := func() error {
		attempt++
		d, err := c.pollOnce(ctx, id, next)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
				return backoff.Permanent(err)
			}
			return err
		}
		delta = d
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("poll failed, retrying",
			"conversation_id", id,
			"attempt", attempt,
			"wait", wait,
			"error", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return delta, nil
}

func (c *Client) pollOnce(ctx context.Context, id string, next int) (*Delta, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.conversationURL(id, strconv.Itoa(next)), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("polling: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorResponse(resp)
	}

	var pr pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decoding poll response: %w", err)
	}
	return decodeDelta(&pr)
}

// Delete removes a finished conversation record.
func (c *Client) Delete(ctx context.Context, id string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.conversationURL(id), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("deleting: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorResponse(resp)
	}
	return nil
}

// decodeDelta turns a wire response into a Delta.
func decodeDelta(pr *pollResponse) (*Delta, error) {
	switch pr.Event {
	case "result":
		var res provider.Result
		if err := json.Unmarshal([]byte(pr.Data), &res); err != nil {
			return nil, fmt.Errorf("decoding result: %w", err)
		}
		return &Delta{Kind: KindResult, Result: &res}, nil
	case "error":
		var rerr RecordError
		if err := json.Unmarshal([]byte(pr.Data), &rerr); err != nil {
			return nil, fmt.Errorf("decoding error: %w", err)
		}
		return &Delta{Kind: KindError, Err: &rerr}, nil
	case "":
		var next int
		if err := json.Unmarshal(pr.ID, &next); err != nil {
			return nil, fmt.Errorf("decoding next index %s: %w", pr.ID, err)
		}
		return &Delta{Kind: KindPartial, Next: next, Text: pr.Data}, nil
	default:
		return nil, fmt.Errorf("unknown event %q", pr.Event)
	}
}

// errorResponse extracts the error message from a non-200 response.
func errorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
