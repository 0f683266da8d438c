// ABOUTME: Tests for the conversation HTTP handlers
// ABOUTME: Drives send, poll, event relay and delete through the chi router

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/provider"
)

// gatedProvider emits its tokens one per receive on gate (or all at once if
// gate is nil) and reports each recorded token on progressed.
type gatedProvider struct {
	tokens     []string
	gate       chan struct{}
	progressed chan int
	err        error
}

func newGatedProvider(tokens ...string) *gatedProvider {
	return &gatedProvider{tokens: tokens, progressed: make(chan int, 64)}
}

func (p *gatedProvider) SendMessage(ctx context.Context, text string, opts provider.SendOptions) (*provider.Result, error) {
	for i, tok := range p.tokens {
		if p.gate != nil {
			select {
			case <-p.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		opts.OnProgress(tok)
		p.progressed <- i + 1
	}
	if p.err != nil {
		return nil, p.err
	}
	return &provider.Result{
		ID:             "reply-1",
		ConversationID: "provider-conv",
		Role:           "assistant",
		Text:           strings.Join(p.tokens, ""),
	}, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Streaming.BootstrapPollInterval = 5 * time.Millisecond
	cfg.Streaming.BootstrapTimeout = time.Second
	cfg.Streaming.StreamPollInterval = 5 * time.Millisecond
	cfg.Streaming.KeepaliveInterval = 10 * time.Millisecond
	cfg.Server.ShutdownTimeout = 5 * time.Second
	return cfg
}

func newTestGateway(t *testing.T, p *gatedProvider) *Gateway {
	t.Helper()
	return newTestGatewayWithConfig(t, testConfig(), p)
}

func newTestGatewayWithConfig(t *testing.T, cfg *config.Config, p *gatedProvider) *Gateway {
	t.Helper()
	gw := newGateway(cfg, newMemoryStore(t), p, discardLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw
}

func doRequest(t *testing.T, gw *Gateway, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodePoll(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandleSend_MissingMessage(t *testing.T) {
	gw := newTestGateway(t, newGatedProvider("x"))

	rec := doRequest(t, gw, http.MethodPost, "/conversation/c1", SendMessageRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	assert.Equal(t, "The message parameter is required.", errResp["error"])

	// No record was created.
	poll := decodePoll(t, doRequest(t, gw, http.MethodGet, "/conversation/c1/0", nil))
	assert.Equal(t, "error", poll["event"])
	assert.Equal(t, "", poll["id"])
	assert.Contains(t, poll["data"], `"code":404`)
}

func TestHandleSend_InvalidJSON(t *testing.T) {
	gw := newTestGateway(t, newGatedProvider("x"))

	req := httptest.NewRequest(http.MethodPost, "/conversation/c1", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid JSON body")
}

func TestHandleSend_Synchronous(t *testing.T) {
	gw := newTestGateway(t, newGatedProvider("Hel", "lo"))

	rec := doRequest(t, gw, http.MethodPost, "/conversation/c1", SendMessageRequest{Message: "hi"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res provider.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, "Hello", res.Text)
	assert.Equal(t, "provider-conv", res.ConversationID)

	poll := decodePoll(t, doRequest(t, gw, http.MethodGet, "/conversation/c1/2", nil))
	assert.Equal(t, "result", poll["event"])
	assert.Contains(t, poll["data"], `"text":"Hello"`)
}

func TestHandleSend_StreamHoldsOpenWithoutPayload(t *testing.T) {
	gw := newTestGateway(t, newGatedProvider("a ", "b"))

	rec := doRequest(t, gw, http.MethodPost, "/conversation/c1", SendMessageRequest{Message: "hi", Stream: true})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), "data:")

	// The terminal record is in place by the time the response ends.
	poll := decodePoll(t, doRequest(t, gw, http.MethodGet, "/conversation/c1", nil))
	assert.Equal(t, "result", poll["event"])
}

func TestHandlePoll_PartialThenResult(t *testing.T) {
	p := newGatedProvider("Hel", "lo", "!")
	p.gate = make(chan struct{})
	gw := newTestGateway(t, p)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doRequest(t, gw, http.MethodPost, "/conversation/c1", SendMessageRequest{Message: "hi"})
	}()

	p.gate <- struct{}{}
	<-p.progressed
	poll := decodePoll(t, doRequest(t, gw, http.MethodGet, "/conversation/c1/0", nil))
	assert.Equal(t, float64(1), poll["id"])
	assert.Equal(t, "Hel", poll["data"])
	assert.NotContains(t, poll, "event")

	p.gate <- struct{}{}
	<-p.progressed
	poll = decodePoll(t, doRequest(t, gw, http.MethodGet, "/conversation/c1/1", nil))
	assert.Equal(t, float64(2), poll["id"])
	assert.Equal(t, "lo", poll["data"])

	// Reads are idempotent.
	again := decodePoll(t, doRequest(t, gw, http.MethodGet, "/conversation/c1/1", nil))
	assert.Equal(t, poll, again)

	full := decodePoll(t, doRequest(t, gw, http.MethodGet, "/conversation/c1", nil))
	assert.Equal(t, "Hello", full["data"])

	p.gate <- struct{}{}
	select {
	case rec := <-done:
		assert.Equal(t, http.StatusOK, rec.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not complete")
	}

	poll = decodePoll(t, doRequest(t, gw, http.MethodGet, "/conversation/c1/2", nil))
	assert.Equal(t, "result", poll["event"])
	assert.Contains(t, poll["data"], `"text":"Hello!"`)
}

func TestHandlePoll_InvalidNextID(t *testing.T) {
	gw := newTestGateway(t, newGatedProvider())

	rec := doRequest(t, gw, http.MethodGet, "/conversation/c1/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSend_Busy(t *testing.T) {
	p := newGatedProvider("a")
	p.gate = make(chan struct{})
	gw := newTestGateway(t, p)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doRequest(t, gw, http.MethodPost, "/conversation/c1", SendMessageRequest{Message: "one"})
	}()
	require.Eventually(t, func() bool { return gw.conversation.InFlight("c1") }, 2*time.Second, time.Millisecond)

	rec := doRequest(t, gw, http.MethodPost, "/conversation/c1", SendMessageRequest{Message: "two"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, gw, http.MethodDelete, "/conversation/c1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	p.gate <- struct{}{}
	select {
	case rec := <-done:
		assert.Equal(t, http.StatusOK, rec.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not complete")
	}
}

func TestHandleSend_ProviderErrorCode(t *testing.T) {
	p := newGatedProvider("partial")
	p.err = &provider.Error{Code: http.StatusTooManyRequests, Message: "rate limited"}
	gw := newTestGateway(t, p)

	rec := doRequest(t, gw, http.MethodPost, "/conversation/c1", SendMessageRequest{Message: "hi"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate limited")

	for _, path := range []string{"/conversation/c1/0", "/conversation/c1/1"} {
		poll := decodePoll(t, doRequest(t, gw, http.MethodGet, path, nil))
		assert.Equal(t, "error", poll["event"], path)
		assert.Contains(t, poll["data"], `"code":429`, path)
	}
}

func TestHandleSend_UnclassifiedErrorIs503(t *testing.T) {
	p := newGatedProvider()
	p.err = io.ErrUnexpectedEOF
	gw := newTestGateway(t, p)

	rec := doRequest(t, gw, http.MethodPost, "/conversation/c1", SendMessageRequest{Message: "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleEvents_RelaysUntilResult(t *testing.T) {
	p := newGatedProvider("one ", "two ", "three")
	p.gate = make(chan struct{})
	gw := newTestGateway(t, p)

	go func() {
		_ = doRequest(t, gw, http.MethodPost, "/conversation/c1", SendMessageRequest{Message: "count"})
	}()
	go func() {
		for range p.tokens {
			p.gate <- struct{}{}
			<-p.progressed
		}
	}()

	rec := doRequest(t, gw, http.MethodGet, "/conversation/c1/events?next=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: result\n")
	assert.Equal(t, 1, strings.Count(body, "event: result"))
	assert.NotContains(t, body, "event: error")
}

func TestHandleEvents_UnknownConversation(t *testing.T) {
	gw := newTestGateway(t, newGatedProvider())

	rec := doRequest(t, gw, http.MethodGet, "/conversation/ghost/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: error\n")
	assert.Contains(t, rec.Body.String(), `\"code\":404`)
}

func TestHandleDelete(t *testing.T) {
	gw := newTestGateway(t, newGatedProvider("x"))

	rec := doRequest(t, gw, http.MethodPost, "/conversation/c1", SendMessageRequest{Message: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, gw, http.MethodDelete, "/conversation/c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, "done", out["state"])

	poll := decodePoll(t, doRequest(t, gw, http.MethodGet, "/conversation/c1/0", nil))
	assert.Equal(t, "error", poll["event"])

	rec = doRequest(t, gw, http.MethodDelete, "/conversation/c1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
