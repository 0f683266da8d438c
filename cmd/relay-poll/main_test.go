// ABOUTME: Tests for the relay-poll command
// ABOUTME: Drives each subcommand against an in-process gateway

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/client"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/gateway"
	"github.com/2389/relay-gateway/internal/provider"
)

func newServer(t *testing.T) string {
	t.Helper()
	color.NoColor = true

	cfg := config.Default()
	cfg.Provider.Echo.TokenDelay = time.Millisecond
	cfg.Streaming.BootstrapPollInterval = 5 * time.Millisecond
	cfg.Streaming.BootstrapTimeout = time.Second
	cfg.Streaming.StreamPollInterval = 5 * time.Millisecond
	cfg.Streaming.KeepaliveInterval = 5 * time.Millisecond

	gw, err := gateway.New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return srv.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	cmd.SetErr(io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestSend_WatchModes(t *testing.T) {
	url := newServer(t)

	for _, mode := range []string{"none", "poll", "follow"} {
		t.Run(mode, func(t *testing.T) {
			out, err := run(t, "--url", url, "--interval", "5ms", "send", "--id", "conv-"+mode, "--watch", mode, "hello there")
			require.NoError(t, err)
			assert.Contains(t, out, "conversation conv-"+mode)
			assert.Contains(t, out, "hello there\n[done ", "the whole reply is printed before the result marker")
		})
	}
}

func TestSend_UnknownWatchMode(t *testing.T) {
	url := newServer(t)
	_, err := run(t, "--url", url, "send", "--watch", "sideways", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown watch mode")
}

func TestPollAndFollow_FinishedConversation(t *testing.T) {
	url := newServer(t)
	_, err := run(t, "--url", url, "send", "--id", "done", "--watch", "none", "all done")
	require.NoError(t, err)

	out, err := run(t, "--url", url, "poll", "done")
	require.NoError(t, err)
	assert.Contains(t, out, "[done ")

	out, err = run(t, "--url", url, "follow", "done")
	require.NoError(t, err)
	assert.Contains(t, out, "[done ")
}

func TestPoll_NotFound(t *testing.T) {
	url := newServer(t)
	_, err := run(t, "--url", url, "--interval", "1ms", "poll", "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestDelete(t *testing.T) {
	url := newServer(t)
	_, err := run(t, "--url", url, "send", "--id", "gone", "--watch", "none", "bye")
	require.NoError(t, err)

	out, err := run(t, "--url", url, "delete", "gone")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ gone deleted")

	_, err = run(t, "--url", url, "delete", "gone")
	assert.Error(t, err)
}

func TestReplyPrinter_CompletesFromResult(t *testing.T) {
	color.NoColor = true
	result := &client.Delta{Kind: client.KindResult, Result: &provider.Result{ID: "r1", Text: "hello there"}}

	tests := []struct {
		name     string
		partials []string
		want     string
	}{
		{"tail from result", []string{"hello "}, "hello there\n[done r1]\n"},
		{"nothing printed yet", nil, "hello there\n[done r1]\n"},
		{"everything printed", []string{"hello ", "there"}, "hello there\n[done r1]\n"},
		{"diverging partials", []string{"bye"}, "bye\nhello there\n[done r1]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := &replyPrinter{out: &out}
			for _, text := range tt.partials {
				p.partial(text)
			}
			require.NoError(t, p.finish(result))
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestReplyPrinter_Error(t *testing.T) {
	var out bytes.Buffer
	p := &replyPrinter{out: &out}
	p.partial("half")

	err := p.finish(&client.Delta{Kind: client.KindError, Err: &client.RecordError{Code: 502, Message: "upstream"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, "half\n", out.String())
}
