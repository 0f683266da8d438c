// ABOUTME: Echo provider that streams the input back word by word
// ABOUTME: Used for local development and tests where no upstream model is available

package provider

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EchoConfig configures the echo provider.
type EchoConfig struct {
	// TokenDelay is slept between tokens to mimic a real model.
	TokenDelay time.Duration
}

// Echo replies with the user's own text.
type Echo struct {
	delay time.Duration
}

// NewEcho creates an echo provider.
func NewEcho(cfg EchoConfig) *Echo {
	return &Echo{delay: cfg.TokenDelay}
}

// SendMessage streams text back one word at a time.
func (e *Echo) SendMessage(ctx context.Context, text string, opts SendOptions) (*Result, error) {
	conversationID := opts.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	for i, tok := range Tokenize(text) {
		if i > 0 && e.delay > 0 {
			select {
			case <-time.After(e.delay):
			case <-ctx.Done():
				return nil, &Error{Code: 504, Message: "echo interrupted", Err: ctx.Err()}
			}
		}
		opts.progress(tok)
	}

	return &Result{
		ID:              uuid.New().String(),
		ConversationID:  conversationID,
		ParentMessageID: opts.ParentMessageID,
		Role:            "assistant",
		Text:            text,
		Model:           NameEcho,
	}, nil
}

// Tokenize splits text into words, each keeping its trailing whitespace, so
// the tokens concatenate back to text exactly.
func Tokenize(text string) []string {
	var tokens []string
	start := 0
	inSpace := false
	for i, r := range text {
		isSpace := r == ' ' || r == '\n' || r == '\t'
		if inSpace && !isSpace {
			tokens = append(tokens, text[start:i])
			start = i
		}
		inSpace = isSpace
	}
	if start < len(text) {
		tokens = append(tokens, text[start:])
	}
	return tokens
}
