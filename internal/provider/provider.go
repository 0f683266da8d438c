// ABOUTME: Chat provider contract consumed by the conversation service
// ABOUTME: SendMessage streams tokens through OnProgress and returns the final result

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/relay-gateway/internal/store"
)

// Provider names accepted by New.
const (
	NameOpenAI = "openai"
	NameEcho   = "echo"
)

// SendOptions carries the continuation parameters of one call.
type SendOptions struct {
	// ConversationID groups messages on the provider side. Empty starts a new one.
	ConversationID string

	// ParentMessageID is the message this one replies to. Empty starts a fresh thread.
	ParentMessageID string

	// OnProgress is invoked once per token, in order, before SendMessage returns.
	OnProgress func(token string)
}

func (o SendOptions) progress(token string) {
	if o.OnProgress != nil {
		o.OnProgress(token)
	}
}

// Usage reports token accounting for a completed call.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Result is the provider's final response. It is persisted verbatim as the
// terminal payload of a conversation record.
type Result struct {
	ID              string `json:"id"`
	ConversationID  string `json:"conversationId"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	Role            string `json:"role"`
	Text            string `json:"text"`
	Model           string `json:"model,omitempty"`
	Usage           *Usage `json:"usage,omitempty"`
}

// Client is a chat provider.
type Client interface {
	SendMessage(ctx context.Context, text string, opts SendOptions) (*Result, error)
}

// Error is a provider failure. Code is an HTTP-style status when the
// upstream supplied one, zero otherwise.
type Error struct {
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("provider error (%d): %s", e.Code, e.Message)
	}
	return "provider error: " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode returns the upstream status code, or zero if none was attached.
func (e *Error) ErrorCode() int {
	return e.Code
}

// Config selects and configures a provider.
type Config struct {
	Name   string
	OpenAI OpenAIConfig
	Echo   EchoConfig

	// HistoryTTL bounds how long conversation history is kept in the store.
	HistoryTTL time.Duration
}

// New builds the provider named by cfg.Name. kv backs conversation history
// for providers that keep it.
func New(cfg Config, kv store.Store, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Name {
	case NameOpenAI:
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("provider %q requires an api key", cfg.Name)
		}
		return NewOpenAI(cfg.OpenAI, NewHistory(kv, cfg.HistoryTTL), logger), nil
	case NameEcho, "":
		return NewEcho(cfg.Echo), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}
