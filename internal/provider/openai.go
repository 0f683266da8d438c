// ABOUTME: OpenAI-compatible provider built on go-openai streaming chat completions
// ABOUTME: Works against OpenAI itself or any compatible endpoint such as OpenRouter

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig holds the settings for the OpenAI provider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string

	// Referrer and Title are sent as HTTP-Referer and X-Title (used by OpenRouter).
	Referrer string
	Title    string
}

// OpenAI streams chat completions and keeps the thread in a History.
type OpenAI struct {
	client       *openai.Client
	model        string
	systemPrompt string
	history      *History
	logger       *slog.Logger
}

type headerTransport struct {
	rt      http.RoundTripper
	headers http.Header
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cl := req.Clone(req.Context())
	for k, vs := range t.headers {
		for _, v := range vs {
			cl.Header.Add(k, v)
		}
	}
	return t.rt.RoundTrip(cl)
}

// NewOpenAI creates the provider.
func NewOpenAI(cfg OpenAIConfig, history *History, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.Referrer != "" || cfg.Title != "" {
		h := http.Header{}
		if cfg.Referrer != "" {
			h.Set("HTTP-Referer", cfg.Referrer)
		}
		if cfg.Title != "" {
			h.Set("X-Title", cfg.Title)
		}
		config.HTTPClient = &http.Client{Transport: headerTransport{rt: http.DefaultTransport, headers: h}}
	}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	return &OpenAI{
		client:       openai.NewClientWithConfig(config),
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		history:      history,
		logger:       logger.With("component", "provider", "provider", NameOpenAI),
	}
}

// SendMessage sends text as a new user turn and streams the reply.
func (p *OpenAI) SendMessage(ctx context.Context, text string, opts SendOptions) (*Result, error) {
	conversationID := opts.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	thread, err := p.history.Thread(ctx, opts.ParentMessageID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	userMsg := &Message{
		ID:              uuid.New().String(),
		ConversationID:  conversationID,
		ParentMessageID: opts.ParentMessageID,
		Role:            openai.ChatMessageRoleUser,
		Text:            text,
	}

	req := openai.ChatCompletionRequest{
		Model:         p.model,
		Messages:      p.buildMessages(thread, userMsg),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	defer stream.Close()

	var (
		b     strings.Builder
		usage *Usage
		model = p.model
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, wrapOpenAIError(err)
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			b.WriteString(choice.Delta.Content)
			opts.progress(choice.Delta.Content)
		}
	}

	reply := &Message{
		ID:              uuid.New().String(),
		ConversationID:  conversationID,
		ParentMessageID: userMsg.ID,
		Role:            openai.ChatMessageRoleAssistant,
		Text:            b.String(),
	}

	// History is best effort; a lost turn only shortens future context.
	if err := p.history.Save(ctx, userMsg); err != nil {
		p.logger.Warn("failed to save user message", "error", err)
	} else if err := p.history.Save(ctx, reply); err != nil {
		p.logger.Warn("failed to save reply", "error", err)
	}

	return &Result{
		ID:              reply.ID,
		ConversationID:  conversationID,
		ParentMessageID: userMsg.ID,
		Role:            reply.Role,
		Text:            reply.Text,
		Model:           model,
		Usage:           usage,
	}, nil
}

func (p *OpenAI) buildMessages(thread []*Message, next *Message) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(thread)+2)
	if p.systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.systemPrompt})
	}
	for _, m := range thread {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Text})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: next.Role, Content: next.Text})
}

// wrapOpenAIError lifts the upstream HTTP status into an *Error.
func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Code: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Code: reqErr.HTTPStatusCode, Message: reqErr.Error(), Err: err}
	}
	return &Error{Message: err.Error(), Err: err}
}
