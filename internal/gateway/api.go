// ABOUTME: HTTP API handlers for sending messages and polling their progress
// ABOUTME: POST starts a producer, GET returns deltas, /events relays them as SSE

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/relay-gateway/internal/conversation"
)

// SendMessageRequest is the JSON request body for POST /conversation/{conversationID}.
type SendMessageRequest struct {
	Message string `json:"message"`

	// ConversationID and ParentMessageID continue a provider-side thread.
	ConversationID  string `json:"conversationId,omitempty"`
	ParentMessageID string `json:"parentMessageId,omitempty"`

	// Stream holds the response open until the terminal record is written.
	// Content is read from the poll endpoint.
	Stream bool `json:"stream,omitempty"`
}

// PollResponse is the JSON response for GET /conversation/{conversationID}/{nextID}.
// ID is the next index to poll from for a partial, or "" for a terminal event.
type PollResponse struct {
	ID    any    `json:"id"`
	Event string `json:"event,omitempty"`
	Data  string `json:"data"`
}

const defaultKeepalive = 15 * time.Second

// SSE event names used by the relay.
const (
	eventDelta  = "delta"
	eventResult = "result"
	eventError  = "error"
)

// pollResponse converts a delta to its wire form.
func pollResponse(d *conversation.Delta) PollResponse {
	switch d.Kind {
	case conversation.DeltaResult:
		return PollResponse{ID: "", Event: eventResult, Data: string(d.Result)}
	case conversation.DeltaError, conversation.DeltaNotFound:
		data, _ := json.Marshal(d.Error)
		return PollResponse{ID: "", Event: eventError, Data: string(data)}
	default:
		return PollResponse{ID: d.Next, Data: d.Text}
	}
}

// handleSend handles POST /conversation/{conversationID}.
// Without stream the provider result (or its error) is returned inline. With
// stream the response stays open, carrying only keepalive comments, until the
// producer has written its terminal record.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	h, err := g.conversation.Send(r.Context(), &conversation.SendRequest{
		ConversationID:         chi.URLParam(r, "conversationID"),
		Message:                req.Message,
		ProviderConversationID: req.ConversationID,
		ParentMessageID:        req.ParentMessageID,
	})
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	if req.Stream {
		g.holdOpen(w, r, h)
		return
	}

	res, err := h.Wait(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			// Caller went away; the producer keeps running.
			return
		}
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

// holdOpen keeps a streaming send open until the producer finishes.
func (g *Gateway) holdOpen(w http.ResponseWriter, r *http.Request, h *conversation.Handle) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	interval := g.config.Streaming.KeepaliveInterval
	if interval <= 0 {
		interval = defaultKeepalive
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.Done():
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// handlePoll handles GET /conversation/{conversationID}/{nextID}.
// nextID defaults to 0. Unknown conversations answer 200 with an error
// event carrying code 404.
func (g *Gateway) handlePoll(w http.ResponseWriter, r *http.Request) {
	next, err := parseNext(chi.URLParam(r, "nextID"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := g.conversation.Read(r.Context(), chi.URLParam(r, "conversationID"), next)
	if err != nil {
		g.logger.Error("poll failed", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "failed to read conversation")
		return
	}
	g.writeJSON(w, http.StatusOK, pollResponse(d))
}

// handleEvents handles GET /conversation/{conversationID}/events?next=N.
// It relays deltas as server-sent events until a terminal event is sent.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	next, err := parseNext(r.URL.Query().Get("next"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id := chi.URLParam(r, "conversationID")
	err = g.conversation.Follow(r.Context(), id, next, func(d *conversation.Delta) error {
		resp := pollResponse(d)
		event := resp.Event
		if event == "" {
			event = eventDelta
		}
		if err := g.writeSSEEvent(w, event, resp); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		g.logger.Debug("event stream closed by client", "conversation_id", id)
	default:
		g.logger.Warn("event stream ended", "conversation_id", id, "error", err)
		_ = g.writeSSEEvent(w, eventError, PollResponse{ID: "", Event: eventError, Data: `{"code":503,"message":"relay interrupted"}`})
		flusher.Flush()
	}
}

// handleDelete handles DELETE /conversation/{conversationID}.
func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	rec, err := g.conversation.Delete(r.Context(), id)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"conversationId": id,
		"state":          rec.State(),
		"tokens":         len(rec.Tokens),
	})
}

// parseNext parses the poll index. Empty means 0.
func parseNext(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid nextID %q", raw)
	}
	return n, nil
}

// sendServiceError maps conversation errors onto HTTP statuses.
func (g *Gateway) sendServiceError(w http.ResponseWriter, err error) {
	var verr *conversation.ValidationError
	var perr *conversation.ProviderError
	switch {
	case errors.As(err, &verr):
		g.sendJSONError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, conversation.ErrConversationBusy):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, conversation.ErrRecordNotFound):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &perr):
		g.sendJSONError(w, perr.Code, perr.Message)
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, dataJSON)
	return err
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
