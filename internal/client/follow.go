// ABOUTME: SSE consumer for the gateway's event relay
// ABOUTME: Parses event/data frames into Deltas and stops at the terminal event

package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Follow subscribes to the relay for id starting after next and calls
// onDelta for every event. It returns once a terminal delta has been
// delivered, the stream ends, or ctx is canceled.
func (c *Client) Follow(ctx context.Context, id string, next int, onDelta func(*Delta)) (*Delta, error) {
	u := c.conversationURL(id, "events") + "?next=" + strconv.Itoa(next)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("opening event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorResponse(resp)
	}
	return parseEventStream(ctx, resp.Body, onDelta)
}

// sseEvent is one parsed frame.
type sseEvent struct {
	Type string
	Data string
}

// parseEventStream reads SSE frames from body until a terminal delta.
func parseEventStream(ctx context.Context, body io.Reader, onDelta func(*Delta)) (*Delta, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventType != "" && len(dataLines) > 0 {
				d, err := decodeEvent(sseEvent{Type: eventType, Data: strings.Join(dataLines, "\n")})
				if err != nil {
					return nil, err
				}
				if onDelta != nil {
					onDelta(d)
				}
				if d.Terminal() {
					return d, nil
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading SSE stream: %w", err)
	}
	return nil, io.ErrUnexpectedEOF
}

// decodeEvent converts a relay frame into a Delta. Frames carry the same
// JSON as a poll response.
func decodeEvent(ev sseEvent) (*Delta, error) {
	var pr pollResponse
	if err := json.Unmarshal([]byte(ev.Data), &pr); err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", ev.Type, err)
	}
	return decodeDelta(&pr)
}
