// Package gateway serves the relay-gateway HTTP API.
//
// # Overview
//
// The Gateway owns the key-value store, the chat provider, and the
// conversation service, and exposes them over a chi router. It listens on a
// plain TCP address or, when tailscale is enabled, on a tsnet node.
//
// # HTTP API
//
//   - POST /conversation/{conversationID} - start a producer for a message
//   - GET /conversation/{conversationID}/{nextID} - poll for progress (nextID defaults to 0)
//   - GET /conversation/{conversationID}/events?next=N - relay progress as SSE
//   - DELETE /conversation/{conversationID} - remove a finished record
//   - GET /health - liveness
//   - GET /health/ready - store round trip
//   - GET /metrics - Prometheus metrics (when metrics.enabled)
//
// # Sending
//
// The request body is:
//
//	{"message": "hi", "conversationId": "...", "parentMessageId": "...", "stream": false}
//
// Without stream, the response is the provider result, or {"error": msg} with
// the provider's status code (503 when it has none). With stream, the response
// is held open with SSE keepalive comments and no payload until the terminal
// record is written; clients read content from the poll endpoint. A second
// send for a conversation whose producer is still running gets 409.
//
// # Polling
//
// Each poll returns exactly one of:
//
//	{"id": 2, "data": "Hello"}                          // partial; poll again from id
//	{"id": "", "event": "result", "data": "{...}"}       // terminal result
//	{"id": "", "event": "error", "data": "{\"code\":...}"} // terminal error or unknown id (404)
//
// # Event Relay
//
// The events endpoint runs the same reads server-side:
//
//	event: delta
//	data: {"id":1,"data":"Hel"}
//
//	event: result
//	data: {"id":"","event":"result","data":"{...}"}
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown stops the HTTP server, waits for running producers to save their
// terminal records, then closes the store.
package gateway
