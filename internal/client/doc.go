// Package client is an HTTP client for the relay-gateway API.
//
// It wraps the three ways of reading a conversation:
//
//   - Send posts a message and waits for the result inline.
//   - SendStream posts with stream set; pair it with Poll to read progress.
//   - Follow consumes the server-side SSE relay.
//
// Polls are idempotent and retried with exponential backoff on transport
// errors and 5xx responses. Sends are never retried.
package client
