// Package provider adapts chat backends to the single call the gateway needs:
// send one message, report each token as it arrives, return the final result.
//
// Two providers are available:
//
//   - OpenAI: streaming chat completions via go-openai, against OpenAI or any
//     compatible endpoint. History is kept in the key-value store so replies
//     can continue a thread by parentMessageId.
//   - Echo: returns the input word by word, for development and tests.
//
// Failures are reported as *Error. When the upstream returned an HTTP status
// it is available from ErrorCode.
package provider
