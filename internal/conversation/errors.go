// ABOUTME: Error taxonomy for the conversation service
// ABOUTME: Validation and provider failures are typed; lookup, wait and busy failures are sentinels

package conversation

import (
	"errors"
	"fmt"
	"net/http"
)

// DefaultErrorCode is recorded for provider failures that carry no status of their own.
const DefaultErrorCode = http.StatusServiceUnavailable

var (
	// ErrRecordNotFound is returned when no record exists for a conversation id.
	ErrRecordNotFound = errors.New("conversation not found")

	// ErrWaitTimeout is returned when a record does not appear within the bootstrap timeout.
	ErrWaitTimeout = errors.New("timed out waiting for conversation record")

	// ErrConversationBusy is returned when a producer is already running for the conversation.
	ErrConversationBusy = errors.New("conversation already has a response in progress")

	// ErrRecorderClosed is returned by a Recorder after its terminal write.
	ErrRecorderClosed = errors.New("recorder already closed")
)

// ValidationError reports missing or malformed input. It is raised before
// anything is written to the store.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ProviderError is a chat provider failure as persisted in the record.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider failed (%d): %s", e.Code, e.Message)
}

func (e *ProviderError) record() *RecordError {
	return &RecordError{Code: e.Code, Message: e.Message}
}

// codedError is implemented by errors that carry an HTTP-style status.
type codedError interface {
	ErrorCode() int
}

// asProviderError classifies err as a ProviderError, keeping any status the
// provider attached and falling back to DefaultErrorCode.
func asProviderError(err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	code := DefaultErrorCode
	var ce codedError
	if errors.As(err, &ce) && validStatus(ce.ErrorCode()) {
		code = ce.ErrorCode()
	}

	return &ProviderError{Code: code, Message: err.Error()}
}

func validStatus(code int) bool {
	return code >= 400 && code <= 599
}
