// ABOUTME: Instrumentation hooks called by the recorder, reader, waiter and service
// ABOUTME: The gateway supplies a Prometheus implementation; the default does nothing

package conversation

import "time"

// Terminal outcomes reported to Metrics.TerminalWritten.
const (
	OutcomeResult = "result"
	OutcomeError  = "error"
)

// Metrics receives counters from the conversation core.
type Metrics interface {
	TokenRecorded()
	TerminalWritten(outcome string)
	DeltaRead(kind DeltaKind)
	BootstrapWait(elapsed time.Duration, err error)
	BusyRejected()
}

type nopMetrics struct{}

func (nopMetrics) TokenRecorded()                     {}
func (nopMetrics) TerminalWritten(string)             {}
func (nopMetrics) DeltaRead(DeltaKind)                {}
func (nopMetrics) BootstrapWait(time.Duration, error) {}
func (nopMetrics) BusyRejected()                      {}
