// ABOUTME: Prometheus instrumentation for the conversation core
// ABOUTME: Implements conversation.Metrics on a private registry served at metrics.path

package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/relay-gateway/internal/conversation"
)

// Metrics records conversation activity.
type Metrics struct {
	registry *prometheus.Registry

	tokensRecorded prometheus.Counter
	terminalWrites *prometheus.CounterVec
	deltaReads     *prometheus.CounterVec
	bootstrapWaits *prometheus.HistogramVec
	busyRejections prometheus.Counter
}

// NewMetrics registers the relay collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		tokensRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_tokens_recorded_total",
			Help: "Tokens appended to conversation records",
		}),
		terminalWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_terminal_writes_total",
			Help: "Terminal record writes by outcome",
		}, []string{"outcome"}),
		deltaReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_delta_reads_total",
			Help: "Polls answered by delta kind",
		}, []string{"kind"}),
		bootstrapWaits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_bootstrap_wait_seconds",
			Help:    "Time spent waiting for a conversation record to appear",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"result"}),
		busyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_busy_rejections_total",
			Help: "Sends rejected because the conversation already had a producer",
		}),
	}
	reg.MustRegister(
		m.tokensRecorded,
		m.terminalWrites,
		m.deltaReads,
		m.bootstrapWaits,
		m.busyRejections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) TokenRecorded() { m.tokensRecorded.Inc() }
func (m *Metrics) BusyRejected()  { m.busyRejections.Inc() }

func (m *Metrics) TerminalWritten(outcome string) {
	m.terminalWrites.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DeltaRead(kind conversation.DeltaKind) {
	m.deltaReads.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) BootstrapWait(elapsed time.Duration, err error) {
	result := "found"
	switch {
	case errors.Is(err, conversation.ErrWaitTimeout):
		result = "timeout"
	case err != nil:
		result = "cancelled"
	}
	m.bootstrapWaits.WithLabelValues(result).Observe(elapsed.Seconds())
}

var _ conversation.Metrics = (*Metrics)(nil)
