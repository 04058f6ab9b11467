// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	busPublished     prometheus.Counter
	busDropped       prometheus.Counter
	busHandlerErrors prometheus.Counter
	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	sendErrors       *prometheus.CounterVec
	pollCycles       *prometheus.CounterVec

	// Histograms (seconds)
	pollDuration prometheus.Observer

	// Gauges
	busQueueDepth  prometheus.Gauge
	connectorState *prometheus.GaugeVec
	relayConnected *prometheus.GaugeVec
)

// Init registers metrics (idempotent). Packages tolerate a missing Init so
// unit tests can run without touching the default registry.
func Init() {
	once.Do(func() {
		busPublished = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbridge_bus_events_published_total", Help: "Events accepted onto the bus queue"})
		busDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbridge_bus_events_dropped_total", Help: "Events dropped because the bus queue was full or closed"})
		busHandlerErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbridge_bus_handler_errors_total", Help: "Handler panics recovered at the bus dispatch boundary"})
		messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatbridge_messages_received_total", Help: "Inbound chat messages normalized per platform"}, []string{"platform"})
		messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatbridge_messages_sent_total", Help: "Outbound messages delivered per platform"}, []string{"platform"})
		sendErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatbridge_send_errors_total", Help: "Outbound send failures per platform"}, []string{"platform"})
		pollCycles = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatbridge_poll_cycles_total", Help: "Poll cycles per platform"}, []string{"platform"})
		pollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatbridge_poll_duration_seconds", Help: "Poll request duration seconds", Buckets: prometheus.DefBuckets})
		busQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatbridge_bus_queue_depth", Help: "Current number of queued bus events"})
		connectorState = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "chatbridge_connector_connected", Help: "Connector connected=1 otherwise 0"}, []string{"platform"})
		relayConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "chatbridge_relay_connected", Help: "Socket relay has an attached peer=1 otherwise 0"}, []string{"relay"})
	})
}

// IncBusPublished counts an accepted publish.
func IncBusPublished() {
	if busPublished != nil {
		busPublished.Inc()
	}
}

// IncBusDropped counts a dropped publish.
func IncBusDropped() {
	if busDropped != nil {
		busDropped.Inc()
	}
}

// IncBusHandlerError counts a recovered handler panic.
func IncBusHandlerError() {
	if busHandlerErrors != nil {
		busHandlerErrors.Inc()
	}
}

// SetBusQueueDepth records the current queue length.
func SetBusQueueDepth(n int) {
	if busQueueDepth != nil {
		busQueueDepth.Set(float64(n))
	}
}

// IncMessagesReceived counts one normalized inbound message for platform.
func IncMessagesReceived(platform string) {
	if messagesReceived != nil {
		messagesReceived.WithLabelValues(platform).Inc()
	}
}

// IncMessagesSent counts one delivered outbound message for platform.
func IncMessagesSent(platform string) {
	if messagesSent != nil {
		messagesSent.WithLabelValues(platform).Inc()
	}
}

// IncSendErrors counts one outbound send failure for platform.
func IncSendErrors(platform string) {
	if sendErrors != nil {
		sendErrors.WithLabelValues(platform).Inc()
	}
}

// IncPollCycles counts one poll cycle for platform.
func IncPollCycles(platform string) {
	if pollCycles != nil {
		pollCycles.WithLabelValues(platform).Inc()
	}
}

// SetConnectorConnected records whether a platform connector holds a live session.
func SetConnectorConnected(platform string, connected bool) {
	if connectorState == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	connectorState.WithLabelValues(platform).Set(v)
}

// SetRelayConnected records whether a socket relay has an attached peer.
func SetRelayConnected(relay string, connected bool) {
	if relayConnected == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	relayConnected.WithLabelValues(relay).Set(v)
}

// TimePoll measures the duration of fn and records it in the poll histogram.
func TimePoll(fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if pollDuration != nil {
		pollDuration.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
