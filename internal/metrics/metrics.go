// Package metrics defines the sink interface injected into every component,
// plus Prometheus and no-op implementations. Components never touch a global
// registry; the sink is constructed once at startup and passed in.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives counters and timers from the chat history engine.
type Sink interface {
	// RecordOperation records one completed operation with its outcome.
	// Result is "success" or "error".
	RecordOperation(component, op, result string, elapsed time.Duration)

	// RecordRetry counts one retry attempt for an index operation.
	RecordRetry(op string)

	// RecordPrivacyViolation counts a detected session isolation violation.
	RecordPrivacyViolation(component string)

	// RecordFallback counts a degraded (empty-result) response.
	RecordFallback(component string)

	// RecordCleanup records rows removed by a retention operation.
	RecordCleanup(op, kind string, deleted int)

	// SetIndexQueueDepth reports the current depth of the async index queue.
	SetIndexQueueDepth(depth int)
}

// PrometheusSink implements Sink backed by a caller-supplied registry.
type PrometheusSink struct {
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	retries           *prometheus.CounterVec
	privacyViolations *prometheus.CounterVec
	fallbacks         *prometheus.CounterVec
	cleanupDeleted    *prometheus.CounterVec
	indexQueueDepth   prometheus.Gauge
}

// NewPrometheusSink creates a sink and registers its collectors with reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "historyd",
			Name:      "operations_total",
			Help:      "Completed operations by component, operation, and result",
		}, []string{"component", "op", "result"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "historyd",
			Name:      "operation_duration_seconds",
			Help:      "Operation latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component", "op"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "historyd",
			Name:      "index_retries_total",
			Help:      "Retry attempts by index operation",
		}, []string{"op"}),
		privacyViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "historyd",
			Name:      "privacy_violations_total",
			Help:      "Detected session isolation violations",
		}, []string{"component"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "historyd",
			Name:      "fallbacks_total",
			Help:      "Degraded responses returned instead of errors",
		}, []string{"component"}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "historyd",
			Name:      "cleanup_deleted_total",
			Help:      "Rows and points removed by retention operations",
		}, []string{"op", "kind"}),
		indexQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "historyd",
			Name:      "index_queue_depth",
			Help:      "Current depth of the asynchronous index queue",
		}),
	}

	collectors := []prometheus.Collector{
		s.operations, s.operationDuration, s.retries,
		s.privacyViolations, s.fallbacks, s.cleanupDeleted, s.indexQueueDepth,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PrometheusSink) RecordOperation(component, op, result string, elapsed time.Duration) {
	s.operations.WithLabelValues(component, op, result).Inc()
	s.operationDuration.WithLabelValues(component, op).Observe(elapsed.Seconds())
}

func (s *PrometheusSink) RecordRetry(op string) {
	s.retries.WithLabelValues(op).Inc()
}

func (s *PrometheusSink) RecordPrivacyViolation(component string) {
	s.privacyViolations.WithLabelValues(component).Inc()
}

func (s *PrometheusSink) RecordFallback(component string) {
	s.fallbacks.WithLabelValues(component).Inc()
}

func (s *PrometheusSink) RecordCleanup(op, kind string, deleted int) {
	s.cleanupDeleted.WithLabelValues(op, kind).Add(float64(deleted))
}

func (s *PrometheusSink) SetIndexQueueDepth(depth int) {
	s.indexQueueDepth.Set(float64(depth))
}

// Nop is a Sink that discards everything. Used in tests and as a default.
type Nop struct{}

func (Nop) RecordOperation(string, string, string, time.Duration) {}
func (Nop) RecordRetry(string)                                    {}
func (Nop) RecordPrivacyViolation(string)                         {}
func (Nop) RecordFallback(string)                                 {}
func (Nop) RecordCleanup(string, string, int)                     {}
func (Nop) SetIndexQueueDepth(int)                                {}

var (
	_ Sink = (*PrometheusSink)(nil)
	_ Sink = Nop{}
)
