package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/historyd/internal/metrics"
)

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := metrics.NewPrometheusSink(reg)
	require.NoError(t, err)

	sink.RecordOperation("semanticindex", "search", "success", 20*time.Millisecond)
	sink.RecordOperation("semanticindex", "search", "success", 30*time.Millisecond)
	sink.RecordRetry("upsert")
	sink.RecordPrivacyViolation("semanticindex")
	sink.RecordFallback("service")
	sink.RecordCleanup("expire_old_sessions", "messages", 12)
	sink.SetIndexQueueDepth(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	assert.Equal(t, float64(2), testutil.ToFloat64(
		sinkCounter(t, reg, "historyd_operations_total")))
	assert.Equal(t, float64(12), testutil.ToFloat64(
		sinkCounter(t, reg, "historyd_cleanup_deleted_total")))
}

// sinkCounter re-gathers a single metric family as a collector-agnostic check.
func sinkCounter(t *testing.T, reg *prometheus.Registry, name string) prometheus.Collector {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: name})
			var total float64
			for _, m := range mf.GetMetric() {
				total += m.GetCounter().GetValue()
			}
			c.Add(total)
			return c
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := metrics.NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = metrics.NewPrometheusSink(reg)
	assert.Error(t, err)
}

func TestNopSink(t *testing.T) {
	var sink metrics.Sink = metrics.Nop{}
	sink.RecordOperation("a", "b", "success", time.Second)
	sink.RecordRetry("op")
	sink.RecordPrivacyViolation("a")
	sink.RecordFallback("a")
	sink.RecordCleanup("a", "b", 1)
	sink.SetIndexQueueDepth(0)
}
