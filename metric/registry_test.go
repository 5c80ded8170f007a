package metric

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	require.NotNil(t, registry.PrometheusRegistry())
	require.NotNil(t, registry.CoreMetrics())
}

func TestRegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter_total",
		Help: "test counter",
	})

	err := registry.RegisterCounter("inserter", "test_counter", counter)
	require.NoError(t, err)

	// Duplicate registration under the same key must fail
	err = registry.RegisterCounter("inserter", "test_counter", counter)
	assert.Error(t, err)
}

func TestRegisterGaugeVec(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "test gauge",
	}, []string{"label"})

	err := registry.RegisterGaugeVec("subscriber", "test_gauge", gauge)
	require.NoError(t, err)
}

func TestUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "removable_total",
		Help: "removable",
	})

	require.NoError(t, registry.RegisterCounter("inserter", "removable", counter))
	assert.True(t, registry.Unregister("inserter", "removable"))
	assert.False(t, registry.Unregister("inserter", "removable"))

	// Re-registration after unregister succeeds
	require.NoError(t, registry.RegisterCounter("inserter", "removable", counter))
}

func TestCoreMetricsRecording(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordServiceStatus("inserter", 2)
	m.RecordMessageReceived("inserter", "payload")
	m.RecordMessageProcessed("inserter", "payload", "ok")
	m.RecordMessagePublished("subscriber", "notifications.device")
	m.RecordProcessingDuration("inserter", "update_entity", 10*time.Millisecond)
	m.RecordError("inserter", "broker")
	m.RecordHealthStatus("inserter", true)
	m.RecordBrokerRequest("create_entity", "201", 5*time.Millisecond)
	m.RecordNATSStatus(true)
	m.RecordNATSRTT(2 * time.Millisecond)
	m.RecordNATSReconnect()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["fiwarebridge_broker_requests_total"])
	assert.True(t, names["fiwarebridge_nats_connected"])
}
