package inserter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sosanzma/SPADE-FIWARE-Artifacts/metric"
)

type artifactMetrics struct {
	payloadsReceived  prometheus.Counter
	payloadsDropped   prometheus.Counter
	entitiesCreated   prometheus.Counter
	entitiesUpdated   prometheus.Counter
	brokerErrors      prometheus.Counter
	reconcileDuration prometheus.Histogram
}

func newArtifactMetrics(registry *metric.MetricsRegistry) (*artifactMetrics, error) {
	m := &artifactMetrics{
		payloadsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiwarebridge",
			Subsystem: "inserter",
			Name:      "payloads_received_total",
			Help:      "Total agent payloads accepted into the reconcile queue",
		}),
		payloadsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiwarebridge",
			Subsystem: "inserter",
			Name:      "payloads_dropped_total",
			Help:      "Total payloads dropped (malformed or queue full)",
		}),
		entitiesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiwarebridge",
			Subsystem: "inserter",
			Name:      "entities_created_total",
			Help:      "Total entities created in the context broker",
		}),
		entitiesUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiwarebridge",
			Subsystem: "inserter",
			Name:      "entities_updated_total",
			Help:      "Total entities updated in the context broker",
		}),
		brokerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiwarebridge",
			Subsystem: "inserter",
			Name:      "broker_errors_total",
			Help:      "Total broker operation failures during reconciliation",
		}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fiwarebridge",
			Subsystem: "inserter",
			Name:      "reconcile_duration_seconds",
			Help:      "Per-payload reconciliation duration",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	counters := []struct {
		name    string
		counter prometheus.Counter
	}{
		{"payloads_received", m.payloadsReceived},
		{"payloads_dropped", m.payloadsDropped},
		{"entities_created", m.entitiesCreated},
		{"entities_updated", m.entitiesUpdated},
		{"broker_errors", m.brokerErrors},
	}
	for _, reg := range counters {
		if err := registry.RegisterCounter("inserter", reg.name, reg.counter); err != nil {
			return nil, err
		}
	}

	if err := registry.RegisterHistogram("inserter", "reconcile_duration", m.reconcileDuration); err != nil {
		return nil, err
	}

	return m, nil
}
