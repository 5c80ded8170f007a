package subscription

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sosanzma/SPADE-FIWARE-Artifacts/metric"
)

type managerMetrics struct {
	notificationsReceived  prometheus.Counter
	notificationsForwarded prometheus.Counter
	notificationsFiltered  prometheus.Counter
	badNotifications       prometheus.Counter
	activeSubscriptions    prometheus.Gauge
}

func newManagerMetrics(registry *metric.MetricsRegistry) (*managerMetrics, error) {
	m := &managerMetrics{
		notificationsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiwarebridge",
			Subsystem: "subscriber",
			Name:      "notifications_received_total",
			Help:      "Total broker notifications accepted by the endpoint",
		}),
		notificationsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiwarebridge",
			Subsystem: "subscriber",
			Name:      "notifications_forwarded_total",
			Help:      "Total notifications forwarded to the messaging fabric",
		}),
		notificationsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiwarebridge",
			Subsystem: "subscriber",
			Name:      "notifications_filtered_total",
			Help:      "Total notifications dropped for touching no watched attribute",
		}),
		badNotifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiwarebridge",
			Subsystem: "subscriber",
			Name:      "bad_notifications_total",
			Help:      "Total notification callbacks rejected as unparseable",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fiwarebridge",
			Subsystem: "subscriber",
			Name:      "active_subscriptions",
			Help:      "Subscriptions currently registered with the broker",
		}),
	}

	counters := []struct {
		name    string
		counter prometheus.Counter
	}{
		{"notifications_received", m.notificationsReceived},
		{"notifications_forwarded", m.notificationsForwarded},
		{"notifications_filtered", m.notificationsFiltered},
		{"bad_notifications", m.badNotifications},
	}
	for _, reg := range counters {
		if err := registry.RegisterCounter("subscriber", reg.name, reg.counter); err != nil {
			return nil, err
		}
	}

	if err := registry.RegisterGauge("subscriber", "active_subscriptions", m.activeSubscriptions); err != nil {
		return nil, err
	}

	return m, nil
}
