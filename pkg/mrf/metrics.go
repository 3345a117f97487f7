package mrf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig конфигурация метрик медиа сервера
type MetricsConfig struct {
	// Registerer регистратор Prometheus. nil отключает регистрацию,
	// метрики при этом продолжают считаться.
	Registerer prometheus.Registerer

	// Namespace префикс для Prometheus метрик
	Namespace string
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Namespace: "fsmrf"}
}

// metrics набор метрик одного MediaServer
type metrics struct {
	pendingConnections prometheus.Gauge
	matchedConnections prometheus.Counter
	timedOut           prometheus.Counter
	rejected           prometheus.Counter
	activeEndpoints    prometheus.Gauge
	activeConferences  prometheus.Gauge

	maxSessions     prometheus.Gauge
	currentSessions prometheus.Gauge
	sessionsPerSec  prometheus.Gauge
	idleCPU         prometheus.Gauge
}

// newMetrics создает метрики с меткой media_server=address
func newMetrics(cfg MetricsConfig, address string) *metrics {
	var reg prometheus.Registerer
	if cfg.Registerer != nil {
		reg = prometheus.WrapRegistererWith(prometheus.Labels{"media_server": address}, cfg.Registerer)
	}
	f := promauto.With(reg)
	ns := cfg.Namespace

	return &metrics{
		pendingConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "pending_connections",
			Help:      "Number of outbound INVITEs waiting for their event socket connection",
		}),
		matchedConnections: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "matched_connections_total",
			Help:      "Total number of pending connections matched into endpoints",
		}),
		timedOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connection_timeouts_total",
			Help:      "Total number of pending connections that timed out",
		}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rejected_connections_total",
			Help:      "Total number of inbound connections rejected for an unknown token",
		}),
		activeEndpoints: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "endpoints_active",
			Help:      "Number of endpoints not yet disconnected",
		}),
		activeConferences: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "conferences_active",
			Help:      "Number of conferences owned by this controller",
		}),
		maxSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "server_max_sessions",
			Help:      "Max-Sessions reported by the last HEARTBEAT",
		}),
		currentSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "server_sessions",
			Help:      "Session-Count reported by the last HEARTBEAT",
		}),
		sessionsPerSec: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "server_sessions_per_second",
			Help:      "Session-Per-Sec reported by the last HEARTBEAT",
		}),
		idleCPU: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "server_idle_cpu",
			Help:      "Idle-CPU reported by the last HEARTBEAT",
		}),
	}
}
