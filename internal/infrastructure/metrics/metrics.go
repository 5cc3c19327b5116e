// Package metrics exposes Prometheus collectors for locker ingestion and
// command dispatch.
//
// All recording methods are safe on a nil *Metrics, so components can be
// built without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parcelhub"

// Report outcomes.
const (
	ReportApplied   = "applied"
	ReportStale     = "stale"
	ReportMalformed = "malformed"
	ReportFailed    = "failed"
)

// Metrics holds the service's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	reports         *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	pending         prometheus.Gauge
	boxes           *prometheus.GaugeVec
	mqttConnected   prometheus.Gauge
	wsClients       prometheus.Gauge
}

// New registers all collectors plus the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_reports_total",
			Help:      "Locker status reports received, by outcome.",
		}, []string{"outcome"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands dispatched to lockers, by action and outcome.",
		}, []string{"action", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from publish to response or timeout.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"action"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commands_pending",
			Help:      "Commands awaiting a device response.",
		}),
		boxes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locker_boxes",
			Help:      "Boxes per locker by occupancy state.",
		}, []string{"locker_id", "state"}),
		mqttConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connected",
			Help:      "1 while the broker session is up.",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected WebSocket clients.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.reports,
		m.commands,
		m.commandDuration,
		m.pending,
		m.boxes,
		m.mqttConnected,
		m.wsClients,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveReport(outcome string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(outcome).Inc()
}

// ObserveCommand records a finished command.
func (m *Metrics) ObserveCommand(action, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(action, outcome).Inc()
	m.commandDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (m *Metrics) SetPendingCommands(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// SetLockerBoxes publishes a locker's occupancy counters.
func (m *Metrics) SetLockerBoxes(lockerID string, total, occupied, full int) {
	if m == nil {
		return
	}
	m.boxes.WithLabelValues(lockerID, "total").Set(float64(total))
	m.boxes.WithLabelValues(lockerID, "occupied").Set(float64(occupied))
	m.boxes.WithLabelValues(lockerID, "full").Set(float64(full))
}

// DeleteLocker drops a removed locker's series.
func (m *Metrics) DeleteLocker(lockerID string) {
	if m == nil {
		return
	}
	m.boxes.DeletePartialMatch(prometheus.Labels{"locker_id": lockerID})
}

func (m *Metrics) SetMQTTConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.mqttConnected.Set(1)
	} else {
		m.mqttConnected.Set(0)
	}
}

func (m *Metrics) SetWebSocketClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}
