package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "accessgrid"

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	devicePasses        *prometheus.CounterVec
	devicePassDuration  *prometheus.HistogramVec
	accountOps          *prometheus.CounterVec
	incidentEvents      *prometheus.CounterVec
	interfaceBps        *prometheus.GaugeVec
}

// New creates a fresh Metrics registry with HTTP and control-loop metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by core-go",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by core-go",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	devicePasses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "device_passes_total",
		Help:      "Per-device pipeline passes by trigger and result",
	}, []string{"trigger", "result"})

	devicePassDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "device_pass_duration_seconds",
		Help:      "Duration of one per-device pipeline pass",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"trigger"})

	accountOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "account_ops_total",
		Help:      "PPPoE account operations pushed to routers",
	}, []string{"op", "result"})

	incidentEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "incident_events_total",
		Help:      "Incident lifecycle events by fault type",
	}, []string{"fault_type", "event"})

	interfaceBps := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "interface_bits_per_second",
		Help:      "Latest known interface throughput",
	}, []string{"device_id", "interface", "direction"})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		devicePasses,
		devicePassDuration,
		accountOps,
		incidentEvents,
		interfaceBps,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		devicePasses:        devicePasses,
		devicePassDuration:  devicePassDuration,
		accountOps:          accountOps,
		incidentEvents:      incidentEvents,
		interfaceBps:        interfaceBps,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// ObserveDevicePass records one pass of the per-device pipeline.
func (m *Metrics) ObserveDevicePass(trigger, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.devicePasses.WithLabelValues(trigger, result).Inc()
	m.devicePassDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

func (m *Metrics) IncAccountOp(op, result string) {
	if m == nil {
		return
	}
	m.accountOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) IncIncidentEvent(faultType, event string) {
	if m == nil {
		return
	}
	m.incidentEvents.WithLabelValues(faultType, event).Inc()
}

// SetInterfaceRate publishes a known rate. Unknown rates remove the series so
// dashboards show a gap instead of a misleading zero.
func (m *Metrics) SetInterfaceRate(deviceID, iface, direction string, bps int64, known bool) {
	if m == nil {
		return
	}
	if !known {
		m.interfaceBps.DeleteLabelValues(deviceID, iface, direction)
		return
	}
	m.interfaceBps.WithLabelValues(deviceID, iface, direction).Set(float64(bps))
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
