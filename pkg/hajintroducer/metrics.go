package hajintroducer

import (
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	hubEvents        *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	announcements    prometheus.Gauge
	subscriptions    prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "haj_introducer_http_requests_total",
			Help: "HTTP server's handled requests",
		}, []string{"code", "method"}),
		hubEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "haj_introducer_events_total",
			Help: "Hub's debug counters (inbound_message, inbound_duplicate, ..)",
		}, []string{"event"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haj_introducer_delivery_failures_total",
			Help: "Failed deliveries to subscribers",
		}),
		announcements: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "haj_introducer_announcements",
			Help: "Announcements currently held",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "haj_introducer_subscriptions",
			Help: "Active subscriptions",
		}),
	}

	// pre-create, so scrapes show zeroes instead of missing series
	for _, counter := range allCounters {
		m.hubEvents.WithLabelValues(counter)
	}

	m.registry.MustRegister(
		m.httpRequests,
		m.hubEvents,
		m.deliveryFailures,
		m.announcements,
		m.subscriptions)

	return m
}

func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instruments a HTTP handler
func (m *Metrics) WrapHTTPServer(actual http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := httpsnoop.CaptureMetrics(actual, w, r)

		m.httpRequests.With(prometheus.Labels{
			"code":   strconv.Itoa(stats.Code),
			"method": r.Method,
		}).Inc()
	})
}

func (m *Metrics) countHubEvent(event string, delta int64) {
	m.hubEvents.WithLabelValues(event).Add(float64(delta))
}

func (m *Metrics) deliveryFailed() {
	m.deliveryFailures.Inc()
}

func (m *Metrics) observeHub(announcements int, subscriptions int) {
	m.announcements.Set(float64(announcements))
	m.subscriptions.Set(float64(subscriptions))
}
