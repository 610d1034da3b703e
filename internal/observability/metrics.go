package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "racectl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "racectl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	deviceExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "racectl",
			Subsystem: "device",
			Name:      "exchanges_total",
			Help:      "Device command exchanges by command code and outcome.",
		},
		[]string{"command", "outcome"},
	)
	deviceExchangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "racectl",
			Subsystem: "device",
			Name:      "exchange_duration_seconds",
			Help:      "Device write+read round trip duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"command"},
	)
	deviceRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "racectl",
			Subsystem: "device",
			Name:      "retries_total",
			Help:      "Device exchanges repeated because the response was unexpected or failed.",
		},
		[]string{"command"},
	)
	lapEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "racectl",
			Subsystem: "race",
			Name:      "lap_events_total",
			Help:      "Decoded lap events by pilot index.",
		},
		[]string{"pilot"},
	)
	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "racectl",
			Subsystem: "livetime",
			Name:      "connections",
			Help:      "Open live timing WebSocket connections.",
		},
	)
	wsNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "racectl",
			Subsystem: "livetime",
			Name:      "notifications_total",
			Help:      "Notifications pushed to live timing clients by type.",
		},
		[]string{"type"},
	)
	linkConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "racectl",
			Subsystem: "device",
			Name:      "link_connected",
			Help:      "1 while the transponder link is connected.",
		},
	)
	linkConnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "racectl",
			Subsystem: "device",
			Name:      "connect_attempts_total",
			Help:      "Transponder link connect attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			deviceExchanges,
			deviceExchangeDuration,
			deviceRetries,
			lapEvents,
			wsConnections,
			wsNotifications,
			linkConnected,
			linkConnectAttempts,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordDeviceExchange(command string, err error, duration time.Duration) {
	RegisterMetrics()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	deviceExchanges.WithLabelValues(command, outcome).Inc()
	deviceExchangeDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func RecordDeviceRetry(command string) {
	RegisterMetrics()
	deviceRetries.WithLabelValues(command).Inc()
}

func RecordLapEvent(pilot int) {
	RegisterMetrics()
	lapEvents.WithLabelValues(strconv.Itoa(pilot)).Inc()
}

func AddConnections(delta int) {
	RegisterMetrics()
	wsConnections.Add(float64(delta))
}

func RecordNotification(kind string) {
	RegisterMetrics()
	wsNotifications.WithLabelValues(kind).Inc()
}

func SetLinkConnected(connected bool) {
	RegisterMetrics()
	if connected {
		linkConnected.Set(1)
		return
	}
	linkConnected.Set(0)
}

func RecordConnectAttempt(err error) {
	RegisterMetrics()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	linkConnectAttempts.WithLabelValues(outcome).Inc()
}
