// Package metrics exposes Prometheus collectors that report relay activity.
//
// All methods are safe for concurrent use, and are no-ops on a nil [*Metrics].
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/database64128/tsrelay-go/tslog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tsrelay"

// Metrics holds the relay's collectors.
type Metrics struct {
	consumersActive  *prometheus.GaugeVec
	connectionsTotal *prometheus.CounterVec
	disconnects      *prometheus.CounterVec
	lagging          prometheus.Gauge
	upstreamBytes    prometheus.Counter
	upstreamReads    prometheus.Counter
	deliveredBytes   prometheus.Counter
	discardedBytes   prometheus.Counter
	handshakes       *prometheus.CounterVec
}

// MustNewMetrics constructs a [*Metrics] and registers its collectors with reg.
// Registration errors panic, which surfaces duplicate registrations early.
// A nil reg uses [prometheus.DefaultRegisterer].
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		consumersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumers_active",
			Help:      "Number of consumers currently receiving the stream.",
		}, []string{"kind"}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumers_connected_total",
			Help:      "Total number of consumers subscribed to the stream.",
		}, []string{"kind"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumers_disconnected_total",
			Help:      "Total number of consumers removed, by cause.",
		}, []string{"cause"}),
		lagging: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumers_lagging",
			Help:      "Number of consumers whose queue has grown past the low watermark.",
		}),
		upstreamBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "read_bytes_total",
			Help:      "Total number of bytes read from the producer.",
		}),
		upstreamReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "reads_total",
			Help:      "Total number of chunks read from the producer.",
		}),
		deliveredBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivered_bytes_total",
			Help:      "Total number of bytes written to consumers, including framing.",
		}),
		discardedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_bytes_total",
			Help:      "Total number of queued bytes dropped when consumers were removed.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by response status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.consumersActive,
		m.connectionsTotal,
		m.disconnects,
		m.lagging,
		m.upstreamBytes,
		m.upstreamReads,
		m.deliveredBytes,
		m.discardedBytes,
		m.handshakes,
	)
	return m
}

// ConsumerAdded records a new consumer of the given kind.
func (m *Metrics) ConsumerAdded(kind string) {
	if m == nil {
		return
	}
	m.consumersActive.WithLabelValues(kind).Inc()
	m.connectionsTotal.WithLabelValues(kind).Inc()
}

// ConsumerRemoved records the removal of a consumer, and the queued bytes it took with it.
func (m *Metrics) ConsumerRemoved(kind, cause string, discarded int) {
	if m == nil {
		return
	}
	m.consumersActive.WithLabelValues(kind).Dec()
	m.disconnects.WithLabelValues(cause).Inc()
	if discarded > 0 {
		m.discardedBytes.Add(float64(discarded))
	}
}

// LaggingChanged records a consumer entering or leaving the lagging state.
func (m *Metrics) LaggingChanged(lagging bool) {
	if m == nil {
		return
	}
	if lagging {
		m.lagging.Inc()
	} else {
		m.lagging.Dec()
	}
}

// UpstreamRead records a chunk read from the producer.
func (m *Metrics) UpstreamRead(n int) {
	if m == nil {
		return
	}
	m.upstreamReads.Inc()
	m.upstreamBytes.Add(float64(n))
}

// Delivered records bytes written to a consumer.
func (m *Metrics) Delivered(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.deliveredBytes.Add(float64(n))
}

// HTTPRequest records an HTTP request answered with the given status code text.
func (m *Metrics) HTTPRequest(status string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(status).Inc()
}

// Serve serves the collectors gathered by g at /metrics on addr until ctx is canceled.
// It returns once the listener is bound, reporting bind errors; serving errors are logged.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *tslog.Logger) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("Serving metrics", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Failed to serve metrics", tslog.Err(err))
		}
	}()

	return nil
}
