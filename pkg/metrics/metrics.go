// Package metrics exposes scheduler activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"speedtest-monitor/pkg/models"
)

// Metrics is safe to use as a nil pointer, in which case every method is a
// no-op.
type Metrics struct {
	cycles      *prometheus.CounterVec
	retries     prometheus.Counter
	sinkErrors  *prometheus.CounterVec
	download    prometheus.Gauge
	upload      prometheus.Gauge
	ping        prometheus.Gauge
	lastSuccess prometheus.Gauge
	duration    prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speedtest_cycles_total",
			Help: "Scheduler cycles by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "speedtest_measurement_retries_total",
			Help: "Measurement attempts repeated after a failure.",
		}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speedtest_sink_errors_total",
			Help: "Results a sink failed to record.",
		}, []string{"sink"}),
		download: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "speedtest_download_mbps",
			Help: "Download throughput of the last successful measurement.",
		}),
		upload: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "speedtest_upload_mbps",
			Help: "Upload throughput of the last successful measurement.",
		}),
		ping: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "speedtest_ping_ms",
			Help: "Latency of the last successful measurement.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "speedtest_last_success_timestamp_seconds",
			Help: "Unix time of the last successful measurement.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "speedtest_measurement_duration_seconds",
			Help:    "Wall time of a measurement including retries.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}

	reg.MustRegister(m.cycles, m.retries, m.sinkErrors, m.download, m.upload, m.ping, m.lastSuccess, m.duration)
	return m
}

func (m *Metrics) ObserveResult(r models.MeasurementResult, took time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues("success").Inc()
	m.download.Set(r.DownloadMbps)
	m.upload.Set(r.UploadMbps)
	m.ping.Set(r.PingMs)
	m.lastSuccess.Set(float64(r.Timestamp.Unix()))
	m.duration.Observe(took.Seconds())
}

func (m *Metrics) CycleFailed(took time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues("failed").Inc()
	m.duration.Observe(took.Seconds())
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) SinkFailed(sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(sink).Inc()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
