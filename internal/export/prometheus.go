package export

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
	"github.com/instancehub/instancehub/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "instancehub"

// PromExporter mirrors each snapshot into Prometheus gauges on its own
// registry.
type PromExporter struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	sampleValue    *prometheus.GaugeVec
	sampleOK       *prometheus.GaugeVec
	alertStatus    *prometheus.GaugeVec
	reachable      *prometheus.GaugeVec
	serviceLatency *prometheus.GaugeVec
	alertsTotal    *prometheus.CounterVec
}

// NewPromExporter creates and registers the metrics.
func NewPromExporter(logger *slog.Logger) *PromExporter {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PromExporter{
		registry: reg,
		logger:   logger,
		sampleValue: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sample_value",
				Help:      "Latest successful sample value per metric",
			},
			[]string{"metric", "unit"},
		),
		sampleOK: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sample_ok",
				Help:      "1 if the latest sample succeeded, 0 otherwise",
			},
			[]string{"metric"},
		),
		alertStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "alert_status",
				Help:      "Alert status per metric (0=normal, 1=warning, 2=critical)",
			},
			[]string{"metric"},
		),
		reachable: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_reachable",
				Help:      "1 if the service passed its last health check",
			},
			[]string{"service", "kind"},
		),
		serviceLatency: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_latency_seconds",
				Help:      "Latency of the last successful health check",
			},
			[]string{"service", "kind"},
		),
		alertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Alert transitions by metric and target status",
			},
			[]string{"metric", "to"},
		),
	}
}

// Registry exposes the exporter's registry.
func (e *PromExporter) Registry() *prometheus.Registry { return e.registry }

// Observe updates every gauge from snap.
func (e *PromExporter) Observe(snap types.Snapshot) {
	for id, s := range snap.Samples {
		if s.OK {
			e.sampleOK.WithLabelValues(id).Set(1)
			e.sampleValue.WithLabelValues(id, string(s.Unit)).Set(s.Value)
		} else {
			e.sampleOK.WithLabelValues(id).Set(0)
		}
	}
	for id, st := range snap.Alerts {
		e.alertStatus.WithLabelValues(id).Set(float64(st.Status))
	}
	for id, r := range snap.HealthReports {
		if r.Reachable {
			e.reachable.WithLabelValues(id, r.Kind).Set(1)
		} else {
			e.reachable.WithLabelValues(id, r.Kind).Set(0)
		}
		if r.Latency != nil {
			e.serviceLatency.WithLabelValues(id, r.Kind).Set(r.Latency.Seconds())
		}
	}
}

// ObserveAlert counts one transition.
func (e *PromExporter) ObserveAlert(a types.Alert) {
	e.alertsTotal.WithLabelValues(a.MetricID, a.To.String()).Inc()
}

// Handler serves the registry in the exposition format.
func (e *PromExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Run observes until ctx ends or both inputs close.
func (e *PromExporter) Run(ctx context.Context, snaps <-chan types.Snapshot, alerts <-chan types.Alert) {
	for snaps != nil || alerts != nil {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-snaps:
			if !ok {
				snaps = nil
				continue
			}
			e.Observe(s)
		case a, ok := <-alerts:
			if !ok {
				alerts = nil
				continue
			}
			e.ObserveAlert(a)
		}
	}
}

// Serve listens on addr and serves /metrics until ctx ends.
func (e *PromExporter) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	e.logger.Info("Serving Prometheus metrics", "addr", addr)

	select {
	case err := <-errCh:
		return hubErrors.WrapWithCode(err, hubErrors.ErrExport, "metrics server failed", "Check metrics_addr is free")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
