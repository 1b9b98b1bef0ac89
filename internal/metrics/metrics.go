// Package metrics exposes agent counters and gauges over Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent's instruments on a private registry so tests
// never collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	Cycles        prometheus.Counter
	Events        *prometheus.CounterVec
	FlapTrips     prometheus.Counter
	UploadRetries prometheus.Counter
	Rollbacks     prometheus.Counter
	QueueDepth    prometheus.Gauge
	QueueExhaust  prometheus.Gauge
	OpenTickets   prometheus.Gauge
}

// New builds the instrument set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Cycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftmend_cycles_total",
			Help: "Completed detection cycles.",
		}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "driftmend_events_total",
			Help: "Drift events handled, by remediation tier and outcome.",
		}, []string{"tier", "outcome"}),
		FlapTrips: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftmend_flap_trips_total",
			Help: "Flap breaker trips forcing escalation.",
		}),
		UploadRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftmend_upload_retries_total",
			Help: "Evidence upload attempts that failed and were requeued.",
		}),
		Rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftmend_update_rollbacks_total",
			Help: "A/B updates rolled back after failed verification.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "driftmend_queue_pending",
			Help: "Evidence bundles awaiting upload.",
		}),
		QueueExhaust: factory.NewGauge(prometheus.GaugeOpts{
			Name: "driftmend_queue_exhausted",
			Help: "Evidence bundles past the retry budget, retained for operator review.",
		}),
		OpenTickets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "driftmend_tickets_open",
			Help: "Escalation tickets awaiting human action.",
		}),
	}
}

// Serve exposes /metrics on addr until ctx is cancelled. An empty addr
// disables the listener.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
