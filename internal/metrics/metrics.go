// Package metrics exposes Prometheus counters for the rotation loop and
// an optional /metrics HTTP listener.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registry and the instruments the bot updates.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal      *prometheus.CounterVec
	RequestsTotal    prometheus.Counter
	WeightTotal      prometheus.Counter
	ConversionsTotal *prometheus.CounterVec
	GuardTriggers    *prometheus.CounterVec
	EquityUSDT       prometheus.Gauge
}

// New builds a registry with all instruments registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotator_cycles_total",
			Help: "Completed cycles by region and result.",
		}, []string{"region", "result"}),
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rotator_api_requests_total",
			Help: "Binance API requests issued.",
		}),
		WeightTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rotator_api_weight_total",
			Help: "Accumulated Binance endpoint weight.",
		}),
		ConversionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotator_conversions_total",
			Help: "Convert orders by outcome.",
		}, []string{"outcome"}),
		GuardTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotator_guard_triggers_total",
			Help: "Drawdown guard activations by rule.",
		}, []string{"rule"}),
		EquityUSDT: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rotator_equity_usdt",
			Help: "Last observed portfolio equity in USDT.",
		}),
	}
	m.registry.MustRegister(
		m.CyclesTotal,
		m.RequestsTotal,
		m.WeightTotal,
		m.ConversionsTotal,
		m.GuardTriggers,
		m.EquityUSDT,
	)
	return m
}

// ObserveCycle records one cycle's request accounting.
func (m *Metrics) ObserveCycle(region, result string, requests, weight int) {
	m.CyclesTotal.WithLabelValues(region, result).Inc()
	m.RequestsTotal.Add(float64(requests))
	m.WeightTotal.Add(float64(weight))
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics listener until ctx is canceled.
func (m *Metrics) Serve(ctx context.Context, listen string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", "addr", listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
