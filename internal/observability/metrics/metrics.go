// Package metrics 以 Prometheus 格式暴露状态流转、网关调用、后台巡检与 HTTP 请求指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"IntentMesh/internal/market"
	"IntentMesh/internal/settlement"
)

const namespace = "intentmesh"

// Metrics 持有全部指标，使用独立的 Registry，便于测试时隔离。
type Metrics struct {
	registry *prometheus.Registry

	transitions       *prometheus.CounterVec
	gatewayCalls      *prometheus.CounterVec
	gatewayLatency    *prometheus.HistogramVec
	sweepRuns         *prometheus.CounterVec
	sweepItems        *prometheus.CounterVec
	reconcileFailures prometheus.Counter
	httpRequests      *prometheus.CounterVec
	httpErrors        *prometheus.CounterVec
	httpLatency       *prometheus.HistogramVec
}

// New 创建并注册全部指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Committed entity status transitions.",
		}, []string{"entity", "from", "to"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Settlement gateway transfers by target status and outcome.",
		}, []string{"op", "outcome"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Settlement gateway transfer latency including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Background sweep job executions.",
		}, []string{"job", "outcome"}),
		sweepItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_items_total",
			Help:      "Items handled by background sweep jobs.",
		}, []string{"job"}),
		reconcileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_reconcile_failures_total",
			Help:      "Escrows whose ledger did not reconcile with their status.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions, m.gatewayCalls, m.gatewayLatency,
		m.sweepRuns, m.sweepItems, m.reconcileFailures,
		m.httpRequests, m.httpErrors, m.httpLatency,
	)
	return m
}

// Registry 返回底层 Registry。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTransition 记录一次状态流转，签名与 market.WithObserver 一致。
func (m *Metrics) ObserveTransition(event market.StatusEvent) {
	m.transitions.WithLabelValues(string(event.Entity), event.From, event.To).Inc()
}

// ObserveGatewayCall 记录一次网关调用，签名与 escrow.CallObserver 一致。
func (m *Metrics) ObserveGatewayCall(op market.EscrowStatus, err error, elapsed time.Duration) {
	m.gatewayCalls.WithLabelValues(string(op), gatewayOutcome(err)).Inc()
	m.gatewayLatency.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

func gatewayOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case settlement.IsUnavailable(err):
		return "unavailable"
	case settlement.IsDeclined(err):
		return "declined"
	default:
		return "error"
	}
}

// ObserveSweep 记录一次巡检任务，签名与 sweep.JobObserver 一致。
func (m *Metrics) ObserveSweep(job string, n int, err error, _ time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.sweepRuns.WithLabelValues(job, outcome).Inc()
	m.sweepItems.WithLabelValues(job).Add(float64(n))
	if job == "reconcile" {
		m.reconcileFailures.Add(float64(n))
	}
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler 以 Prometheus 文本格式暴露指标。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StartServer 启动只暴露 /metrics 的独立 HTTP 服务，直到 ctx 结束。
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
