// Package metrics holds the Prometheus collectors shared by droidbackup services.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "droidbackup"

// Metrics groups the collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	rpcCalls         *prometheus.CounterVec
	bindAttempts     *prometheus.CounterVec
	privilegedFaults *prometheus.CounterVec
	partitions       *prometheus.CounterVec
	items            *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		rpcCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "Privileged calls made by the client, by method and outcome.",
		}, []string{"method", "outcome"}),
		bindAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bind_attempts_total",
			Help:      "Attempts to bind the privileged service, by result.",
		}, []string{"result"}),
		privilegedFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "privileged_faults_total",
			Help:      "Faults recovered inside the privileged service, by method.",
		}, []string{"method"}),
		partitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partitions_total",
			Help:      "Finished partitions, by operation, partition and final state.",
		}, []string{"op", "partition", "state"}),
		items: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Finished task items, by operation, target and outcome.",
		}, []string{"op", "target", "outcome"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of finished tasks.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"op", "target"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RPCCall counts one proxied privileged call.
func (m *Metrics) RPCCall(method, outcome string) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(method, outcome).Inc()
}

// BindAttempt counts one bind attempt.
func (m *Metrics) BindAttempt(result string) {
	if m == nil {
		return
	}
	m.bindAttempts.WithLabelValues(result).Inc()
}

// PrivilegedFault counts a recovered fault inside the privileged service.
func (m *Metrics) PrivilegedFault(method string) {
	if m == nil {
		return
	}
	m.privilegedFaults.WithLabelValues(method).Inc()
}

// Partition counts a partition reaching a terminal state.
func (m *Metrics) Partition(op, partition, state string) {
	if m == nil {
		return
	}
	m.partitions.WithLabelValues(op, partition, state).Inc()
}

// Item counts a finished task item.
func (m *Metrics) Item(op, target string, succeeded bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !succeeded {
		outcome = "failure"
	}
	m.items.WithLabelValues(op, target, outcome).Inc()
}

// TaskFinished records the duration of a task.
func (m *Metrics) TaskFinished(op, target string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(op, target).Observe(d.Seconds())
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, m *Metrics, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
