package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vango-dev/tether/pkg/server"
	"github.com/vango-dev/tether/pkg/transport"
)

// MetricsConfig configures the Prometheus metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "tether").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for handshake duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "tether",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the Prometheus collectors for a Tether server.
type Metrics struct {
	config  MetricsConfig
	factory promauto.Factory

	handshakesTotal   *prometheus.CounterVec
	handshakeDuration *prometheus.HistogramVec
	acceptErrors      prometheus.Counter
	recoversTotal     prometheus.Counter

	instrumentOnce sync.Once
}

// NewMetrics creates and registers the handshake metrics:
//   - tether_handshakes_total: handshakes by outcome
//   - tether_handshake_duration_seconds: handshake duration by outcome
//   - tether_accept_errors_total: transient accept failures
//   - tether_recovers_total: sessions moved to a new connection
//
// Instrument adds the session gauges.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		config:  config,
		factory: factory,

		handshakesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "handshakes_total",
			Help:        "Total number of handshakes by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"outcome"}),

		handshakeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "handshake_duration_seconds",
			Help:        "Handshake duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"outcome"}),

		acceptErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "accept_errors_total",
			Help:        "Total number of transient accept failures",
			ConstLabels: config.ConstLabels,
		}),

		recoversTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "recovers_total",
			Help:        "Total number of sessions recovered on a new connection",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// Middleware returns dispatch middleware recording handshake outcomes.
func (m *Metrics) Middleware() server.Middleware {
	return func(next server.DispatchFunc) server.DispatchFunc {
		return func(ctx context.Context, conn transport.Conn) server.DispatchResult {
			start := time.Now()
			res := next(ctx, conn)

			outcome := res.Outcome.String()
			m.handshakeDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
			m.handshakesTotal.WithLabelValues(outcome).Inc()
			if res.Outcome == server.OutcomeRecovered {
				m.recoversTotal.Inc()
			}
			return res
		}
	}
}

// RecordAcceptError counts a transient accept failure.
func (m *Metrics) RecordAcceptError(error) {
	m.acceptErrors.Inc()
}

// Instrument installs the middleware and accept-error hook on srv and
// registers gauges backed by its session registry. Only the first call has
// any effect.
func (m *Metrics) Instrument(srv *server.Server) {
	m.instrumentOnce.Do(func() {
		srv.Use(m.Middleware())
		srv.OnAcceptError(m.RecordAcceptError)

		sessions := srv.Sessions()
		m.factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   m.config.Subsystem,
			Name:        "active_sessions",
			Help:        "Number of live sessions",
			ConstLabels: m.config.ConstLabels,
		}, func() float64 { return float64(sessions.Count()) })

		m.factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   m.config.Subsystem,
			Name:        "sessions_created_total",
			Help:        "Total number of sessions created",
			ConstLabels: m.config.ConstLabels,
		}, func() float64 { return float64(sessions.Stats().TotalCreated) })

		m.factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   m.config.Namespace,
			Subsystem:   m.config.Subsystem,
			Name:        "sessions_closed_total",
			Help:        "Total number of sessions shut down",
			ConstLabels: m.config.ConstLabels,
		}, func() float64 { return float64(sessions.Stats().TotalClosed) })
	})
}

// Prometheus returns dispatch middleware backed by a new Metrics.
//
// Example:
//
//	srv.Use(middleware.Prometheus(middleware.WithNamespace("myapp")))
//	http.Handle("/metrics", promhttp.Handler())
func Prometheus(opts ...MetricsOption) server.Middleware {
	return NewMetrics(opts...).Middleware()
}
