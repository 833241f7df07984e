// Package middleware provides handshake middleware for Tether servers.
//
// # OpenTelemetry
//
// OpenTelemetry starts a span per handshake carrying the connection id, the
// outcome and the client id:
//
//	srv.Use(middleware.OpenTelemetry(
//	    middleware.WithTracerName("my-tetherd"),
//	))
//
// # Prometheus Metrics
//
// Metrics counts handshakes by outcome, times them, and exposes the size of
// the session registry:
//
//	m := middleware.NewMetrics(middleware.WithNamespace("myapp"))
//	m.Instrument(srv)
//	http.Handle("/metrics", promhttp.Handler())
package middleware
