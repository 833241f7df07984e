// Package admin exposes an operator HTTP surface for a Tether server:
// health, statistics, session listing, per-session shutdown and Prometheus
// metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/tether/pkg/server"
)

// Admin serves the admin API for one Server.
type Admin struct {
	srv      *server.Server
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	router   chi.Router

	shutdownTimeout time.Duration
}

// Option configures an Admin.
type Option func(*Admin)

// WithGatherer sets the registry served on /metrics.
// Default: prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *Admin) {
		a.gatherer = g
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Admin) {
		a.logger = l
	}
}

// WithShutdownTimeout bounds graceful shutdown in ListenAndServe.
// Default: 5 seconds.
func WithShutdownTimeout(d time.Duration) Option {
	return func(a *Admin) {
		a.shutdownTimeout = d
	}
}

// New creates the admin API for srv.
func New(srv *server.Server, opts ...Option) *Admin {
	a := &Admin{
		srv:             srv,
		gatherer:        prometheus.DefaultGatherer,
		logger:          slog.Default(),
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "admin")
	a.router = a.routes()
	return a
}

func (a *Admin) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)
	r.Get("/stats", a.stats)
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", a.listSessions)
		r.Get("/{id}", a.getSession)
		r.Delete("/{id}", a.closeSession)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	return r
}

// Handler returns the admin router.
func (a *Admin) Handler() http.Handler {
	return a.router
}

// ListenAndServe serves the admin API on addr until ctx is done.
func (a *Admin) ListenAndServe(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("admin listening", "address", addr)
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *Admin) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if a.srv.Sessions().IsClosed() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("closing"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *Admin) stats(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.srv.Stats())
}

func (a *Admin) listSessions(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.srv.Sessions().Snapshot())
}

func (a *Admin) getSession(w http.ResponseWriter, r *http.Request) {
	id, ok := a.sessionID(w, r)
	if !ok {
		return
	}
	s := a.srv.Sessions().Get(id)
	if s == nil {
		a.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	a.writeJSON(w, http.StatusOK, s.Stats())
}

func (a *Admin) closeSession(w http.ResponseWriter, r *http.Request) {
	id, ok := a.sessionID(w, r)
	if !ok {
		return
	}
	if err := a.srv.Sessions().Close(id); err != nil {
		if errors.Is(err, server.ErrSessionNotFound) {
			a.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.logger.Info("session closed by operator",
		"session_id", id,
		"request_id", middleware.GetReqID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) sessionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 0 {
		a.writeError(w, http.StatusBadRequest, "invalid session id")
		return 0, false
	}
	return id, true
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *Admin) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, errorBody{Error: msg})
}

func (a *Admin) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debug("admin response encode failed", "error", err)
	}
}
