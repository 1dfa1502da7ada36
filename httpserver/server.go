package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/tee-keyshare-quorum/api"
	"github.com/ruteri/tee-keyshare-quorum/metrics"
	"go.uber.org/atomic"
)

// RouteRegistrar mounts a handler's routes on the server router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

type Server struct {
	cfg     *api.HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
}

// New builds a server mounting every registrar. nodeMetrics may be nil, in
// which case no metrics server is started.
func New(cfg *api.HTTPServerConfig, nodeMetrics *metrics.NodeMetrics, handlers ...RouteRegistrar) (*Server, error) {
	if cfg.Log == nil {
		return nil, errors.New("http server requires a logger")
	}

	srv := &Server{
		cfg: cfg,
		log: cfg.Log,
	}
	if nodeMetrics != nil && cfg.MetricsAddr != "" {
		srv.metricsSrv = metrics.NewMetricsServer(nodeMetrics, cfg.MetricsAddr)
	}
	srv.isReady.Store(true)

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = api.DefaultReadHeaderTimeout
	}
	maxHeaderBytes := cfg.MaxHeaderBytes
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = api.DefaultMaxHeaderBytes
	}

	srv.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.getRouter(handlers),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}
	return srv, nil
}

func (srv *Server) getRouter(handlers []RouteRegistrar) http.Handler {
	mux := chi.NewRouter()

	mux.Group(func(r chi.Router) {
		r.Use(srv.httpLogger)
		if srv.cfg.MaxBodyBytes > 0 {
			r.Use(middleware.RequestSize(srv.cfg.MaxBodyBytes))
		}
		for _, h := range handlers {
			h.RegisterRoutes(r)
		}

		r.Get("/livez", srv.handleLivenessCheck)
		r.Get("/readyz", srv.handleReadinessCheck)
		r.Get("/drain", srv.handleDrain)
		r.Get("/undrain", srv.handleUndrain)
	})

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

// Handler returns the router, for tests and embedding.
func (srv *Server) Handler() http.Handler {
	return srv.srv.Handler
}

// SetReady changes what /readyz reports.
func (srv *Server) SetReady(ready bool) {
	srv.isReady.Store(ready)
}

func (srv *Server) IsReady() bool {
	return srv.isReady.Load()
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "alive"})
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		api.WriteJSON(w, http.StatusServiceUnavailable, api.StatusResponse{Status: "not ready"})
		return
	}
	api.WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "ready"})
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		api.WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "already draining"})
		return
	}
	srv.log.Info("Server marked as not ready")
	api.WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "draining"})
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		api.WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "already ready"})
		return
	}
	srv.log.Info("Server marked as ready")
	api.WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "ready"})
}

func (srv *Server) RunInBackground() {
	if srv.metricsSrv != nil {
		go func() {
			srv.log.With("metricsAddress", srv.cfg.MetricsAddr).Info("Starting metrics server")
			err := srv.metricsSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("Metrics server failed", "err", err)
			}
		}()
	}

	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown marks the server not ready, waits DrainDuration for load balancers
// to notice, and then stops both servers gracefully.
func (srv *Server) Shutdown() {
	if srv.isReady.Swap(false) && srv.cfg.DrainDuration > 0 {
		srv.log.Info("Draining before shutdown", "duration", srv.cfg.DrainDuration)
		time.Sleep(srv.cfg.DrainDuration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}

	if srv.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		defer cancel()
		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("Metrics server gracefully stopped")
		}
	}
}
