// Package server exposes an engine over HTTP and streams its notifications
// to websocket clients.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ambient/internal/config"
	"github.com/dgnsrekt/ambient/internal/engine"
	"github.com/gorilla/mux"
)

// Server is the HTTP control surface of one engine.
type Server struct {
	engine *engine.Engine
	cfg    config.ServerConfig
	logger *log.Logger
	router *mux.Router
	hub    *Hub
	unsub  func()
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a server for e and starts forwarding its notifications to
// websocket clients.
func New(e *engine.Engine, cfg config.ServerConfig, opts ...Option) *Server {
	s := &Server{engine: e, cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.logger = s.logger.WithPrefix("server")
	s.hub = NewHub(s.logger)
	s.router = s.routes()
	s.unsub = e.Subscribe(s.hub.Broadcast)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/layers", s.handleLayers).Methods(http.MethodGet)
	api.HandleFunc("/collection", s.handleCollection).Methods(http.MethodPut)
	api.HandleFunc("/layers/{layer}/track", s.handleTrack).Methods(http.MethodPost)
	api.HandleFunc("/layers/{layer}/volume", s.handleVolume).Methods(http.MethodPut)
	api.HandleFunc("/layers/{layer}/fade", s.handleFade).Methods(http.MethodPost)
	api.HandleFunc("/layers/{layer}/{action:mute|unmute|solo}", s.handleLayerAction).Methods(http.MethodPost)
	api.HandleFunc("/timeline", s.handleTimeline).Methods(http.MethodGet)
	api.HandleFunc("/timeline/{action:start|stop|pause|resume|reset}", s.handleTimelineAction).Methods(http.MethodPost)
	api.HandleFunc("/timeline/seek", s.handleSeek).Methods(http.MethodPost)
	api.HandleFunc("/timeline/phases", s.handlePhases).Methods(http.MethodPut)
	api.HandleFunc("/timeline/phases/{id}/apply", s.handleApplyPhase).Methods(http.MethodPost)
	api.HandleFunc("/cache", s.handleCache).Methods(http.MethodGet)
	api.HandleFunc("/reset", s.handleReset).Methods(http.MethodPost)

	r.HandleFunc("/ws", s.hub.ServeWS).Methods(http.MethodGet)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

// ListenAndServe serves on the configured address until ctx is done, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", s.cfg.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close stops forwarding notifications and disconnects websocket clients.
func (s *Server) Close() {
	s.unsub()
	s.hub.Close()
}
