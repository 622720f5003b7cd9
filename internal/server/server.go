// Package server exposes the session coordinator over WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/mattjoyce/fabricgw/internal/auth"
	"github.com/mattjoyce/fabricgw/internal/fabric"
	"github.com/mattjoyce/fabricgw/internal/session"
)

// Sessions is the part of the session coordinator the transport drives.
type Sessions interface {
	Attach(t session.Transport, info session.ConnInfo) (*session.Connection, error)
	Deliver(conn *session.Connection, msg []byte)
	Detach(conn *session.Connection)
	Stats() session.Stats
}

// Fabric describes the fabric for the status routes.
type Fabric interface {
	ServerInfo() fabric.ServerInfo
	NodeCount() int
}

// Config holds HTTP and WebSocket settings.
type Config struct {
	// ListenAddresses are bound on Port. Empty means all interfaces.
	ListenAddresses []string
	Port            int
	Path            string
	AllowedOrigins  []string
	ReadLimit       int64
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	// DisableDashboard removes the /info status route.
	DisableDashboard bool

	// APIKey is the legacy single bearer token (full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Server accepts WebSocket clients and hands them to the coordinator.
type Server struct {
	config    Config
	sessions  Sessions
	fabric    Fabric
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a new server instance.
func New(config Config, sessions Sessions, fab Fabric, logger *slog.Logger) *Server {
	if config.Path == "" {
		config.Path = "/ws"
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = 1 << 20
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &Server{
		config:    config,
		sessions:  sessions,
		fabric:    fab,
		upgrader:  makeUpgrader(config.AllowedOrigins),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// listenAddrs expands the configured hosts into host:port pairs.
func (s *Server) listenAddrs() []string {
	port := strconv.Itoa(s.config.Port)
	if len(s.config.ListenAddresses) == 0 {
		return []string{net.JoinHostPort("", port)}
	}
	addrs := make([]string, 0, len(s.config.ListenAddresses))
	for _, host := range s.config.ListenAddresses {
		addrs = append(addrs, net.JoinHostPort(host, port))
	}
	return addrs
}

// Start binds every listen address and serves until ctx is cancelled. It
// fails without serving anything if any address cannot be bound.
func (s *Server) Start(ctx context.Context) error {
	var listeners []net.Listener
	for _, addr := range s.listenAddrs() {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
	}
	return s.Serve(ctx, listeners...)
}

// Serve runs the HTTP server on already bound listeners.
func (s *Server) Serve(ctx context.Context, listeners ...net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, len(listeners))
	for _, ln := range listeners {
		s.logger.Info("websocket server listening", "addr", ln.Addr().String(), "path", s.config.Path)
		go func(ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(ln)
	}

	select {
	case <-ctx.Done():
		s.logger.Info("websocket server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		_ = srv.Close()
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		if !s.config.DisableDashboard {
			r.With(s.requireScopes(auth.ScopeServer)).Get("/info", s.handleInfo)
		}
		r.Get(s.config.Path, s.handleWebSocket)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
