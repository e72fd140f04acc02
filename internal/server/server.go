// Package server runs the loopback HTTP server that receives redirects for
// a redirect URI on this machine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/BlackMission/authflow/internal/handler"
)

// Config holds the server configuration.
type Config struct {
	// RedirectURI is the http redirect URI the server answers. Its host
	// and port are the listen address.
	RedirectURI *url.URL
	Logger      *zap.Logger
}

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *zap.Logger
	listener   net.Listener
}

// New creates a Server that hands every redirect to receive.
func New(cfg Config, receive handler.Receiver) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	path := cfg.RedirectURI.EscapedPath()
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.Handle("GET "+path, handler.Callback(cfg.RedirectURI, receive))

	logged := loggingMiddleware(logger, mux)
	return &Server{
		handler: logged,
		logger:  logger,
		httpServer: &http.Server{
			Addr:         cfg.RedirectURI.Host,
			Handler:      logged,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Handler returns the server's HTTP handler (for testing).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listen address and serves in the background. Bind
// errors are returned; serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln
	s.logger.Debug("redirect receiver listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("redirect receiver stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func loggingMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		// The query holds the authorization code; only the path is logged.
		logger.Debug("redirect request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
