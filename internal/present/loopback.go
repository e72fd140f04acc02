// Package present implements flow.Presenter for the surfaces a command-line
// client has: the system browser with a loopback receiver, an out-of-band
// paste prompt and a headless redirect follower.
package present

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/browser"
	"go.uber.org/zap"

	"github.com/BlackMission/authflow/internal/domain"
	"github.com/BlackMission/authflow/internal/flow"
	"github.com/BlackMission/authflow/internal/server"
)

const shutdownTimeout = 2 * time.Second

// Loopback opens the authorize URL in the system browser and receives the
// redirect on a local HTTP server bound to the redirect URI.
type Loopback struct {
	redirect *url.URL
	open     func(string) error
	out      io.Writer
	logger   *zap.Logger

	mu  sync.Mutex
	srv *server.Server
}

// NewLoopback checks that redirectURI is an http URI on a loopback host
// with an explicit port.
func NewLoopback(redirectURI string, logger *zap.Logger) (*Loopback, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("%w: redirect URI: %v", domain.ErrInvalidConfig, err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("%w: loopback redirect URI must use http, got %q", domain.ErrInvalidConfig, u.Scheme)
	}
	if !isLoopback(u.Hostname()) {
		return nil, fmt.Errorf("%w: redirect host %q is not a loopback address", domain.ErrInvalidConfig, u.Hostname())
	}
	if u.Port() == "" {
		return nil, fmt.Errorf("%w: loopback redirect URI needs an explicit port", domain.ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loopback{redirect: u, open: browser.OpenURL, logger: logger}, nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// SetOpener replaces the browser launcher (for testing).
func (l *Loopback) SetOpener(fn func(string) error) {
	l.open = fn
}

// SetOutput prints the authorize URL to w before opening the browser, so
// the user can copy it if no browser comes up.
func (l *Loopback) SetOutput(w io.Writer) {
	l.out = w
}

// Present starts the receiver and opens the browser.
func (l *Loopback) Present(ctx context.Context, authorizeURL string, sink flow.Sink) error {
	srv := server.New(server.Config{RedirectURI: l.redirect, Logger: l.logger}, sink.Redirect)
	if err := srv.Start(); err != nil {
		return err
	}

	l.mu.Lock()
	l.srv = srv
	l.mu.Unlock()

	if l.out != nil {
		fmt.Fprintf(l.out, "Opening the authorization page in your browser. If it does not open, visit:\n\n  %s\n\n", authorizeURL)
	}
	if err := l.open(authorizeURL); err != nil {
		l.Dismiss()
		return fmt.Errorf("opening browser: %w", err)
	}
	return nil
}

// Dismiss stops the receiver.
func (l *Loopback) Dismiss() {
	l.mu.Lock()
	srv := l.srv
	l.srv = nil
	l.mu.Unlock()
	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		l.logger.Warn("stopping redirect receiver", zap.Error(err))
	}
}
