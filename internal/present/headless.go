package present

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/BlackMission/authflow/internal/flow"
)

const maxRedirects = 10

// Headless requests the authorize URL itself and follows redirects until
// one lands on the redirect URI. It works against authorization servers
// that approve from request headers alone, such as a pre-approved client
// behind basic credentials. Anything else cancels the attempt.
type Headless struct {
	redirectURI string
	transport   http.RoundTripper
	header      http.Header
	logger      *zap.Logger
}

// NewHeadless creates a Headless presenter. A nil transport uses
// http.DefaultTransport; header is sent with every request to the
// authorize URL's host and dropped on hops to any other host.
func NewHeadless(redirectURI string, transport http.RoundTripper, header http.Header, logger *zap.Logger) *Headless {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Headless{
		redirectURI: redirectURI,
		transport:   transport,
		header:      header,
		logger:      logger,
	}
}

// Present follows the authorize URL in the background.
func (h *Headless) Present(ctx context.Context, authorizeURL string, sink flow.Sink) error {
	go func() {
		location, err := h.follow(ctx, authorizeURL)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Warn("headless authorization failed", zap.Error(err))
			}
			sink.Cancel()
			return
		}
		sink.Redirect(location)
	}()
	return nil
}

// Dismiss is a no-op; the follower stops with the attempt context.
func (h *Headless) Dismiss() {}

func (h *Headless) follow(ctx context.Context, requestURL string) (string, error) {
	origin, err := url.Parse(requestURL)
	if err != nil {
		return "", err
	}
	seen := map[string]bool{}
	for range maxRedirects {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return "", err
		}
		if strings.EqualFold(req.URL.Host, origin.Host) {
			for k, v := range h.header {
				req.Header[k] = v
			}
		}

		resp, err := h.transport.RoundTrip(req)
		if err != nil {
			return "", err
		}
		resp.Body.Close()

		loc, err := resp.Location()
		if err != nil {
			return "", fmt.Errorf("unexpected response %d from %s", resp.StatusCode, req.URL.Redacted())
		}
		location := loc.String()
		if h.isRedirectURI(location) {
			return location, nil
		}
		if seen[location] {
			return "", fmt.Errorf("redirect loop at %s", loc.Redacted())
		}
		seen[location] = true
		requestURL = location
	}
	return "", fmt.Errorf("stopped after %d redirects", maxRedirects)
}

// isRedirectURI reports whether location is the redirect URI with only a
// query or fragment added.
func (h *Headless) isRedirectURI(location string) bool {
	end := strings.IndexAny(location, "?#")
	if end < 0 {
		end = len(location)
	}
	return location[:end] == h.redirectURI
}
