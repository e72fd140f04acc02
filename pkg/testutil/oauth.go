package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// RecordedRequest is a request captured by TokenServer.
type RecordedRequest struct {
	Header http.Header
	Form   url.Values
	Body   []byte
}

// TokenServer is a fake OAuth2 token endpoint that records every request.
type TokenServer struct {
	*httptest.Server

	mu       sync.Mutex
	handler  http.HandlerFunc
	requests []RecordedRequest
}

// NewTokenServer starts a TokenServer answering with handler. It is closed
// when the test ends.
func NewTokenServer(t *testing.T, handler http.HandlerFunc) *TokenServer {
	t.Helper()
	s := &TokenServer{handler: handler}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// TokenURL is the endpoint URL to put in a FlowConfig.
func (s *TokenServer) TokenURL() string {
	return s.URL + "/oauth2/token"
}

// SetHandler replaces the response handler.
func (s *TokenServer) SetHandler(h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Requests returns a copy of the recorded requests.
func (s *TokenServer) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

func (s *TokenServer) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rec := RecordedRequest{Header: r.Header.Clone(), Body: body}
	if r.Header.Get("Content-Type") == "application/x-www-form-urlencoded" {
		rec.Form, _ = url.ParseQuery(string(body))
	}

	s.mu.Lock()
	s.requests = append(s.requests, rec)
	h := s.handler
	s.mu.Unlock()

	r.Body = io.NopCloser(bytes.NewReader(body))
	h(w, r)
}

// JSONResponse answers with status and v encoded as JSON.
func JSONResponse(status int, v any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}
}

// TokenResponse answers 200 with a bearer token.
func TokenResponse(accessToken string, expiresIn int) http.HandlerFunc {
	return JSONResponse(http.StatusOK, map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   expiresIn,
	})
}

// ErrorResponse answers with status and an RFC 6749 error body.
func ErrorResponse(status int, code, description string) http.HandlerFunc {
	return JSONResponse(status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}
