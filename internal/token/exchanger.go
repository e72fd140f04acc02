// Package token performs token endpoint requests and keeps stored
// credentials fresh.
package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BlackMission/authflow/internal/authorize"
	"github.com/BlackMission/authflow/internal/domain"
	"github.com/BlackMission/authflow/internal/metrics"
)

// Exchanger calls the token endpoint through a Transport and parses the
// response. It never retries.
type Exchanger struct {
	transport Transport
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewExchanger creates an Exchanger. A nil logger discards output.
func NewExchanger(transport Transport, logger *zap.Logger) *Exchanger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exchanger{
		transport: transport,
		logger:    logger,
		now:       time.Now,
	}
}

// SetNow overrides the time function (for testing).
func (e *Exchanger) SetNow(fn func() time.Time) {
	e.now = fn
}

// SetMetrics enables token request metrics.
func (e *Exchanger) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// ExchangeCode redeems an authorization code.
func (e *Exchanger) ExchangeCode(ctx context.Context, cfg *domain.FlowConfig, code, verifier string) (*domain.TokenResult, error) {
	body, err := authorize.BuildTokenRequestBody(cfg, authorize.TokenRequest{Code: code, CodeVerifier: verifier})
	if err != nil {
		return nil, err
	}
	return e.Exchange(ctx, cfg, body)
}

// Refresh redeems a refresh token. When the server does not rotate the
// refresh token, the one passed in is kept on the result.
func (e *Exchanger) Refresh(ctx context.Context, cfg *domain.FlowConfig, refreshToken string, scopes []string) (*domain.TokenResult, error) {
	body, err := authorize.BuildTokenRequestBody(cfg, authorize.TokenRequest{RefreshToken: refreshToken, Scopes: scopes})
	if err != nil {
		return nil, err
	}
	tok, err := e.Exchange(ctx, cfg, body)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

// ClientCredentials requests a token for the client itself. Nil scopes
// means the configured scopes.
func (e *Exchanger) ClientCredentials(ctx context.Context, cfg *domain.FlowConfig, scopes []string) (*domain.TokenResult, error) {
	body, err := authorize.BuildTokenRequestBody(cfg, authorize.TokenRequest{Scopes: scopes})
	if err != nil {
		return nil, err
	}
	return e.Exchange(ctx, cfg, body)
}

// Exchange POSTs body to cfg.TokenEndpoint and parses the token response.
func (e *Exchanger) Exchange(ctx context.Context, cfg *domain.FlowConfig, body url.Values) (*domain.TokenResult, error) {
	req, err := newRequest(cfg, body)
	if err != nil {
		return nil, err
	}
	grantType := body.Get("grant_type")
	log := e.logger.With(zap.String("grant_type", grantType), zap.String("endpoint", cfg.TokenEndpoint))

	start := time.Now()
	resp, err := e.transport.Send(ctx, req)
	if err != nil {
		e.metrics.ObserveTokenRequest(grantType, "transport_error")
		log.Warn("token request failed", zap.Error(err))
		return nil, domain.NewError(domain.KindTransport, err, "POST %s", cfg.TokenEndpoint)
	}
	// Expiry is anchored to when the response arrived.
	received := e.now()
	log.Debug("token response", zap.Int("status", resp.Status), zap.Duration("elapsed", time.Since(start)))

	if resp.Status < 200 || resp.Status > 299 {
		e.metrics.ObserveTokenRequest(grantType, "endpoint_error")
		oerr := endpointError(resp)
		log.Warn("token endpoint rejected request", zap.Int("status", resp.Status), zap.String("error", oerr.Code))
		return nil, oerr
	}

	tok, err := parseToken(resp, received)
	if err != nil {
		e.metrics.ObserveTokenRequest(grantType, "malformed")
		return nil, err
	}
	if len(tok.Scopes) == 0 {
		tok.Scopes = requestedScopes(cfg, body)
	}
	e.metrics.ObserveTokenRequest(grantType, "success")
	return tok, nil
}

func newRequest(cfg *domain.FlowConfig, body url.Values) (*Request, error) {
	if _, err := authorize.ParseEndpoint("token endpoint", cfg.TokenEndpoint); err != nil {
		return nil, err
	}

	req := &Request{
		Method: http.MethodPost,
		URL:    cfg.TokenEndpoint,
		Header: http.Header{},
	}
	req.Header.Set("Accept", "application/json")

	switch cfg.Encoding() {
	case domain.EncodingForm:
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Body = []byte(body.Encode())
	case domain.EncodingJSON:
		fields := make(map[string]string, len(body))
		for k := range body {
			fields[k] = body.Get(k)
		}
		data, err := json.Marshal(fields)
		if err != nil {
			return nil, domain.NewError(domain.KindConfiguration, err, "encoding token request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Body = data
	default:
		return nil, domain.NewError(domain.KindConfiguration, nil, "unsupported token request encoding %q", cfg.TokenRequestEncoding)
	}

	if cfg.AuthMethod() == domain.ClientAuthBasic {
		// RFC 6749 section 2.3.1: credentials are form-encoded before base64.
		creds := url.QueryEscape(cfg.ClientID) + ":" + url.QueryEscape(cfg.ClientSecret)
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	}
	return req, nil
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
	URI         string `json:"error_uri"`
}

func endpointError(resp *Response) *domain.OAuthError {
	oerr := &domain.OAuthError{
		Kind:   domain.KindTokenEndpoint,
		Status: resp.Status,
		Body:   resp.Body,
	}
	var parsed errorResponse
	if json.Unmarshal(resp.Body, &parsed) == nil {
		oerr.Code = parsed.Error
		oerr.Description = parsed.Description
		oerr.URI = parsed.URI
	}
	if oerr.Description == "" {
		oerr.Description = http.StatusText(resp.Status)
	}
	return oerr
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    expiresIn `json:"expires_in"`
	Scope        string    `json:"scope"`
	IDToken      string    `json:"id_token"`
	errorResponse
}

// expiresIn accepts both a JSON number and a numeric string.
type expiresIn struct {
	seconds int64
	set     bool
}

func (e *expiresIn) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	secs, err := n.Int64()
	if err != nil {
		return err
	}
	e.seconds, e.set = secs, true
	return nil
}

func parseToken(resp *Response, received time.Time) (*domain.TokenResult, error) {
	var parsed tokenResponse

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "text/plain":
		vals, err := url.ParseQuery(string(resp.Body))
		if err != nil {
			return nil, malformed(err, "token response is not form-encoded")
		}
		parsed.AccessToken = vals.Get("access_token")
		parsed.TokenType = vals.Get("token_type")
		parsed.RefreshToken = vals.Get("refresh_token")
		parsed.Scope = vals.Get("scope")
		parsed.IDToken = vals.Get("id_token")
		parsed.Error = vals.Get("error")
		parsed.Description = vals.Get("error_description")
		if raw := vals.Get("expires_in"); raw != "" {
			secs, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, malformed(err, "expires_in %q is not an integer", raw)
			}
			parsed.ExpiresIn = expiresIn{seconds: secs, set: true}
		}
	default:
		if err := json.Unmarshal(resp.Body, &parsed); err != nil {
			return nil, malformed(err, "token response is not valid JSON")
		}
	}

	if parsed.AccessToken == "" {
		oerr := malformed(nil, "token response has no access_token")
		oerr.Code = parsed.Error
		if parsed.Description != "" {
			oerr.Description += ": " + parsed.Description
		}
		oerr.Status = resp.Status
		oerr.Body = resp.Body
		return nil, oerr
	}
	if parsed.ExpiresIn.seconds < 0 {
		return nil, malformed(nil, "negative expires_in %d", parsed.ExpiresIn.seconds)
	}

	tok := &domain.TokenResult{
		AccessToken:  parsed.AccessToken,
		TokenType:    parsed.TokenType,
		RefreshToken: parsed.RefreshToken,
		IDToken:      parsed.IDToken,
		Scopes:       strings.Fields(parsed.Scope),
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	if parsed.ExpiresIn.set {
		tok.Expiry = domain.ExpiryAfter(received, parsed.ExpiresIn.seconds)
	}
	return tok, nil
}

// requestedScopes is the granted scope when the server omits it
// (RFC 6749 section 5.1).
func requestedScopes(cfg *domain.FlowConfig, body url.Values) []string {
	if scope := body.Get("scope"); scope != "" {
		return strings.Fields(scope)
	}
	if len(cfg.Scopes) == 0 || body.Get("grant_type") == "refresh_token" {
		return nil
	}
	return append([]string(nil), cfg.Scopes...)
}

func malformed(cause error, format string, args ...any) *domain.OAuthError {
	return domain.NewError(domain.KindMalformedTokenResponse, cause, format, args...)
}
