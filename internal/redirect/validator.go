// Package redirect validates the URL an authorization server redirected
// the user agent to and extracts the authorization code or implicit token.
package redirect

import (
	"crypto/subtle"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BlackMission/authflow/internal/authorize"
	"github.com/BlackMission/authflow/internal/domain"
)

// StateVerifier checks the integrity and freshness of a signed state value.
type StateVerifier interface {
	Validate(token string) (*domain.StatePayload, error)
}

// Validator turns redirect URLs into RedirectOutcomes. It is safe for
// concurrent use.
type Validator struct {
	verifier StateVerifier
	now      func() time.Time
}

// NewValidator creates a Validator. verifier may be nil, in which case only
// the exact state comparison is performed.
func NewValidator(verifier StateVerifier) *Validator {
	return &Validator{verifier: verifier, now: time.Now}
}

// SetNow overrides the time function (for testing).
func (v *Validator) SetNow(fn func() time.Time) {
	v.now = fn
}

// Validate checks rawURL against cfg and attempt. The redirect URI is
// matched before any parameter is read, and the state is checked before
// the code so a forged redirect never yields a code.
func (v *Validator) Validate(rawURL string, attempt *domain.Attempt, cfg *domain.FlowConfig) domain.RedirectOutcome {
	if attempt == nil {
		return fail(domain.KindConfiguration, "no attempt to validate against")
	}
	expected, err := authorize.ParseRedirectURI(cfg.RedirectURI)
	if err != nil {
		out := fail(domain.KindConfiguration, "registered redirect_uri is invalid")
		out.Err.Err = err
		return out
	}

	got, err := url.Parse(rawURL)
	if err != nil {
		return fail(domain.KindInvalidRedirect, "redirect is not a valid URL")
	}
	if !sameEndpoint(expected, got) {
		return fail(domain.KindInvalidRedirect, "redirect does not match the registered redirect_uri")
	}

	query, err := url.ParseQuery(got.RawQuery)
	if err != nil {
		return fail(domain.KindInvalidRedirect, "malformed redirect query")
	}
	// The fragment is split off the raw string since url.Parse decodes it.
	var rawFragment string
	if _, frag, ok := strings.Cut(rawURL, "#"); ok {
		rawFragment = frag
	}
	fragment, err := url.ParseQuery(rawFragment)
	if err != nil {
		return fail(domain.KindInvalidRedirect, "malformed redirect fragment")
	}

	if out, ok := serverError(query); ok {
		return out
	}
	if out, ok := serverError(fragment); ok {
		return out
	}

	switch cfg.Grant.ResponseType() {
	case "code":
		return v.codeOutcome(query, attempt)
	case "token":
		return v.tokenOutcome(fragment, attempt, cfg)
	default:
		return fail(domain.KindConfiguration, "grant %q does not use redirects", cfg.Grant)
	}
}

func (v *Validator) codeOutcome(params url.Values, attempt *domain.Attempt) domain.RedirectOutcome {
	if len(params["code"]) > 1 || len(params["state"]) > 1 {
		return fail(domain.KindInvalidRedirect, "duplicate code or state parameter")
	}
	st := params.Get("state")
	if out, ok := v.checkState(st, attempt); !ok {
		return out
	}
	code := params.Get("code")
	if code == "" {
		return fail(domain.KindMissingCode, "redirect carries no authorization code")
	}
	return domain.CodeOutcome(code, st)
}

func (v *Validator) tokenOutcome(params url.Values, attempt *domain.Attempt, cfg *domain.FlowConfig) domain.RedirectOutcome {
	for _, key := range []string{"access_token", "state", "expires_in", "token_type"} {
		if len(params[key]) > 1 {
			return fail(domain.KindInvalidRedirect, "duplicate %s parameter", key)
		}
	}
	if out, ok := v.checkState(params.Get("state"), attempt); !ok {
		return out
	}

	tok := &domain.TokenResult{
		AccessToken: params.Get("access_token"),
		TokenType:   params.Get("token_type"),
	}
	if tok.AccessToken == "" {
		return fail(domain.KindMalformedTokenResponse, "fragment carries no access_token")
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	if raw := params.Get("expires_in"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || secs < 0 {
			return fail(domain.KindMalformedTokenResponse, "expires_in %q is not a non-negative integer", raw)
		}
		tok.Expiry = domain.ExpiryAfter(v.now(), secs)
	}
	if scope := params.Get("scope"); scope != "" {
		tok.Scopes = strings.Fields(scope)
	} else if len(cfg.Scopes) > 0 {
		tok.Scopes = append([]string(nil), cfg.Scopes...)
	}
	return domain.TokenOutcome(tok)
}

func (v *Validator) checkState(got string, attempt *domain.Attempt) (domain.RedirectOutcome, bool) {
	if got == "" {
		return fail(domain.KindStateMismatch, "redirect carries no state"), false
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(attempt.State)) != 1 {
		return fail(domain.KindStateMismatch, "redirect state does not match the attempt"), false
	}
	if v.verifier == nil {
		return domain.RedirectOutcome{}, true
	}
	payload, err := v.verifier.Validate(got)
	switch {
	case errors.Is(err, domain.ErrExpiredState):
		return fail(domain.KindAttemptExpired, "state expired"), false
	case err != nil:
		out := fail(domain.KindStateMismatch, "state failed verification")
		out.Err.Err = err
		return out, false
	case payload.AttemptID != attempt.ID:
		return fail(domain.KindStateMismatch, "state belongs to another attempt"), false
	}
	return domain.RedirectOutcome{}, true
}

// serverError reports an RFC 6749 error response carried in params.
func serverError(params url.Values) (domain.RedirectOutcome, bool) {
	code := params.Get("error")
	if code == "" {
		return domain.RedirectOutcome{}, false
	}
	out := domain.ErrorOutcome(domain.MapErrorCode(code), params.Get("error_description"))
	out.Err.Code = code
	out.Err.URI = params.Get("error_uri")
	out.State = params.Get("state")
	return out, true
}

// sameEndpoint compares scheme and host case-insensitively and the path
// exactly.
func sameEndpoint(expected, got *url.URL) bool {
	return strings.EqualFold(expected.Scheme, got.Scheme) &&
		strings.EqualFold(expected.Host, got.Host) &&
		expected.Opaque == got.Opaque &&
		expected.EscapedPath() == got.EscapedPath()
}

func fail(kind domain.ErrorKind, format string, args ...any) domain.RedirectOutcome {
	return domain.RedirectOutcome{Kind: domain.OutcomeError, Err: domain.NewError(kind, nil, format, args...)}
}
