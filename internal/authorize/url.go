// Package authorize builds authorize-request URLs and token-request bodies
// from a FlowConfig.
package authorize

import (
	"net/url"
	"strings"
	"unicode"

	"github.com/BlackMission/authflow/internal/domain"
)

// protectedParams are never overridable by caller-supplied extras.
var protectedParams = map[string]bool{
	"state":                 true,
	"code_challenge":        true,
	"code_challenge_method": true,
}

// BuildAuthorizeURL returns the URL that sends the resource owner to the
// authorization server for attempt. Parameters are layered as defaults,
// then cfg.ExtraParams, then extra; state and PKCE parameters always come
// from attempt.
func BuildAuthorizeURL(cfg *domain.FlowConfig, attempt *domain.Attempt, extra url.Values) (*url.URL, error) {
	responseType := cfg.Grant.ResponseType()
	if responseType == "" {
		return nil, configError("grant %q does not use the authorize endpoint", cfg.Grant)
	}
	if cfg.ClientID == "" {
		return nil, configError("client_id is required")
	}
	endpoint, err := ParseEndpoint("authorize endpoint", cfg.AuthorizeEndpoint)
	if err != nil {
		return nil, err
	}
	if _, err := ParseRedirectURI(cfg.RedirectURI); err != nil {
		return nil, err
	}
	scope, err := JoinScopes(cfg.Scopes)
	if err != nil {
		return nil, err
	}
	if attempt == nil || attempt.State == "" {
		return nil, configError("attempt state is required")
	}
	if cfg.Grant.UsesPKCE() && attempt.CodeChallenge == "" {
		return nil, configError("PKCE attempt has no code challenge")
	}

	params := endpoint.Query()
	params.Set("client_id", cfg.ClientID)
	params.Set("redirect_uri", cfg.RedirectURI)
	params.Set("response_type", responseType)
	if scope != "" {
		params.Set("scope", scope)
	}

	for k, v := range cfg.ExtraParams {
		if !protectedParams[k] {
			params.Set(k, v)
		}
	}
	for k, vs := range extra {
		if protectedParams[k] || len(vs) == 0 {
			continue
		}
		params[k] = append([]string(nil), vs...)
	}

	params.Set("state", attempt.State)
	if cfg.Grant.UsesPKCE() {
		params.Set("code_challenge", attempt.CodeChallenge)
		params.Set("code_challenge_method", "S256")
	}

	endpoint.RawQuery = params.Encode()
	endpoint.Fragment = ""
	return endpoint, nil
}

// ParseEndpoint parses raw as an absolute http(s) URL.
func ParseEndpoint(name, raw string) (*url.URL, error) {
	if raw == "" {
		return nil, configError("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &domain.OAuthError{Kind: domain.KindConfiguration, Description: name + " is not a valid URL", Err: err}
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, configError("%s %q is not an absolute URL", name, raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, configError("%s %q must use http or https", name, raw)
	}
	return u, nil
}

// ParseRedirectURI parses a registered redirect URI. Custom schemes are
// allowed; relative references are not.
func ParseRedirectURI(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, configError("redirect_uri is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &domain.OAuthError{Kind: domain.KindConfiguration, Description: "redirect_uri is not a valid URL", Err: err}
	}
	if !u.IsAbs() {
		return nil, configError("redirect_uri %q is not absolute", raw)
	}
	if u.Fragment != "" {
		return nil, configError("redirect_uri %q must not contain a fragment", raw)
	}
	return u, nil
}

// JoinScopes validates scope tokens and joins them with spaces.
func JoinScopes(scopes []string) (string, error) {
	for _, s := range scopes {
		if s == "" {
			return "", configError("scope values must not be empty")
		}
		if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
			return "", configError("scope %q contains whitespace", s)
		}
	}
	return strings.Join(scopes, " "), nil
}

func configError(format string, args ...any) *domain.OAuthError {
	return domain.NewError(domain.KindConfiguration, nil, format, args...)
}
