package authorize

import (
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/BlackMission/authflow/internal/domain"
)

const (
	assertionType     = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionLifetime = 5 * time.Minute
)

// TokenRequest carries the per-request inputs of a token endpoint call.
// Code selects the authorization_code grant, RefreshToken the refresh_token
// grant; with neither, a client_credentials config selects that grant.
type TokenRequest struct {
	Code         string
	CodeVerifier string
	RefreshToken string
	// Scopes narrows a refresh or client_credentials request. Nil means the
	// configured scopes for client_credentials and none for refresh.
	Scopes []string
}

// BuildTokenRequestBody returns the token endpoint parameters for req,
// including client authentication except for client_secret_basic, which
// the exchanger sends as a header.
func BuildTokenRequestBody(cfg *domain.FlowConfig, req TokenRequest) (url.Values, error) {
	if _, err := ParseEndpoint("token endpoint", cfg.TokenEndpoint); err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		return nil, configError("client_id is required")
	}

	body := url.Values{}
	switch {
	case req.Code != "":
		if _, err := ParseRedirectURI(cfg.RedirectURI); err != nil {
			return nil, err
		}
		body.Set("grant_type", "authorization_code")
		body.Set("code", req.Code)
		body.Set("redirect_uri", cfg.RedirectURI)
		if req.CodeVerifier != "" {
			body.Set("code_verifier", req.CodeVerifier)
		}
	case req.RefreshToken != "":
		body.Set("grant_type", "refresh_token")
		body.Set("refresh_token", req.RefreshToken)
		if err := setScope(body, req.Scopes); err != nil {
			return nil, err
		}
	case cfg.Grant == domain.GrantClientCredentials:
		body.Set("grant_type", "client_credentials")
		scopes := req.Scopes
		if scopes == nil {
			scopes = cfg.Scopes
		}
		if err := setScope(body, scopes); err != nil {
			return nil, err
		}
	case cfg.Grant == domain.GrantRefreshToken:
		return nil, configError("refresh token is required")
	default:
		return nil, configError("authorization code is required for grant %q", cfg.Grant)
	}

	if err := authenticate(cfg, body); err != nil {
		return nil, err
	}
	return body, nil
}

func setScope(body url.Values, scopes []string) error {
	scope, err := JoinScopes(scopes)
	if err != nil {
		return err
	}
	if scope != "" {
		body.Set("scope", scope)
	}
	return nil
}

func authenticate(cfg *domain.FlowConfig, body url.Values) error {
	switch cfg.AuthMethod() {
	case domain.ClientAuthNone:
		body.Set("client_id", cfg.ClientID)
	case domain.ClientAuthPost:
		if cfg.ClientSecret == "" {
			return configError("client_secret_post requires a client secret")
		}
		body.Set("client_id", cfg.ClientID)
		body.Set("client_secret", cfg.ClientSecret)
	case domain.ClientAuthBasic:
		if cfg.ClientSecret == "" {
			return configError("client_secret_basic requires a client secret")
		}
	case domain.ClientAuthJWT:
		assertion, err := ClientAssertion(cfg, time.Now())
		if err != nil {
			return err
		}
		body.Set("client_id", cfg.ClientID)
		body.Set("client_assertion_type", assertionType)
		body.Set("client_assertion", assertion)
	default:
		return configError("unsupported client auth method %q", cfg.ClientAuth)
	}
	return nil
}

// ClientAssertion signs an RFC 7523 client_secret_jwt assertion for cfg.
func ClientAssertion(cfg *domain.FlowConfig, now time.Time) (string, error) {
	if cfg.ClientSecret == "" {
		return "", configError("client_secret_jwt requires a client secret")
	}
	claims := jwt.RegisteredClaims{
		Issuer:    cfg.ClientID,
		Subject:   cfg.ClientID,
		Audience:  jwt.ClaimStrings{cfg.TokenEndpoint},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.ClientSecret))
	if err != nil {
		return "", domain.NewError(domain.KindConfiguration, err, "signing client assertion")
	}
	return signed, nil
}
