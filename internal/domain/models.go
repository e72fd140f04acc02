package domain

import (
	"math"
	"time"

	"golang.org/x/oauth2"
)

// GrantType selects which OAuth2 flow a FlowConfig drives.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantImplicit          GrantType = "implicit"
	GrantClientCredentials GrantType = "client_credentials"
	GrantRefreshToken      GrantType = "refresh_token"
	// GrantPKCE is the authorization code grant extended with RFC 7636.
	GrantPKCE GrantType = "pkce"
)

// ResponseType returns the response_type sent to the authorize endpoint,
// or "" for grants that never visit it.
func (g GrantType) ResponseType() string {
	switch g {
	case GrantAuthorizationCode, GrantPKCE:
		return "code"
	case GrantImplicit:
		return "token"
	default:
		return ""
	}
}

// Interactive reports whether the grant needs a user-agent round trip.
func (g GrantType) Interactive() bool {
	return g.ResponseType() != ""
}

// UsesPKCE reports whether attempts for this grant carry a code verifier.
func (g GrantType) UsesPKCE() bool {
	return g == GrantPKCE
}

// TokenGrant returns the grant_type value used on the token endpoint.
func (g GrantType) TokenGrant() string {
	switch g {
	case GrantAuthorizationCode, GrantPKCE:
		return "authorization_code"
	case GrantClientCredentials:
		return "client_credentials"
	case GrantRefreshToken:
		return "refresh_token"
	default:
		return ""
	}
}

// Valid reports whether g is one of the known grants.
func (g GrantType) Valid() bool {
	switch g {
	case GrantAuthorizationCode, GrantImplicit, GrantClientCredentials, GrantRefreshToken, GrantPKCE:
		return true
	}
	return false
}

// BodyEncoding is the content type of token endpoint requests.
type BodyEncoding string

const (
	EncodingForm BodyEncoding = "form"
	EncodingJSON BodyEncoding = "json"
)

// ClientAuthMethod is how the client authenticates to the token endpoint.
type ClientAuthMethod string

const (
	ClientAuthPost  ClientAuthMethod = "client_secret_post"
	ClientAuthBasic ClientAuthMethod = "client_secret_basic"
	ClientAuthJWT   ClientAuthMethod = "client_secret_jwt"
	ClientAuthNone  ClientAuthMethod = "none"
)

// FlowConfig describes one client registration and the flow to run with it.
// It must not be mutated while an attempt using it is in flight.
type FlowConfig struct {
	Grant                GrantType         `json:"grant"`
	ClientID             string            `json:"client_id"`
	ClientSecret         string            `json:"-"`
	AuthorizeEndpoint    string            `json:"authorize_endpoint"`
	TokenEndpoint        string            `json:"token_endpoint"`
	RedirectURI          string            `json:"redirect_uri"`
	Scopes               []string          `json:"scopes,omitempty"`
	ExtraParams          map[string]string `json:"extra_params,omitempty"`
	TokenRequestEncoding BodyEncoding      `json:"token_request_encoding,omitempty"`
	ClientAuth           ClientAuthMethod  `json:"client_auth,omitempty"`
}

// AuthMethod returns the effective client authentication method.
func (c *FlowConfig) AuthMethod() ClientAuthMethod {
	if c.ClientAuth != "" {
		return c.ClientAuth
	}
	if c.ClientSecret == "" {
		return ClientAuthNone
	}
	return ClientAuthPost
}

// Encoding returns the effective token request encoding.
func (c *FlowConfig) Encoding() BodyEncoding {
	if c.TokenRequestEncoding == "" {
		return EncodingForm
	}
	return c.TokenRequestEncoding
}

// Attempt is one in-flight authorization cycle.
type Attempt struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	CodeVerifier  string    `json:"-"`
	CodeChallenge string    `json:"code_challenge,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// StatePayload is the data embedded in the HMAC-signed state parameter.
type StatePayload struct {
	AttemptID string    `json:"aid"`
	Nonce     string    `json:"nce"`
	ExpiresAt time.Time `json:"exp"`
}

// TokenResult is the outcome of a successful grant.
type TokenResult struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
}

// IsExpired reports whether the access token is past its expiry now.
// A zero Expiry means the server did not advertise one.
func (t *TokenResult) IsExpired() bool {
	return t.ExpiredAt(time.Now())
}

// ExpiredAt reports whether the access token is expired at instant now.
func (t *TokenResult) ExpiredAt(now time.Time) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return !now.Before(t.Expiry)
}

// maxExpiresIn is the largest expires_in that fits in a time.Duration.
const maxExpiresIn = math.MaxInt64 / int64(time.Second)

// ExpiryAfter converts an expires_in value received at now to an absolute
// expiry. Values too large for a time.Duration are capped.
func ExpiryAfter(now time.Time, expiresIn int64) time.Time {
	expiresIn = min(expiresIn, maxExpiresIn)
	return now.Add(time.Duration(expiresIn) * time.Second)
}

// OAuth2 converts the result to the x/oauth2 token type.
func (t *TokenResult) OAuth2() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
	}
	if t.IDToken != "" {
		tok = tok.WithExtra(map[string]any{"id_token": t.IDToken})
	}
	return tok
}

// OutcomeKind tags a RedirectOutcome.
type OutcomeKind int

const (
	OutcomeCode OutcomeKind = iota + 1
	OutcomeImplicitToken
	OutcomeCancelled
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCode:
		return "authorization_code"
	case OutcomeImplicitToken:
		return "implicit_token"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// RedirectOutcome is what a redirect URL resolved to. Only the fields for
// Kind are set.
type RedirectOutcome struct {
	Kind  OutcomeKind
	Code  string
	State string
	Token *TokenResult
	Err   *OAuthError
}

// CodeOutcome builds an AuthorizationCode outcome.
func CodeOutcome(code, state string) RedirectOutcome {
	return RedirectOutcome{Kind: OutcomeCode, Code: code, State: state}
}

// TokenOutcome builds an ImplicitToken outcome.
func TokenOutcome(tok *TokenResult) RedirectOutcome {
	return RedirectOutcome{Kind: OutcomeImplicitToken, Token: tok}
}

// CancelledOutcome builds a Cancelled outcome.
func CancelledOutcome() RedirectOutcome {
	return RedirectOutcome{Kind: OutcomeCancelled}
}

// ErrorOutcome builds an Error outcome.
func ErrorOutcome(kind ErrorKind, description string) RedirectOutcome {
	return RedirectOutcome{Kind: OutcomeError, Err: &OAuthError{Kind: kind, Description: description}}
}
