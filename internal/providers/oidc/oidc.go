// Package oidc is a provider preset that discovers endpoints from an
// OpenID Connect issuer.
package oidc

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/BlackMission/authflow/internal/domain"
	"github.com/BlackMission/authflow/internal/providers"
)

// Provider discovers its endpoints from issuer on first use.
type Provider struct {
	name       string
	issuer     string
	httpClient *http.Client

	mu       sync.Mutex
	provider *oidc.Provider
}

// New creates a preset called name for issuer.
func New(name, issuer string) *Provider {
	return &Provider{name: name, issuer: issuer, httpClient: http.DefaultClient}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) discover(ctx context.Context) (*oidc.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.provider != nil {
		return p.provider, nil
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, p.httpClient), p.issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrDiscovery, p.issuer, err)
	}
	p.provider = provider
	return provider, nil
}

// Configure sets the discovered endpoints and adds the openid scope to
// interactive grants.
func (p *Provider) Configure(ctx context.Context, cfg *domain.FlowConfig) error {
	provider, err := p.discover(ctx)
	if err != nil {
		return err
	}
	endpoint := provider.Endpoint()
	providers.SetDefault(&cfg.AuthorizeEndpoint, endpoint.AuthURL)
	providers.SetDefault(&cfg.TokenEndpoint, endpoint.TokenURL)

	if cfg.Grant.Interactive() && !slices.Contains(cfg.Scopes, oidc.ScopeOpenID) {
		cfg.Scopes = append([]string{oidc.ScopeOpenID}, cfg.Scopes...)
	}
	return nil
}

type profileClaims struct {
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Picture           string `json:"picture"`
}

// Identify calls the issuer's userinfo endpoint.
func (p *Provider) Identify(ctx context.Context, ts oauth2.TokenSource) (*providers.Identity, error) {
	provider, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	info, err := provider.UserInfo(oidc.ClientContext(ctx, p.httpClient), ts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUserInfo, err)
	}

	var claims profileClaims
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: decoding claims: %v", domain.ErrUserInfo, err)
	}

	return &providers.Identity{
		Subject:     info.Subject,
		Username:    claims.PreferredUsername,
		DisplayName: claims.Name,
		Email:       info.Email,
		AvatarURL:   claims.Picture,
	}, nil
}
