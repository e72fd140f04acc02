// Package providers holds presets that fill in a FlowConfig for a known
// authorization server.
package providers

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/oauth2"

	"github.com/BlackMission/authflow/internal/domain"
)

// Provider fills the provider-specific fields of a FlowConfig. Fields the
// caller already set are left alone.
type Provider interface {
	Name() string
	Configure(ctx context.Context, cfg *domain.FlowConfig) error
}

// Identity is who a token belongs to.
type Identity struct {
	Subject     string `json:"subject"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Identifier is implemented by providers that can look up the identity
// behind a token.
type Identifier interface {
	Identify(ctx context.Context, ts oauth2.TokenSource) (*Identity, error)
}

// Registry maps provider names to their implementations.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) error {
	name := p.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateProvider, name)
	}
	r.providers[name] = p
	return nil
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// Names returns the registered provider names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configure applies the named preset to cfg. An empty name leaves cfg as
// it is.
func (r *Registry) Configure(ctx context.Context, name string, cfg *domain.FlowConfig) error {
	if name == "" {
		return nil
	}
	p, err := r.Get(name)
	if err != nil {
		return err
	}
	return p.Configure(ctx, cfg)
}

// SetDefault assigns v to *field when it is empty.
func SetDefault(field *string, v string) {
	if *field == "" {
		*field = v
	}
}
