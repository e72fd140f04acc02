package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/BlackMission/authflow/internal/domain"
	"github.com/BlackMission/authflow/internal/providers"
)

const (
	providerName        = "discord"
	defaultAuthEndpoint = "https://discord.com/oauth2/authorize"
	defaultTokenURL     = "https://discord.com/api/oauth2/token"
	defaultUserURL      = "https://discord.com/api/users/@me"
)

// Provider is the Discord preset.
type Provider struct {
	httpClient   *http.Client
	authEndpoint string
	tokenURL     string
	userURL      string
}

// New creates a Discord provider.
func New() *Provider {
	return &Provider{
		httpClient:   http.DefaultClient,
		authEndpoint: defaultAuthEndpoint,
		tokenURL:     defaultTokenURL,
		userURL:      defaultUserURL,
	}
}

func (p *Provider) Name() string { return providerName }

// Configure sets Discord's endpoints and the identify scope.
func (p *Provider) Configure(ctx context.Context, cfg *domain.FlowConfig) error {
	providers.SetDefault(&cfg.AuthorizeEndpoint, p.authEndpoint)
	providers.SetDefault(&cfg.TokenEndpoint, p.tokenURL)
	if len(cfg.Scopes) == 0 && cfg.Grant.Interactive() {
		cfg.Scopes = []string{"identify"}
	}
	return nil
}

type discordUser struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Avatar     string `json:"avatar"`
	Email      string `json:"email"`
}

// Identify fetches the user behind the token from /users/@me.
func (p *Provider) Identify(ctx context.Context, ts oauth2.TokenSource) (*providers.Identity, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	client := oauth2.NewClient(ctx, ts)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating user request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUserInfo, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", domain.ErrUserInfo, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrUserInfo, resp.StatusCode, body)
	}

	var du discordUser
	if err := json.Unmarshal(body, &du); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", domain.ErrUserInfo, err)
	}

	avatarURL := ""
	if du.Avatar != "" {
		avatarURL = fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.png", du.ID, du.Avatar)
	}

	displayName := du.GlobalName
	if displayName == "" {
		displayName = du.Username
	}

	return &providers.Identity{
		Subject:     du.ID,
		Username:    du.Username,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		Email:       du.Email,
	}, nil
}
