package token

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/BlackMission/authflow/internal/domain"
)

const defaultLeeway = 30 * time.Second

// Store persists the current credential.
type Store interface {
	Save(ctx context.Context, tok domain.TokenResult) error
	Load(ctx context.Context) (*domain.TokenResult, error)
}

// Source serves the stored credential and refreshes it when it is about
// to expire. Concurrent refreshes are coalesced into one token request.
type Source struct {
	ctx       context.Context
	cfg       *domain.FlowConfig
	store     Store
	exchanger *Exchanger
	logger    *zap.Logger
	leeway    time.Duration
	now       func() time.Time
	group     singleflight.Group
}

var _ oauth2.TokenSource = (*Source)(nil)

// NewSource creates a Source. ctx is used by Token, which has no context
// parameter of its own.
func NewSource(ctx context.Context, cfg *domain.FlowConfig, store Store, exchanger *Exchanger, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		ctx:       ctx,
		cfg:       cfg,
		store:     store,
		exchanger: exchanger,
		logger:    logger,
		leeway:    defaultLeeway,
		now:       time.Now,
	}
}

// SetNow overrides the time function (for testing).
func (s *Source) SetNow(fn func() time.Time) {
	s.now = fn
}

// SetLeeway sets how long before expiry a token is refreshed.
func (s *Source) SetLeeway(d time.Duration) {
	s.leeway = d
}

// Token implements oauth2.TokenSource.
func (s *Source) Token() (*oauth2.Token, error) {
	tok, err := s.Current(s.ctx)
	if err != nil {
		return nil, err
	}
	return tok.OAuth2(), nil
}

// Current returns a valid credential, refreshing and persisting it first
// if needed.
func (s *Source) Current(ctx context.Context) (*domain.TokenResult, error) {
	tok, err := s.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}
	if tok == nil {
		return nil, domain.ErrNoCredential
	}
	if !tok.ExpiredAt(s.now().Add(s.leeway)) {
		return tok, nil
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: access token expired and no refresh token is stored", domain.ErrNoCredential)
	}

	v, err, shared := s.group.Do(tok.RefreshToken, func() (any, error) {
		fresh, err := s.exchanger.Refresh(ctx, s.cfg, tok.RefreshToken, nil)
		if err != nil {
			return nil, err
		}
		if len(fresh.Scopes) == 0 {
			fresh.Scopes = tok.Scopes
		}
		if err := s.store.Save(ctx, *fresh); err != nil {
			return nil, fmt.Errorf("saving refreshed credential: %w", err)
		}
		return fresh, nil
	})
	if err != nil {
		s.logger.Warn("refresh failed", zap.Error(err))
		return nil, err
	}
	s.logger.Debug("credential refreshed", zap.Bool("shared", shared))
	fresh := *v.(*domain.TokenResult)
	return &fresh, nil
}
