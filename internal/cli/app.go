package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BlackMission/authflow/internal/config"
	"github.com/BlackMission/authflow/internal/credstore"
	"github.com/BlackMission/authflow/internal/domain"
	"github.com/BlackMission/authflow/internal/flow"
	"github.com/BlackMission/authflow/internal/metrics"
	"github.com/BlackMission/authflow/internal/present"
	"github.com/BlackMission/authflow/internal/providers"
	"github.com/BlackMission/authflow/internal/providers/discord"
	"github.com/BlackMission/authflow/internal/providers/oidc"
	"github.com/BlackMission/authflow/internal/seal"
	"github.com/BlackMission/authflow/internal/state"
	"github.com/BlackMission/authflow/internal/token"
)

const httpTimeout = 30 * time.Second

// store is what the commands need from a credential backend.
type store interface {
	flow.CredentialStore
	io.Closer
}

// app holds what one command invocation is built from.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *providers.Registry
	store    store
	client   *http.Client
	in       io.Reader
	out      io.Writer

	gatherer prometheus.Gatherer
	metrics  *metrics.Metrics
}

func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

func newApp(ctx context.Context, o *rootOptions) (*app, error) {
	cfg, err := config.Parse()
	if err != nil {
		return nil, err
	}
	o.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel, o.errOut)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	registry, err := newRegistry(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		store:    st,
		client:   &http.Client{Timeout: httpTimeout},
		in:       o.in,
		out:      o.out,
	}
	if cfg.MetricsFile != "" {
		reg := prometheus.NewRegistry()
		a.gatherer = reg
		a.metrics = metrics.New(reg)
	}
	return a, nil
}

func newRegistry(cfg *config.Config) (*providers.Registry, error) {
	presets := []providers.Provider{discord.New()}
	if cfg.Flow.OIDCIssuer != "" {
		presets = append(presets, oidc.New("oidc", cfg.Flow.OIDCIssuer))
	}
	registry := providers.NewRegistry()
	for _, p := range presets {
		if err := registry.Register(p); err != nil {
			return nil, fmt.Errorf("registering provider preset: %w", err)
		}
	}
	return registry, nil
}

func (a *app) Close() error {
	defer a.logger.Sync()
	if a.gatherer != nil {
		if err := prometheus.WriteToTextfile(a.cfg.MetricsFile, a.gatherer); err != nil {
			a.logger.Warn("writing metrics file failed", zap.String("path", a.cfg.MetricsFile), zap.Error(err))
		}
	}
	return a.store.Close()
}

type nopCloser struct{ *credstore.Memory }

func (nopCloser) Close() error { return nil }

type redisStore struct {
	*credstore.Redis
	close func() error
}

func (r redisStore) Close() error { return r.close() }

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	var sealer *seal.Sealer
	if cfg.Secrets.SealKey != "" {
		s, err := seal.FromPassphrase(cfg.Secrets.SealKey)
		if err != nil {
			return nil, err
		}
		sealer = s
	}

	switch cfg.Storage.Backend {
	case config.StoreMemory:
		return nopCloser{credstore.NewMemory()}, nil
	case config.StoreRedis:
		client, err := credstore.DialRedis(ctx, cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB)
		if err != nil {
			return nil, err
		}
		return redisStore{Redis: credstore.NewRedis(client, cfg.Profile, sealer), close: client.Close}, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
			return nil, fmt.Errorf("creating credential directory: %w", err)
		}
		return credstore.OpenBolt(cfg.Storage.Path, cfg.Profile, sealer)
	}
}

// flowConfig builds the engine config for grant with the provider preset
// applied.
func (a *app) flowConfig(ctx context.Context, grant domain.GrantType) (*domain.FlowConfig, error) {
	fc := a.cfg.FlowConfig()
	if grant != "" {
		fc.Grant = grant
	}
	if err := a.registry.Configure(ctx, a.cfg.Provider, fc); err != nil {
		return nil, err
	}
	return fc, nil
}

func (a *app) exchanger() *token.Exchanger {
	e := token.NewExchanger(token.NewHTTPTransport(a.client), a.logger)
	e.SetMetrics(a.metrics)
	return e
}

func (a *app) presenter(fc *domain.FlowConfig) (flow.Presenter, error) {
	switch a.cfg.Flow.Presenter {
	case config.PresenterPrompt:
		return present.NewPrompt(a.in, a.out), nil
	case config.PresenterHeadless:
		return present.NewHeadless(fc.RedirectURI, a.client.Transport, nil, a.logger), nil
	default:
		l, err := present.NewLoopback(fc.RedirectURI, a.logger)
		if err != nil {
			return nil, err
		}
		l.SetOutput(a.out)
		return l, nil
	}
}

func (a *app) controller(fc *domain.FlowConfig) (*flow.Controller, error) {
	opts := flow.Options{
		AttemptTimeout: a.cfg.Flow.AttemptTimeout,
		Store:          a.store,
		Logger:         a.logger,
		Metrics:        a.metrics,
	}
	if a.cfg.Flow.Policy == "supersede" {
		opts.Policy = flow.SupersedePrior
	}
	if a.cfg.Secrets.StateKey != "" {
		opts.States = state.NewService([]byte(a.cfg.Secrets.StateKey))
	}
	if fc.Grant.Interactive() {
		p, err := a.presenter(fc)
		if err != nil {
			return nil, err
		}
		opts.Presenter = p
	}
	return flow.New(fc, a.exchanger(), opts), nil
}
