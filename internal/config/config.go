// Package config loads the command-line client's settings from AUTHFLOW_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/BlackMission/authflow/internal/domain"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "AUTHFLOW_"

// Presenter names.
const (
	PresenterBrowser  = "browser"
	PresenterPrompt   = "prompt"
	PresenterHeadless = "headless"
)

// Store backend names.
const (
	StoreMemory = "memory"
	StoreBolt   = "bolt"
	StoreRedis  = "redis"
)

// Config is the top-level client configuration.
type Config struct {
	Profile  string `env:"PROFILE" envDefault:"default"`
	Provider string `env:"PROVIDER"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// MetricsFile receives the flow metrics in Prometheus text format
	// when the command exits.
	MetricsFile string `env:"METRICS_FILE"`

	Client  ClientConfig
	Flow    FlowConfig
	Storage StorageConfig
	Secrets SecretsConfig
}

// ClientConfig holds the client registration.
type ClientConfig struct {
	ID            string `env:"CLIENT_ID"`
	Secret        string `env:"CLIENT_SECRET"`
	Auth          string `env:"CLIENT_AUTH"`
	TokenEncoding string `env:"TOKEN_ENCODING" envDefault:"form"`
}

// FlowConfig holds the grant and endpoint settings.
type FlowConfig struct {
	Grant             string            `env:"GRANT" envDefault:"pkce"`
	AuthorizeEndpoint string            `env:"AUTHORIZE_URL"`
	TokenEndpoint     string            `env:"TOKEN_URL"`
	RedirectURI       string            `env:"REDIRECT_URI" envDefault:"http://127.0.0.1:8085/callback"`
	OIDCIssuer        string            `env:"OIDC_ISSUER"`
	Scopes            []string          `env:"SCOPES" envSeparator:","`
	ExtraParams       map[string]string `env:"EXTRA_PARAMS" envSeparator:"," envKeyValSeparator:"="`
	Policy            string            `env:"POLICY" envDefault:"reject"`
	AttemptTimeout    time.Duration     `env:"ATTEMPT_TIMEOUT" envDefault:"5m"`
	Presenter         string            `env:"PRESENTER" envDefault:"browser"`
}

// StorageConfig selects where credentials are kept.
type StorageConfig struct {
	Backend       string `env:"STORE" envDefault:"bolt"`
	Path          string `env:"STORE_PATH"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
}

// SecretsConfig holds key material.
type SecretsConfig struct {
	// SealKey is a passphrase; credentials are stored unsealed without it.
	SealKey  string `env:"SEAL_KEY"`
	StateKey string `env:"STATE_KEY"`
}

// LoadFromEnv reads and validates the configuration.
func LoadFromEnv() (*Config, error) {
	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads the environment without validating, so flags can override
// values first.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultStorePath()
	}
	return &cfg, nil
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "authflow", "credentials.db")
}

// Validate checks the values that do not depend on a provider preset.
func (c *Config) Validate() error {
	if c.Client.ID == "" {
		return fmt.Errorf("%w: %sCLIENT_ID is required", domain.ErrMissingConfig, EnvPrefix)
	}
	if !domain.GrantType(c.Flow.Grant).Valid() {
		return fmt.Errorf("%w: unknown grant %q", domain.ErrInvalidConfig, c.Flow.Grant)
	}
	if err := oneOf("client auth", c.Client.Auth, "",
		string(domain.ClientAuthPost), string(domain.ClientAuthBasic),
		string(domain.ClientAuthJWT), string(domain.ClientAuthNone)); err != nil {
		return err
	}
	if err := oneOf("token encoding", c.Client.TokenEncoding, string(domain.EncodingForm), string(domain.EncodingJSON)); err != nil {
		return err
	}
	if err := oneOf("policy", c.Flow.Policy, "reject", "supersede"); err != nil {
		return err
	}
	if err := oneOf("presenter", c.Flow.Presenter, PresenterBrowser, PresenterPrompt, PresenterHeadless); err != nil {
		return err
	}
	if c.Flow.AttemptTimeout < 0 {
		return fmt.Errorf("%w: attempt timeout must not be negative", domain.ErrInvalidConfig)
	}
	if err := oneOf("log level", c.LogLevel, "debug", "info", "warn", "error"); err != nil {
		return err
	}
	if err := oneOf("store", c.Storage.Backend, StoreMemory, StoreBolt, StoreRedis); err != nil {
		return err
	}
	if c.Storage.Backend == StoreRedis && c.Storage.RedisAddr == "" {
		return fmt.Errorf("%w: %sREDIS_ADDR is required for the redis store", domain.ErrMissingConfig, EnvPrefix)
	}
	if c.Provider == "oidc" && c.Flow.OIDCIssuer == "" {
		return fmt.Errorf("%w: %sOIDC_ISSUER is required for the oidc provider", domain.ErrMissingConfig, EnvPrefix)
	}
	return nil
}

func oneOf(name, v string, allowed ...string) error {
	if slices.Contains(allowed, v) {
		return nil
	}
	return fmt.Errorf("%w: unknown %s %q", domain.ErrInvalidConfig, name, v)
}

// FlowConfig builds the engine configuration. Endpoints may still be empty
// until a provider preset fills them.
func (c *Config) FlowConfig() *domain.FlowConfig {
	return &domain.FlowConfig{
		Grant:                domain.GrantType(c.Flow.Grant),
		ClientID:             c.Client.ID,
		ClientSecret:         c.Client.Secret,
		AuthorizeEndpoint:    c.Flow.AuthorizeEndpoint,
		TokenEndpoint:        c.Flow.TokenEndpoint,
		RedirectURI:          c.Flow.RedirectURI,
		Scopes:               slices.Clone(c.Flow.Scopes),
		ExtraParams:          c.Flow.ExtraParams,
		TokenRequestEncoding: domain.BodyEncoding(c.Client.TokenEncoding),
		ClientAuth:           domain.ClientAuthMethod(c.Client.Auth),
	}
}
