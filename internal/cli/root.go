// Package cli implements the authflow command.
package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/BlackMission/authflow/internal/config"
)

// rootOptions are the persistent flags. Flags left unset keep the value
// from the environment.
type rootOptions struct {
	flags *pflag.FlagSet

	profile      string
	provider     string
	clientID     string
	clientSecret string
	authorizeURL string
	tokenURL     string
	redirectURI  string
	scopes       []string
	presenter    string
	policy       string
	timeout      time.Duration
	storeBackend string
	storePath    string
	logLevel     string

	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func (o *rootOptions) addFlags(fs *pflag.FlagSet) {
	o.flags = fs
	fs.StringVar(&o.profile, "profile", "", "credential profile name ("+config.EnvPrefix+"PROFILE)")
	fs.StringVar(&o.provider, "provider", "", "provider preset: discord or oidc ("+config.EnvPrefix+"PROVIDER)")
	fs.StringVar(&o.clientID, "client-id", "", "OAuth2 client ID")
	fs.StringVar(&o.clientSecret, "client-secret", "", "OAuth2 client secret")
	fs.StringVar(&o.authorizeURL, "authorize-url", "", "authorization endpoint")
	fs.StringVar(&o.tokenURL, "token-url", "", "token endpoint")
	fs.StringVar(&o.redirectURI, "redirect-uri", "", "redirect URI registered for the client")
	fs.StringSliceVar(&o.scopes, "scope", nil, "scopes to request (repeatable or comma separated)")
	fs.StringVar(&o.presenter, "presenter", "", "how to show the authorize URL: browser, prompt or headless")
	fs.StringVar(&o.policy, "policy", "", "concurrent attempt policy: reject or supersede")
	fs.DurationVar(&o.timeout, "timeout", 0, "how long to wait for the redirect")
	fs.StringVar(&o.storeBackend, "store", "", "credential store: memory, bolt or redis")
	fs.StringVar(&o.storePath, "store-path", "", "bolt credential file")
	fs.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
}

// apply copies every flag the user set onto cfg.
func (o *rootOptions) apply(cfg *config.Config) {
	set := func(name string, fn func()) {
		if o.flags.Changed(name) {
			fn()
		}
	}
	set("profile", func() { cfg.Profile = o.profile })
	set("provider", func() { cfg.Provider = o.provider })
	set("client-id", func() { cfg.Client.ID = o.clientID })
	set("client-secret", func() { cfg.Client.Secret = o.clientSecret })
	set("authorize-url", func() { cfg.Flow.AuthorizeEndpoint = o.authorizeURL })
	set("token-url", func() { cfg.Flow.TokenEndpoint = o.tokenURL })
	set("redirect-uri", func() { cfg.Flow.RedirectURI = o.redirectURI })
	set("scope", func() { cfg.Flow.Scopes = o.scopes })
	set("presenter", func() { cfg.Flow.Presenter = o.presenter })
	set("policy", func() { cfg.Flow.Policy = o.policy })
	set("timeout", func() { cfg.Flow.AttemptTimeout = o.timeout })
	set("store", func() { cfg.Storage.Backend = o.storeBackend })
	set("store-path", func() { cfg.Storage.Path = o.storePath })
	set("log-level", func() { cfg.LogLevel = o.logLevel })
}

// NewRootCommand builds the command tree.
func NewRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	o := &rootOptions{in: in, out: out, errOut: errOut}

	cmd := &cobra.Command{
		Use:           "authflow",
		Short:         "Obtain and manage OAuth2 tokens",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	o.addFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newAuthorizeCommand(o),
		newClientCredentialsCommand(o),
		newRefreshCommand(o),
		newTokenCommand(o),
		newProvidersCommand(o),
	)
	return cmd
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := NewRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		cmd.PrintErrln("Error:", err)
		return 1
	}
	return 0
}

// withApp builds the app for a command and closes it afterwards.
func withApp(o *rootOptions, fn func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, o)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a)
	}
}
