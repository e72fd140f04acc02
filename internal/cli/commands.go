package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BlackMission/authflow/internal/domain"
	"github.com/BlackMission/authflow/internal/providers"
	"github.com/BlackMission/authflow/internal/token"
)

func newAuthorizeCommand(o *rootOptions) *cobra.Command {
	var reveal, whoami bool
	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "Authorize in a browser and store the resulting token",
		Long: `Runs the configured interactive grant (pkce, authorization_code or
implicit): the authorize URL is shown with the selected presenter, the
redirect is validated and the code exchanged for a token.`,
		Args: cobra.NoArgs,
		RunE: withApp(o, func(ctx context.Context, a *app) error {
			fc, err := a.flowConfig(ctx, "")
			if err != nil {
				return err
			}
			if !fc.Grant.Interactive() {
				return fmt.Errorf("%w: grant %q does not use a browser; use client-credentials or refresh", domain.ErrInvalidConfig, fc.Grant)
			}
			tok, err := a.authorize(ctx, fc)
			if err != nil {
				return err
			}
			printToken(a.out, tok, reveal, time.Now())
			if whoami {
				return a.whoami(ctx, fc)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print the full access token")
	cmd.Flags().BoolVar(&whoami, "whoami", false, "look up the signed-in identity afterwards")
	return cmd
}

func newClientCredentialsCommand(o *rootOptions) *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "client-credentials",
		Short: "Obtain a token with the client credentials grant",
		Args:  cobra.NoArgs,
		RunE: withApp(o, func(ctx context.Context, a *app) error {
			fc, err := a.flowConfig(ctx, domain.GrantClientCredentials)
			if err != nil {
				return err
			}
			tok, err := a.authorize(ctx, fc)
			if err != nil {
				return err
			}
			printToken(a.out, tok, reveal, time.Now())
			return nil
		}),
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print the full access token")
	return cmd
}

func newRefreshCommand(o *rootOptions) *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the stored refresh token for a new access token",
		Args:  cobra.NoArgs,
		RunE: withApp(o, func(ctx context.Context, a *app) error {
			fc, err := a.flowConfig(ctx, domain.GrantRefreshToken)
			if err != nil {
				return err
			}
			tok, err := a.authorize(ctx, fc)
			if err != nil {
				return err
			}
			printToken(a.out, tok, reveal, time.Now())
			return nil
		}),
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print the full access token")
	return cmd
}

func newTokenCommand(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect or remove the stored token",
	}

	var reveal bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the stored token",
		Args:  cobra.NoArgs,
		RunE: withApp(o, func(ctx context.Context, a *app) error {
			tok, err := a.store.Load(ctx)
			if err != nil {
				return err
			}
			if tok == nil {
				return fmt.Errorf("%w for profile %q", domain.ErrNoCredential, a.cfg.Profile)
			}
			printToken(a.out, tok, reveal, time.Now())
			return nil
		}),
	}
	show.Flags().BoolVar(&reveal, "reveal", false, "print the full access token")

	access := &cobra.Command{
		Use:   "access",
		Short: "Print a valid access token, refreshing it if needed",
		Args:  cobra.NoArgs,
		RunE: withApp(o, func(ctx context.Context, a *app) error {
			src, err := a.source(ctx)
			if err != nil {
				return err
			}
			tok, err := src.Current(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, tok.AccessToken)
			return nil
		}),
	}

	whoami := &cobra.Command{
		Use:   "whoami",
		Short: "Show who the stored token belongs to",
		Args:  cobra.NoArgs,
		RunE: withApp(o, func(ctx context.Context, a *app) error {
			fc, err := a.flowConfig(ctx, domain.GrantRefreshToken)
			if err != nil {
				return err
			}
			return a.whoami(ctx, fc)
		}),
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the stored token",
		Args:  cobra.NoArgs,
		RunE: withApp(o, func(ctx context.Context, a *app) error {
			if err := a.store.Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Cleared credentials for profile %q\n", a.cfg.Profile)
			return nil
		}),
	}

	profiles := &cobra.Command{
		Use:   "profiles",
		Short: "List profiles with a stored token",
		Args:  cobra.NoArgs,
		RunE: withApp(o, func(ctx context.Context, a *app) error {
			lister, ok := a.store.(interface {
				Profiles(context.Context) ([]string, error)
			})
			if !ok {
				return fmt.Errorf("%w: the %s store cannot list profiles", domain.ErrInvalidConfig, a.cfg.Storage.Backend)
			}
			names, err := lister.Profiles(ctx)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(a.out, name)
			}
			return nil
		}),
	}

	cmd.AddCommand(show, access, whoami, clearCmd, profiles)
	return cmd
}

func newProvidersCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List provider presets",
		Args:  cobra.NoArgs,
		RunE: withApp(o, func(ctx context.Context, a *app) error {
			for _, name := range a.registry.Names() {
				marker := " "
				if name == a.cfg.Provider {
					marker = "*"
				}
				fmt.Fprintf(a.out, "%s %s\n", marker, name)
			}
			return nil
		}),
	}
}

func (a *app) authorize(ctx context.Context, fc *domain.FlowConfig) (*domain.TokenResult, error) {
	ctrl, err := a.controller(fc)
	if err != nil {
		return nil, err
	}
	return ctrl.Authorize(ctx, nil)
}

// source returns a token source over the store that refreshes with the
// configured client.
func (a *app) source(ctx context.Context) (*token.Source, error) {
	fc, err := a.flowConfig(ctx, domain.GrantRefreshToken)
	if err != nil {
		return nil, err
	}
	return token.NewSource(ctx, fc, a.store, a.exchanger(), a.logger), nil
}

func (a *app) whoami(ctx context.Context, fc *domain.FlowConfig) error {
	p, err := a.registry.Get(a.cfg.Provider)
	if err != nil {
		return err
	}
	identifier, ok := p.(providers.Identifier)
	if !ok {
		return fmt.Errorf("provider %q cannot look up identities", p.Name())
	}

	id, err := identifier.Identify(ctx, token.NewSource(ctx, fc, a.store, a.exchanger(), a.logger))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "subject:   %s\n", id.Subject)
	for _, row := range [][2]string{
		{"username", id.Username},
		{"name", id.DisplayName},
		{"email", id.Email},
	} {
		if row[1] != "" {
			fmt.Fprintf(a.out, "%-10s %s\n", row[0]+":", row[1])
		}
	}
	return nil
}

func printToken(w io.Writer, tok *domain.TokenResult, reveal bool, now time.Time) {
	access := tok.AccessToken
	if !reveal {
		access = mask(access)
	}
	fmt.Fprintf(w, "access_token:  %s\n", access)
	fmt.Fprintf(w, "token_type:    %s\n", tok.TokenType)
	switch {
	case tok.Expiry.IsZero():
		fmt.Fprintln(w, "expires:       never")
	case !tok.Expiry.After(now):
		fmt.Fprintf(w, "expires:       %s (expired)\n", tok.Expiry.Format(time.RFC3339))
	default:
		fmt.Fprintf(w, "expires:       %s (in %s)\n", tok.Expiry.Format(time.RFC3339), tok.Expiry.Sub(now).Round(time.Second))
	}
	refresh := "none"
	if tok.RefreshToken != "" {
		refresh = "stored"
	}
	fmt.Fprintf(w, "refresh_token: %s\n", refresh)
	if len(tok.Scopes) > 0 {
		fmt.Fprintf(w, "scopes:        %s\n", strings.Join(tok.Scopes, " "))
	}
	if tok.IDToken != "" {
		fmt.Fprintln(w, "id_token:      present")
	}
}

func mask(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + "..." + s[len(s)-4:]
}
