package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newLoginCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize this client against a server",
		Long: `Run the OAuth authorization code flow with PKCE for the server and store
the tokens. The authorization server is discovered from the server's
protected resource metadata unless OAUTH_AUTHORIZATION_ENDPOINT and
OAUTH_TOKEN_ENDPOINT are set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cf.load(cmd)
			if err != nil {
				return err
			}
			log, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			p, err := newProvider(ctx, cfg, store, log)
			if err != nil {
				return err
			}
			if err := promptFlow(cmd.OutOrStdout(), log).Authorize(ctx, p); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Logged in to %s\n", cfg.ServerURL)
			return nil
		},
	}
	cf.register(cmd)
	return cmd
}

func newLogoutCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget stored tokens for a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cf.load(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if err := store.Delete(ctx, cfg.ServerURL); err != nil {
				return err
			}
			if err := store.DeleteVerifier(ctx, cfg.ServerURL); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Logged out of %s\n", cfg.ServerURL)
			return nil
		},
	}
	cf.register(cmd)
	return cmd
}
