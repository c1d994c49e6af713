// Package cmd defines the CLI commands for the webimporter executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/webimporter/internal/config"
	"github.com/JakeFAU/webimporter/internal/server"
)

// appKeyType is the key for storing the session in the context.
type appKeyType string

const appKey appKeyType = "app"

// session is what PersistentPreRunE hands to subcommands.
type session struct {
	cfg *config.Config
	app *server.App
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg *config.Config) (*server.App, error) {
	return server.Build(ctx, cfg, server.Options{})
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var (
		cfgFile  string
		envFiles []string
	)
	cmd := &cobra.Command{
		Use:   "webimporter",
		Short: "Imports web and file documents through a configurable pipeline.",
		Long: `webimporter fetches documents over HTTP, from the local file system or
through a browser, runs them through pre-parse handlers, a parser and
post-parse handlers, and commits the accepted documents to the configured
targets. It runs as an HTTP service or as a one-shot command.`,
		SilenceUsage: true,

		// Builds the application after flags are parsed and before RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFiles...); err != nil {
				return fmt.Errorf("load env files: %w", err)
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			app, err := newApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, &session{cfg: &cfg, app: app}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, ".env files to export before loading config")

	cmd.AddCommand(newServeCmd(), newImportCmd(), newFetchCmd())
	return cmd
}

func resolveSession(ctx context.Context) (*session, error) {
	s, ok := ctx.Value(appKey).(*session)
	if !ok || s == nil || s.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return s, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
