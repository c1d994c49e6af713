package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API, the worker pool and the scheduler",
		Long: `Serves the import API and processes submitted jobs until SIGINT or
SIGTERM. Queued jobs drain during shutdown, bounded by server.shutdown_timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			return s.app.Run(cmd.Context())
		},
	}
}
