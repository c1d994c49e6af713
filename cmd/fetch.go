package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/webimporter/internal/fetch"
)

type fetchSummary struct {
	Reference   string              `json:"reference"`
	State       fetch.State         `json:"state"`
	StatusCode  int                 `json:"status_code"`
	Reason      string              `json:"reason,omitempty"`
	Fetcher     string              `json:"fetcher,omitempty"`
	ContentType string              `json:"content_type,omitempty"`
	Charset     string              `json:"charset,omitempty"`
	FinalURL    string              `json:"final_url,omitempty"`
	Headers     map[string][]string `json:"headers,omitempty"`
	BodyBytes   int                 `json:"body_bytes"`
	DurationMs  int64               `json:"duration_ms"`
}

func newFetchCmd() *cobra.Command {
	var (
		method string
		body   bool
	)
	cmd := &cobra.Command{
		Use:   "fetch <reference>",
		Short: "Fetches one reference without importing it",
		Long: `Runs a single reference through the configured fetchers and prints
the outcome as JSON, or the raw body with --body.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = s.app.Close(context.WithoutCancel(cmd.Context())) }()

			resp, err := s.app.Fetcher().Fetch(cmd.Context(), fetch.Request{Reference: args[0], Method: method})
			if err != nil {
				return fmt.Errorf("fetch %s: %w", args[0], err)
			}
			if body {
				_, err := cmd.OutOrStdout().Write(resp.Body)
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(fetchSummary{
				Reference:   args[0],
				State:       resp.State,
				StatusCode:  resp.StatusCode,
				Reason:      resp.Reason,
				Fetcher:     resp.Fetcher,
				ContentType: resp.ContentType,
				Charset:     resp.Charset,
				FinalURL:    resp.FinalURL,
				Headers:     resp.Headers,
				BodyBytes:   len(resp.Body),
				DurationMs:  resp.Duration.Milliseconds(),
			})
		},
	}
	cmd.Flags().StringVar(&method, "method", "GET", "GET or HEAD")
	cmd.Flags().BoolVar(&body, "body", false, "print the raw body instead of a summary")
	return cmd
}
