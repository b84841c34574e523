package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newScrapeCmd creates the 'scrape' subcommand.
func newScrapeCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Run one scrape and print records as JSON lines",
		Long: `Fetches every configured page once and writes the parsed records to stdout,
one JSON object per line. Progress is logged to stderr. Nothing is printed
when any page fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(appInstance App) error {
				if _, err := appInstance.RunOnce(cmd.Context(), query, cmd.OutOrStdout()); err != nil {
					return fmt.Errorf("scrape: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "search query (defaults to source.query)")
	cmd.Flags().Int("pages", 0, "number of pages to fetch (overrides source.pages)")
	return cmd
}
