package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket stream and HTTP API",
		Long: `Starts the HTTP server. Each websocket connection to /dl/ws/dl attaches to
the run for its q parameter, starting one if none is in flight, and receives
progress, record chunks, and errors as JSON frames. SIGINT or SIGTERM drains
in-flight runs before exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(appInstance App) error {
				if err := appInstance.Serve(cmd.Context()); err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int("port", 0, "listen port (overrides server.port)")
	return cmd
}
