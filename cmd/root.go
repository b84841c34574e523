// Package cmd defines the CLI commands for the listing-stream executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-stream/internal/app"
	"github.com/JakeFAU/listing-stream/internal/config"
	"github.com/JakeFAU/listing-stream/internal/logging"
	"github.com/JakeFAU/listing-stream/internal/pipeline"
)

const closeTimeout = 15 * time.Second

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what subcommands need from the application. Tests inject a fake.
type App interface {
	Serve(ctx context.Context) error
	RunOnce(ctx context.Context, query string, out io.Writer) (pipeline.RunState, error)
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "listing-stream",
		Short: "Scrape a paginated torrent listing and stream the results.",
		Long: `listing-stream pages through a torrent listing, parses each page's table
into records, and streams progress and record chunks to websocket clients.`,
		SilenceUsage: true,

		// Config and the application are built once the subcommand's flags
		// are parsed, so per-command overrides apply.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := applyFlagOverrides(cmd, &cfg); err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars prefixed LISTING_ override it")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newScrapeCmd())
	return cmd
}

// applyFlagOverrides copies explicitly set subcommand flags into cfg.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Lookup("pages") != nil && flags.Changed("pages") {
		pages, err := flags.GetInt("pages")
		if err != nil {
			return fmt.Errorf("read --pages: %w", err)
		}
		if pages < 0 {
			return fmt.Errorf("--pages must be >= 0")
		}
		cfg.Source.Pages = pages
	}
	if flags.Lookup("port") != nil && flags.Changed("port") {
		port, err := flags.GetInt("port")
		if err != nil {
			return fmt.Errorf("read --port: %w", err)
		}
		if port <= 0 {
			return fmt.Errorf("--port must be > 0")
		}
		cfg.Server.Port = port
	}
	return nil
}

// withApp runs fn against the application stored by PersistentPreRunE and
// always closes it afterwards; cobra skips post-run hooks when RunE fails.
func withApp(cmd *cobra.Command, fn func(App) error) (err error) {
	appInstance, ok := cmd.Context().Value(appKey).(App)
	if !ok || appInstance == nil {
		return errors.New("application services not initialized")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), closeTimeout)
		defer cancel()
		var errs []error
		if cerr := appInstance.Close(ctx); cerr != nil {
			errs = append(errs, fmt.Errorf("close application: %w", cerr))
		}
		if serr := logging.Sync(zap.L()); serr != nil {
			errs = append(errs, serr)
		}
		err = errors.Join(append([]error{err}, errs...)...)
	}()
	return fn(appInstance)
}

// Execute runs the root command until it finishes or SIGINT/SIGTERM arrives.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "listing-stream: %v\n", err)
		os.Exit(1)
	}
}
