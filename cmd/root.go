// Package cmd defines and implements the CLI commands for the harvester
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/plusfeed/harvester/internal/app"
	"github.com/plusfeed/harvester/internal/config"
)

var cfgFile string

type appKeyType struct{}

var appKey appKeyType

// newApp is the application factory. It is a variable so tests can swap in
// a stub factory.
var newApp = func(ctx context.Context, cfgPath string, opts ...config.Option) (*app.App, error) {
	return app.New(ctx, cfgPath, opts...)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Product catalog harvester for the PLUS supermarket feed.",
		Long: `harvester discovers product pages from the retailer sitemap, fetches
each product through the authenticated screen-service API, and maintains an
idempotent local catalog. Failed items land in a durable retry queue so an
interrupted run resumes where it left off.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile, configOverrides(cmd.Flags())...)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml if present)")
	cmd.PersistentFlags().Bool("debug", false, "enable development logging")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newSitemapCmd())
	cmd.AddCommand(newScrapeCmd())
	cmd.AddCommand(newRetryCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// configOverrides translates the flags that were set on the invoked command
// into config options. Flags a command does not define are simply absent
// from its flag set, so every command shares this one translation.
func configOverrides(f *pflag.FlagSet) []config.Option {
	var opts []config.Option
	if f.Changed("limit") {
		v, _ := f.GetInt("limit")
		opts = append(opts, func(c *config.Config) { c.Sitemap.Limit = v })
	}
	if f.Changed("skip") {
		v, _ := f.GetInt("skip")
		opts = append(opts, func(c *config.Config) { c.Sitemap.Skip = v })
	}
	if f.Changed("batch-size") {
		v, _ := f.GetInt("batch-size")
		opts = append(opts, func(c *config.Config) { c.Run.BatchSize = v })
	}
	if f.Changed("force-refresh") {
		v, _ := f.GetBool("force-refresh")
		opts = append(opts, func(c *config.Config) { c.Run.ForceRefresh = v })
	}
	if f.Changed("debug") {
		v, _ := f.GetBool("debug")
		opts = append(opts, func(c *config.Config) { c.Logging.Development = v })
	}
	return opts
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "harvester: %v\n", err)
		os.Exit(1)
	}
}
