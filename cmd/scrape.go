package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plusfeed/harvester/internal/pipeline"
)

func newScrapeCmd() *cobra.Command {
	var (
		sku    string
		rawURL string
	)
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Fetches and stores a single product",
		Long: `Fetches one product by SKU through the screen-service API, stores it,
and prints the parsed record. Useful for verifying credentials and
payload parsing before a full run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sku == "" {
				return errors.New("--sku is required")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			item := pipeline.NewWorkItem(sku, rawURL, "")
			record, err := appInstance.Fetcher().Fetch(cmd.Context(), item)
			if err != nil {
				return fmt.Errorf("fetch product %s: %w", sku, err)
			}
			if err := appInstance.Store().Upsert(cmd.Context(), record); err != nil {
				return fmt.Errorf("store product %s: %w", sku, err)
			}

			out, err := json.MarshalIndent(record, "", "  ")
			if err != nil {
				return fmt.Errorf("encode record: %w", err)
			}
			cmd.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&sku, "sku", "", "product SKU to fetch")
	cmd.Flags().StringVar(&rawURL, "url", "", "product page URL (derived from the SKU when omitted)")
	return cmd
}
