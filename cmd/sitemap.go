package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSitemapCmd() *cobra.Command {
	var show int
	cmd := &cobra.Command{
		Use:   "sitemap",
		Short: "Discovers the product frontier",
		Long: `Traverses the retailer sitemap (or reads the local snapshot when one
exists) and reports the deduplicated product work list.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			items, err := appInstance.Frontier().Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load frontier: %w", err)
			}
			appInstance.Logger().Info("frontier loaded", zap.Int("items", len(items)))

			for i, item := range items {
				if show > 0 && i >= show {
					break
				}
				cmd.Printf("%s\t%s\t%s\n", item.SKU, item.URL, item.LastMod)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&show, "show", 20, "number of discovered items to print (0 prints all)")
	cmd.Flags().Int("limit", 0, "report at most this many discovered items (0 reports all)")
	cmd.Flags().Int("skip", 0, "skip this many discovered items")
	cmd.Flags().Bool("force-refresh", false, "re-traverse the sitemap even when the snapshot is fresh")
	return cmd
}
