package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs a full harvest",
		Long: `Discovers the product frontier from the sitemap, fetches every product
not yet stored, and then drains the retry queue. The run halts early when
the session expires; re-run with fresh credentials to resume.`,
		RunE: runRunCommand,
	}
	cmd.Flags().Int("limit", 0, "harvest at most this many discovered items (0 harvests all)")
	cmd.Flags().Int("skip", 0, "skip this many discovered items before harvesting")
	cmd.Flags().Int("batch-size", 0, "items dispatched per batch")
	cmd.Flags().Bool("force-refresh", false, "re-fetch products that are already stored")
	return cmd
}

func runRunCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	orch := appInstance.Orchestrator()
	stats, err := orch.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("run harvest: %w", err)
	}

	appInstance.Logger().Info("harvest complete",
		zap.String("run_id", orch.RunID()),
		zap.String("state", orch.State().String()),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("skipped", stats.Skipped),
		zap.Int("retried", stats.Retried),
		zap.Int("terminal", stats.Terminal),
		zap.Int("pending_retry", stats.PendingRetry),
	)
	return nil
}
