package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plusfeed/harvester/internal/pipeline"
)

func newRetryCmd() *cobra.Command {
	var (
		terminal bool
		drain    bool
	)
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Inspects or drains the retry queue",
		Long: `Prints the pending retry entries (or the terminal ones with --terminal)
as JSON lines, one entry per line. With --drain the due entries are
replayed through the fetch pipeline instead of printed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			queue := appInstance.Queue()
			ctx := cmd.Context()

			if drain {
				stats := appInstance.Orchestrator().DrainRetries(ctx)
				cmd.Printf("succeeded: %d, retried: %d, terminal: %d, pending: %d\n",
					stats.Succeeded, stats.Retried, stats.Terminal, stats.PendingRetry)
				return nil
			}

			var entries []pipeline.RetryEntry
			if terminal {
				entries, err = queue.Terminal(ctx)
			} else {
				entries, err = queue.Due(ctx, appInstance.Clock().Now())
			}
			if err != nil {
				return fmt.Errorf("read retry queue: %w", err)
			}

			depth, err := queue.Depth(ctx)
			if err != nil {
				return fmt.Errorf("read retry depth: %w", err)
			}
			cmd.Printf("pending: %d, shown: %d\n", depth, len(entries))

			for _, entry := range entries {
				line, err := json.Marshal(entry)
				if err != nil {
					return fmt.Errorf("encode entry: %w", err)
				}
				cmd.Println(string(line))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&terminal, "terminal", false, "show permanently failed entries instead of pending ones")
	cmd.Flags().BoolVar(&drain, "drain", false, "replay due entries instead of printing them")
	return cmd
}
