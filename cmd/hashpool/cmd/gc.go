package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Evict content the reference index no longer uses",
	Long:  "Sweep the pool shard by shard and move every unreferenced entry to the trash.",
	Args:  cobra.NoArgs,
	RunE:  runGC,
}

func init() {
	gcCmd.Flags().BoolP("verbose", "v", false, "print every entry visited")
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	out := cmd.OutOrStdout()

	return withEnv(true, func(e *env) error {
		stats, err := e.pool.Sweep(cmd.Context(), e.refs, func(d string, evicted bool) {
			if !verbose {
				return
			}
			if evicted {
				fmt.Fprintf(out, "%s\tevicted\n", d)
			} else {
				fmt.Fprintf(out, "%s\tkept\n", d)
			}
		})
		fmt.Fprintf(out, "visited %d, kept %d, evicted %d, skipped %d, failed %d\n",
			stats.Visited, stats.Kept, stats.Evicted, stats.Skipped, stats.Failed)
		if err != nil {
			return fmt.Errorf("gc: %w", err)
		}
		if stats.Failed > 0 {
			return fmt.Errorf("gc: %d evictions failed", stats.Failed)
		}
		return nil
	})
}
