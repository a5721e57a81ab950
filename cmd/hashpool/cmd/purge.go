package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge-trash",
	Short: "Permanently delete old trash entries",
	Args:  cobra.NoArgs,
	RunE:  runPurge,
}

func init() {
	purgeCmd.Flags().Duration("older-than", 30*24*time.Hour, "only delete entries trashed at least this long ago (0 deletes everything)")
	rootCmd.AddCommand(purgeCmd)
}

func runPurge(cmd *cobra.Command, _ []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")

	return withEnv(false, func(e *env) error {
		removed, err := e.pool.PurgeTrash(olderThan)
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d trash entries\n", removed)
		return err
	})
}
