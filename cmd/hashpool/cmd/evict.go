package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var evictCmd = &cobra.Command{
	Use:   "evict <digest>...",
	Short: "Move unreferenced content to the trash",
	Long:  "Move content to the trash. Referenced content is kept unless --force is given.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEvict,
}

func init() {
	evictCmd.Flags().Bool("force", false, "evict even if the reference index still uses the content")
	rootCmd.AddCommand(evictCmd)
}

func runEvict(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	return withEnv(!force, func(e *env) error {
		for _, d := range args {
			if force {
				if err := e.pool.Evict(d); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tevicted\n", d)
				continue
			}

			evicted, err := e.pool.EvictIfUnreferenced(cmd.Context(), e.refs, d)
			if err != nil {
				return err
			}
			if evicted {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tevicted\n", d)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\treferenced, kept\n", d)
			}
		}
		return nil
	})
}
