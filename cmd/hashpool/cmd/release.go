package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var releaseCmd = &cobra.Command{
	Use:   "release <digest>...",
	Short: "Drop references and evict content nobody uses",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRelease,
}

func init() {
	rootCmd.AddCommand(releaseCmd)
}

func runRelease(cmd *cobra.Command, args []string) error {
	return withEnv(true, func(e *env) error {
		for _, d := range args {
			remaining, err := e.refs.Release(d)
			if err != nil {
				return err
			}
			if remaining > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d references left\n", d, remaining)
				continue
			}

			evicted, err := e.pool.EvictIfUnreferenced(cmd.Context(), e.refs, d)
			if err != nil {
				return err
			}
			if evicted {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tevicted\n", d)
			}
		}
		return nil
	})
}
