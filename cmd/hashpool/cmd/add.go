package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var addCmd = &cobra.Command{
	Use:   "add <file>...",
	Short: "Store files in the pool",
	Long:  "Store files in the pool and record a reference to each in the reference index.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAdd,
}

func init() {
	addCmd.Flags().String("digest", "", "known digest of the single file being added")
	addCmd.Flags().Bool("no-ref", false, "do not record a reference")
	rootCmd.AddCommand(addCmd)
}

func runAdd(cmd *cobra.Command, args []string) error {
	known, _ := cmd.Flags().GetString("digest")
	noRef, _ := cmd.Flags().GetBool("no-ref")
	if known != "" && len(args) > 1 {
		return fmt.Errorf("--digest needs exactly one file, got %d", len(args))
	}

	return withEnv(!noRef, func(e *env) error {
		for _, path := range args {
			res, err := e.pool.AddFromPath(path, known)
			if err != nil {
				return fmt.Errorf("add %s: %w", path, err)
			}
			if !noRef {
				if err := e.refs.Add(res.Digest); err != nil {
					return fmt.Errorf("record reference for %s: %w", path, err)
				}
			}

			state := "existing"
			if res.New {
				state = "new"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\t%s\n", res.Digest, res.Size, state, path)
		}
		return nil
	})
}
