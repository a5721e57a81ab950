package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover <digest>...",
	Short: "Bring content back from the trash or the mirror",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	return withEnv(false, func(e *env) error {
		failed := 0
		for _, d := range args {
			if e.pool.Recover(cmd.Context(), d) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\trecovered\n", d)
				continue
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s\tnot recoverable\n", d)
			failed++
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d digests could not be recovered", failed, len(args))
		}
		return nil
	})
}
