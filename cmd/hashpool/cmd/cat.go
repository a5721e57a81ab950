package cmd

import (
	"io"

	"github.com/spf13/cobra"
)

var catCmd = &cobra.Command{
	Use:   "cat <digest>",
	Short: "Write pool content to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  runCat,
}

func init() {
	rootCmd.AddCommand(catCmd)
}

func runCat(cmd *cobra.Command, args []string) error {
	return withEnv(false, func(e *env) error {
		rc, err := e.pool.ReadStream(args[0])
		if err != nil {
			return err
		}
		defer rc.Close()

		_, err = io.Copy(cmd.OutOrStdout(), rc)
		return err
	})
}
