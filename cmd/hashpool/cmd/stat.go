package cmd

import (
	"fmt"

	"github.com/aweris/hashpool"
	"github.com/spf13/cobra"
)

var statCmd = &cobra.Command{
	Use:   "stat <digest>",
	Short: "Show where a digest lives and who references it",
	Args:  cobra.ExactArgs(1),
	RunE:  runStat,
}

func init() {
	rootCmd.AddCommand(statCmd)
}

func runStat(cmd *cobra.Command, args []string) error {
	d := args[0]
	return withEnv(true, func(e *env) error {
		refs, err := e.refs.Count(d)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "digest:     %s\n", d)
		fmt.Fprintf(out, "path:       %s\n", e.pool.Path(d))
		if size := e.pool.Length(d); size != hashpool.LengthMissing {
			fmt.Fprintf(out, "size:       %d\n", size)
		} else {
			fmt.Fprintf(out, "size:       (not in pool)\n")
		}
		fmt.Fprintf(out, "trash:      %t\n", e.pool.InTrash(d))
		fmt.Fprintf(out, "references: %d\n", refs)
		if e.mirror != nil {
			fmt.Fprintf(out, "mirrored:   %t\n", e.mirror.Mirrored(d))
		}
		return nil
	})
}
