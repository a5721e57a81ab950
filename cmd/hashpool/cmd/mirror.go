package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Manage the OCI registry mirror",
}

var mirrorPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload queued content to the mirror",
	Args:  cobra.NoArgs,
	RunE:  runMirrorPush,
}

var mirrorStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queued content and the mirror's prefixes",
	Args:  cobra.NoArgs,
	RunE:  runMirrorStatus,
}

func init() {
	mirrorPushCmd.Flags().Bool("all", false, "queue every pool entry not yet mirrored before pushing")
	mirrorCmd.AddCommand(mirrorPushCmd, mirrorStatusCmd)
	rootCmd.AddCommand(mirrorCmd)
}

func runMirrorPush(cmd *cobra.Command, _ []string) error {
	all, _ := cmd.Flags().GetBool("all")

	return withEnv(false, func(e *env) error {
		if err := e.requireMirror(); err != nil {
			return err
		}
		if all {
			var digests []string
			if err := e.pool.Walk(func(d string, _ int64) error {
				digests = append(digests, d)
				return nil
			}); err != nil {
				return err
			}
			if err := e.mirror.Enqueue(digests...); err != nil {
				return err
			}
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "Pushing to %s...\n", e.remote)
		stats, err := e.mirror.Push(cmd.Context(), e.pool)
		if err != nil {
			return fmt.Errorf("push failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d entries (%d bytes), %d no longer in pool\n",
			stats.Uploaded, stats.Bytes, stats.Gone)
		return nil
	})
}

func runMirrorStatus(cmd *cobra.Command, _ []string) error {
	return withEnv(false, func(e *env) error {
		if err := e.requireMirror(); err != nil {
			return err
		}
		index, err := e.remote.Index(cmd.Context())
		if err != nil {
			return err
		}
		layers := map[string]bool{}
		for _, ls := range index {
			for _, l := range ls {
				layers[l] = true
			}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "remote:   %s\n", e.remote)
		fmt.Fprintf(out, "pending:  %d\n", len(e.mirror.Pending()))
		fmt.Fprintf(out, "prefixes: %d\n", len(index))
		fmt.Fprintf(out, "layers:   %d\n", len(layers))
		return nil
	})
}
