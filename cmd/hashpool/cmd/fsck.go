package cmd

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Rehash every pool entry and report corrupt ones",
	Args:  cobra.NoArgs,
	RunE:  runFsck,
}

func init() {
	fsckCmd.Flags().Bool("delete", false, "remove entries whose content does not match their digest")
	rootCmd.AddCommand(fsckCmd)
}

func runFsck(cmd *cobra.Command, _ []string) error {
	del, _ := cmd.Flags().GetBool("delete")

	return withEnv(false, func(e *env) error {
		var digests []string
		if err := e.pool.Walk(func(d string, _ int64) error {
			digests = append(digests, d)
			return nil
		}); err != nil {
			return err
		}

		var mu sync.Mutex
		var invalid []string

		p := pool.New().WithMaxGoroutines(max(1, viper.GetInt("concurrency"))).WithErrors().WithContext(cmd.Context())
		for _, d := range digests {
			p.Go(func(context.Context) error {
				ok, err := e.pool.Validate(d, del)
				if err != nil {
					return err
				}
				if !ok {
					mu.Lock()
					invalid = append(invalid, d)
					mu.Unlock()
				}
				return nil
			})
		}
		if err := p.Wait(); err != nil {
			return fmt.Errorf("fsck: %w", err)
		}

		sort.Strings(invalid)
		out := cmd.OutOrStdout()
		for _, d := range invalid {
			if del {
				fmt.Fprintf(out, "%s\tcorrupt, removed\n", d)
			} else {
				fmt.Fprintf(out, "%s\tcorrupt\n", d)
			}
		}
		fmt.Fprintf(out, "checked %d entries, %d corrupt\n", len(digests), len(invalid))
		if len(invalid) > 0 && !del {
			return fmt.Errorf("fsck: %d corrupt entries", len(invalid))
		}
		return nil
	})
}
