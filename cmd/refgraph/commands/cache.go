package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func (c *CLI) newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the result caches",
	}
	cmd.AddCommand(c.newCacheStatsCmd())
	cmd.AddCommand(c.newCacheClearCmd())
	cmd.AddCommand(c.newCachePurgeCmd())
	return cmd
}

func (c *CLI) newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show memory tier statistics and disk usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := c.app.Service.CacheStats()
			return render(cmd, st, func(w io.Writer) {
				writeCacheStats(w, st)
			})
		},
	}
}

func (c *CLI) newCacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Empty the memory and disk tiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := c.app.Service.ClearCaches(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "cleared %d memory entries and %d disk records\n", res.Memory, res.Disk)
			})
		},
	}
}

func (c *CLI) newCachePurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove expired disk records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := c.app.Service.PurgeExpired(cmd.Context())
			if err != nil {
				return err
			}
			out := map[string]int{"removed": n}
			return render(cmd, out, func(w io.Writer) {
				fmt.Fprintf(w, "removed %d expired records\n", n)
			})
		},
	}
}
