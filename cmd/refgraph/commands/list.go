package commands

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/helixir/inspire-refgraph/internal/domain"
	"github.com/helixir/inspire-refgraph/internal/enrichment"
	"github.com/helixir/inspire-refgraph/internal/refgraph"
)

// listOutput is the machine-readable form of a list command.
type listOutput struct {
	Key        string            `json:"key" yaml:"key"`
	Mode       domain.Mode       `json:"mode" yaml:"mode"`
	Origin     refgraph.Origin   `json:"origin" yaml:"origin"`
	Total      int               `json:"total" yaml:"total"`
	Matched    int               `json:"matched" yaml:"matched"`
	Stats      domain.ListStats  `json:"stats" yaml:"stats"`
	Entries    []domain.Entry    `json:"entries" yaml:"entries"`
	Enrichment *enrichment.Stats `json:"enrichment,omitempty" yaml:"enrichment,omitempty"`
	Warning    string            `json:"warning,omitempty" yaml:"warning,omitempty"`
}

func (c *CLI) newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <references|citedby|author> <key>",
		Short: "Fetch the reference list, citing papers or author papers of a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := domain.ParseMode(args[0])
			if err != nil {
				return err
			}
			if mode == domain.ModeSearch || mode == domain.ModeRelated {
				return fmt.Errorf("mode %q has its own command", mode)
			}
			return c.runList(cmd, mode, args[1])
		},
	}
	addListFlags(cmd)
	return cmd
}

func (c *CLI) newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query...>",
		Short: "Run an INSPIRE literature search",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runList(cmd, domain.ModeSearch, strings.Join(args, " "))
		},
	}
	addListFlags(cmd)
	return cmd
}

func addListFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("sort", "s", string(domain.SortDefault), "Sort order: default, mostrecent or mostcited")
	cmd.Flags().Bool("enrich", true, "Fill missing metadata and mark papers held in the local library")
	cmd.Flags().String("item", "", "Library item whose relations are highlighted")
	cmd.Flags().StringP("filter", "f", "", "Only show entries matching this text")
	cmd.Flags().Bool("only-local", false, "Only show entries held in the local library")
	cmd.Flags().Bool("only-missing", false, "Only show entries not held in the local library")
	cmd.Flags().Int("year-from", 0, "Only show entries published in or after this year")
	cmd.Flags().Int("year-to", 0, "Only show entries published in or before this year")
	cmd.Flags().IntP("limit", "n", 0, "Show at most this many entries (0 shows all)")
	cmd.MarkFlagsMutuallyExclusive("only-local", "only-missing")
}

func (c *CLI) runList(cmd *cobra.Command, mode domain.Mode, key string) error {
	flags := cmd.Flags()
	sortName, _ := flags.GetString("sort")
	sort, err := domain.ParseSort(sortName)
	if err != nil {
		return err
	}
	scope, _ := flags.GetString("session")
	enrich, _ := flags.GetBool("enrich")
	itemID, _ := flags.GetString("item")
	limit, _ := flags.GetInt("limit")

	var filter domain.Filter
	filter.Text, _ = flags.GetString("filter")
	filter.OnlyLocal, _ = flags.GetBool("only-local")
	filter.OnlyMissing, _ = flags.GetBool("only-missing")
	filter.YearFrom, _ = flags.GetInt("year-from")
	filter.YearTo, _ = flags.GetInt("year-to")

	ctx := cmd.Context()
	req := refgraph.Request{Key: key, Mode: mode, Sort: sort, Scope: scope}
	res, err := c.app.Service.Load(ctx, req, nil)
	if err != nil {
		return err
	}

	out := listOutput{Key: res.Request.Key, Mode: mode, Origin: res.Origin, Total: res.Total}
	entries := res.Entries
	if enrich {
		working := slices.Clone(res.Entries)
		stats, err := c.app.Service.Enrich(ctx, refgraph.EnrichRequest{Request: res.Request, CurrentItemID: itemID}, res.Entries,
			func(u enrichment.Update) {
				working[u.Index] = u.Entry
			})
		if err != nil {
			return err
		}
		if partial := stats.Partial(); partial != nil {
			out.Warning = partial.Error()
		}
		entries = working
		out.Enrichment = &stats
	}

	matched := domain.FilterEntries(entries, filter)
	out.Matched = len(matched)
	out.Stats = domain.ComputeStats(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out.Entries = matched

	return render(cmd, out, func(w io.Writer) {
		writeEntries(w, out.Entries)
		fmt.Fprintf(w, "\n%d of %d entries (%s)\n", out.Matched, out.Total, out.Origin)
		if out.Warning != "" {
			fmt.Fprintf(w, "warning: %s\n", out.Warning)
		}
	})
}
