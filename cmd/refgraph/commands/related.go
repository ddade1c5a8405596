package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/helixir/inspire-refgraph/internal/domain"
	"github.com/helixir/inspire-refgraph/internal/ranking"
	"github.com/helixir/inspire-refgraph/internal/refgraph"
)

type relatedOutput struct {
	Recid      string                   `json:"recid" yaml:"recid"`
	Origin     refgraph.Origin          `json:"origin" yaml:"origin"`
	Count      int                      `json:"count" yaml:"count"`
	Candidates []domain.RankedCandidate `json:"candidates" yaml:"candidates"`
}

func (c *CLI) newRelatedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "related <recid>",
		Short: "Rank papers related to a record by shared references and co-citation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, _ := cmd.Flags().GetString("session")
			limit, _ := cmd.Flags().GetInt("limit")
			progress, _ := cmd.Flags().GetBool("progress")

			var onProgress func(ranking.Progress)
			if progress {
				errOut := cmd.ErrOrStderr()
				onProgress = func(p ranking.Progress) {
					fmt.Fprintf(errOut, "%-10s %d/%d\n", p.Phase, p.Completed, p.Total)
				}
			}

			res, err := c.app.Service.Related(cmd.Context(), refgraph.RelatedRequest{
				Recid: strings.TrimSpace(args[0]),
				Scope: scope,
			}, onProgress)
			if err != nil {
				return err
			}

			candidates := res.Candidates
			if limit > 0 && len(candidates) > limit {
				candidates = candidates[:limit]
			}
			out := relatedOutput{
				Recid:      res.Key.Recid,
				Origin:     res.Origin,
				Count:      len(candidates),
				Candidates: candidates,
			}
			return render(cmd, out, func(w io.Writer) {
				writeCandidates(w, out.Candidates)
				fmt.Fprintf(w, "\n%d related papers for %s (%s)\n", out.Count, out.Recid, out.Origin)
			})
		},
	}
	cmd.Flags().IntP("limit", "n", 0, "Show at most this many candidates (0 shows all)")
	cmd.Flags().Bool("progress", false, "Report ranking phases on stderr")
	return cmd
}
