package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/helixir/inspire-refgraph/internal/domain"
	"github.com/helixir/inspire-refgraph/internal/refgraph"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"

	maxTitleWidth = 80
)

// render writes v in the selected output format. table draws the
// human-readable form.
func render(cmd *cobra.Command, v any, table func(w io.Writer)) error {
	out := cmd.OutOrStdout()
	format, _ := cmd.Flags().GetString("output")
	switch format {
	case formatJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case formatTable, "":
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeEntries(w io.Writer, entries []domain.Entry) {
	fmt.Fprintln(w, "#\tRECID\tYEAR\tCITES\tLOCAL\tTITLE")
	for i := range entries {
		e := &entries[i]
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			i+1, dash(e.Recid), yearString(e.Year), citesString(e.CitationCount),
			dash(e.LocalItemID), truncate(displayTitle(e), maxTitleWidth))
	}
}

func writeCandidates(w io.Writer, candidates []domain.RankedCandidate) {
	fmt.Fprintln(w, "#\tRECID\tSCORE\tCOUPLING\tCO-CITATION\tSHARED\tTITLE")
	for i := range candidates {
		c := &candidates[i]
		cocite := "-"
		if c.CoCitationScore != nil {
			cocite = strconv.FormatFloat(*c.CoCitationScore, 'f', 3, 64)
		}
		fmt.Fprintf(w, "%d\t%s\t%.3f\t%.3f\t%s\t%d\t%s\n",
			i+1, c.Entry.Recid, c.CombinedScore, c.CouplingScore, cocite,
			c.SharedAnchors, truncate(displayTitle(&c.Entry), maxTitleWidth))
	}
}

func writeCacheStats(w io.Writer, st refgraph.CacheStats) {
	fmt.Fprintln(w, "TIER\tSIZE\tCAPACITY\tHITS\tMISSES\tHIT RATE")
	for _, name := range slices.Sorted(maps.Keys(st.Memory)) {
		s := st.Memory[name]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.1f%%\n", name, s.Size, s.MaxSize, s.Hits, s.Misses, s.HitRate*100)
	}
	switch {
	case st.Disk != nil:
		fmt.Fprintf(w, "disk\t%d records\t%s\t\t\t%s\n", st.Disk.Records, humanize.Bytes(uint64(max(st.Disk.Bytes, 0))), st.Disk.Dir)
	case st.DiskError != "":
		fmt.Fprintf(w, "disk\tunavailable\t\t\t\t%s\n", st.DiskError)
	}
}

func displayTitle(e *domain.Entry) string {
	if e.Title != "" {
		return e.Title
	}
	return e.RawReference
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yearString(y int) string {
	if y == 0 {
		return "-"
	}
	return strconv.Itoa(y)
}

func citesString(n *int) string {
	if n == nil {
		return "-"
	}
	return strconv.Itoa(*n)
}
