package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"conclave/internal/usage"

	"github.com/spf13/cobra"
)

var usageJSON bool

// usageCmd prints token usage totals
var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage by provider, model and role",
	RunE:  runUsage,
}

func init() {
	usageCmd.Flags().BoolVar(&usageJSON, "json", false, "Print JSON")
}

func runUsage(cmd *cobra.Command, args []string) error {
	if !cfg.Usage.Enabled {
		return fmt.Errorf("usage tracking is disabled (usage.enabled: false)")
	}
	tracker, err := usage.NewTracker(cfg.Usage.Path, time.Hour)
	if err != nil {
		return err
	}
	stats := tracker.Stats()

	out := cmd.OutOrStdout()
	if usageJSON {
		return writeJSONTo(out, stats)
	}
	printUsage(out, stats)
	return nil
}

func printUsage(out io.Writer, stats usage.AggregatedStats) {
	fmt.Fprintf(out, "Total: %d tokens (%d in, %d out) over %d calls\n",
		stats.Total.Total, stats.Total.Input, stats.Total.Output, stats.Calls)
	printCounts(out, "Provider", stats.ByProvider)
	printCounts(out, "Model", stats.ByModel)
	printCounts(out, "Role", stats.ByRole)
}

func printCounts(out io.Writer, title string, m map[string]usage.TokenCounts) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]].Total != m[keys[j]].Total {
			return m[keys[i]].Total > m[keys[j]].Total
		}
		return keys[i] < keys[j]
	})

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\tINPUT\tOUTPUT\tTOTAL\n", title)
	for _, k := range keys {
		c := m[k]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", k, c.Input, c.Output, c.Total)
	}
	tw.Flush()
}
