package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"conclave/internal/pipeline"
	"conclave/internal/store"

	"github.com/spf13/cobra"
)

var (
	runsLimit int
	runsJSON  bool
)

// runsCmd inspects recorded runs
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
	Long: `List and show runs recorded in the run store.

Subcommands:
  list   - List recent runs
  show   - Show one run with its stages`,
	RunE: runRunsList,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run with its stages",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	runsCmd.PersistentFlags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum runs to list")
	runsCmd.PersistentFlags().BoolVar(&runsJSON, "json", false, "Print JSON")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
}

func openStore() (*store.RunStore, error) {
	if !cfg.Store.Enabled {
		return nil, fmt.Errorf("run store is disabled (store.enabled: false)")
	}
	return store.Open(cfg.Store.Driver, cfg.Store.Path)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.ListRuns(context.Background(), runsLimit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	out := cmd.OutOrStdout()
	if runsJSON {
		return writeJSONTo(out, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tCONFIDENCE\tSTARTED\tTOKENS\tMESSAGE")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.Status, orDash(r.Confidence), r.StartedAt.Format(time.DateTime), r.Usage.Total(), truncate(r.Message, 48))
	}
	return tw.Flush()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	run, err := s.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if runsJSON {
		return writeJSONTo(out, run)
	}
	printRun(out, run)
	return nil
}

func printRun(out io.Writer, r pipeline.Run) {
	fmt.Fprintf(out, "Run:          %s\n", r.ID)
	fmt.Fprintf(out, "Conversation: %s\n", r.ConversationID)
	fmt.Fprintf(out, "Status:       %s\n", r.Status)
	fmt.Fprintf(out, "Confidence:   %s\n", orDash(r.Confidence))
	if !r.FinishedAt.IsZero() {
		fmt.Fprintf(out, "Duration:     %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintf(out, "Tokens:       %d\n", r.Usage.Total())
	if r.Error != "" {
		fmt.Fprintf(out, "Error:        %s\n", r.Error)
	}
	fmt.Fprintf(out, "\nQuestion:\n  %s\n", r.Message)

	fmt.Fprintln(out, "\nStages:")
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, st := range r.Stages {
		target := "-"
		if st.Provider != "" {
			target = st.Provider + "/" + st.Model
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\tattempts=%d\t%s\n", st.ID, st.Status, target, st.Attempts, st.Error)
	}
	tw.Flush()

	if r.Answer != "" {
		fmt.Fprintf(out, "\nAnswer:\n%s\n", r.Answer)
	}
}

func writeJSONTo(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
