package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"shipyard/internal/fault"
	"shipyard/internal/history"
	"shipyard/pkg/fileutil"
)

var (
	historyDBPath string
	historyLimit  int
	historyJSON   bool
)

var historyCmd = &cobra.Command{
	Use:   "history [PROJECT]",
	Short: "Show recorded runs",
	Long: `Show runs recorded with --history-db.

Without a project the latest run of every project is listed.

Example:
  shipyard history demo --history-db ~/.local/state/shipyard/runs.db`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyDBPath, "history-db", "", "SQLite database written by deploy --history-db")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Number of runs to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyDBPath == "" {
		return fault.Missing("history-db")
	}
	path, err := fileutil.ExpandHome(historyDBPath)
	if err != nil {
		return fault.Wrap(fault.InvalidInput, err, "history-db")
	}
	if !fileutil.FileExists(path) {
		return fault.New(fault.InvalidInput, "history database %s does not exist", path)
	}
	if historyLimit < 1 {
		return fault.New(fault.InvalidInput, "--limit must be at least 1")
	}

	h, err := history.NewHistory(path)
	if err != nil {
		return err
	}
	defer h.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		latest, err := h.GetAllProjectsStatus(ctx)
		if err != nil {
			return err
		}
		if historyJSON {
			return writeJSON(out, latest)
		}
		names := make([]string, 0, len(latest))
		for name := range latest {
			names = append(names, name)
		}
		sort.Strings(names)
		runs := make([]history.RunRecord, 0, len(names))
		for _, name := range names {
			runs = append(runs, *latest[name])
		}
		printRuns(out, runs)
		return nil
	}

	status, err := h.GetProjectStatus(ctx, args[0], historyLimit)
	if err != nil {
		return err
	}
	if historyJSON {
		return writeJSON(out, status)
	}
	if len(status.RecentHistory) == 0 {
		fmt.Fprintf(out, "No runs recorded for %s\n", args[0])
		return nil
	}
	printRuns(out, status.RecentHistory)
	return nil
}

func printRuns(out io.Writer, runs []history.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tMODE\tHOST\tSTATUS\tSTAGE\tCOMMIT\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Project, r.Mode, r.Host, r.Status,
			orDash(r.FailedStage), shortHash(r.CommitHash),
			humanize.Time(r.StartedAt), formatDuration(r.DurationSeconds))
	}
	w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func shortHash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	if len(*s) > 7 {
		return (*s)[:7]
	}
	return *s
}

func formatDuration(seconds *float64) string {
	if seconds == nil {
		return "-"
	}
	return (time.Duration(*seconds * float64(time.Second))).Round(time.Second).String()
}
