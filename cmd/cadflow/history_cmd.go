package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cadflow/cadflow/pkg/journal"
	"github.com/cadflow/cadflow/pkg/report"
	"github.com/cadflow/cadflow/pkg/tui"
)

// History flags
var (
	historyKind   string
	historyStatus string
	historySince  time.Duration
	historyLimit  int
	historyXLSX   string
	historyPrune  time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past conversions",
	Long: `Show the conversions recorded in the journal, newest first.

Examples:
  cadflow history
  cadflow history --status failed --since 24h
  cadflow history --since 168h --xlsx week.xlsx
  cadflow history --prune 720h`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyKind, "kind", "", "Only import or export entries")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "Only committed, failed or cancelled entries")
	historyCmd.Flags().DurationVar(&historySince, "since", 0, "Only entries newer than this")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Maximum number of entries")
	historyCmd.Flags().StringVar(&historyXLSX, "xlsx", "", "Write the entries and a summary to an Excel workbook")
	historyCmd.Flags().DurationVar(&historyPrune, "prune", 0, "Delete entries older than this and exit")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	j, err := app.requireJournal(ctx)
	if err != nil {
		return err
	}

	if historyPrune > 0 {
		n, err := j.Prune(ctx, time.Now().Add(-historyPrune))
		if err != nil {
			return err
		}
		app.out.Field("Pruned", strconv.FormatInt(n, 10)+" entries")
		return nil
	}

	f := journal.Filter{Kind: historyKind, Status: historyStatus, Limit: historyLimit}
	if historySince > 0 {
		f.Since = time.Now().Add(-historySince)
	}
	entries, err := j.List(ctx, f)
	if err != nil {
		return err
	}

	if historyXLSX != "" {
		stats, err := j.Stats(ctx, f.Since)
		if err != nil {
			return err
		}
		out, err := os.Create(historyXLSX)
		if err != nil {
			return err
		}
		if err := report.Write(out, entries, stats); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
		app.out.Code("Report", historyXLSX)
		return nil
	}

	if len(entries) == 0 {
		app.out.Muted("no conversions recorded")
		return nil
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		status := e.Status
		if e.Code != "" {
			status += " " + e.Code
		}
		rows = append(rows, []string{
			e.Started.Local().Format("2006-01-02 15:04:05"),
			e.Kind,
			e.Format,
			filepath.Base(e.Path),
			status,
			tui.FormatBytes(e.Bytes),
			tui.FormatDuration(e.Duration),
		})
	}
	fmt.Println()
	app.out.Table([]string{"STARTED", "KIND", "FORMAT", "FILE", "STATUS", "SIZE", "TIME"}, rows)
	fmt.Println()
	return nil
}
