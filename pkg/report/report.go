// Package report renders journal entries as an xlsx workbook.
package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/cadflow/cadflow/pkg/journal"
)

const (
	conversionsSheet = "Conversions"
	summarySheet     = "Summary"
)

var conversionsHeader = []any{
	"Started", "Kind", "Path", "Format", "Document", "Status", "Code", "Message",
	"Bytes", "Nodes", "Partial", "Duration (s)",
}

var summaryHeader = []any{"Format", "Kind", "Status", "Count", "Bytes"}

// Write renders one row per entry on the Conversions sheet and the
// aggregated stats on the Summary sheet.
func Write(w io.Writer, entries []journal.Entry, stats []journal.Stat) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", conversionsSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{
			e.Started.Format("2006-01-02 15:04:05"), e.Kind, e.Path, e.Format, e.Document,
			e.Status, e.Code, e.Message, e.Bytes, e.Nodes, e.Partial, e.Duration.Seconds(),
		})
	}
	if err := writeTable(f, conversionsSheet, conversionsHeader, rows, bold); err != nil {
		return err
	}
	if err := f.SetColWidth(conversionsSheet, "C", "C", 48); err != nil {
		return err
	}
	if err := f.SetColWidth(conversionsSheet, "H", "H", 60); err != nil {
		return err
	}

	rows = rows[:0]
	for _, s := range stats {
		rows = append(rows, []any{s.Format, s.Kind, s.Status, s.Count, s.Bytes})
	}
	if err := writeTable(f, summarySheet, summaryHeader, rows, bold); err != nil {
		return err
	}

	_, err = f.WriteTo(w)
	return err
}

func writeTable(f *excelize.File, sheet string, header []any, rows [][]any, headerStyle int) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return err
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("%s row %d: %w", sheet, i+2, err)
		}
	}

	if len(rows) > 0 {
		end, err := excelize.CoordinatesToCellName(len(header), len(rows)+1)
		if err != nil {
			return err
		}
		if err := f.AutoFilter(sheet, "A1:"+end, nil); err != nil {
			return err
		}
	}
	return nil
}
