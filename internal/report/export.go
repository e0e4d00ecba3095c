// Package report exports attendance rosters as spreadsheets.
package report

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"qrattendance/internal/attendance"
	"qrattendance/internal/clock"
)

const (
	sheetName   = "Attendance"
	summaryName = "Summary"

	StatusPresent = "PRESENT"
	StatusAbsent  = "ABSENT"

	maxColumnWidth = 50
	// MaxDays bounds a single export, counting both ends of the range.
	MaxDays = 366
)

var header = []string{"Date", "Name", "Code", "Cohort", "Program", "Status", "Check-in"}

// RosterSource lists every enrolled person with their check-in on a day.
type RosterSource interface {
	Roster(ctx context.Context, day clock.Date) ([]attendance.RosterEntry, error)
}

// Summary reports what an export contained.
type Summary struct {
	Path    string     `json:"path,omitempty"`
	From    clock.Date `json:"from"`
	To      clock.Date `json:"to"`
	Persons int        `json:"persons"`
	Rows    int        `json:"rows"`
	Present int        `json:"present"`
	Absent  int        `json:"absent"`
}

// Exporter builds one row per person per day.
type Exporter struct {
	src    RosterSource
	dir    string
	logger *slog.Logger
}

// NewExporter writes files into dir.
func NewExporter(src RosterSource, dir string, logger *slog.Logger) *Exporter {
	return &Exporter{src: src, dir: dir, logger: logger.With("module", "report")}
}

// FileName returns the export file name for a range.
func FileName(from, to clock.Date) string {
	name := "attendance_" + underscored(from)
	if to != from {
		name += "_to_" + underscored(to)
	}
	return name + ".xlsx"
}

func underscored(d clock.Date) string {
	return strings.ReplaceAll(d.String(), "-", "_")
}

// Export writes the spreadsheet for [from, to] into the reports directory.
func (e *Exporter) Export(ctx context.Context, from, to clock.Date) (Summary, error) {
	f, sum, err := e.Build(ctx, from, to)
	if err != nil {
		return Summary{}, err
	}
	defer f.Close()

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("create reports dir: %w", err)
	}
	sum.Path = filepath.Join(e.dir, FileName(from, to))
	if err := f.SaveAs(sum.Path); err != nil {
		return Summary{}, fmt.Errorf("save report: %w", err)
	}

	e.logger.Info("report exported", "path", sum.Path, "rows", sum.Rows, "present", sum.Present, "absent", sum.Absent)
	return sum, nil
}

// WriteTo streams the spreadsheet for [from, to] to w.
func (e *Exporter) WriteTo(ctx context.Context, w io.Writer, from, to clock.Date) (Summary, error) {
	f, sum, err := e.Build(ctx, from, to)
	if err != nil {
		return Summary{}, err
	}
	defer f.Close()
	if err := f.Write(w); err != nil {
		return Summary{}, fmt.Errorf("write report: %w", err)
	}
	return sum, nil
}

// Build assembles the workbook. The caller closes it.
func (e *Exporter) Build(ctx context.Context, from, to clock.Date) (*excelize.File, Summary, error) {
	if to.Before(from) {
		return nil, Summary{}, fmt.Errorf("%w: range ends before it starts", attendance.ErrInvalid)
	}
	if from.AddDays(MaxDays - 1).Before(to) {
		return nil, Summary{}, fmt.Errorf("%w: range longer than %d days", attendance.ErrInvalid, MaxDays)
	}

	rows := [][]any{}
	sum := Summary{From: from, To: to}
	persons := map[int64]struct{}{}
	for day := from; !to.Before(day); day = day.AddDays(1) {
		roster, err := e.src.Roster(ctx, day)
		if err != nil {
			return nil, Summary{}, fmt.Errorf("roster %s: %w", day, err)
		}
		for _, r := range roster {
			persons[r.PersonID] = struct{}{}
			status, checkIn := StatusAbsent, ""
			if r.Present() {
				status, checkIn = StatusPresent, r.CheckIn.String()
				sum.Present++
			} else {
				sum.Absent++
			}
			rows = append(rows, []any{day.String(), r.FullName, r.ExternalCode, r.Cohort, r.Program, status, checkIn})
		}
	}
	sum.Rows = len(rows)
	sum.Persons = len(persons)

	f, err := e.workbook(rows, sum)
	if err != nil {
		return nil, Summary{}, err
	}
	return f, sum, nil
}

func (e *Exporter) workbook(rows [][]any, sum Summary) (*excelize.File, error) {
	f := excelize.NewFile()
	fail := func(err error) (*excelize.File, error) {
		f.Close()
		return nil, fmt.Errorf("build workbook: %w", err)
	}

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fail(err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fail(err)
	}

	widths := make([]int, len(header))
	headerRow := make([]any, len(header))
	for i, h := range header {
		headerRow[i] = h
		widths[i] = utf8.RuneCountInString(h)
	}
	if err := f.SetSheetRow(sheetName, "A1", &headerRow); err != nil {
		return fail(err)
	}
	last, _ := excelize.CoordinatesToCellName(len(header), 1)
	if err := f.SetCellStyle(sheetName, "A1", last, bold); err != nil {
		return fail(err)
	}

	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fail(err)
		}
		for c, v := range row {
			if n := utf8.RuneCountInString(fmt.Sprint(v)); n > widths[c] {
				widths[c] = n
			}
		}
	}

	for i, w := range widths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(sheetName, col, col, float64(ColumnWidth(w))); err != nil {
			return fail(err)
		}
	}
	if len(rows) > 0 {
		if err := f.AutoFilter(sheetName, "A1:"+last, nil); err != nil {
			return fail(err)
		}
	}

	if _, err := f.NewSheet(summaryName); err != nil {
		return fail(err)
	}
	summary := [][]any{
		{"From", sum.From.String()},
		{"To", sum.To.String()},
		{"Persons", sum.Persons},
		{StatusPresent, sum.Present},
		{StatusAbsent, sum.Absent},
	}
	for i, row := range summary {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summaryName, cell, &row); err != nil {
			return fail(err)
		}
	}
	if err := f.SetColWidth(summaryName, "A", "A", 12); err != nil {
		return fail(err)
	}
	return f, nil
}

// ColumnWidth fits a column to its longest cell plus padding, capped at 50.
func ColumnWidth(longest int) int {
	return min(longest+2, maxColumnWidth)
}
