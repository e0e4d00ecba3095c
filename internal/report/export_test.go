package report

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xuri/excelize/v2"

	"qrattendance/internal/attendance"
	"qrattendance/internal/clock"
	"qrattendance/internal/metrics"
)

type fakeRoster map[clock.Date][]attendance.RosterEntry

func (f fakeRoster) Roster(_ context.Context, day clock.Date) ([]attendance.RosterEntry, error) {
	return f[day], nil
}

func date(s string) clock.Date {
	d, err := clock.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func sampleRoster() fakeRoster {
	checkIn := clock.NewTimeOfDay(8, 5, 0)
	return fakeRoster{
		date("2026-03-02"): {
			{PersonID: 1, FullName: "Ana", ExternalCode: "S001", Program: "CS", CheckIn: &checkIn},
			{PersonID: 2, FullName: "Bruno", ExternalCode: "S002"},
		},
		date("2026-03-03"): {
			{PersonID: 1, FullName: "Ana", ExternalCode: "S001", Program: "CS"},
			{PersonID: 2, FullName: "Bruno", ExternalCode: "S002"},
		},
	}
}

func TestFileName(t *testing.T) {
	if got := FileName(date("2026-03-02"), date("2026-03-02")); got != "attendance_2026_03_02.xlsx" {
		t.Fatalf("single day: %s", got)
	}
	if got := FileName(date("2026-03-02"), date("2026-03-06")); got != "attendance_2026_03_02_to_2026_03_06.xlsx" {
		t.Fatalf("range: %s", got)
	}
}

func TestExportWritesOneRowPerPersonPerDay(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	exp := NewExporter(sampleRoster(), dir, discard())

	sum, err := exp.Export(context.Background(), date("2026-03-02"), date("2026-03-03"))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if sum.Rows != 4 || sum.Persons != 2 || sum.Present != 1 || sum.Absent != 3 {
		t.Fatalf("summary = %+v", sum)
	}
	if filepath.Base(sum.Path) != "attendance_2026_03_02_to_2026_03_03.xlsx" {
		t.Fatalf("path = %s", sum.Path)
	}

	f, err := excelize.OpenFile(sum.Path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheetName)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("got %d rows, want header + 4", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(header, ",") {
		t.Fatalf("header = %v", rows[0])
	}
	if rows[1][0] != "2026-03-02" || rows[1][1] != "Ana" || rows[1][5] != StatusPresent || rows[1][6] != "08:05:00" {
		t.Fatalf("first row = %v", rows[1])
	}
	if rows[2][5] != StatusAbsent {
		t.Fatalf("absent row = %v", rows[2])
	}

	width, err := f.GetColWidth(sheetName, "B")
	if err != nil || width != float64(len("Bruno")+2) {
		t.Fatalf("name column width = %v, %v", width, err)
	}
}

func TestExportRejectsBadRanges(t *testing.T) {
	exp := NewExporter(sampleRoster(), t.TempDir(), discard())
	ctx := context.Background()
	if _, err := exp.Export(ctx, date("2026-03-03"), date("2026-03-02")); !errors.Is(err, attendance.ErrInvalid) {
		t.Fatalf("reversed range err = %v", err)
	}
	if _, err := exp.Export(ctx, date("2024-01-01"), date("2026-01-01")); !errors.Is(err, attendance.ErrInvalid) {
		t.Fatalf("long range err = %v", err)
	}

	// 2024 is a leap year: Jan 1 to Dec 31 is exactly MaxDays days.
	f, sum, err := exp.Build(ctx, date("2024-01-01"), date("2024-12-31"))
	if err != nil {
		t.Fatalf("366-day range err = %v", err)
	}
	f.Close()
	if sum.To != date("2024-12-31") {
		t.Fatalf("summary = %+v", sum)
	}
	if _, _, err := exp.Build(ctx, date("2024-01-01"), date("2025-01-01")); !errors.Is(err, attendance.ErrInvalid) {
		t.Fatalf("367-day range err = %v", err)
	}
}

func TestWriteToStreamsWorkbook(t *testing.T) {
	exp := NewExporter(sampleRoster(), t.TempDir(), discard())
	var buf bytes.Buffer
	sum, err := exp.WriteTo(context.Background(), &buf, date("2026-03-02"), date("2026-03-02"))
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if sum.Rows != 2 || sum.Path != "" {
		t.Fatalf("summary = %+v", sum)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()
	v, err := f.GetCellValue(summaryName, "B4")
	if err != nil || v != "1" {
		t.Fatalf("present total = %q, %v", v, err)
	}
}

func TestColumnWidthCapped(t *testing.T) {
	for in, want := range map[int]int{0: 2, 10: 12, 48: 50, 200: 50} {
		if got := ColumnWidth(in); got != want {
			t.Fatalf("ColumnWidth(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	exp := NewExporter(sampleRoster(), t.TempDir(), discard())
	clk := clock.Func(func() time.Time { return time.Date(2026, 3, 2, 10, 5, 0, 0, time.Local) })
	if _, err := NewScheduler("not a cron", time.Local, exp, clk, nil, discard()); err == nil {
		t.Fatalf("invalid cron expression accepted")
	}
}

func TestSchedulerRunExportsToday(t *testing.T) {
	dir := t.TempDir()
	exp := NewExporter(sampleRoster(), dir, discard())
	clk := clock.Func(func() time.Time { return time.Date(2026, 3, 2, 10, 5, 0, 0, time.Local) })
	m := metrics.New(prometheus.NewRegistry())

	s, err := NewScheduler("5 10 * * 1-5", time.Local, exp, clk, m, discard())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.run()

	f, err := excelize.OpenFile(filepath.Join(dir, "attendance_2026_03_02.xlsx"))
	if err != nil {
		t.Fatalf("scheduled export missing: %v", err)
	}
	f.Close()
}
