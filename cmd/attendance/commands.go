package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"qrattendance/internal/attendance"
	"qrattendance/internal/clock"
	"qrattendance/internal/config"
	"qrattendance/internal/kiosk"
	"qrattendance/internal/queue"
	"qrattendance/internal/source"
)

// ---------- Enrollment ----------

func newAddCmd(cfg func() config.App) *cobra.Command {
	return &cobra.Command{
		Use:     "add",
		Aliases: []string{"agregar"},
		Short:   "Enroll a person interactively and generate their QR code",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), cfg())
			if err != nil {
				return err
			}
			defer a.Close()

			in := readEnrollment(bufio.NewReader(cmd.InOrStdin()), cmd.OutOrStdout())
			res, err := a.enroller().Enroll(cmd.Context(), in)
			var verr *attendance.ValidationError
			if errors.As(err, &verr) {
				for _, f := range verr.Fields {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %s\n", f.Field, f.Message)
				}
				return errors.New("enrollment rejected")
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Enrolled %s (%s)\n", res.Person.FullName, res.Person.ExternalCode)
			if res.ImageErr != nil {
				fmt.Fprintf(out, "QR image not fully stored: %v\n", res.ImageErr)
			}
			if res.ImageLocation != "" {
				fmt.Fprintf(out, "QR image: %s\n", res.ImageLocation)
			}
			return nil
		},
	}
}

func readEnrollment(r *bufio.Reader, w io.Writer) attendance.EnrollInput {
	ask := func(label string) string {
		fmt.Fprintf(w, "%s: ", label)
		line, _ := r.ReadString('\n')
		return strings.TrimSpace(line)
	}
	return attendance.EnrollInput{
		FullName:     ask("Full name"),
		ExternalCode: ask("Code"),
		Cohort:       ask("Cohort"),
		Program:      ask("Program"),
		BirthDate:    ask("Birth date (YYYY-MM-DD)"),
		Email:        ask("Email"),
		Gender:       ask("Gender (M/F/O)"),
	}
}

func newListCmd(cfg func() config.App) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"listar"},
		Short:   "List enrolled persons",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), cfg())
			if err != nil {
				return err
			}
			defer a.Close()

			persons, err := a.repo.ListPersons(cmd.Context())
			if err != nil {
				return err
			}
			if len(persons) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No persons enrolled.")
				return nil
			}
			writePersons(cmd.OutOrStdout(), persons)
			return nil
		},
	}
}

func writePersons(w io.Writer, persons []attendance.Person) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCODE\tNAME\tCOHORT\tPROGRAM\tGENDER")
	for _, p := range persons {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.ExternalCode, p.FullName, p.Cohort, p.Program, attendance.GenderLabel(p.Gender))
	}
	tw.Flush()
}

// ---------- Reports ----------

func newReportCmd(cfg func() config.App) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export the attendance spreadsheet for a day or a range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), cfg())
			if err != nil {
				return err
			}
			defer a.Close()

			start, end, err := reportRange(from, to, clock.DateOf(a.clock.Now()))
			if err != nil {
				return err
			}
			sum, err := a.exporter().Export(cmd.Context(), start, end)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Report saved to %s (%d present, %d absent)\n", sum.Path, sum.Present, sum.Absent)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "date", "", "first day, YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&to, "to", "", "last day, YYYY-MM-DD (default --date)")
	return cmd
}

func reportRange(from, to string, today clock.Date) (clock.Date, clock.Date, error) {
	start := today
	if from != "" {
		d, err := clock.ParseDate(from)
		if err != nil {
			return clock.Date{}, clock.Date{}, err
		}
		start = d
	}
	end := start
	if to != "" {
		d, err := clock.ParseDate(to)
		if err != nil {
			return clock.Date{}, clock.Date{}, err
		}
		end = d
	}
	return start, end, nil
}

// ---------- Scanning ----------

func newScanCmd(cfg func() config.App) *cobra.Command {
	return &cobra.Command{
		Use:   "scan IMAGE",
		Short: "Decode a QR code from an image file and record attendance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			a, err := openApp(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := source.NewImageFile(args[0], a.clock).Next(cmd.Context())
			if errors.Is(err, source.ErrNoCode) {
				return fmt.Errorf("no QR code found in %s", args[0])
			}
			if err != nil {
				return err
			}

			engine := attendance.NewEngine(a.repo, a.repo, c.Window, c.Cooldown)
			loop := kiosk.NewLoop(engine, queue.NewInMemory(1), kiosk.NewFeed(1), a.logger,
				kiosk.WithPrinter(kiosk.NewPrinter(cmd.OutOrStdout(), c.Window)))
			e := loop.Process(cmd.Context(), queue.NewScan(r.Text, r.ObservedAt, "image:"+args[0]))
			return scanErr(e)
		},
	}
}

// scanErr turns a decision that could not be stored into a non-zero exit.
func scanErr(e kiosk.Entry) error {
	if e.Status == attendance.StorageFailure.String() {
		return fmt.Errorf("attendance not recorded: %s", e.Error)
	}
	return nil
}

// ---------- Diagnostics ----------

func newDiagnoseCmd(cfg func() config.App) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Print database health, counts and the latest events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := cfg()
			a, err := openApp(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			enrolled, err := a.repo.CountPersons(ctx)
			if err != nil {
				return err
			}
			persons, err := a.repo.ListPersons(ctx)
			if err != nil {
				return err
			}
			today := clock.DateOf(a.clock.Now())
			present, err := a.repo.CountEventsOn(ctx, today)
			if err != nil {
				return err
			}
			events, err := a.repo.ListEvents(ctx, attendance.EventFilter{Limit: 10})
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Database:   %s (healthy: %t)\n", c.DatabaseURL, a.db.Healthy(ctx))
			fmt.Fprintf(out, "Window:     %s\n", c.Window)
			fmt.Fprintf(out, "Enrolled:   %d\n", enrolled)
			fmt.Fprintf(out, "Present %s: %d\n", today, present)
			if a.redis != nil {
				fmt.Fprintf(out, "Redis:      %s (healthy: %t)\n", c.RedisAddr, a.redis.Healthy(ctx))
			}
			if len(persons) > 0 {
				fmt.Fprintln(out, "\nFirst persons:")
				writePersons(out, persons[:min(len(persons), 5)])
			}
			if len(events) == 0 {
				fmt.Fprintln(out, "No events recorded.")
				return nil
			}
			fmt.Fprintln(out, "\nLatest events:")
			writeEvents(out, events)
			return nil
		},
	}
}

func writeEvents(w io.Writer, events []attendance.EventView) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DAY\tTIME\tCODE\tNAME\tSOURCE")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Day, e.TimeOfDay, e.ExternalCode, e.FullName, e.Source)
	}
	tw.Flush()
}
