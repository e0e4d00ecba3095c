package kiosk

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"qrattendance/internal/attendance"
	"qrattendance/internal/clock"
)

const rule = "----------------------------------"

// Printer renders entries for a person standing at the kiosk.
type Printer struct {
	mu     sync.Mutex
	w      io.Writer
	window clock.Window
}

// NewPrinter writes to w. window is shown when a scan arrives out of hours.
func NewPrinter(w io.Writer, window clock.Window) *Printer {
	return &Printer{w: w, window: window}
}

// Print writes one entry. Suppressed scans print nothing.
func (p *Printer) Print(e Entry) {
	if e.Status == StatusSuppressed {
		return
	}
	var b strings.Builder
	switch e.Status {
	case attendance.Accepted.String():
		b.WriteString("ATTENDANCE RECORDED\n\n")
		writePerson(&b, e.Person, true)
		b.WriteString(rule + "\n")
		if e.Event != nil {
			fmt.Fprintf(&b, "Check-in time: %s\n", e.Event.TimeOfDay)
			fmt.Fprintf(&b, "Date: %s\n", e.Event.Day.Time(e.ObservedAt.Location()).Format("02/01/2006"))
		}
	case attendance.AlreadyRecorded.String():
		b.WriteString("ALREADY RECORDED TODAY\n\n")
		writePerson(&b, e.Person, false)
		b.WriteString("\nThis person has already checked in today.\n")
	case attendance.UnknownCode.String():
		b.WriteString("CODE NOT RECOGNISED\n\n")
		fmt.Fprintf(&b, "Code: %q\n", e.Text)
	case attendance.OutOfWindow.String():
		b.WriteString("OUTSIDE CHECK-IN HOURS\n\n")
		fmt.Fprintf(&b, "Check-in is open %s\n", p.window)
	default:
		b.WriteString("STORAGE ERROR\n\n")
		if e.Error != "" {
			b.WriteString(e.Error + "\n")
		}
	}
	b.WriteString("\n")

	p.mu.Lock()
	defer p.mu.Unlock()
	io.WriteString(p.w, b.String())
}

func writePerson(b *strings.Builder, person *attendance.Person, full bool) {
	if person == nil {
		return
	}
	fmt.Fprintf(b, "Name: %s\n", orUnset(person.FullName))
	fmt.Fprintf(b, "ID: %s\n", person.ExternalCode)
	fmt.Fprintf(b, "Program: %s\n", orUnset(person.Program))
	fmt.Fprintf(b, "Cohort: %s\n", orUnset(person.Cohort))
	if !full {
		return
	}
	b.WriteString(rule + "\n")
	email := ""
	if person.Email != nil {
		email = *person.Email
	}
	birth := ""
	if person.BirthDate != nil {
		birth = person.BirthDate.String()
	}
	fmt.Fprintf(b, "Email: %s\n", orUnset(email))
	fmt.Fprintf(b, "Birth date: %s\n", orUnset(birth))
	fmt.Fprintf(b, "Gender: %s\n", attendance.GenderLabel(person.Gender))
}

func orUnset(s string) string {
	if s == "" {
		return "Not specified"
	}
	return s
}
