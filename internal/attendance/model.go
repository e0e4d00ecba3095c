package attendance

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"qrattendance/internal/clock"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	// ErrConflict is returned by the ledger when an event already exists for the
	// person and day being recorded.
	ErrConflict = errors.New("attendance already recorded for this day")
	ErrInvalid  = errors.New("invalid input")
)

func newError(entity string, err error) error {
	return fmt.Errorf("%s: %w", strings.ToLower(entity), err)
}

// Person is an enrolled attendee. ExternalCode is the QR payload.
type Person struct {
	ID           int64       `json:"id" db:"id"`
	FullName     string      `json:"full_name" db:"full_name"`
	ExternalCode string      `json:"external_code" db:"external_code"`
	Cohort       string      `json:"cohort,omitempty" db:"cohort"`
	Program      string      `json:"program,omitempty" db:"program"`
	BirthDate    *clock.Date `json:"birth_date,omitempty" db:"birth_date"`
	Email        *string     `json:"email,omitempty" db:"email"`
	Gender       string      `json:"gender,omitempty" db:"gender"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
}

// Event is the single attendance record of a person for a day.
type Event struct {
	ID        int64           `json:"id" db:"id"`
	PersonID  int64           `json:"person_id" db:"person_id"`
	Day       clock.Date      `json:"day" db:"day"`
	TimeOfDay clock.TimeOfDay `json:"time_of_day" db:"time_of_day"`
	Source    string          `json:"source,omitempty" db:"source"`
}

// EventView is an event joined with its person's display fields.
type EventView struct {
	Event
	FullName     string `json:"full_name" db:"full_name"`
	ExternalCode string `json:"external_code" db:"external_code"`
}

// RosterEntry is one person on one day, with the check-in time when present.
type RosterEntry struct {
	PersonID     int64            `db:"id"`
	FullName     string           `db:"full_name"`
	ExternalCode string           `db:"external_code"`
	Cohort       string           `db:"cohort"`
	Program      string           `db:"program"`
	CheckIn      *clock.TimeOfDay `db:"time_of_day"`
}

// Present reports whether the person checked in that day.
func (r RosterEntry) Present() bool { return r.CheckIn != nil }

// GenderLabel renders the stored gender tag for display.
func GenderLabel(g string) string {
	switch g {
	case "M":
		return "Male"
	case "F":
		return "Female"
	case "O":
		return "Other"
	case "":
		return "Not specified"
	default:
		return g
	}
}

// NormalizeGender upper-cases the M/F/O tags and passes anything else through.
func NormalizeGender(g string) string {
	g = strings.TrimSpace(g)
	switch strings.ToUpper(g) {
	case "M", "F", "O":
		return strings.ToUpper(g)
	}
	return g
}
