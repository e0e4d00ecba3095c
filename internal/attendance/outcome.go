package attendance

import (
	"time"
)

// Outcome is the result class of a scan decision.
type Outcome int

const (
	OutOfWindow Outcome = iota + 1
	UnknownCode
	AlreadyRecorded
	Accepted
	StorageFailure
)

func (o Outcome) String() string {
	switch o {
	case OutOfWindow:
		return "out_of_window"
	case UnknownCode:
		return "unknown_code"
	case AlreadyRecorded:
		return "already_recorded"
	case Accepted:
		return "accepted"
	case StorageFailure:
		return "storage_failure"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Decision is what the engine concluded for one submitted code.
type Decision struct {
	Outcome Outcome
	Text    string
	At      time.Time
	// Person is set for AlreadyRecorded and Accepted.
	Person *Person
	// Event is set for Accepted.
	Event *Event
	// Err is set for StorageFailure.
	Err error
}
