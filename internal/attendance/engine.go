package attendance

import (
	"context"
	"errors"
	"time"

	"qrattendance/internal/clock"
)

// DefaultCooldown is how long a repeated identical code is ignored.
const DefaultCooldown = 3 * time.Second

// Directory resolves scanned codes to enrolled persons.
type Directory interface {
	// FindByCode matches code exactly and case-sensitively. It returns nil, nil when
	// no person carries the code.
	FindByCode(ctx context.Context, code string) (*Person, error)
}

// Ledger stores at most one event per person and day.
type Ledger interface {
	HasEvent(ctx context.Context, personID int64, day clock.Date) (bool, error)
	// RecordEvent returns an error wrapping ErrConflict if the person already has an
	// event for day.
	RecordEvent(ctx context.Context, personID int64, day clock.Date, at clock.TimeOfDay, source string) (Event, error)
}

// Engine turns decoded codes into attendance decisions. It is not safe for
// concurrent use; callers feed it from a single loop.
type Engine struct {
	dir      Directory
	ledger   Ledger
	window   clock.Window
	cooldown time.Duration

	lastText string
	lastAt   time.Time
	hasLast  bool
}

// NewEngine creates an engine. A zero cooldown disables repeat suppression.
func NewEngine(dir Directory, ledger Ledger, window clock.Window, cooldown time.Duration) *Engine {
	if cooldown < 0 {
		cooldown = 0
	}
	return &Engine{dir: dir, ledger: ledger, window: window, cooldown: cooldown}
}

// Window returns the configured check-in window.
func (e *Engine) Window() clock.Window { return e.window }

// Submit applies repeat suppression and then decides. The boolean is false when the
// submission repeats the previous text within the cooldown; no decision is made then.
func (e *Engine) Submit(ctx context.Context, text string, now time.Time, source string) (Decision, bool) {
	if e.suppressed(text, now) {
		return Decision{}, false
	}
	e.lastText, e.lastAt, e.hasLast = text, now, true
	return e.Decide(ctx, text, now, source), true
}

func (e *Engine) suppressed(text string, now time.Time) bool {
	if e.cooldown == 0 || !e.hasLast || text != e.lastText {
		return false
	}
	return now.Sub(e.lastAt) < e.cooldown
}

// Decide evaluates one code at now without repeat suppression. The window is checked
// before any lookup so codes scanned out of hours reveal nothing about enrollment.
func (e *Engine) Decide(ctx context.Context, text string, now time.Time, source string) Decision {
	d := Decision{Text: text, At: now}

	if !e.window.ContainsTime(now) {
		d.Outcome = OutOfWindow
		return d
	}

	person, err := e.dir.FindByCode(ctx, text)
	if err != nil {
		return failed(d, err)
	}
	if person == nil {
		d.Outcome = UnknownCode
		return d
	}
	d.Person = person

	day := clock.DateOf(now)
	recorded, err := e.ledger.HasEvent(ctx, person.ID, day)
	if err != nil {
		return failed(d, err)
	}
	if recorded {
		d.Outcome = AlreadyRecorded
		return d
	}

	evt, err := e.ledger.RecordEvent(ctx, person.ID, day, clock.TimeOf(now).Truncate(time.Second), source)
	switch {
	case errors.Is(err, ErrConflict):
		// Another writer recorded the day between the check and the insert.
		d.Outcome = AlreadyRecorded
		return d
	case err != nil:
		return failed(d, err)
	}

	d.Outcome = Accepted
	d.Event = &evt
	return d
}

func failed(d Decision, err error) Decision {
	d.Outcome = StorageFailure
	d.Err = err
	return d
}
