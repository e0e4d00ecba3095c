package attendance

import (
	"context"
	"log/slog"
	"time"

	"github.com/Masterminds/squirrel"

	"qrattendance/internal/clock"
	"qrattendance/internal/store"
)

var personColumns = []string{
	"id", "full_name", "external_code", "cohort", "program",
	"birth_date", "email", "gender", "created_at",
}

// Repository persists persons, attendance events, kiosk devices and their refresh tokens. It implements
// Directory and Ledger; uniqueness of codes, emails and (person, day) is enforced by
// the schema.
type Repository struct {
	db     *store.DB
	logger *slog.Logger
}

// NewRepository creates a repo.
func NewRepository(db *store.DB, logger *slog.Logger) *Repository {
	return &Repository{db: db, logger: logger.With("dao", "attendance")}
}

// CreatePerson inserts p and returns it with its assigned ID.
func (r *Repository) CreatePerson(ctx context.Context, p Person) (Person, error) {
	logger := r.logger.With("query", "create_person")

	query, args, err := r.db.Builder.
		Insert("persons").
		Columns("full_name", "external_code", "cohort", "program", "birth_date", "email", "gender").
		Values(p.FullName, p.ExternalCode, p.Cohort, p.Program, p.BirthDate, p.Email, p.Gender).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return Person{}, err
	}

	logger.Debug("build query", "sql", query, "args", args)

	if err := r.db.QueryRowxContext(ctx, query, args...).Scan(&p.ID); err != nil {
		logger.Warn("failed query execute", "error", err)
		if store.IsUniqueViolation(err) {
			return Person{}, newError("person", ErrExists)
		}
		return Person{}, err
	}

	return r.GetPerson(ctx, p.ID)
}

// GetPerson loads a person by internal ID.
func (r *Repository) GetPerson(ctx context.Context, id int64) (Person, error) {
	p, err := r.findOne(ctx, squirrel.Eq{"id": id})
	if err != nil {
		return Person{}, err
	}
	if p == nil {
		return Person{}, newError("person", ErrNotFound)
	}
	return *p, nil
}

// FindByCode implements Directory.
func (r *Repository) FindByCode(ctx context.Context, code string) (*Person, error) {
	return r.findOne(ctx, squirrel.Eq{"external_code": code})
}

func (r *Repository) findOne(ctx context.Context, where squirrel.Eq) (*Person, error) {
	logger := r.logger.With("query", "find_person")

	query, args, err := r.db.Builder.
		Select(personColumns...).
		From("persons").
		Where(where).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}

	logger.Debug("build query", "sql", query, "args", args)

	var p Person
	if err := r.db.GetContext(ctx, &p, query, args...); err != nil {
		if store.IsNoRows(err) {
			return nil, nil
		}
		logger.Warn("failed query execute", "error", err)
		return nil, err
	}
	return &p, nil
}

// ListPersons returns everyone enrolled, ordered by name.
func (r *Repository) ListPersons(ctx context.Context) ([]Person, error) {
	query, args, err := r.db.Builder.
		Select(personColumns...).
		From("persons").
		OrderBy("full_name", "id").
		ToSql()
	if err != nil {
		return nil, err
	}

	r.logger.Debug("build query", "query", "list_persons", "sql", query)

	persons := []Person{}
	if err := r.db.SelectContext(ctx, &persons, query, args...); err != nil {
		return nil, err
	}
	return persons, nil
}

// CountPersons returns the number of enrolled persons.
func (r *Repository) CountPersons(ctx context.Context) (int, error) {
	return r.count(ctx, r.db.Builder.Select("COUNT(*)").From("persons"))
}

// HasEvent implements Ledger.
func (r *Repository) HasEvent(ctx context.Context, personID int64, day clock.Date) (bool, error) {
	query, args, err := r.db.Builder.
		Select("COUNT(*)").
		From("attendance_events").
		Where(squirrel.Eq{"person_id": personID, "day": day}).
		ToSql()
	if err != nil {
		return false, err
	}

	r.logger.Debug("build query", "query", "has_event", "sql", query, "args", args)

	var n int
	if err := r.db.QueryRowxContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordEvent implements Ledger. A concurrent or repeated insert for the same person
// and day fails on the schema's unique key and is reported as ErrConflict.
func (r *Repository) RecordEvent(ctx context.Context, personID int64, day clock.Date, at clock.TimeOfDay, source string) (Event, error) {
	logger := r.logger.With("query", "record_event")

	evt := Event{PersonID: personID, Day: day, TimeOfDay: at, Source: source}
	query, args, err := r.db.Builder.
		Insert("attendance_events").
		Columns("person_id", "day", "time_of_day", "source").
		Values(evt.PersonID, evt.Day, evt.TimeOfDay, evt.Source).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return Event{}, err
	}

	logger.Debug("build query", "sql", query, "args", args)

	if err := r.db.QueryRowxContext(ctx, query, args...).Scan(&evt.ID); err != nil {
		if store.IsUniqueViolation(err) {
			return Event{}, newError("event", ErrConflict)
		}
		logger.Warn("failed query execute", "error", err)
		return Event{}, err
	}

	logger.Debug("success query execute", "eventId", evt.ID)

	return evt, nil
}

// CountEventsOn returns how many persons checked in on day.
func (r *Repository) CountEventsOn(ctx context.Context, day clock.Date) (int, error) {
	return r.count(ctx, r.db.Builder.
		Select("COUNT(*)").
		From("attendance_events").
		Where(squirrel.Eq{"day": day}))
}

func (r *Repository) count(ctx context.Context, b squirrel.SelectBuilder) (int, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}

	r.logger.Debug("build query", "query", "count", "sql", query, "args", args)

	var n int
	if err := r.db.QueryRowxContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// EventFilter narrows ListEvents. Zero values mean no filter.
type EventFilter struct {
	From     clock.Date
	To       clock.Date
	PersonID int64
	Limit    int
	Offset   int
}

// ListEvents returns events joined with person names, latest first.
func (r *Repository) ListEvents(ctx context.Context, f EventFilter) ([]EventView, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	where := squirrel.And{}
	if !f.From.IsZero() {
		where = append(where, squirrel.GtOrEq{"e.day": f.From})
	}
	if !f.To.IsZero() {
		where = append(where, squirrel.LtOrEq{"e.day": f.To})
	}
	if f.PersonID != 0 {
		where = append(where, squirrel.Eq{"e.person_id": f.PersonID})
	}

	builder := r.db.Builder.
		Select("e.id", "e.person_id", "e.day", "e.time_of_day", "e.source", "p.full_name", "p.external_code").
		From("attendance_events e").
		Join("persons p ON p.id = e.person_id")
	if len(where) > 0 {
		builder = builder.Where(where)
	}
	query, args, err := builder.
		OrderBy("e.day DESC", "e.time_of_day DESC", "e.id DESC").
		Limit(uint64(f.Limit)).
		Offset(uint64(f.Offset)).
		ToSql()
	if err != nil {
		return nil, err
	}

	r.logger.Debug("build query", "query", "list_events", "sql", query, "args", args)

	events := []EventView{}
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, err
	}
	return events, nil
}

// Roster returns every enrolled person with their check-in time on day, if any.
func (r *Repository) Roster(ctx context.Context, day clock.Date) ([]RosterEntry, error) {
	query, args, err := r.db.Builder.
		Select("p.id", "p.full_name", "p.external_code", "p.cohort", "p.program", "e.time_of_day").
		From("persons p").
		LeftJoin("attendance_events e ON e.person_id = p.id AND e.day = ?", day).
		OrderBy("p.full_name", "p.id").
		ToSql()
	if err != nil {
		return nil, err
	}

	r.logger.Debug("build query", "query", "roster", "sql", query, "args", args)

	entries := []RosterEntry{}
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, err
	}
	return entries, nil
}

// UpsertDevice ensures a kiosk device record exists.
func (r *Repository) UpsertDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return newError("device", ErrInvalid)
	}
	query, args, err := r.db.Builder.
		Insert("devices").
		Columns("device_id").
		Values(deviceID).
		Suffix("ON CONFLICT (device_id) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

// SaveRefreshToken records an issued refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, deviceID, tokenHash string, expiresAt time.Time) error {
	query, args, err := r.db.Builder.
		Insert("refresh_tokens").
		Columns("token_hash", "device_id", "expires_at").
		Values(tokenHash, deviceID, expiresAt.UTC()).
		ToSql()
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

// RevokeRefreshToken marks a token revoked. It reports false when the token was never
// saved or has already been revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, tokenHash string) (bool, error) {
	query, args, err := r.db.Builder.
		Update("refresh_tokens").
		Set("revoked_at", squirrel.Expr("CURRENT_TIMESTAMP")).
		Where(squirrel.Eq{"token_hash": tokenHash, "revoked_at": nil}).
		ToSql()
	if err != nil {
		return false, err
	}

	r.logger.Debug("build query", "query", "revoke_refresh_token", "sql", query)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
