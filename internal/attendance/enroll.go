package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"qrattendance/internal/clock"
)

// EnrollInput carries the enrollment form. Only FullName and ExternalCode are required.
type EnrollInput struct {
	FullName     string `json:"full_name" validate:"required"`
	ExternalCode string `json:"external_code" validate:"required"`
	Cohort       string `json:"cohort"`
	Program      string `json:"program"`
	BirthDate    string `json:"birth_date" validate:"omitempty,datetime=2006-01-02"`
	Email        string `json:"email" validate:"omitempty,email"`
	Gender       string `json:"gender"`
}

// FieldError describes one rejected enrollment field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every rejected field of an enrollment.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid enrollment: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// PersonWriter persists new persons.
type PersonWriter interface {
	CreatePerson(ctx context.Context, p Person) (Person, error)
}

// CodeImager renders and stores the scannable image of a person's code, returning
// where it was stored.
type CodeImager interface {
	Publish(ctx context.Context, p Person) (string, error)
}

// EnrollResult reports the persisted person and, independently, the image outcome.
type EnrollResult struct {
	Person        Person
	ImageLocation string
	ImageErr      error
}

// Enroller validates, persists, and then renders the code image of new persons.
type Enroller struct {
	persons  PersonWriter
	imager   CodeImager
	validate *validator.Validate
	logger   *slog.Logger
}

// NewEnroller creates an enroller. imager may be nil, in which case no image is produced.
func NewEnroller(persons PersonWriter, imager CodeImager, logger *slog.Logger) *Enroller {
	return &Enroller{
		persons:  persons,
		imager:   imager,
		validate: validator.New(),
		logger:   logger.With("module", "enroll"),
	}
}

// Enroll persists a new person. An image failure does not undo the enrollment; it is
// returned in EnrollResult.ImageErr while the error return stays nil.
func (e *Enroller) Enroll(ctx context.Context, in EnrollInput) (EnrollResult, error) {
	in = trimInput(in)
	if err := e.check(in); err != nil {
		return EnrollResult{}, err
	}

	p := Person{
		FullName:     in.FullName,
		ExternalCode: in.ExternalCode,
		Cohort:       in.Cohort,
		Program:      in.Program,
		Gender:       NormalizeGender(in.Gender),
	}
	if in.BirthDate != "" {
		d, err := clock.ParseDate(in.BirthDate)
		if err != nil {
			return EnrollResult{}, &ValidationError{Fields: []FieldError{{Field: "birth_date", Message: "must be YYYY-MM-DD"}}}
		}
		p.BirthDate = &d
	}
	if in.Email != "" {
		email := in.Email
		p.Email = &email
	}

	created, err := e.persons.CreatePerson(ctx, p)
	if err != nil {
		if errors.Is(err, ErrExists) {
			return EnrollResult{}, fmt.Errorf("external code or email already enrolled: %w", err)
		}
		return EnrollResult{}, fmt.Errorf("enroll %q: %w", in.ExternalCode, err)
	}
	e.logger.Info("person enrolled", "id", created.ID, "code", created.ExternalCode)

	res := EnrollResult{Person: created}
	if e.imager == nil {
		return res, nil
	}
	res.ImageLocation, res.ImageErr = e.imager.Publish(ctx, created)
	if res.ImageErr != nil {
		e.logger.Warn("code image not stored", "id", created.ID, "error", res.ImageErr)
	}
	return res, nil
}

func (e *Enroller) check(in EnrollInput) error {
	err := e.validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	ve := &ValidationError{}
	for _, fe := range verrs {
		ve.Fields = append(ve.Fields, FieldError{Field: jsonName(fe.Field()), Message: message(fe)})
	}
	return ve
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "is not a valid email address"
	case "datetime":
		return "must be YYYY-MM-DD"
	default:
		return "is invalid"
	}
}

func jsonName(field string) string {
	switch field {
	case "FullName":
		return "full_name"
	case "ExternalCode":
		return "external_code"
	case "BirthDate":
		return "birth_date"
	case "Email":
		return "email"
	default:
		return strings.ToLower(field)
	}
}

func trimInput(in EnrollInput) EnrollInput {
	in.FullName = strings.TrimSpace(in.FullName)
	in.ExternalCode = strings.TrimSpace(in.ExternalCode)
	in.Cohort = strings.TrimSpace(in.Cohort)
	in.Program = strings.TrimSpace(in.Program)
	in.BirthDate = strings.TrimSpace(in.BirthDate)
	in.Email = strings.TrimSpace(in.Email)
	return in
}
