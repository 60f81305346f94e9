package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/djlord-it/carecal/internal/domain"
	"github.com/djlord-it/carecal/internal/schedule"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names, not Go ones.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRequest runs the struct tags on req and converts failures into
// domain.ValidationErrors so the handler maps them like service errors.
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	var errs domain.ValidationErrors
	for _, fe := range fieldErrs {
		errs.Add(fieldPath(fe), describe(fe))
	}
	return errs.Err()
}

// fieldPath drops the top-level struct name from the namespace,
// e.g. "CreateScheduleRequest.detail.duration_days" -> "detail.duration_days".
func fieldPath(fe validator.FieldError) string {
	_, path, ok := strings.Cut(fe.Namespace(), ".")
	if !ok {
		return fe.Field()
	}
	return path
}

func describe(fe validator.FieldError) string {
	sized := fe.Kind() == reflect.String || fe.Kind() == reflect.Slice
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "min":
		if sized {
			return fmt.Sprintf("must have at least %s item(s) or character(s)", fe.Param())
		}
		return "must be at least " + fe.Param()
	case "max":
		if sized {
			return fmt.Sprintf("must have at most %s item(s) or character(s)", fe.Param())
		}
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "datetime":
		return "must be formatted as " + layoutName(fe.Param())
	default:
		return "failed " + fe.Tag() + " check"
	}
}

func layoutName(layout string) string {
	switch layout {
	case "15:04":
		return "HH:MM"
	case "2006-01-02":
		return "YYYY-MM-DD"
	default:
		return layout
	}
}

// toCreateInput converts a tag-validated request. Rule-level checks such as
// category pairing and date order are left to the schedule service.
func toCreateInput(owner int64, req CreateScheduleRequest) (schedule.CreateInput, error) {
	var errs domain.ValidationErrors

	freq, err := domain.ParseFrequency(req.Frequency)
	errs.Merge("frequency", err)
	times := parseTimes(&errs, req.Times)
	from := parseDate(&errs, "valid_from", req.ValidFrom)

	var until *domain.Date
	if req.ValidUntil != nil {
		d := parseDate(&errs, "valid_until", *req.ValidUntil)
		until = &d
	}

	alarm := true
	if req.AlarmEnabled != nil {
		alarm = *req.AlarmEnabled
	}

	if err := errs.Err(); err != nil {
		return schedule.CreateInput{}, err
	}

	in := schedule.CreateInput{
		OwnerUserID: owner,
		PetID:       req.PetID,
		Title:       req.Title,
		Rule: domain.Rule{
			Main:         domain.MainCategory(req.MainCategory),
			Sub:          domain.SubCategory(req.SubCategory),
			Frequency:    freq,
			Times:        times,
			ValidFrom:    from,
			ValidUntil:   until,
			LeadDays:     req.ReminderDaysBefore,
			AlarmEnabled: alarm,
			AllDay:       req.AllDay,
		},
	}
	if req.Detail != nil {
		in.Detail = toDetail(*req.Detail)
	}
	return in, nil
}

func toPatch(req PatchScheduleRequest) (domain.Patch, error) {
	var errs domain.ValidationErrors
	p := domain.Patch{
		Title:           req.Title,
		PetID:           req.PetID,
		ClearValidUntil: req.ClearValidUntil && req.ValidUntil == nil,
		LeadDays:        req.ReminderDaysBefore,
		AlarmEnabled:    req.AlarmEnabled,
		AllDay:          req.AllDay,
	}

	if req.SubCategory != nil {
		sub := domain.SubCategory(*req.SubCategory)
		p.Sub = &sub
	}
	if req.Frequency != nil {
		freq, err := domain.ParseFrequency(*req.Frequency)
		errs.Merge("frequency", err)
		p.Frequency = &freq
	}
	if req.Times != nil {
		p.Times = parseTimes(&errs, req.Times)
	}
	if req.ValidFrom != nil {
		d := parseDate(&errs, "valid_from", *req.ValidFrom)
		p.ValidFrom = &d
	}
	if req.ValidUntil != nil {
		d := parseDate(&errs, "valid_until", *req.ValidUntil)
		p.ValidUntil = &d
	}
	if req.Detail != nil {
		d := toDetail(*req.Detail)
		p.Detail = &d
	}

	if err := errs.Err(); err != nil {
		return domain.Patch{}, err
	}
	return p, nil
}

func toDetail(d DetailRequest) domain.Detail {
	return domain.Detail{
		MedicationName: strings.TrimSpace(d.MedicationName),
		Dosage:         strings.TrimSpace(d.Dosage),
		Administration: strings.TrimSpace(d.Administration),
		Instructions:   d.Instructions,
		DurationDays:   d.DurationDays,
		SourceText:     d.SourceText,
		Notes:          d.Notes,
	}
}

// parseTimes returns a non-nil slice so an explicit empty list stays
// distinguishable from an omitted one.
func parseTimes(errs *domain.ValidationErrors, raw []string) []domain.TimeOfDay {
	out := make([]domain.TimeOfDay, 0, len(raw))
	for i, s := range raw {
		t, err := domain.ParseTimeOfDay(s)
		if err != nil {
			errs.Add(fmt.Sprintf("times[%d]", i), "must be formatted as HH:MM")
			continue
		}
		out = append(out, t)
	}
	return out
}

func parseDate(errs *domain.ValidationErrors, field, s string) domain.Date {
	d, err := domain.ParseDate(s)
	if err != nil {
		errs.Add(field, "must be formatted as YYYY-MM-DD")
	}
	return d
}
