package api

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	apperrors "github.com/gmsas95/medminder/internal/errors"
	"github.com/gmsas95/medminder/internal/medication"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

type loginRequest struct {
	Password string `json:"password" validate:"required"`
}

// createMedicationRequest accepts either a one-line description, schedule
// text, or a structured rule
type createMedicationRequest struct {
	Line        string           `json:"line" validate:"omitempty,max=500"`
	Name        string           `json:"name" validate:"max=100"`
	Dosage      string           `json:"dosage" validate:"max=100"`
	Schedule    string           `json:"schedule" validate:"max=200"`
	Rule        *medication.Rule `json:"rule"`
	GracePeriod string           `json:"grace_period"`
	Notes       string           `json:"notes" validate:"max=1000"`
	WithFood    bool             `json:"with_food"`
}

type updateMedicationRequest struct {
	Name        *string          `json:"name" validate:"omitempty,min=1,max=100"`
	Dosage      *string          `json:"dosage" validate:"omitempty,max=100"`
	Schedule    *string          `json:"schedule" validate:"omitempty,min=1,max=200"`
	Rule        *medication.Rule `json:"rule"`
	GracePeriod *string          `json:"grace_period"`
	Notes       *string          `json:"notes" validate:"omitempty,max=1000"`
	WithFood    *bool            `json:"with_food"`
}

type doseRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at"`
	Status      string     `json:"status" validate:"required,oneof=taken skipped missed pending missed_auto"`
	ActualAt    *time.Time `json:"actual_at"`
	Note        string     `json:"note" validate:"max=500"`
}

type notifiedRequest struct {
	MedicationID string    `json:"medication_id" validate:"required"`
	ScheduledAt  time.Time `json:"scheduled_at" validate:"required"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// bind parses the JSON body into req and runs its validation tags
func (s *Server) bind(c *fiber.Ctx, req interface{}) error {
	if err := c.BodyParser(req); err != nil {
		return apperrors.New(apperrors.ErrBadRequest.Code, "invalid request body", err)
	}
	if err := s.validate.Struct(req); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, formatFieldError(e))
			}
			return apperrors.Validation("%s", strings.Join(msgs, "; "))
		}
		return apperrors.Validation("%v", err)
	}
	return nil
}

func formatFieldError(e validator.FieldError) string {
	field := e.Field()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

func parseGrace(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, apperrors.Validation("grace_period %q is not a duration", s)
	}
	if d < 0 {
		return 0, apperrors.Validation("grace_period must not be negative")
	}
	return d, nil
}

func (s *Server) draftFrom(req createMedicationRequest) (medication.Draft, error) {
	p := s.parser()

	var d medication.Draft
	if req.Line != "" {
		parsed, err := p.ParseMedication(req.Line)
		if err != nil {
			return medication.Draft{}, err
		}
		d = parsed
	}
	if req.Name != "" {
		d.Name = req.Name
	}
	if req.Dosage != "" {
		d.Dosage = req.Dosage
	}

	switch {
	case req.Rule != nil && req.Schedule != "":
		return medication.Draft{}, apperrors.Validation("give either schedule or rule, not both")
	case req.Rule != nil:
		d.Rule = *req.Rule
	case req.Schedule != "":
		rule, err := p.ParseSchedule(req.Schedule)
		if err != nil {
			return medication.Draft{}, err
		}
		d.Rule = rule
	case req.Line == "":
		return medication.Draft{}, apperrors.Validation("schedule is required")
	}

	if req.GracePeriod != "" {
		g, err := parseGrace(req.GracePeriod)
		if err != nil {
			return medication.Draft{}, err
		}
		d.GracePeriod = g
	}
	if req.Notes != "" {
		d.Notes = req.Notes
	}
	d.WithFood = d.WithFood || req.WithFood
	return d, nil
}

func (s *Server) patchFrom(req updateMedicationRequest) (medication.Patch, error) {
	patch := medication.Patch{
		Name:     req.Name,
		Dosage:   req.Dosage,
		Notes:    req.Notes,
		WithFood: req.WithFood,
	}
	switch {
	case req.Rule != nil && req.Schedule != nil:
		return medication.Patch{}, apperrors.Validation("give either schedule or rule, not both")
	case req.Rule != nil:
		patch.Rule = req.Rule
	case req.Schedule != nil:
		rule, err := s.parser().ParseSchedule(*req.Schedule)
		if err != nil {
			return medication.Patch{}, err
		}
		patch.Rule = &rule
	}
	if req.GracePeriod != nil {
		g, err := parseGrace(*req.GracePeriod)
		if err != nil {
			return medication.Patch{}, err
		}
		patch.GracePeriod = &g
	}
	return patch, nil
}

// timeQuery reads an RFC 3339 instant or a local YYYY-MM-DD date
func (s *Server) timeQuery(c *fiber.Ctx, key string, def time.Time) (time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", raw, s.tracker.Location()); err == nil {
		return t, nil
	}
	return time.Time{}, apperrors.Validation("%s must be an RFC 3339 time or a YYYY-MM-DD date", key)
}

// maxRange bounds range queries
const maxRange = 366 * 24 * time.Hour

func (s *Server) rangeQuery(c *fiber.Ctx, defFrom, defTo time.Time) (time.Time, time.Time, error) {
	from, err := s.timeQuery(c, "from", defFrom)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := s.timeQuery(c, "to", defTo)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, apperrors.Validation("to must be after from")
	}
	if to.Sub(from) > maxRange {
		return time.Time{}, time.Time{}, apperrors.Validation("range must not exceed %s", maxRange)
	}
	return from, to, nil
}
