package api

import (
	"crypto/subtle"
	"time"

	apperrors "github.com/gmsas95/medminder/internal/errors"
	"github.com/gmsas95/medminder/internal/ledger"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":      "healthy",
		"version":     Version,
		"medications": len(s.tracker.ListActive()),
		"timestamp":   s.tracker.Now().Unix(),
	})
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req loginRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	want := s.config.Security.AdminPassword
	if want == "" || subtle.ConstantTimeCompare([]byte(req.Password), []byte(want)) != 1 {
		return apperrors.New(apperrors.ErrUnauthorized.Code, "invalid credentials")
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.config.Security.TokenTTL)),
	})

	tokenString, err := token.SignedString([]byte(s.config.Security.JWTSecret))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrInternal.Code, "failed to generate token")
	}

	return c.JSON(fiber.Map{
		"token":      tokenString,
		"expires_at": now.Add(s.config.Security.TokenTTL),
	})
}

func (s *Server) handleListMedications(c *fiber.Ctx) error {
	if c.QueryBool("all") {
		return c.JSON(s.tracker.ListAll())
	}
	return c.JSON(s.tracker.ListActive())
}

func (s *Server) handleCreateMedication(c *fiber.Ctx) error {
	var req createMedicationRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if req.Line == "" && req.Name == "" {
		return apperrors.Validation("name is required")
	}

	draft, err := s.draftFrom(req)
	if err != nil {
		return err
	}

	med, err := s.tracker.AddMedication(c.UserContext(), draft)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(med)
}

func (s *Server) handleGetMedication(c *fiber.Ctx) error {
	med, err := s.tracker.Get(c.Params("id"))
	if err != nil {
		return err
	}
	state, at, err := s.tracker.ReminderState(med.ID, s.tracker.Now())
	if err != nil {
		return err
	}

	resp := fiber.Map{
		"medication": med,
		"schedule":   med.Rule.Describe(),
		"reminder":   state.String(),
	}
	if !at.IsZero() {
		resp["tracked_dose"] = at
	}
	if next, ok, err := s.tracker.NextDue(med.ID, s.tracker.Now()); err == nil && ok {
		resp["next_due"] = next
	}
	return c.JSON(resp)
}

func (s *Server) handleUpdateMedication(c *fiber.Ctx) error {
	var req updateMedicationRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	patch, err := s.patchFrom(req)
	if err != nil {
		return err
	}

	med, err := s.tracker.UpdateMedication(c.UserContext(), c.Params("id"), patch)
	if err != nil {
		return err
	}
	return c.JSON(med)
}

func (s *Server) handleDeactivateMedication(c *fiber.Ctx) error {
	med, err := s.tracker.Deactivate(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(med)
}

func (s *Server) handleOccurrences(c *fiber.Ctx) error {
	now := s.tracker.Now()
	from, to, err := s.rangeQuery(c, now, now.Add(7*24*time.Hour))
	if err != nil {
		return err
	}

	occ, err := s.tracker.Occurrences(c.Params("id"), from, to)
	if err != nil {
		return err
	}
	if occ == nil {
		occ = []time.Time{}
	}
	return c.JSON(fiber.Map{"from": from, "to": to, "occurrences": occ})
}

func (s *Server) handleNextDue(c *fiber.Ctx) error {
	after, err := s.timeQuery(c, "after", s.tracker.Now())
	if err != nil {
		return err
	}

	next, ok, err := s.tracker.NextDue(c.Params("id"), after)
	if err != nil {
		return err
	}
	if !ok {
		return c.JSON(fiber.Map{"found": false})
	}
	return c.JSON(fiber.Map{"found": true, "next_due": next})
}

func (s *Server) handleListDoses(c *fiber.Ctx) error {
	id := c.Params("id")

	if c.Query("scheduled_at") != "" {
		at, err := s.timeQuery(c, "scheduled_at", time.Time{})
		if err != nil {
			return err
		}
		history, err := s.tracker.History(id, at)
		if err != nil {
			return err
		}
		return c.JSON(history)
	}

	now := s.tracker.Now()
	from, to, err := s.rangeQuery(c, now.Add(-30*24*time.Hour), now.Add(time.Second))
	if err != nil {
		return err
	}
	doses, err := s.tracker.Doses(id, from, to)
	if err != nil {
		return err
	}
	if doses == nil {
		doses = []ledger.DoseEvent{}
	}
	return c.JSON(doses)
}

func (s *Server) parseDose(c *fiber.Ctx, needInstant bool) (doseRequest, ledger.Status, error) {
	var req doseRequest
	if err := s.bind(c, &req); err != nil {
		return req, "", err
	}
	status, ok := ledger.ParseStatus(req.Status)
	if !ok {
		return req, "", apperrors.Validation("unknown dose status %q", req.Status)
	}
	if needInstant && req.ScheduledAt == nil {
		return req, "", apperrors.Validation("scheduled_at is required")
	}
	return req, status, nil
}

func (s *Server) handleRecordDose(c *fiber.Ctx) error {
	id := c.Params("id")
	req, status, err := s.parseDose(c, false)
	if err != nil {
		return err
	}

	var at time.Time
	if req.ScheduledAt != nil {
		at = *req.ScheduledAt
	} else {
		at, err = s.tracker.PendingDose(id, s.tracker.Now())
		if err != nil {
			return err
		}
	}

	entry, err := s.tracker.RecordDose(c.UserContext(), id, at, status, req.ActualAt, req.Note)
	if err != nil {
		return err
	}
	s.logger.Info("Dose recorded",
		zap.String("medication", id),
		zap.Time("scheduled_at", entry.ScheduledAt),
		zap.String("status", string(entry.Status)))
	return c.Status(fiber.StatusCreated).JSON(entry)
}

func (s *Server) handleCorrectDose(c *fiber.Ctx) error {
	req, status, err := s.parseDose(c, true)
	if err != nil {
		return err
	}

	entry, err := s.tracker.CorrectDose(c.UserContext(), c.Params("id"), *req.ScheduledAt, status, req.ActualAt, req.Note)
	if err != nil {
		return err
	}
	return c.JSON(entry)
}

func (s *Server) handleAdherence(c *fiber.Ctx) error {
	now := s.tracker.Now()
	from, to, err := s.rangeQuery(c, now.Add(-30*24*time.Hour), now)
	if err != nil {
		return err
	}

	rate, counts, err := s.tracker.Adherence(c.Params("id"), from, to)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"from":   from,
		"to":     to,
		"rate":   rate,
		"counts": counts,
	})
}

func (s *Server) handleReport(c *fiber.Ctx) error {
	now := s.tracker.Now()
	from, to, err := s.rangeQuery(c, now.Add(-7*24*time.Hour), now)
	if err != nil {
		return err
	}

	report, err := s.tracker.Report(c.Params("id"), from, to)
	if err != nil {
		return err
	}
	return c.JSON(report)
}

func (s *Server) handleToday(c *fiber.Ctx) error {
	plans, err := s.tracker.Today(s.tracker.Now())
	if err != nil {
		return err
	}
	return c.JSON(plans)
}
