package safety

import (
	"errors"

	"github.com/AnshMNSoni/NariKawach/internal/auth"

	"github.com/gofiber/fiber/v2"
)

type locationRequest struct {
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	AccuracyM *float64 `json:"accuracy_m"`
}

func (r locationRequest) location() *Location {
	if r.Lat == nil || r.Lng == nil {
		return nil
	}
	return &Location{Lat: *r.Lat, Lng: *r.Lng, AccuracyM: r.AccuracyM}
}

type refreshRequest struct {
	Lat           *float64 `json:"lat"`
	Lng           *float64 `json:"lng"`
	LightingScore *float64 `json:"lighting_score"`
	CrowdScore    *float64 `json:"crowd_score"`
}

type panicResponse struct {
	EmergencyView
	Navigate string `json:"navigate"`
	Error    string `json:"error,omitempty"`
}

// RegisterRoutes mounts the controller operations. limit guards the
// high-frequency endpoints; panic and resolve are never limited.
func RegisterRoutes(r fiber.Router, reg *Registry, authMiddleware, limit fiber.Handler) {
	if limit == nil {
		limit = func(c *fiber.Ctx) error { return c.Next() }
	}

	r.Get("/state", authMiddleware, func(c *fiber.Ctx) error {
		ctrl, err := controllerFor(c, reg)
		if err != nil {
			return err
		}
		return c.JSON(ctrl.Snapshot())
	})

	r.Post("/trips", authMiddleware, func(c *fiber.Ctx) error {
		var req locationRequest
		if err := parseOptional(c, &req); err != nil {
			return err
		}
		ctrl, err := controllerFor(c, reg)
		if err != nil {
			return err
		}
		trip, created, err := ctrl.StartTrip(c.Context(), req.location())
		if err != nil {
			return httpError(err)
		}
		status := fiber.StatusOK
		if created {
			status = fiber.StatusCreated
		}
		return c.Status(status).JSON(fiber.Map{"trip": trip, "state": ctrl.Snapshot()})
	})

	r.Post("/trips/:id/end", authMiddleware, func(c *fiber.Ctx) error {
		ctrl, err := controllerFor(c, reg)
		if err != nil {
			return err
		}
		trip, err := ctrl.EndTrip(c.Context(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(fiber.Map{"trip": trip, "state": ctrl.Snapshot()})
	})

	r.Post("/panic", authMiddleware, func(c *fiber.Ctx) error {
		var req locationRequest
		// a malformed body must not block escalation
		_ = parseOptional(c, &req)
		ctrl, err := controllerFor(c, reg)
		if err != nil {
			return err
		}
		view, err := ctrl.TriggerPanic(c.Context(), req.location())
		resp := panicResponse{EmergencyView: view, Navigate: NavigateEmergency}
		if err != nil {
			resp.Error = ErrStoreUnavailable.Error()
			return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
		}
		return c.JSON(resp)
	})

	r.Post("/resolve", authMiddleware, func(c *fiber.Ctx) error {
		ctrl, err := controllerFor(c, reg)
		if err != nil {
			return err
		}
		snap, err := ctrl.ResolveEmergency(c.Context())
		if err != nil {
			return httpError(err)
		}
		return c.JSON(snap)
	})

	r.Post("/risk", authMiddleware, limit, func(c *fiber.Ctx) error {
		var body struct {
			RiskLevel string `json:"risk_level"`
			Reason    string `json:"reason"`
		}
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		level, ok := ParseRiskLevel(body.RiskLevel)
		if !ok {
			return fiber.NewError(fiber.StatusBadRequest, ErrInvalidRiskLevel.Error())
		}
		ctrl, err := controllerFor(c, reg)
		if err != nil {
			return err
		}
		snap, err := ctrl.ApplyRiskUpdate(c.Context(), level, body.Reason)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(snap)
	})

	r.Post("/risk/refresh", authMiddleware, limit, func(c *fiber.Ctx) error {
		var body refreshRequest
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if body.Lat == nil || body.Lng == nil {
			return fiber.NewError(fiber.StatusBadRequest, "lat and lng required")
		}
		if err := validateLocation(&Location{Lat: *body.Lat, Lng: *body.Lng}); err != nil {
			return httpError(err)
		}
		rc := RiskContext{Lat: *body.Lat, Lng: *body.Lng, LightingScore: neutralEnvScore, CrowdScore: neutralEnvScore}
		if body.LightingScore != nil {
			rc.LightingScore = *body.LightingScore
		}
		if body.CrowdScore != nil {
			rc.CrowdScore = *body.CrowdScore
		}
		ctrl, err := controllerFor(c, reg)
		if err != nil {
			return err
		}
		snap, err := ctrl.RefreshRisk(c.Context(), rc)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(snap)
	})

	r.Post("/demo/start", authMiddleware, func(c *fiber.Ctx) error {
		ctrl, err := controllerFor(c, reg)
		if err != nil {
			return err
		}
		started := ctrl.StartDemo()
		return c.JSON(fiber.Map{"started": started, "state": ctrl.Snapshot()})
	})

	r.Post("/demo/stop", authMiddleware, func(c *fiber.Ctx) error {
		ctrl, err := controllerFor(c, reg)
		if err != nil {
			return err
		}
		ctrl.StopDemo()
		return c.JSON(ctrl.Snapshot())
	})

	r.Get("/emergency", authMiddleware, func(c *fiber.Ctx) error {
		ctrl, err := controllerFor(c, reg)
		if err != nil {
			return err
		}
		view, err := ctrl.EmergencyView(c.Context())
		if err != nil {
			return httpError(err)
		}
		return c.JSON(view)
	})

	r.Post("/location", authMiddleware, limit, func(c *fiber.Ctx) error {
		var req locationRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		loc := req.location()
		if loc == nil {
			return fiber.NewError(fiber.StatusBadRequest, "lat and lng required")
		}
		ctrl, err := controllerFor(c, reg)
		if err != nil {
			return err
		}
		if err := ctrl.RecordLocation(c.Context(), *loc); err != nil {
			return httpError(err)
		}
		return c.SendStatus(fiber.StatusAccepted)
	})
}

func controllerFor(c *fiber.Ctx, reg *Registry) (*Controller, error) {
	userID := auth.UserID(c)
	if userID == "" {
		return nil, fiber.NewError(fiber.StatusUnauthorized, "missing user")
	}
	ctrl, err := reg.Get(c.Context(), userID)
	if err != nil {
		return nil, httpError(err)
	}
	return ctrl, nil
}

func parseOptional(c *fiber.Ctx, out interface{}) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrLocationUnavailable):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInvalidLocation), errors.Is(err, ErrInvalidRiskLevel):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoActiveTrip), errors.Is(err, ErrTripMismatch):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, ErrStoreUnavailable):
		return fiber.NewError(fiber.StatusServiceUnavailable, ErrStoreUnavailable.Error())
	}
	return fiber.NewError(fiber.StatusInternalServerError, err.Error())
}
