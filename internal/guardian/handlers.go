package guardian

import (
	"errors"

	"github.com/AnshMNSoni/NariKawach/internal/auth"
	"github.com/AnshMNSoni/NariKawach/internal/safety"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type guardianRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Get("/", authMiddleware, func(c *fiber.Ctx) error {
		guardians, err := svc.ListGuardians(c.Context(), auth.UserID(c))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(guardians)
	})

	r.Post("/", authMiddleware, func(c *fiber.Ctx) error {
		var req guardianRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		g, err := svc.CreateGuardian(c.Context(), safety.Guardian{UserID: auth.UserID(c), Name: req.Name, Phone: req.Phone})
		if err != nil {
			return httpError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(g)
	})

	r.Put("/:id", authMiddleware, guardianID, func(c *fiber.Ctx) error {
		var req guardianRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		g, err := svc.UpdateGuardian(c.Context(), safety.Guardian{
			ID:     c.Params("id"),
			UserID: auth.UserID(c),
			Name:   req.Name,
			Phone:  req.Phone,
		})
		if err != nil {
			return httpError(err)
		}
		return c.JSON(g)
	})

	r.Delete("/:id", authMiddleware, guardianID, func(c *fiber.Ctx) error {
		if err := svc.DeleteGuardian(c.Context(), auth.UserID(c), c.Params("id")); err != nil {
			return httpError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func guardianID(c *fiber.Ctx) error {
	if _, err := uuid.Parse(c.Params("id")); err != nil {
		return fiber.NewError(fiber.StatusNotFound, ErrGuardianNotFound.Error())
	}
	return c.Next()
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidName), errors.Is(err, ErrInvalidPhone):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, ErrGuardianNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	return fiber.NewError(fiber.StatusInternalServerError, err.Error())
}
