package trip

import (
	"errors"

	"github.com/AnshMNSoni/NariKawach/internal/auth"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Get("/history", authMiddleware, func(c *fiber.Ctx) error {
		trips, err := svc.History(c.Context(), auth.UserID(c), c.QueryInt("limit", defaultHistoryLimit))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(trips)
	})

	r.Get("/:id", authMiddleware, func(c *fiber.Ctx) error {
		if _, err := uuid.Parse(c.Params("id")); err != nil {
			return fiber.NewError(fiber.StatusNotFound, ErrTripNotFound.Error())
		}
		trip, err := svc.GetTrip(c.Context(), auth.UserID(c), c.Params("id"))
		if errors.Is(err, ErrTripNotFound) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(trip)
	})
}
