package tracking

import (
	"github.com/AnshMNSoni/NariKawach/internal/auth"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// RegisterRoutes mounts the per-trip location reads. Pings are written
// through the safety controller.
func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Get("/:id/locations", authMiddleware, tripID, func(c *fiber.Ctx) error {
		points, err := svc.Points(c.Context(), auth.UserID(c), c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(points)
	})

	r.Get("/:id/summary", authMiddleware, tripID, func(c *fiber.Ctx) error {
		summary, err := svc.Summary(c.Context(), auth.UserID(c), c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(summary)
	})
}

// tripID rejects ids that cannot name a stored trip.
func tripID(c *fiber.Ctx) error {
	if _, err := uuid.Parse(c.Params("id")); err != nil {
		return fiber.NewError(fiber.StatusNotFound, "trip not found")
	}
	return c.Next()
}
