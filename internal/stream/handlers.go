package stream

import (
	"context"
	"encoding/json"

	"github.com/AnshMNSoni/NariKawach/internal/auth"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// SnapshotFunc returns the state pushed to a socket right after it
// connects.
type SnapshotFunc func(ctx context.Context, userID string) (interface{}, error)

type snapshotMessage struct {
	Type  string      `json:"type"`
	State interface{} `json:"state"`
}

func RegisterRoutes(r fiber.Router, hub *Hub, authMiddleware fiber.Handler, snapshot SnapshotFunc) {
	r.Get("/ws/:userID", authMiddleware, func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if auth.UserID(c) != c.Params("userID") {
			return fiber.NewError(fiber.StatusForbidden, "stream belongs to another user")
		}
		return c.Next()
	}, websocket.New(func(c *websocket.Conn) {
		userID := c.Params("userID")
		client := hub.Register(userID)
		defer hub.Unregister(client)

		if snapshot != nil {
			if state, err := snapshot(context.Background(), userID); err == nil {
				if msg, err := json.Marshal(snapshotMessage{Type: "snapshot", State: state}); err == nil {
					_ = c.WriteMessage(websocket.TextMessage, msg)
				}
			}
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for msg := range client.Send {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
		hub.Unregister(client)
		<-done
	}))
}
