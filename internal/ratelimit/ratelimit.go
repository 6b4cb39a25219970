package ratelimit

import (
	"fmt"
	"strconv"
	"time"

	"github.com/AnshMNSoni/NariKawach/internal/auth"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

const storePrefix = "narikawach:ratelimit"

type Observer interface {
	OnDeny(route string)
}

// NewStore shares counters through redis when a client is given so
// every API instance enforces the same budget.
func NewStore(client *redis.Client) (limiter.Store, error) {
	if client == nil {
		return memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: storePrefix}), nil
	}
	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: storePrefix})
	if err != nil {
		return nil, fmt.Errorf("rate limit store: %w", err)
	}
	return store, nil
}

// Middleware limits each user, or client IP before authentication, per
// route. rate uses the limiter format, e.g. "60-M". Store failures let
// the request through.
func Middleware(rate string, store limiter.Store, obs Observer) (fiber.Handler, error) {
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("rate limit %q: %w", rate, err)
	}
	lim := limiter.New(store, r)

	return func(c *fiber.Ctx) error {
		who := auth.UserID(c)
		if who == "" {
			who = c.IP()
		}
		route := c.Route().Path

		lc, err := lim.Get(c.Context(), route+":"+who)
		if err != nil {
			return c.Next()
		}
		c.Set("X-RateLimit-Limit", strconv.FormatInt(lc.Limit, 10))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(lc.Remaining, 10))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(lc.Reset, 10))

		if lc.Reached {
			if obs != nil {
				obs.OnDeny(route)
			}
			retry := time.Until(time.Unix(lc.Reset, 0))
			if retry < time.Second {
				retry = time.Second
			}
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(retry.Seconds())))
			return fiber.NewError(fiber.StatusTooManyRequests, "rate limit exceeded")
		}
		return c.Next()
	}, nil
}
