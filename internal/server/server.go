package server

import (
	"context"
	"errors"
	"time"

	"github.com/AnshMNSoni/NariKawach/internal/auth"
	"github.com/AnshMNSoni/NariKawach/internal/config"
	"github.com/AnshMNSoni/NariKawach/internal/db"
	"github.com/AnshMNSoni/NariKawach/internal/events"
	"github.com/AnshMNSoni/NariKawach/internal/guardian"
	"github.com/AnshMNSoni/NariKawach/internal/metrics"
	"github.com/AnshMNSoni/NariKawach/internal/ratelimit"
	"github.com/AnshMNSoni/NariKawach/internal/risk"
	"github.com/AnshMNSoni/NariKawach/internal/safety"
	"github.com/AnshMNSoni/NariKawach/internal/stream"
	"github.com/AnshMNSoni/NariKawach/internal/tracking"
	"github.com/AnshMNSoni/NariKawach/internal/trip"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	App     *fiber.App
	Cfg     config.Config
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Stream  *stream.Hub
	Safety  *safety.Registry
	Poller  *safety.Poller
	Events  *events.Publisher
}

// NewServer wires stores, notifiers and routes. pub may be nil when no
// broker is configured; m is created when nil.
func NewServer(cfg config.Config, pg db.Querier, redisClient *redis.Client, pub *events.Publisher, m *metrics.Metrics, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}

	app := fiber.New(fiber.Config{ErrorHandler: errorHandler})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(requestLogger(log.Named("http")))

	s := &Server{
		App:     app,
		Cfg:     cfg,
		Log:     log,
		Metrics: m,
		Stream:  stream.NewHub(redisClient, log.Named("stream")),
		Events:  pub,
	}

	notifiers := safety.Notifiers{s.Stream, m}
	if pub != nil {
		notifiers = append(notifiers, pub)
	}

	deps := safety.Deps{
		Trips:           trip.NewService(pg),
		Risks:           risk.NewStore(pg),
		Guardians:       guardian.NewService(pg),
		Locations:       tracking.NewService(pg),
		Notifier:        notifiers,
		Logger:          log.Named("safety"),
		RequireLocation: cfg.RequireLocation,
		DemoInterval:    cfg.DemoStepInterval,
	}
	if cfg.RiskServiceURL != "" {
		deps.Oracle = risk.NewOracle(risk.OracleConfig{
			BaseURL:  cfg.RiskServiceURL,
			Token:    cfg.RiskServiceToken,
			Timeout:  cfg.RiskServiceTimeout,
			CacheTTL: cfg.RiskCacheTTL,
		}, m)
	}
	s.Safety = safety.NewRegistry(deps)

	s.Safety.SetInUse(func(userID string) bool { return s.Stream.Connected(userID) > 0 })

	poller, err := newPoller(cfg, s.Safety, deps.Oracle != nil, log)
	if err != nil {
		s.Safety.Close()
		s.Stream.Close()
		return nil, err
	}
	s.Poller = poller

	if err := registerRoutes(s, pg, redisClient); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// newPoller schedules risk polling when an oracle is configured and the
// idle controller sweep when a TTL is set.
func newPoller(cfg config.Config, registry *safety.Registry, hasOracle bool, log *zap.Logger) (*safety.Poller, error) {
	schedule := cfg.RiskPollSchedule
	if !hasOracle {
		schedule = ""
	}
	poller, err := safety.NewPoller(registry, schedule, log)
	if err != nil {
		return nil, err
	}
	if cfg.ControllerIdleTTL > 0 {
		every := cfg.ControllerIdleTTL / 2
		if every < time.Second {
			every = time.Second
		}
		if err := poller.Sweep("@every "+every.String(), cfg.ControllerIdleTTL); err != nil {
			return nil, err
		}
	}
	return poller, nil
}

func registerRoutes(s *Server, pg db.Querier, redisClient *redis.Client) error {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "controllers": s.Safety.Len()})
	})
	s.App.Get("/metrics", s.Metrics.Handler())

	limit, err := rateLimit(s.Cfg.RateLimit, redisClient, s.Metrics)
	if err != nil {
		return err
	}

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)
	api := s.App.Group("/api/v1")

	auth.RegisterRoutes(api.Group("/auth"), auth.NewService(s.Cfg.JWTSecret))
	safety.RegisterRoutes(api.Group("/safety"), s.Safety, jwtMiddleware, limit)

	trips := api.Group("/trips")
	trip.RegisterRoutes(trips, trip.NewService(pg), jwtMiddleware)
	tracking.RegisterRoutes(trips, tracking.NewService(pg), jwtMiddleware)

	guardian.RegisterRoutes(api.Group("/guardians"), guardian.NewService(pg), jwtMiddleware)

	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream, jwtMiddleware, func(ctx context.Context, userID string) (interface{}, error) {
		c, err := s.Safety.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		return c.Snapshot(), nil
	})
	return nil
}

func rateLimit(rate string, redisClient *redis.Client, obs ratelimit.Observer) (fiber.Handler, error) {
	if rate == "" {
		return nil, nil
	}
	store, err := ratelimit.NewStore(redisClient)
	if err != nil {
		return nil, err
	}
	return ratelimit.Middleware(rate, store, obs)
}

// Start launches background work that outlives a single request.
func (s *Server) Start() {
	s.Poller.Start()
}

// Close stops the poller, every trip controller and the stream relay.
func (s *Server) Close() {
	s.Poller.Stop()
	s.Safety.Close()
	s.Stream.Close()
	s.Events.Close()
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func requestLogger(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetRespHeader(fiber.HeaderXRequestID)),
		}
		if status >= fiber.StatusInternalServerError {
			log.Warn("request", fields...)
		} else {
			log.Debug("request", fields...)
		}
		return err
	}
}
