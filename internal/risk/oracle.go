package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/AnshMNSoni/NariKawach/internal/metrics"
	"github.com/AnshMNSoni/NariKawach/internal/safety"
	"github.com/AnshMNSoni/NariKawach/internal/shared/geo"

	"github.com/gofiber/fiber/v2"
	gocache "github.com/patrickmn/go-cache"
)

const assessPath = "/risk/assess"

// Observer receives one outcome per Assess call.
type Observer interface {
	ObserveOracle(outcome string)
}

type OracleConfig struct {
	BaseURL  string
	Token    string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Oracle calls the external risk scoring service. Identical contexts
// within CacheTTL are answered from memory.
type Oracle struct {
	url     string
	token   string
	timeout time.Duration
	cache   *gocache.Cache
	obs     Observer
}

func NewOracle(cfg OracleConfig, obs Observer) *Oracle {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	var c *gocache.Cache
	if cfg.CacheTTL > 0 {
		c = gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return &Oracle{
		url:     strings.TrimRight(cfg.BaseURL, "/") + assessPath,
		token:   cfg.Token,
		timeout: cfg.Timeout,
		cache:   c,
		obs:     obs,
	}
}

type assessLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type assessRequest struct {
	UserID   string         `json:"user_id"`
	Location assessLocation `json:"location"`
	Context  map[string]any `json:"context"`
}

type assessResponse struct {
	RiskScore       float64  `json:"risk_score"`
	RiskLevel       string   `json:"risk_level"`
	HighRiskFactors []string `json:"high_risk_factors"`
	RiskBreakdown   []string `json:"risk_breakdown"`
}

func (o *Oracle) Assess(ctx context.Context, rc safety.RiskContext) (safety.Assessment, error) {
	lat, lng := geo.Reduce(rc.Lat, rc.Lng)
	key := cacheKey(lat, lng, rc)
	if o.cache != nil {
		if v, ok := o.cache.Get(key); ok {
			o.observe(metrics.OracleCached)
			return v.(safety.Assessment), nil
		}
	}

	a, err := o.fetch(ctx, assessRequest{
		UserID:   rc.UserID,
		Location: assessLocation{Latitude: lat, Longitude: lng},
		Context: map[string]any{
			"hour_of_day":    rc.HourOfDay,
			"lighting_score": rc.LightingScore,
			"crowd_score":    rc.CrowdScore,
		},
	})
	if err != nil {
		o.observe(metrics.OracleError)
		return safety.Assessment{}, fmt.Errorf("%w: %w", safety.ErrRiskServiceUnavailable, err)
	}
	o.observe(metrics.OracleOK)
	if o.cache != nil {
		o.cache.SetDefault(key, a)
	}
	return a, nil
}

func (o *Oracle) fetch(ctx context.Context, req assessRequest) (safety.Assessment, error) {
	timeout := o.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return safety.Assessment{}, context.DeadlineExceeded
	}

	agent := fiber.Post(o.url).JSON(req).Timeout(timeout)
	if o.token != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+o.token)
	}
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return safety.Assessment{}, errs[0]
	}
	if code != fiber.StatusOK {
		return safety.Assessment{}, fmt.Errorf("risk service status %d", code)
	}

	var resp assessResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return safety.Assessment{}, fmt.Errorf("decode risk response: %w", err)
	}
	level, ok := safety.ParseRiskLevel(resp.RiskLevel)
	if !ok {
		return safety.Assessment{}, fmt.Errorf("risk service level %q: %w", resp.RiskLevel, safety.ErrInvalidRiskLevel)
	}
	return safety.Assessment{Level: level, Score: resp.RiskScore, Reason: reasonFrom(resp)}, nil
}

func reasonFrom(resp assessResponse) string {
	if len(resp.HighRiskFactors) > 0 {
		return strings.Join(resp.HighRiskFactors, ", ")
	}
	if len(resp.RiskBreakdown) > 0 {
		return resp.RiskBreakdown[0]
	}
	return ""
}

func cacheKey(lat, lng float64, rc safety.RiskContext) string {
	return fmt.Sprintf("%s:%.4f:%.4f:%d:%.2f:%.2f", rc.UserID, lat, lng, rc.HourOfDay, rc.LightingScore, rc.CrowdScore)
}

func (o *Oracle) observe(outcome string) {
	if o.obs != nil {
		o.obs.ObserveOracle(outcome)
	}
}
