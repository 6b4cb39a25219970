package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const pollTimeout = 20 * time.Second

// Poller runs the registry's background jobs: periodic risk
// re-assessment for every user on an active trip with a known location,
// and the idle controller sweep.
type Poller struct {
	c        *cron.Cron
	registry *Registry
	log      *zap.Logger
	idle     time.Duration
}

// NewPoller schedules the risk job. An empty schedule leaves it out.
func NewPoller(registry *Registry, schedule string, log *zap.Logger) (*Poller, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cl := cronLogger{s: log.Named("risk_poller").Sugar()}
	p := &Poller{
		c: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		registry: registry,
		log:      log.Named("risk_poller"),
	}
	if schedule == "" {
		return p, nil
	}
	if _, err := p.c.AddFunc(schedule, p.Poll); err != nil {
		return nil, fmt.Errorf("risk poll schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Sweep schedules EvictIdle for controllers idle longer than idle.
func (p *Poller) Sweep(schedule string, idle time.Duration) error {
	p.idle = idle
	if _, err := p.c.AddFunc(schedule, p.Evict); err != nil {
		return fmt.Errorf("controller sweep schedule %q: %w", schedule, err)
	}
	return nil
}

func (p *Poller) Start() { p.c.Start() }
func (p *Poller) Stop()  { ctx := p.c.Stop(); <-ctx.Done() }

func (p *Poller) Poll() {
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()
	p.registry.Each(func(c *Controller) { c.PollRisk(ctx) })
}

func (p *Poller) Evict() {
	if n := p.registry.EvictIdle(p.idle); n > 0 {
		p.log.Debug("evicted idle controllers", zap.Int("count", n), zap.Int("loaded", p.registry.Len()))
	}
}

type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
