package safety

import (
	"context"
	"sync"
	"time"
)

// Ticker is the subset of *time.Ticker the simulator needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func NewTimeTicker(d time.Duration) Ticker { return timeTicker{t: time.NewTicker(d)} }

// demoSequence is walked one level per tick, first level immediately.
var demoSequence = []RiskLevel{RiskLow, RiskMedium, RiskHigh}

// stepFunc applies one demo level and reports whether the walk is over.
type stepFunc func(ctx context.Context, level RiskLevel) (stop bool)

// Simulator drives the scripted low, medium, high demo walk. At most
// one walk runs at a time; starting again restarts from the first level.
type Simulator struct {
	interval  time.Duration
	newTicker func(time.Duration) Ticker
	step      stepFunc

	startMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newSimulator(interval time.Duration, newTicker func(time.Duration) Ticker, step stepFunc) *Simulator {
	if newTicker == nil {
		newTicker = NewTimeTicker
	}
	return &Simulator{interval: interval, newTicker: newTicker, step: step}
}

func (s *Simulator) Start(parent context.Context) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.Stop()
	s.Wait()

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.run(ctx, done)
}

// Stop cancels the running walk without waiting for it. Levels already
// applied stay applied.
func (s *Simulator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Wait blocks until the current walk, if any, has returned.
func (s *Simulator) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Simulator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		if s.done == done {
			if s.cancel != nil {
				s.cancel()
			}
			s.cancel = nil
			s.done = nil
		}
		s.mu.Unlock()
	}()

	if s.step(ctx, demoSequence[0]) {
		return
	}

	t := s.newTicker(s.interval)
	defer t.Stop()
	for _, level := range demoSequence[1:] {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
		}
		if s.step(ctx, level) {
			return
		}
	}
}
