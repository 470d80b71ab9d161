// Package strategy supervises user strategy goroutines. Each runs under a
// registered name, panics are caught and logged instead of propagating, and
// shutdown joins every live strategy under a shared budget.
package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradebridge/errs"
	"github.com/coachpo/tradebridge/internal/observability"
	"github.com/coachpo/tradebridge/internal/telemetry"
)

// Fn is a user strategy body. It should return promptly once ctx is done.
type Fn func(ctx context.Context)

// Handle tracks one live strategy.
type Handle struct {
	Name string

	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed when the strategy has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stop requests cooperative cancellation without waiting.
func (h *Handle) Stop() { h.cancel() }

// Wait blocks until the strategy returns, up to timeout.
func (h *Handle) Wait(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
		return errs.New("strategy/wait", errs.CodeTimeout,
			errs.WithMessage("strategy "+h.Name+" did not finish"),
			errs.WithTimeout(timeout))
	}
}

// Supervisor registers and joins strategy goroutines up to a ceiling.
type Supervisor struct {
	max int

	mu      sync.Mutex
	handles map[string]*Handle

	runCounter   metric.Int64Counter
	panicCounter metric.Int64Counter
	liveGauge    metric.Int64UpDownCounter
}

// NewSupervisor constructs a supervisor with the given ceiling (minimum 1).
func NewSupervisor(maxStrategies int) *Supervisor {
	if maxStrategies <= 0 {
		maxStrategies = 1
	}
	s := new(Supervisor)
	s.max = maxStrategies
	s.handles = make(map[string]*Handle)

	meter := otel.Meter("strategy")
	s.runCounter, _ = meter.Int64Counter("strategy.runs",
		metric.WithDescription("Number of strategies launched"),
		metric.WithUnit("{strategy}"))
	s.panicCounter, _ = meter.Int64Counter("strategy.panics",
		metric.WithDescription("Number of strategy panics caught"),
		metric.WithUnit("{panic}"))
	s.liveGauge, _ = meter.Int64UpDownCounter("strategy.live",
		metric.WithDescription("Number of live strategies"),
		metric.WithUnit("{strategy}"))
	return s
}

// Run registers fn under name and launches it. The registration exists
// before the goroutine starts and is removed unconditionally when fn
// returns, panic included.
func (s *Supervisor) Run(ctx context.Context, name string, fn Fn) (*Handle, error) {
	if name == "" {
		return nil, errs.New("strategy/run", errs.CodeInvalid, errs.WithMessage("strategy name required"))
	}
	if fn == nil {
		return nil, errs.New("strategy/run", errs.CodeInvalid, errs.WithMessage("strategy function required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := new(Handle)
	h.Name = name
	h.cancel = cancel
	h.done = make(chan struct{})

	s.mu.Lock()
	if len(s.handles) >= s.max {
		s.mu.Unlock()
		cancel()
		return nil, errs.New("strategy/run", errs.CodeTooManyStrategies,
			errs.WithMessage("strategy ceiling reached"))
	}
	if _, exists := s.handles[name]; exists {
		s.mu.Unlock()
		cancel()
		return nil, errs.New("strategy/run", errs.CodeConflict,
			errs.WithMessage("strategy "+name+" already running"))
	}
	s.handles[name] = h
	s.mu.Unlock()

	if s.runCounter != nil {
		s.runCounter.Add(runCtx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrStrategy.String(name)))
	}
	if s.liveGauge != nil {
		s.liveGauge.Add(runCtx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment())))
	}

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.handles, name)
			s.mu.Unlock()
			if s.liveGauge != nil {
				s.liveGauge.Add(context.Background(), -1, metric.WithAttributes(
					telemetry.AttrEnvironment.String(telemetry.Environment())))
			}
			cancel()
			close(h.done)
		}()

		var catcher panics.Catcher
		catcher.Try(func() { fn(runCtx) })
		if recovered := catcher.Recovered(); recovered != nil {
			if s.panicCounter != nil {
				s.panicCounter.Add(context.Background(), 1, metric.WithAttributes(
					telemetry.AttrEnvironment.String(telemetry.Environment()),
					telemetry.AttrStrategy.String(name)))
			}
			observability.Log().Error("strategy panicked",
				observability.F("strategy", name),
				observability.F("panic", recovered.String()))
		} else {
			observability.Log().Info("strategy finished", observability.F("strategy", name))
		}
	}()

	return h, nil
}

// List returns a defensive copy of the live strategies.
func (s *Supervisor) List() map[string]*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Handle, len(s.handles))
	for name, h := range s.handles {
		out[name] = h
	}
	return out
}

// Live reports how many strategies are currently registered.
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// StopAll cancels and joins every currently registered strategy. The budget
// is split evenly across the strategies registered at the moment of the
// call; the split is computed once, not rebalanced as strategies finish
// early. Returns the names that failed to stop in time.
func (s *Supervisor) StopAll(timeout time.Duration) []string {
	handles := s.List()
	if len(handles) == 0 {
		return nil
	}
	per := timeout / time.Duration(len(handles))

	var stuck []string
	for name, h := range handles {
		h.Stop()
		if err := h.Wait(per); err != nil {
			observability.Log().Warn("strategy did not stop in time",
				observability.F("strategy", name),
				observability.F("timeout", per))
			stuck = append(stuck, name)
		}
	}
	return stuck
}
