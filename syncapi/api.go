// Package syncapi is the synchronous strategy-facing surface. It composes
// the caches, the bridge, the order engine, the strategy supervisor, and the
// plugin chain behind a small set of blocking calls.
package syncapi

import (
	"context"
	"time"

	"github.com/coachpo/tradebridge/errs"
	"github.com/coachpo/tradebridge/internal/bridge"
	"github.com/coachpo/tradebridge/internal/config"
	"github.com/coachpo/tradebridge/internal/conn"
	"github.com/coachpo/tradebridge/internal/instrument"
	"github.com/coachpo/tradebridge/internal/observability"
	"github.com/coachpo/tradebridge/internal/order"
	"github.com/coachpo/tradebridge/internal/plugin"
	"github.com/coachpo/tradebridge/internal/position"
	"github.com/coachpo/tradebridge/internal/quote"
	"github.com/coachpo/tradebridge/internal/schema"
	"github.com/coachpo/tradebridge/internal/strategy"
	"github.com/coachpo/tradebridge/pkg/market"
)

// StrategyFn is a user strategy body. The context is cancelled on shutdown.
type StrategyFn func(ctx context.Context, api *API)

// API is the synchronous facade. Construct with New, call Start once, then
// use from any number of goroutines.
type API struct {
	cfg config.Config

	quotes      *quote.Cache
	positions   *position.Cache
	instruments *instrument.Cache
	plugins     *plugin.Manager
	bridge      *bridge.Bridge
	orders      *order.Engine
	supervisor  *strategy.Supervisor
}

// New wires the facade over a connectivity engine factory.
func New(factory conn.Factory, cfg config.Config) *API {
	a := new(API)
	a.cfg = cfg
	a.quotes = quote.NewCache()
	a.positions = position.NewCache()
	a.instruments = instrument.NewCache()
	a.plugins = plugin.NewManager()
	a.instruments.Seed(cfg.Instruments)

	a.bridge = bridge.New(factory, a.quotes, a.positions, a.instruments, bridge.Config{
		Interceptor:       a.plugins.Intercept,
		DefaultMultiplier: 1,
	})
	a.orders = order.NewEngine(a.bridge, a.positions, a.instruments, order.Config{
		Rate:            cfg.Orders.ThrottleRate,
		Burst:           cfg.Orders.ThrottleBurst,
		PositionTimeout: cfg.Timeouts.Position,
	})
	a.supervisor = strategy.NewSupervisor(cfg.Strategies.MaxStrategies)
	return a
}

// RegisterPlugin appends a plugin to the event chain. Register before Start;
// later registrations apply from the next event on.
func (a *API) RegisterPlugin(p plugin.Plugin) { a.plugins.Register(p) }

// Start connects and logs in, blocking up to the configured connect timeout.
// Single use. Configured instruments without seeded metadata are queried in
// the background; a preload failure is logged, never fatal.
func (a *API) Start(ctx context.Context) error {
	if err := a.plugins.Init(); err != nil {
		return err
	}
	creds := schema.Credentials{
		UserID:   a.cfg.Session.UserID,
		Password: a.cfg.Session.Password,
		BrokerID: a.cfg.Session.BrokerID,
	}
	if err := a.bridge.Start(ctx, creds, a.cfg.Timeouts.Connect); err != nil {
		return err
	}
	for _, m := range a.cfg.Instruments {
		if _, ok := a.instruments.Lookup(m.Instrument); ok {
			continue
		}
		go func(inst string) {
			_, _ = a.instruments.Refresh(context.Background(), inst, a.cfg.Timeouts.Position)
		}(m.Instrument)
	}
	return nil
}

// IsAvailable reports whether the bridge is up and logged in.
func (a *API) IsAvailable() bool { return a.bridge.IsAvailable() }

// GetQuote returns the latest quote for the instrument, subscribing on first
// use and waiting up to the quote timeout for the first tick.
func (a *API) GetQuote(ctx context.Context, inst string) (market.Quote, error) {
	if err := a.checkAvailable("syncapi/get_quote", inst); err != nil {
		return market.Quote{}, err
	}
	if err := a.bridge.EnsureSubscribed(ctx, inst); err != nil {
		return market.Quote{}, err
	}
	if q, ok := a.quotes.Snapshot(inst); ok {
		return q, nil
	}
	return a.quotes.AwaitNext(ctx, inst, a.cfg.Timeouts.Quote)
}

// AwaitNextQuote blocks for the next tick, up to timeout (the configured
// quote timeout when zero). On timeout the cached snapshot is returned when
// one exists, an all-NaN quote otherwise.
func (a *API) AwaitNextQuote(ctx context.Context, inst string, timeout time.Duration) (market.Quote, error) {
	if err := a.checkAvailable("syncapi/await_next_quote", inst); err != nil {
		return market.Quote{}, err
	}
	if timeout <= 0 {
		timeout = a.cfg.Timeouts.Quote
	}
	if err := a.bridge.EnsureSubscribed(ctx, inst); err != nil {
		return market.Quote{}, err
	}
	q, err := a.quotes.AwaitNext(ctx, inst, timeout)
	if err == nil {
		return q, nil
	}
	if errs.IsTimeout(err) {
		// Timing out outside trading hours is routine; serve the best data
		// held rather than failing the strategy.
		if cached, ok := a.quotes.Snapshot(inst); ok {
			observability.Log().Debug("await next quote timed out, serving cached snapshot",
				observability.F("instrument", inst))
			return cached, nil
		}
		observability.Log().Warn("await next quote timed out with no cached data",
			observability.F("instrument", inst))
		return market.EmptyQuote(inst), nil
	}
	return market.Quote{}, err
}

// GetPosition refreshes the position through the bridge. A refresh timeout
// degrades to the cached snapshot: an empty position is itself a valid
// answer.
func (a *API) GetPosition(ctx context.Context, inst string) (market.Position, error) {
	if err := a.checkAvailable("syncapi/get_position", inst); err != nil {
		return market.Position{}, err
	}
	pos, err := a.bridge.RefreshPosition(ctx, inst, a.cfg.Timeouts.Position)
	if err == nil {
		return pos, nil
	}
	if errs.IsTimeout(err) {
		observability.Log().Warn("position refresh timed out, serving cached snapshot",
			observability.F("instrument", inst),
			observability.F("timeout", a.cfg.Timeouts.Position))
		return a.positions.Snapshot(inst), nil
	}
	return market.Position{}, err
}

// SubmitOrder executes one logical trading action. See order.Request for the
// block/non-block contract.
func (a *API) SubmitOrder(ctx context.Context, req order.Request) (market.OrderResult, error) {
	if req.Timeout <= 0 {
		req.Timeout = a.cfg.Timeouts.Order
	}
	return a.orders.Submit(ctx, req)
}

// RunStrategy launches fn under name. Fails when the ceiling is reached or
// the name is already live.
func (a *API) RunStrategy(name string, fn StrategyFn) (*strategy.Handle, error) {
	if fn == nil {
		return nil, errs.New("syncapi/run_strategy", errs.CodeInvalid, errs.WithMessage("strategy function required"))
	}
	return a.supervisor.Run(context.Background(), name, func(ctx context.Context) {
		fn(ctx, a)
	})
}

// Strategies returns a defensive copy of the live strategies.
func (a *API) Strategies() map[string]*strategy.Handle { return a.supervisor.List() }

// Stop shuts everything down: strategies first, then the bridge. The budget
// is split once, proportionally, across the live strategies and the bridge.
func (a *API) Stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = a.cfg.Timeouts.Stop
	}
	parts := int64(a.supervisor.Live()) + 1
	share := timeout / time.Duration(parts)

	stuck := a.supervisor.StopAll(timeout - share)
	if len(stuck) > 0 {
		observability.Log().Warn("strategies did not stop in time",
			observability.F("strategies", stuck))
	}

	err := a.bridge.Stop(share)
	a.plugins.Shutdown()
	a.quotes.Clear()
	a.positions.Clear()
	if err != nil {
		return err
	}
	if len(stuck) > 0 {
		return errs.New("syncapi/stop", errs.CodeTimeout,
			errs.WithMessage("strategies still running after budget"),
			errs.WithTimeout(timeout))
	}
	return nil
}

func (a *API) checkAvailable(op, inst string) error {
	if a.bridge.IsAvailable() {
		return nil
	}
	return errs.New(op, errs.CodeUnavailable,
		errs.WithMessage("service not available"),
		errs.WithInstrument(inst))
}
