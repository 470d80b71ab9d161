// Package bridge owns the boundary between the asynchronous connectivity
// engine and synchronous callers. A single worker goroutine constructs both
// sub-clients, consumes their push events in arrival order, and applies them
// to the caches; caller goroutines marshal requests onto the worker through
// one hand-off channel and block on correlators or signals with a timeout.
package bridge

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradebridge/errs"
	"github.com/coachpo/tradebridge/internal/conn"
	"github.com/coachpo/tradebridge/internal/instrument"
	"github.com/coachpo/tradebridge/internal/observability"
	"github.com/coachpo/tradebridge/internal/pending"
	"github.com/coachpo/tradebridge/internal/position"
	"github.com/coachpo/tradebridge/internal/quote"
	"github.com/coachpo/tradebridge/internal/schema"
	"github.com/coachpo/tradebridge/internal/telemetry"
	"github.com/coachpo/tradebridge/pkg/market"
)

// State is the bridge lifecycle phase.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateClientsReady
	StateLoggedIn
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateClientsReady:
		return "clients_ready"
	case StateLoggedIn:
		return "logged_in"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Interceptor may transform or veto a decoded quote/trade event before it
// reaches cached state. Returning keep=false drops the event.
type Interceptor func(schema.Event) (schema.Event, bool)

// Config parameterizes a bridge.
type Config struct {
	// Interceptor is applied to tick and fill events. Nil passes everything.
	Interceptor Interceptor
	// DefaultMultiplier backs position merges when metadata is missing.
	DefaultMultiplier int64
}

type workItem struct {
	req  schema.Request
	done chan error
}

// Bridge is the async/sync boundary. One worker goroutine owns the event
// loop; any number of caller goroutines use the exported methods.
type Bridge struct {
	factory conn.Factory
	cfg     Config

	quotes      *quote.Cache
	positions   *position.Cache
	instruments *instrument.Cache

	orderCalls      *pending.Correlator
	positionCalls   *pending.Correlator
	instrumentCalls *pending.Correlator

	state     atomic.Int32
	available atomic.Bool
	started   atomic.Bool

	failMu  sync.Mutex
	failure error

	readyOnce sync.Once
	readyCh   chan struct{}
	loginOnce sync.Once
	loginCh   chan struct{}

	requests chan workItem
	events   chan schema.Event
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	subMu      sync.Mutex
	subscribed map[string]struct{}

	eventCounter  metric.Int64Counter
	callLatency   metric.Float64Histogram
	stateGauge    metric.Int64UpDownCounter
}

// New constructs a bridge over the given engine factory and caches.
func New(factory conn.Factory, quotes *quote.Cache, positions *position.Cache, instruments *instrument.Cache, cfg Config) *Bridge {
	if cfg.DefaultMultiplier <= 0 {
		cfg.DefaultMultiplier = 1
	}
	b := new(Bridge)
	b.factory = factory
	b.cfg = cfg
	b.quotes = quotes
	b.positions = positions
	b.instruments = instruments
	b.orderCalls = pending.NewCorrelator()
	b.positionCalls = pending.NewCorrelator()
	b.instrumentCalls = pending.NewCorrelator()
	b.readyCh = make(chan struct{})
	b.loginCh = make(chan struct{})
	b.requests = make(chan workItem, 64)
	b.events = make(chan schema.Event, 256)
	b.stopCh = make(chan struct{})
	b.done = make(chan struct{})
	b.subscribed = make(map[string]struct{})
	b.state.Store(int32(StateCreated))

	meter := otel.Meter("bridge")
	b.eventCounter, _ = meter.Int64Counter("bridge.events",
		metric.WithDescription("Number of push events consumed by the worker"),
		metric.WithUnit("{event}"))
	b.callLatency, _ = meter.Float64Histogram("bridge.call.duration",
		metric.WithDescription("Latency of request marshals onto the worker"),
		metric.WithUnit("ms"))
	b.stateGauge, _ = meter.Int64UpDownCounter("bridge.state.transitions",
		metric.WithDescription("Count of lifecycle state transitions"),
		metric.WithUnit("{transition}"))

	instruments.SetRefresher(b)
	return b
}

// State reports the current lifecycle phase.
func (b *Bridge) State() State { return State(b.state.Load()) }

// IsAvailable is the cheap flag every public operation checks first.
func (b *Bridge) IsAvailable() bool { return b.available.Load() }

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
	if b.stateGauge != nil {
		b.stateGauge.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.OperationResultAttributes(telemetry.Environment(), "state", s.String())...))
	}
	observability.Log().Debug("bridge state", observability.F("state", s.String()))
}

// Start launches the worker and blocks until login completes or fails,
// splitting timeout between the two phases. Single use: a second call fails
// with a conflict.
func (b *Bridge) Start(ctx context.Context, creds schema.Credentials, timeout time.Duration) error {
	if !b.started.CompareAndSwap(false, true) {
		return errs.New("bridge/start", errs.CodeConflict, errs.WithMessage("bridge already started"))
	}
	b.setState(StateStarting)
	go b.run(creds)
	return b.WaitReady(ctx, timeout)
}

// WaitReady blocks until login completes or startup fails. The budget is
// split roughly in half: first waiting for both sub-clients to be
// constructed and connected, then for both logins to succeed.
func (b *Bridge) WaitReady(ctx context.Context, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	half := timeout / 2

	if err := b.await(ctx, b.readyCh, half, "clients_ready"); err != nil {
		return err
	}
	if err := b.failed(); err != nil {
		return err
	}
	if err := b.await(ctx, b.loginCh, half, "login"); err != nil {
		return err
	}
	if err := b.failed(); err != nil {
		return err
	}
	return nil
}

func (b *Bridge) await(ctx context.Context, ch chan struct{}, timeout time.Duration, phase string) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return errs.New("bridge/wait_ready", errs.CodeTimeout,
			errs.WithMessage(phase+" did not complete"),
			errs.WithTimeout(timeout))
	case <-ctx.Done():
		return errs.New("bridge/wait_ready", errs.CodeUnavailable, errs.WithCause(ctx.Err()))
	}
}

func (b *Bridge) failed() error {
	b.failMu.Lock()
	defer b.failMu.Unlock()
	return b.failure
}

// fail records a fatal startup error, clears availability, and raises both
// signals so blocked callers observe the failure instead of hanging.
func (b *Bridge) fail(err error) {
	b.failMu.Lock()
	if b.failure == nil {
		b.failure = err
	}
	b.failMu.Unlock()
	b.available.Store(false)
	b.setState(StateFailed)
	b.readyOnce.Do(func() { close(b.readyCh) })
	b.loginOnce.Do(func() { close(b.loginCh) })
	observability.Log().Error("bridge failed", observability.F("error", err))
}

// Call marshals one request across the thread boundary. It waits only for
// the sub-client submit, never for a business response.
func (b *Bridge) Call(ctx context.Context, req schema.Request) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !b.started.Load() {
		return errs.New("bridge/call", errs.CodeUnavailable, errs.WithMessage("bridge not started"))
	}
	if State(b.state.Load()) == StateFailed {
		return errs.New("bridge/call", errs.CodeUnavailable, errs.WithMessage("bridge failed"), errs.WithCause(b.failed()))
	}
	start := time.Now()
	item := workItem{req: req, done: make(chan error, 1)}
	select {
	case b.requests <- item:
	case <-b.stopCh:
		return errs.New("bridge/call", errs.CodeUnavailable, errs.WithMessage("bridge stopping"))
	case <-b.done:
		return errs.New("bridge/call", errs.CodeUnavailable, errs.WithMessage("worker exited"), errs.WithCause(b.failed()))
	case <-ctx.Done():
		return errs.New("bridge/call", errs.CodeUnavailable, errs.WithCause(ctx.Err()))
	}
	select {
	case err := <-item.done:
		if b.callLatency != nil {
			result := "success"
			if err != nil {
				result = string(errs.CodeOf(err))
			}
			b.callLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
				telemetry.OperationResultAttributes(telemetry.Environment(), "call", result)...))
		}
		return err
	case <-b.stopCh:
		return errs.New("bridge/call", errs.CodeUnavailable, errs.WithMessage("bridge stopping"))
	case <-b.done:
		return errs.New("bridge/call", errs.CodeUnavailable, errs.WithMessage("worker exited"), errs.WithCause(b.failed()))
	case <-ctx.Done():
		return errs.New("bridge/call", errs.CodeUnavailable, errs.WithCause(ctx.Err()))
	}
}

// EnsureSubscribed subscribes the market data client to the instrument once
// per session.
func (b *Bridge) EnsureSubscribed(ctx context.Context, inst string) error {
	b.subMu.Lock()
	_, ok := b.subscribed[inst]
	if !ok {
		b.subscribed[inst] = struct{}{}
	}
	b.subMu.Unlock()
	if ok {
		return nil
	}
	err := b.Call(ctx, schema.Request{
		Kind:        schema.RequestSubscribe,
		Client:      schema.ClientMarketData,
		Instruments: []string{inst},
	})
	if err != nil {
		b.subMu.Lock()
		delete(b.subscribed, inst)
		b.subMu.Unlock()
	}
	return err
}

// NoToken marks a submission that does not await an acknowledgement.
const NoToken pending.Token = ""

// OpenOrderCall registers an awaitable order submission.
func (b *Bridge) OpenOrderCall() pending.Token { return b.orderCalls.Open() }

// DropOrderCall abandons an open order call so a later ack resolves the next
// oldest instead.
func (b *Bridge) DropOrderCall(token pending.Token) { b.orderCalls.Resolve(token, nil) }

// AwaitOrderAck blocks for the ack correlated with the token.
func (b *Bridge) AwaitOrderAck(ctx context.Context, token pending.Token, timeout time.Duration) (schema.OrderAckPayload, error) {
	payload, err := b.orderCalls.AwaitResult(ctx, token, timeout)
	if err != nil {
		return schema.OrderAckPayload{}, err
	}
	ack, ok := payload.(schema.OrderAckPayload)
	if !ok {
		return schema.OrderAckPayload{}, errs.New("bridge/order", errs.CodeInternal, errs.WithMessage("unexpected ack payload type"))
	}
	return ack, nil
}

// RefreshPosition performs an on-demand position round trip and returns the
// merged snapshot.
func (b *Bridge) RefreshPosition(ctx context.Context, inst string, timeout time.Duration) (market.Position, error) {
	token := b.positionCalls.Open()
	err := b.Call(ctx, schema.Request{
		Kind:        schema.RequestQueryPosition,
		Client:      schema.ClientTrading,
		Instruments: []string{inst},
	})
	if err != nil {
		b.positionCalls.Resolve(token, nil)
		return market.Position{}, err
	}
	payload, err := b.positionCalls.AwaitResult(ctx, token, timeout)
	if err != nil {
		return market.Position{}, err
	}
	pos, ok := payload.(market.Position)
	if !ok {
		return market.Position{}, errs.New("bridge/position", errs.CodeInternal, errs.WithMessage("unexpected position payload type"))
	}
	return pos, nil
}

// FetchInstrument performs the metadata round trip behind instrument.Cache.
func (b *Bridge) FetchInstrument(ctx context.Context, inst string, timeout time.Duration) (market.InstrumentMeta, error) {
	token := b.instrumentCalls.Open()
	err := b.Call(ctx, schema.Request{
		Kind:        schema.RequestQueryInstrument,
		Client:      schema.ClientTrading,
		Instruments: []string{inst},
	})
	if err != nil {
		b.instrumentCalls.Resolve(token, nil)
		return market.InstrumentMeta{}, err
	}
	payload, err := b.instrumentCalls.AwaitResult(ctx, token, timeout)
	if err != nil {
		return market.InstrumentMeta{}, err
	}
	meta, ok := payload.(market.InstrumentMeta)
	if !ok {
		return market.InstrumentMeta{}, errs.New("bridge/instrument", errs.CodeInternal, errs.WithMessage("unexpected metadata payload type"))
	}
	return meta, nil
}

// Stop requests cooperative shutdown and joins the worker up to timeout.
// Idempotent: later calls return immediately.
func (b *Bridge) Stop(timeout time.Duration) error {
	if !b.started.Load() {
		b.setState(StateStopped)
		return nil
	}
	if s := b.State(); s == StateStopped {
		return nil
	}
	b.setState(StateStopping)
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.available.Store(false)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.done:
		b.setState(StateStopped)
		return nil
	case <-timer.C:
		observability.Log().Warn("bridge worker did not stop in time",
			observability.F("timeout", timeout))
		return errs.New("bridge/stop", errs.CodeTimeout,
			errs.WithMessage("worker did not stop in time"),
			errs.WithTimeout(timeout))
	}
}

// run is the worker. It constructs and connects both sub-clients, issues the
// logins, then consumes events and marshalled requests until stopped.
func (b *Bridge) run(creds schema.Credentials) {
	defer close(b.done)

	loopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-b.stopCh
		cancel()
	}()

	sink := func(evt schema.Event) {
		// Ticks are lossy under backpressure; everything else blocks so
		// acks, logins, and query responses are never dropped.
		if evt.Type == schema.EventTypeTick {
			select {
			case b.events <- evt:
			default:
			}
			return
		}
		select {
		case b.events <- evt:
		case <-b.stopCh:
		}
	}

	md, err := b.factory.NewClient(loopCtx, schema.ClientMarketData, sink)
	if err != nil {
		b.fail(errs.New("bridge/start", errs.CodeUnavailable, errs.WithMessage("construct market data client"), errs.WithCause(err)))
		return
	}
	td, err := b.factory.NewClient(loopCtx, schema.ClientTrading, sink)
	if err != nil {
		b.fail(errs.New("bridge/start", errs.CodeUnavailable, errs.WithMessage("construct trading client"), errs.WithCause(err)))
		return
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
		defer closeCancel()
		_ = md.Close(closeCtx)
		_ = td.Close(closeCtx)
	}()

	if err := md.Connect(loopCtx); err != nil {
		b.fail(err)
		return
	}
	if err := td.Connect(loopCtx); err != nil {
		b.fail(err)
		return
	}

	b.setState(StateClientsReady)
	b.readyOnce.Do(func() { close(b.readyCh) })

	login := schema.Request{Kind: schema.RequestLogin, Credentials: &creds}
	login.Client = schema.ClientMarketData
	if err := md.Submit(loopCtx, login); err != nil {
		b.fail(err)
		return
	}
	login.Client = schema.ClientTrading
	if err := td.Submit(loopCtx, login); err != nil {
		b.fail(err)
		return
	}

	clients := map[schema.ClientKind]conn.Client{
		schema.ClientMarketData: md,
		schema.ClientTrading:    td,
	}
	logins := make(map[schema.ClientKind]bool)

	for {
		select {
		case <-b.stopCh:
			b.available.Store(false)
			b.quotes.Clear()
			return
		case item := <-b.requests:
			client := clients[item.req.Client]
			if client == nil {
				item.done <- errs.New("bridge/call", errs.CodeInvalid, errs.WithMessage("request names no sub-client"))
				continue
			}
			// Submit may emit into the sink before returning, and this
			// worker is the only drain. Empty the queue first so a
			// synchronous emit never stalls against a full buffer.
			for draining := true; draining; {
				select {
				case evt := <-b.events:
					b.handleEvent(loopCtx, td, logins, evt)
					if State(b.state.Load()) == StateFailed {
						item.done <- errs.New("bridge/call", errs.CodeUnavailable, errs.WithMessage("bridge failed"), errs.WithCause(b.failed()))
						return
					}
				default:
					draining = false
				}
			}
			item.done <- client.Submit(loopCtx, item.req)
		case evt := <-b.events:
			b.handleEvent(loopCtx, td, logins, evt)
			if State(b.state.Load()) == StateFailed {
				return
			}
		}
	}
}

// handleEvent applies one push record to caches, correlators, and signals.
// Events are strictly serialized here, which is what makes per-instrument
// quote updates and per-side position merges totally ordered.
func (b *Bridge) handleEvent(ctx context.Context, td conn.Client, logins map[schema.ClientKind]bool, evt schema.Event) {
	if b.eventCounter != nil {
		b.eventCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrEventType.String(string(evt.Type)),
			telemetry.AttrClient.String(string(evt.Client))))
	}

	switch evt.Type {
	case schema.EventTypeLogin:
		if !evt.Login.OK() {
			b.fail(errs.New("bridge/login", errs.CodeUnavailable,
				errs.WithMessage("login rejected"),
				errs.WithRawCode(strconv.Itoa(evt.Login.ErrorID)),
				errs.WithRawMessage(evt.Login.ErrorMsg)))
			return
		}
		logins[evt.Client] = true
		if logins[schema.ClientMarketData] && logins[schema.ClientTrading] {
			b.setState(StateLoggedIn)
			b.available.Store(true)
			b.setState(StateRunning)
			b.loginOnce.Do(func() { close(b.loginCh) })
		}

	case schema.EventTypeTick:
		if evt.Tick == nil {
			return
		}
		evt, keep := b.intercept(evt)
		if !keep {
			return
		}
		t := evt.Tick
		b.quotes.Update(ctx, market.Quote{
			Instrument:   evt.Instrument,
			LastPrice:    t.LastPrice,
			BidPrice:     t.BidPrice,
			BidVolume:    t.BidVolume,
			AskPrice:     t.AskPrice,
			AskVolume:    t.AskVolume,
			Volume:       t.Volume,
			OpenInterest: t.OpenInterest,
			UpdateTime:   t.UpdateTime,
			UpdateMillis: t.UpdateMillis,
			ExchangeTS:   t.ExchangeTS,
		})

	case schema.EventTypeOrderAck:
		if evt.OrderAck == nil {
			return
		}
		b.orderCalls.ResolveOldest(*evt.OrderAck)

	case schema.EventTypeTradeFill:
		if evt.Fill == nil {
			return
		}
		evt, keep := b.intercept(evt)
		if !keep {
			return
		}
		// A fill changes the position; refresh the cache in the background.
		// Submitted off the loop so a synchronous engine cannot deadlock the
		// worker against its own event channel.
		inst := evt.Instrument
		go func() {
			_ = td.Submit(ctx, schema.Request{
				Kind:        schema.RequestQueryPosition,
				Client:      schema.ClientTrading,
				Instruments: []string{inst},
			})
		}()

	case schema.EventTypePositionData:
		if evt.Position == nil {
			return
		}
		p := evt.Position
		multiplier := b.instruments.Multiplier(evt.Instrument, b.cfg.DefaultMultiplier)
		b.positions.Merge(ctx, evt.Instrument, p.Side, p.Lots, p.Today, p.History, p.OpenCost, multiplier)
		if p.IsLast {
			b.positionCalls.ResolveOldest(b.positions.Snapshot(evt.Instrument))
		}

	case schema.EventTypeInstrumentData:
		if evt.Meta == nil {
			return
		}
		meta := market.InstrumentMeta{
			Instrument: evt.Instrument,
			Multiplier: evt.Meta.Multiplier,
			Exchange:   evt.Meta.Exchange,
		}
		b.instruments.Store(meta)
		if evt.Meta.IsLast {
			b.instrumentCalls.ResolveOldest(meta)
		}
	}
}

func (b *Bridge) intercept(evt schema.Event) (schema.Event, bool) {
	if b.cfg.Interceptor == nil {
		return evt, true
	}
	return b.cfg.Interceptor(evt)
}
