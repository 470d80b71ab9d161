// Package sim provides an in-process connectivity engine for development and
// testing. It models a futures venue: subscribed instruments stream synthetic
// ticks, orders are acknowledged and filled against a simulated account, and
// position or metadata queries answer from venue state. Requests cross the
// client boundary as JSON frames, mirroring the real engine's wire.
package sim

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tradebridge/internal/instrument"
	"github.com/coachpo/tradebridge/internal/schema"
	"github.com/coachpo/tradebridge/pkg/market"
)

// Options configures the simulated engine.
type Options struct {
	// Credentials the trading sub-client accepts. Empty UserID accepts any.
	Credentials schema.Credentials
	// TickInterval is the synthetic tick cadence per subscribed instrument.
	TickInterval time.Duration
	// FillDelay separates an order ack from its fill.
	FillDelay time.Duration
	// Instruments seeds venue metadata. Unknown instruments default to a
	// multiplier of 10 and a product-code-derived exchange.
	Instruments []market.InstrumentMeta
	// BasePrices seeds the first tick price per instrument (default 3500).
	BasePrices map[string]float64
	// ConnectFailures makes the first N connect attempts per sub-client fail,
	// exercising the clients' retry path.
	ConnectFailures int
}

func (o Options) normalize() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = 100 * time.Millisecond
	}
	if o.FillDelay <= 0 {
		o.FillDelay = 10 * time.Millisecond
	}
	return o
}

// Engine is the shared venue behind the two simulated sub-clients.
type Engine struct {
	opts Options

	mu        sync.Mutex
	metas     map[string]market.InstrumentMeta
	prices    map[string]*priceState
	account   map[string]map[market.PositionSide]*sideState
	streams   map[string]*tickStream
	closed    bool
	dialFails map[schema.ClientKind]int

	orderSeq atomic.Int64

	wg conc.WaitGroup
}

type priceState struct {
	base float64
	last float64
	seq  uint64
	vol  int64
}

// sideState is one side of one instrument's simulated account. Open cost is
// tracked as an exact decimal so repeated partial closes never drift.
type sideState struct {
	today    int64
	history  int64
	openCost decimal.Decimal
}

type tickStream struct {
	stop chan struct{}
	once sync.Once
}

// NewEngine constructs a simulated engine.
func NewEngine(opts Options) *Engine {
	e := new(Engine)
	e.opts = opts.normalize()
	e.metas = make(map[string]market.InstrumentMeta)
	e.prices = make(map[string]*priceState)
	e.account = make(map[string]map[market.PositionSide]*sideState)
	e.streams = make(map[string]*tickStream)
	e.dialFails = make(map[schema.ClientKind]int)
	for _, m := range e.opts.Instruments {
		if m.Instrument != "" {
			e.metas[m.Instrument] = m
		}
	}
	return e
}

// Close stops every tick stream and waits for engine goroutines.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	streams := make([]*tickStream, 0, len(e.streams))
	for inst, s := range e.streams {
		streams = append(streams, s)
		delete(e.streams, inst)
	}
	e.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
	e.wg.Wait()
}

func (s *tickStream) close() {
	s.once.Do(func() { close(s.stop) })
}

// dial models one connect attempt; the first Options.ConnectFailures attempts
// per sub-client fail.
func (e *Engine) dial(kind schema.ClientKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine closed")
	}
	if e.dialFails[kind] < e.opts.ConnectFailures {
		e.dialFails[kind]++
		return fmt.Errorf("%s link refused (attempt %d)", kind, e.dialFails[kind])
	}
	return nil
}

func (e *Engine) checkLogin(kind schema.ClientKind, creds *schema.Credentials) schema.LoginPayload {
	if kind == schema.ClientMarketData {
		// The market data front accepts any session.
		return schema.LoginPayload{}
	}
	want := e.opts.Credentials
	if want.UserID == "" {
		return schema.LoginPayload{}
	}
	if creds == nil || creds.UserID != want.UserID || creds.Password != want.Password {
		return schema.LoginPayload{ErrorID: 3, ErrorMsg: "invalid login"}
	}
	return schema.LoginPayload{}
}

// meta resolves venue metadata for an instrument, synthesizing a default for
// unknown contracts.
func (e *Engine) meta(inst string) market.InstrumentMeta {
	e.mu.Lock()
	m, ok := e.metas[inst]
	e.mu.Unlock()
	if ok {
		return m
	}
	return market.InstrumentMeta{Instrument: inst, Multiplier: 10, Exchange: instrument.ExchangeFor(inst)}
}

func (e *Engine) price(inst string) *priceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.prices[inst]
	if !ok {
		base := e.opts.BasePrices[inst]
		if base <= 0 {
			base = 3500
		}
		p = &priceState{base: base, last: base}
		e.prices[inst] = p
	}
	return p
}

// nextTick advances the instrument's synthetic walk and returns the payload.
func (e *Engine) nextTick(inst string) schema.TickPayload {
	p := e.price(inst)
	e.mu.Lock()
	p.seq++
	price := p.last + 0.75*math.Sin(float64(p.seq%13))
	if price <= 0 {
		price = p.base
	}
	p.last = price
	p.vol += int64(p.seq%7) + 1
	now := time.Now()
	tick := schema.TickPayload{
		LastPrice:    price,
		BidPrice:     price - 1,
		BidVolume:    int64(p.seq%20) + 1,
		AskPrice:     price + 1,
		AskVolume:    int64(p.seq%15) + 1,
		Volume:       p.vol,
		OpenInterest: math.NaN(),
		UpdateTime:   now.Format("15:04:05"),
		UpdateMillis: now.Nanosecond() / int(time.Millisecond),
		ExchangeTS:   now.Format("20060102 15:04:05.000"),
	}
	e.mu.Unlock()
	return tick
}

// subscribe starts a tick stream per instrument, pushing frames into emit.
func (e *Engine) subscribe(instruments []string, emit func(schema.Event)) {
	for _, inst := range instruments {
		inst := strings.TrimSpace(inst)
		if inst == "" {
			continue
		}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		if _, ok := e.streams[inst]; ok {
			e.mu.Unlock()
			continue
		}
		stream := &tickStream{stop: make(chan struct{})}
		e.streams[inst] = stream
		e.mu.Unlock()

		e.wg.Go(func() {
			ticker := time.NewTicker(e.opts.TickInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stream.stop:
					return
				case <-ticker.C:
					tick := e.nextTick(inst)
					emit(schema.Event{
						Type:       schema.EventTypeTick,
						Client:     schema.ClientMarketData,
						Instrument: inst,
						Tick:       &tick,
					})
				}
			}
		})
	}
}

func (e *Engine) unsubscribe(instruments []string) {
	for _, inst := range instruments {
		e.mu.Lock()
		stream, ok := e.streams[inst]
		if ok {
			delete(e.streams, inst)
		}
		e.mu.Unlock()
		if ok {
			stream.close()
		}
	}
}

// handleOrder validates and books one physical order, emitting an ack and,
// when accepted, a delayed fill.
func (e *Engine) handleOrder(order schema.OrderInsert, emit func(schema.Event)) {
	ref := order.Ref
	if ref == "" {
		ref = fmt.Sprintf("%d", e.orderSeq.Add(1))
	}

	side := market.SideLong
	if order.Offset == schema.OffsetOpen {
		if !order.Buy {
			side = market.SideShort
		}
	} else {
		// Closing: a sell closes the long side, a buy closes the short side.
		if order.Buy {
			side = market.SideShort
		}
	}

	if errID, errMsg := e.book(order, side); errID != 0 {
		ack := schema.OrderAckPayload{OrderRef: ref, ErrorID: errID, ErrorMsg: errMsg}
		emit(schema.Event{
			Type:       schema.EventTypeOrderAck,
			Client:     schema.ClientTrading,
			Instrument: order.Instrument,
			OrderAck:   &ack,
		})
		return
	}

	ack := schema.OrderAckPayload{OrderRef: ref}
	emit(schema.Event{
		Type:       schema.EventTypeOrderAck,
		Client:     schema.ClientTrading,
		Instrument: order.Instrument,
		OrderAck:   &ack,
	})

	inst, volume, price := order.Instrument, order.Volume, order.Price
	e.wg.Go(func() {
		time.Sleep(e.opts.FillDelay)
		fill := schema.FillPayload{OrderRef: ref, Side: side, Volume: volume, Price: price}
		emit(schema.Event{
			Type:       schema.EventTypeTradeFill,
			Client:     schema.ClientTrading,
			Instrument: inst,
			Fill:       &fill,
		})
	})
}

// book applies the order to the simulated account, returning a venue error
// code on rejection.
func (e *Engine) book(order schema.OrderInsert, side market.PositionSide) (int, string) {
	m := e.meta(order.Instrument)
	notional := decimal.NewFromFloat(order.Price).
		Mul(decimal.NewFromInt(order.Volume)).
		Mul(decimal.NewFromInt(m.Multiplier))

	e.mu.Lock()
	defer e.mu.Unlock()

	sides, ok := e.account[order.Instrument]
	if !ok {
		sides = map[market.PositionSide]*sideState{
			market.SideLong:  {openCost: decimal.Zero},
			market.SideShort: {openCost: decimal.Zero},
		}
		e.account[order.Instrument] = sides
	}
	st := sides[side]

	switch order.Offset {
	case schema.OffsetOpen:
		st.today += order.Volume
		st.openCost = st.openCost.Add(notional)
		return 0, ""
	case schema.OffsetCloseToday:
		if st.today < order.Volume {
			return 50, "insufficient today position"
		}
		e.reduceLocked(st, m.Multiplier, order.Volume, 0)
		return 0, ""
	case schema.OffsetClose:
		// Plain close consumes history first, like prior-day lots at the venue.
		if st.today+st.history < order.Volume {
			return 50, "insufficient position"
		}
		fromHistory := order.Volume
		if fromHistory > st.history {
			fromHistory = st.history
		}
		e.reduceLocked(st, m.Multiplier, order.Volume-fromHistory, fromHistory)
		return 0, ""
	default:
		return 22, "unsupported offset flag"
	}
}

// reduceLocked removes lots from a side, scaling open cost by the average.
func (e *Engine) reduceLocked(st *sideState, multiplier, fromToday, fromHistory int64) {
	total := st.today + st.history
	removed := fromToday + fromHistory
	if total > 0 && removed > 0 {
		avg := st.openCost.Div(decimal.NewFromInt(total))
		st.openCost = st.openCost.Sub(avg.Mul(decimal.NewFromInt(removed)))
	}
	st.today -= fromToday
	st.history -= fromHistory
	if st.today+st.history == 0 {
		st.openCost = decimal.Zero
	}
}

// queryPosition answers with one payload per side, IsLast on the short side.
func (e *Engine) queryPosition(inst string, emit func(schema.Event)) {
	e.mu.Lock()
	sides := e.account[inst]
	payloads := make([]schema.PositionPayload, 0, 2)
	for _, side := range []market.PositionSide{market.SideLong, market.SideShort} {
		p := schema.PositionPayload{Side: side}
		if sides != nil {
			if st := sides[side]; st != nil {
				p.Lots = st.today + st.history
				p.Today = st.today
				p.History = st.history
				p.OpenCost, _ = st.openCost.Float64()
			}
		}
		payloads = append(payloads, p)
	}
	e.mu.Unlock()

	payloads[len(payloads)-1].IsLast = true
	for i := range payloads {
		p := payloads[i]
		emit(schema.Event{
			Type:       schema.EventTypePositionData,
			Client:     schema.ClientTrading,
			Instrument: inst,
			Position:   &p,
		})
	}
}

func (e *Engine) queryInstrument(inst string, emit func(schema.Event)) {
	m := e.meta(inst)
	payload := schema.InstrumentPayload{Multiplier: m.Multiplier, Exchange: m.Exchange, IsLast: true}
	emit(schema.Event{
		Type:       schema.EventTypeInstrumentData,
		Client:     schema.ClientTrading,
		Instrument: inst,
		Meta:       &payload,
	})
}

// seedPosition installs account state directly, for tests and demos that need
// an existing position without trading into it.
func (e *Engine) seedPosition(inst string, side market.PositionSide, today, history int64, openCost float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sides, ok := e.account[inst]
	if !ok {
		sides = map[market.PositionSide]*sideState{
			market.SideLong:  {openCost: decimal.Zero},
			market.SideShort: {openCost: decimal.Zero},
		}
		e.account[inst] = sides
	}
	st := sides[side]
	st.today = today
	st.history = history
	st.openCost = decimal.NewFromFloat(openCost)
}

// SeedPosition exposes seedPosition for demo binaries and integration tests.
func (e *Engine) SeedPosition(inst string, side market.PositionSide, today, history int64, openCost float64) {
	e.seedPosition(inst, side, today, history, openCost)
}
