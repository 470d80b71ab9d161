// Package order turns logical trading actions into physical exchange orders.
// Opens map one-to-one. Closes on exchanges that distinguish same-day from
// prior-day lots are validated against the current position and split into up
// to two legs, prior-day lots first.
package order

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/tradebridge/errs"
	"github.com/coachpo/tradebridge/internal/bridge"
	"github.com/coachpo/tradebridge/internal/instrument"
	"github.com/coachpo/tradebridge/internal/observability"
	"github.com/coachpo/tradebridge/internal/position"
	"github.com/coachpo/tradebridge/internal/schema"
	"github.com/coachpo/tradebridge/internal/telemetry"
	"github.com/coachpo/tradebridge/pkg/market"
)

// distinguishing lists the exchanges whose close orders must name same-day
// lots explicitly. DCE and CZCE accept a plain close for either.
var distinguishing = map[string]bool{
	"SHFE":  true,
	"INE":   true,
	"CFFEX": true,
}

// Config parameterizes the engine.
type Config struct {
	// Rate caps physical submissions per second; zero disables throttling.
	Rate float64
	// Burst is the throttle burst size (default 1 when Rate is set).
	Burst int
	// PositionTimeout bounds the position refresh before a splitting close.
	PositionTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.Rate > 0 && c.Burst <= 0 {
		c.Burst = 1
	}
	if c.PositionTimeout <= 0 {
		c.PositionTimeout = 3 * time.Second
	}
	return c
}

// Request is one logical submission.
type Request struct {
	Instrument string
	Action     market.Action
	Volume     int64
	Price      float64
	// Block waits for the exchange acknowledgement; otherwise the request
	// returns as soon as the marshal succeeds.
	Block   bool
	Timeout time.Duration
}

// Engine submits logical actions through the bridge.
type Engine struct {
	bridge      *bridge.Bridge
	positions   *position.Cache
	instruments *instrument.Cache
	limiter     *rate.Limiter
	cfg         Config

	refSeq atomic.Int64

	submitCounter metric.Int64Counter
	rejectCounter metric.Int64Counter
	legHistogram  metric.Int64Histogram
}

// NewEngine constructs the submission engine.
func NewEngine(b *bridge.Bridge, positions *position.Cache, instruments *instrument.Cache, cfg Config) *Engine {
	cfg = cfg.normalize()
	e := new(Engine)
	e.bridge = b
	e.positions = positions
	e.instruments = instruments
	e.cfg = cfg
	if cfg.Rate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
	}

	meter := otel.Meter("order")
	e.submitCounter, _ = meter.Int64Counter("order.submissions",
		metric.WithDescription("Number of physical orders marshalled"),
		metric.WithUnit("{order}"))
	e.rejectCounter, _ = meter.Int64Counter("order.rejections",
		metric.WithDescription("Number of exchange rejections"),
		metric.WithUnit("{order}"))
	e.legHistogram, _ = meter.Int64Histogram("order.legs",
		metric.WithDescription("Physical legs per logical submission"),
		metric.WithUnit("{leg}"))
	return e
}

// Submit executes one logical action. Business rejections come back as a
// structured result with the gateway's code and message; programming errors,
// insufficient position, and timeouts return an error before or instead of a
// result.
func (e *Engine) Submit(ctx context.Context, req Request) (market.OrderResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.validate(req); err != nil {
		return market.OrderResult{}, err
	}
	if !e.bridge.IsAvailable() {
		return market.OrderResult{}, errs.New("order/submit", errs.CodeUnavailable,
			errs.WithMessage("bridge not available"),
			errs.WithInstrument(req.Instrument))
	}

	legs, err := e.plan(ctx, req)
	if err != nil {
		return market.OrderResult{}, err
	}
	if e.legHistogram != nil {
		e.legHistogram.Record(ctx, int64(len(legs)), metric.WithAttributes(
			telemetry.OrderAttributes(telemetry.Environment(), req.Instrument, string(req.Action), "")...))
	}

	perLeg := req.Timeout
	if req.Block && len(legs) > 1 {
		perLeg = req.Timeout / time.Duration(len(legs))
	}

	result := market.OrderResult{Instrument: req.Instrument, Action: req.Action, Volume: req.Volume, Price: req.Price}
	for i, leg := range legs {
		if err := e.throttle(ctx); err != nil {
			return market.OrderResult{}, err
		}

		var token = bridge.NoToken
		if req.Block {
			token = e.bridge.OpenOrderCall()
		}
		callErr := e.bridge.Call(ctx, schema.Request{
			Kind:   schema.RequestOrderInsert,
			Client: schema.ClientTrading,
			Order:  &leg,
		})
		if e.submitCounter != nil {
			e.submitCounter.Add(ctx, 1, metric.WithAttributes(
				telemetry.OrderAttributes(telemetry.Environment(), req.Instrument, string(req.Action), string(leg.Offset))...))
		}
		if callErr != nil {
			if token != bridge.NoToken {
				e.bridge.DropOrderCall(token)
			}
			return market.OrderResult{}, callErr
		}
		if !req.Block {
			continue
		}

		ack, err := e.bridge.AwaitOrderAck(ctx, token, perLeg)
		if err != nil {
			return market.OrderResult{}, err
		}
		if !ack.OK() {
			if e.rejectCounter != nil {
				e.rejectCounter.Add(ctx, 1, metric.WithAttributes(
					telemetry.OrderAttributes(telemetry.Environment(), req.Instrument, string(req.Action), string(leg.Offset))...))
			}
			observability.Log().Warn("order rejected",
				observability.F("instrument", req.Instrument),
				observability.F("action", string(req.Action)),
				observability.F("error_id", ack.ErrorID),
				observability.F("error_msg", ack.ErrorMsg))
			result.Success = false
			result.OrderRef = ack.OrderRef
			result.ErrorID = ack.ErrorID
			result.ErrorMsg = ack.ErrorMsg
			if len(legs) > 1 {
				result.Note = fmt.Sprintf("leg %d of %d rejected", i+1, len(legs))
			}
			return result, nil
		}
		result.OrderRef = ack.OrderRef
	}

	result.Success = true
	if !req.Block {
		result.Note = "submitted without waiting for acknowledgement"
	} else if len(legs) > 1 {
		result.Note = fmt.Sprintf("filled as %d legs", len(legs))
	}
	return result, nil
}

func (e *Engine) validate(req Request) error {
	if req.Instrument == "" {
		return errs.New("order/submit", errs.CodeInvalid, errs.WithMessage("instrument required"))
	}
	if !req.Action.Valid() {
		return errs.New("order/submit", errs.CodeInvalid,
			errs.WithMessage("unknown action"),
			errs.WithInstrument(req.Instrument))
	}
	if req.Volume <= 0 {
		return errs.New("order/submit", errs.CodeInvalid,
			errs.WithMessage("volume must be positive"),
			errs.WithInstrument(req.Instrument))
	}
	if req.Price <= 0 || math.IsNaN(req.Price) {
		return errs.New("order/submit", errs.CodeInvalid,
			errs.WithMessage("price must be positive"),
			errs.WithInstrument(req.Instrument))
	}
	return nil
}

// plan maps the logical action to one or two physical legs. Opens never
// consult position or metadata: the exchange comes from the static product
// table alone.
func (e *Engine) plan(ctx context.Context, req Request) ([]schema.OrderInsert, error) {
	buy := req.Action == market.ActionOpenLong || req.Action == market.ActionCloseShort

	if !req.Action.Closing() {
		return []schema.OrderInsert{{
			Instrument: req.Instrument,
			Exchange:   instrument.ExchangeFor(req.Instrument),
			Buy:        buy,
			Price:      req.Price,
			Offset:     schema.OffsetOpen,
			Volume:     req.Volume,
			Ref:        e.nextRef(),
		}}, nil
	}

	exchange := e.exchangeFor(req.Instrument)

	base := schema.OrderInsert{
		Instrument: req.Instrument,
		Exchange:   exchange,
		Buy:        buy,
		Price:      req.Price,
	}

	if !distinguishing[exchange] {
		leg := base
		leg.Offset = schema.OffsetClose
		leg.Volume = req.Volume
		leg.Ref = e.nextRef()
		return []schema.OrderInsert{leg}, nil
	}

	pos := e.currentPosition(ctx, req.Instrument)
	var total, today, history int64
	if req.Action.Side() == market.SideLong {
		total, today, history = pos.LongTotal, pos.LongToday, pos.LongHistory
	} else {
		total, today, history = pos.ShortTotal, pos.ShortToday, pos.ShortHistory
	}
	if req.Volume > total {
		return nil, errs.New("order/submit", errs.CodeInsufficientPosition,
			errs.WithMessage(fmt.Sprintf("close %d exceeds %d held lots (today %d, history %d)", req.Volume, total, today, history)),
			errs.WithInstrument(req.Instrument))
	}

	// Prior-day lots first, remainder against today's.
	fromHistory := req.Volume
	if fromHistory > history {
		fromHistory = history
	}
	fromToday := req.Volume - fromHistory

	legs := make([]schema.OrderInsert, 0, 2)
	if fromHistory > 0 {
		leg := base
		leg.Offset = schema.OffsetClose
		leg.Volume = fromHistory
		leg.Ref = e.nextRef()
		legs = append(legs, leg)
	}
	if fromToday > 0 {
		leg := base
		leg.Offset = schema.OffsetCloseToday
		leg.Volume = fromToday
		leg.Ref = e.nextRef()
		legs = append(legs, leg)
	}
	return legs, nil
}

// currentPosition refreshes through the bridge, degrading to the cached
// snapshot when the round trip times out.
func (e *Engine) currentPosition(ctx context.Context, inst string) market.Position {
	pos, err := e.bridge.RefreshPosition(ctx, inst, e.cfg.PositionTimeout)
	if err != nil {
		observability.Log().Warn("position refresh failed before close, using cached snapshot",
			observability.F("instrument", inst),
			observability.F("error", err))
		return e.positions.Snapshot(inst)
	}
	return pos
}

func (e *Engine) exchangeFor(inst string) string {
	if meta, ok := e.instruments.Lookup(inst); ok && meta.Exchange != "" {
		return meta.Exchange
	}
	return instrument.ExchangeFor(inst)
}

func (e *Engine) throttle(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return errs.New("order/submit", errs.CodeUnavailable,
			errs.WithMessage("throttle wait cancelled"),
			errs.WithCause(err))
	}
	return nil
}

func (e *Engine) nextRef() string {
	return fmt.Sprintf("%d", e.refSeq.Add(1))
}
