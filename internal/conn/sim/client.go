package sim

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/coachpo/tradebridge/errs"
	"github.com/coachpo/tradebridge/internal/conn"
	"github.com/coachpo/tradebridge/internal/observability"
	"github.com/coachpo/tradebridge/internal/schema"
)

// Factory builds simulated sub-clients backed by one shared engine.
type Factory struct {
	engine *Engine
}

// NewFactory wraps an engine as a conn.Factory.
func NewFactory(engine *Engine) *Factory {
	f := new(Factory)
	f.engine = engine
	return f
}

// NewClient constructs the sub-client of the requested kind.
func (f *Factory) NewClient(_ context.Context, kind schema.ClientKind, sink conn.EventSink) (conn.Client, error) {
	if kind != schema.ClientMarketData && kind != schema.ClientTrading {
		return nil, errs.New("sim/client", errs.CodeInvalid, errs.WithMessage("unknown client kind"))
	}
	if sink == nil {
		return nil, errs.New("sim/client", errs.CodeInvalid, errs.WithMessage("event sink required"))
	}
	c := new(client)
	c.kind = kind
	c.engine = f.engine
	c.sink = sink
	return c, nil
}

type client struct {
	kind   schema.ClientKind
	engine *Engine
	sink   conn.EventSink
	closed atomic.Bool
}

func (c *client) Kind() schema.ClientKind { return c.kind }

// Connect dials the simulated link, retrying transient refusals with
// exponential backoff.
func (c *client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errs.New("sim/connect", errs.CodeUnavailable, errs.WithMessage("client closed"))
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 50 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.engine.dial(c.kind)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(8))
	if err != nil {
		return errs.New("sim/connect", errs.CodeUnavailable,
			errs.WithMessage("link did not come up"),
			errs.WithCause(err))
	}
	observability.Log().Info("sim link up", observability.F("client", string(c.kind)))
	return nil
}

// Submit encodes the request as a JSON frame and hands it to the venue. The
// frame round trip keeps the boundary honest: only what survives encoding
// reaches the venue.
func (c *client) Submit(ctx context.Context, req schema.Request) error {
	if c.closed.Load() {
		return errs.New("sim/submit", errs.CodeUnavailable, errs.WithMessage("client closed"))
	}
	if err := ctx.Err(); err != nil {
		return errs.New("sim/submit", errs.CodeUnavailable, errs.WithCause(err))
	}
	if err := req.Validate(); err != nil {
		return err
	}

	frame, err := json.Marshal(req)
	if err != nil {
		return errs.New("sim/submit", errs.CodeInternal,
			errs.WithMessage("encode request frame"),
			errs.WithCause(err))
	}
	return c.engine.handleFrame(c.kind, frame, c.emit)
}

// Close detaches the client from its sink. Engine streams the client started
// stay up until the engine itself closes.
func (c *client) Close(context.Context) error {
	c.closed.Store(true)
	return nil
}

func (c *client) emit(evt schema.Event) {
	if c.closed.Load() {
		return
	}
	c.sink(evt)
}

// handleFrame decodes one request frame and dispatches it against the venue.
func (e *Engine) handleFrame(kind schema.ClientKind, frame []byte, emit func(schema.Event)) error {
	var req schema.Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return errs.New("sim/frame", errs.CodeInvalid,
			errs.WithMessage("decode request frame"),
			errs.WithCause(err))
	}

	switch req.Kind {
	case schema.RequestSubscribe:
		if kind != schema.ClientMarketData {
			return errs.New("sim/frame", errs.CodeInvalid, errs.WithMessage("subscribe requires the market data client"))
		}
		e.subscribe(req.Instruments, emit)
	case schema.RequestUnsubscribe:
		if kind != schema.ClientMarketData {
			return errs.New("sim/frame", errs.CodeInvalid, errs.WithMessage("unsubscribe requires the market data client"))
		}
		e.unsubscribe(req.Instruments)
	case schema.RequestLogin:
		login := e.checkLogin(kind, req.Credentials)
		emit(schema.Event{Type: schema.EventTypeLogin, Client: kind, Login: &login})
	case schema.RequestOrderInsert:
		if kind != schema.ClientTrading {
			return errs.New("sim/frame", errs.CodeInvalid, errs.WithMessage("order insert requires the trading client"))
		}
		e.handleOrder(*req.Order, emit)
	case schema.RequestQueryPosition:
		if kind != schema.ClientTrading {
			return errs.New("sim/frame", errs.CodeInvalid, errs.WithMessage("position query requires the trading client"))
		}
		e.queryPosition(req.Instruments[0], emit)
	case schema.RequestQueryInstrument:
		if kind != schema.ClientTrading {
			return errs.New("sim/frame", errs.CodeInvalid, errs.WithMessage("instrument query requires the trading client"))
		}
		e.queryInstrument(req.Instruments[0], emit)
	default:
		return errs.New("sim/frame", errs.CodeInvalid, errs.WithMessage("unknown request kind"))
	}
	return nil
}
