// Package schema defines the tagged records exchanged with the connectivity
// engine: decoded push events on the way in, submission requests on the way
// out. The engine itself is an external collaborator; these records are the
// decoded form its adapters produce and consume.
package schema

import (
	"strings"

	"github.com/coachpo/tradebridge/errs"
	"github.com/coachpo/tradebridge/pkg/market"
)

// ClientKind tags which sub-client produced an event.
type ClientKind string

const (
	ClientMarketData ClientKind = "md"
	ClientTrading    ClientKind = "td"
)

// EventType identifies a decoded push record category.
type EventType string

const (
	EventTypeTick           EventType = "tick"
	EventTypeLogin          EventType = "login"
	EventTypeOrderAck       EventType = "order_ack"
	EventTypeTradeFill      EventType = "trade_fill"
	EventTypePositionData   EventType = "position_data"
	EventTypeInstrumentData EventType = "instrument_data"
)

// Event is one decoded record pushed by a sub-client. Exactly one payload
// pointer is set, matching Type.
type Event struct {
	Type       EventType
	Client     ClientKind
	Instrument string

	Tick     *TickPayload
	Login    *LoginPayload
	OrderAck *OrderAckPayload
	Fill     *FillPayload
	Position *PositionPayload
	Meta     *InstrumentPayload
}

// TickPayload carries one market data push. Prices the feed omitted are NaN.
type TickPayload struct {
	LastPrice    float64
	BidPrice     float64
	BidVolume    int64
	AskPrice     float64
	AskVolume    int64
	Volume       int64
	OpenInterest float64
	UpdateTime   string
	UpdateMillis int
	ExchangeTS   string
}

// LoginPayload reports the outcome of a sub-client login sequence.
type LoginPayload struct {
	ErrorID  int
	ErrorMsg string
}

// OK reports whether the login succeeded.
func (p *LoginPayload) OK() bool { return p != nil && p.ErrorID == 0 }

// OrderAckPayload acknowledges or rejects an order insert.
type OrderAckPayload struct {
	OrderRef string
	ErrorID  int
	ErrorMsg string
}

// OK reports whether the order was accepted.
func (p *OrderAckPayload) OK() bool { return p != nil && p.ErrorID == 0 }

// FillPayload reports one trade execution.
type FillPayload struct {
	OrderRef string
	Side     market.PositionSide
	Volume   int64
	Price    float64
}

// PositionPayload reports one side of one instrument's position. The feed
// reports sides independently; OpenCost is the cumulative traded amount, not
// a per-lot price.
type PositionPayload struct {
	Side     market.PositionSide
	Lots     int64
	Today    int64
	History  int64
	OpenCost float64
	IsLast   bool
}

// InstrumentPayload answers an instrument metadata query.
type InstrumentPayload struct {
	Multiplier int64
	Exchange   string
	IsLast     bool
}

// RequestKind identifies a submission record category.
type RequestKind string

const (
	RequestSubscribe       RequestKind = "subscribe"
	RequestUnsubscribe     RequestKind = "unsubscribe"
	RequestLogin           RequestKind = "login"
	RequestOrderInsert     RequestKind = "order_insert"
	RequestQueryPosition   RequestKind = "query_position"
	RequestQueryInstrument RequestKind = "query_instrument"
)

// Request is one tagged submission accepted by a sub-client. Submissions
// return nothing synchronously; outcomes, if any, arrive as push events.
type Request struct {
	Kind        RequestKind
	Client      ClientKind
	Instruments []string
	Order       *OrderInsert
	Credentials *Credentials
}

// OrderInsert is the physical order sent to the exchange.
type OrderInsert struct {
	Instrument string
	Exchange   string
	Ref        string
	Buy        bool
	Offset     Offset
	Price      float64
	Volume     int64
}

// Offset is the exchange open/close accounting flag on a physical order.
type Offset string

const (
	OffsetOpen       Offset = "open"
	OffsetClose      Offset = "close"
	OffsetCloseToday Offset = "close_today"
)

// Credentials identify the session to the connectivity engine.
type Credentials struct {
	UserID   string
	Password string
	BrokerID string
}

// Validate ensures a request is well formed before it crosses into the worker.
func (r Request) Validate() error {
	switch r.Kind {
	case RequestSubscribe, RequestUnsubscribe:
		if len(r.Instruments) == 0 {
			return errs.New("schema/request", errs.CodeInvalid, errs.WithMessage("subscription requires instruments"))
		}
	case RequestLogin:
		if r.Credentials == nil || strings.TrimSpace(r.Credentials.UserID) == "" {
			return errs.New("schema/request", errs.CodeInvalid, errs.WithMessage("login requires credentials"))
		}
	case RequestOrderInsert:
		if r.Order == nil {
			return errs.New("schema/request", errs.CodeInvalid, errs.WithMessage("order insert requires order body"))
		}
		if r.Order.Volume <= 0 {
			return errs.New("schema/request", errs.CodeInvalid, errs.WithMessage("order volume must be positive"), errs.WithInstrument(r.Order.Instrument))
		}
	case RequestQueryPosition, RequestQueryInstrument:
		if len(r.Instruments) != 1 {
			return errs.New("schema/request", errs.CodeInvalid, errs.WithMessage("query requires exactly one instrument"))
		}
	default:
		return errs.New("schema/request", errs.CodeInvalid, errs.WithMessage("unknown request kind"))
	}
	return nil
}
