// Package market defines the domain records exposed by the synchronous
// strategy facade: quote snapshots, merged positions, instrument metadata,
// and order submission results.
package market

import "math"

// NaN is the sentinel for prices the feed did not supply. A missing price is
// never zero.
func NaN() float64 { return math.NaN() }

// Quote is an immutable snapshot of the latest tick for one instrument.
type Quote struct {
	Instrument   string
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

// EmptyQuote returns a quote for the instrument with every price set to the
// not-a-number sentinel.
func EmptyQuote(instrument string) Quote {
	return Quote{
		Instrument: instrument,
		LastPrice:  math.NaN(),
		BidPrice:   math.NaN(),
		AskPrice:   math.NaN(),
	}
}

// Position is the merged long/short holding for one instrument. Each side is
// reported independently by the feed; Total == Today + History per side.
type Position struct {
	LongTotal      int64
	LongToday      int64
	LongHistory    int64
	LongOpenPrice  float64
	ShortTotal     int64
	ShortToday     int64
	ShortHistory   int64
	ShortOpenPrice float64
}

// EmptyPosition returns the all-zero record with NaN open prices.
func EmptyPosition() Position {
	return Position{
		LongOpenPrice:  math.NaN(),
		ShortOpenPrice: math.NaN(),
	}
}

// IsFlat reports whether no lots are held on either side.
func (p Position) IsFlat() bool {
	return p.LongTotal == 0 && p.ShortTotal == 0 &&
		p.LongToday == 0 && p.ShortToday == 0 &&
		p.LongHistory == 0 && p.ShortHistory == 0
}

// PositionSide selects the long or short leg of a position.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// Valid reports whether the side is one of the two known legs.
func (s PositionSide) Valid() bool {
	return s == SideLong || s == SideShort
}

// InstrumentMeta carries static per-instrument attributes. Immutable once
// written for a session.
type InstrumentMeta struct {
	Instrument string `yaml:"instrument" json:"instrument"`
	Multiplier int64  `yaml:"multiplier" json:"multiplier"`
	Exchange   string `yaml:"exchange" json:"exchange"`
}

// Action is a logical trading instruction accepted by the order engine.
type Action string

const (
	ActionOpenLong   Action = "open_long"
	ActionOpenShort  Action = "open_short"
	ActionCloseLong  Action = "close_long"
	ActionCloseShort Action = "close_short"
)

// Valid reports whether the action is one of the four supported instructions.
func (a Action) Valid() bool {
	switch a {
	case ActionOpenLong, ActionOpenShort, ActionCloseLong, ActionCloseShort:
		return true
	default:
		return false
	}
}

// Closing reports whether the action reduces an existing position.
func (a Action) Closing() bool {
	return a == ActionCloseLong || a == ActionCloseShort
}

// Side returns the position leg the action operates on.
func (a Action) Side() PositionSide {
	if a == ActionOpenShort || a == ActionCloseShort {
		return SideShort
	}
	return SideLong
}

// OrderResult is the structured outcome of a submission. Business rejections
// are reported here, never as Go errors.
type OrderResult struct {
	Success    bool
	OrderRef   string
	Instrument string
	Action     Action
	Volume     int64
	Price      float64
	ErrorID    int
	ErrorMsg   string
	Note       string
}
