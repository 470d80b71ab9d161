// Package position caches per-instrument position state. The feed reports
// each side as an independent push, so merges overwrite one side at a time
// and never touch the other.
package position

import (
	"context"
	"math"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradebridge/internal/telemetry"
	"github.com/coachpo/tradebridge/pkg/market"
)

// Cache stores the merged position per instrument. Reads never fail: unseen
// instruments yield the empty position.
type Cache struct {
	mu        sync.Mutex
	positions map[string]market.Position

	mergeCounter metric.Int64Counter
}

// NewCache constructs an empty position cache.
func NewCache() *Cache {
	c := new(Cache)
	c.positions = make(map[string]market.Position)

	meter := otel.Meter("position")
	c.mergeCounter, _ = meter.Int64Counter("position.merges",
		metric.WithDescription("Number of one-sided position merges applied"),
		metric.WithUnit("{merge}"))
	return c
}

// Merge overwrites one side of the instrument's position with the pushed
// snapshot. openCost is the cumulative traded amount for the side; the
// average open price is openCost / lots / multiplier, NaN when the side is
// flat. A multiplier the caller could not resolve should be passed as 1.
func (c *Cache) Merge(ctx context.Context, instrument string, side market.PositionSide, lots, today, history int64, openCost float64, multiplier int64) {
	if instrument == "" || !side.Valid() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if multiplier <= 0 {
		multiplier = 1
	}

	openPrice := math.NaN()
	if lots > 0 {
		openPrice = openCost / float64(lots) / float64(multiplier)
	}

	c.mu.Lock()
	pos, ok := c.positions[instrument]
	if !ok {
		pos = market.EmptyPosition()
	}
	switch side {
	case market.SideLong:
		pos.LongTotal = lots
		pos.LongToday = today
		pos.LongHistory = history
		pos.LongOpenPrice = openPrice
	case market.SideShort:
		pos.ShortTotal = lots
		pos.ShortToday = today
		pos.ShortHistory = history
		pos.ShortOpenPrice = openPrice
	}
	c.positions[instrument] = pos
	c.mu.Unlock()

	if c.mergeCounter != nil {
		c.mergeCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.QuoteAttributes(telemetry.Environment(), instrument)...))
	}
}

// Snapshot returns a copy of the merged position. Unseen instruments return
// the empty position; this never fails.
func (c *Cache) Snapshot(instrument string) market.Position {
	c.mu.Lock()
	pos, ok := c.positions[instrument]
	c.mu.Unlock()
	if !ok {
		return market.EmptyPosition()
	}
	return pos
}

// Clear drops every cached position.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.positions = make(map[string]market.Position)
	c.mu.Unlock()
}
