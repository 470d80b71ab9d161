// Package quote caches the latest tick per instrument and fans each update
// out to blocked waiters. Broadcast is best-effort and lossy: a waiter that
// has not consumed its previous delivery misses the new one and retries on
// timeout.
package quote

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradebridge/errs"
	"github.com/coachpo/tradebridge/internal/telemetry"
	"github.com/coachpo/tradebridge/pkg/market"
)

// Cache is the single-writer quote store. The bridge worker is the sole
// caller of Update; any number of strategy threads call Snapshot and
// AwaitNext concurrently.
type Cache struct {
	mu        sync.Mutex
	snapshots map[string]market.Quote
	waiters   map[string]map[uint64]chan market.Quote
	nextID    uint64

	updateCounter   metric.Int64Counter
	dropCounter     metric.Int64Counter
	waiterGauge     metric.Int64UpDownCounter
	fanoutHistogram metric.Int64Histogram
}

// NewCache constructs an empty quote cache.
func NewCache() *Cache {
	c := new(Cache)
	c.snapshots = make(map[string]market.Quote)
	c.waiters = make(map[string]map[uint64]chan market.Quote)

	meter := otel.Meter("quote")
	c.updateCounter, _ = meter.Int64Counter("quote.updates",
		metric.WithDescription("Number of tick updates ingested"),
		metric.WithUnit("{tick}"))
	c.dropCounter, _ = meter.Int64Counter("quote.broadcast.dropped",
		metric.WithDescription("Number of tick deliveries dropped on full waiter mailboxes"),
		metric.WithUnit("{tick}"))
	c.waiterGauge, _ = meter.Int64UpDownCounter("quote.waiters",
		metric.WithDescription("Number of blocked awaitNext waiters"),
		metric.WithUnit("{waiter}"))
	c.fanoutHistogram, _ = meter.Int64Histogram("quote.fanout.size",
		metric.WithDescription("Number of waiters per tick fanout"),
		metric.WithUnit("{waiter}"))
	return c
}

// Update replaces the cached snapshot for q.Instrument and delivers q into
// every current waiter mailbox. A mailbox still holding an unconsumed prior
// delivery drops this one.
func (c *Cache) Update(ctx context.Context, q market.Quote) {
	if q.Instrument == "" {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	c.snapshots[q.Instrument] = q
	boxes := make([]chan market.Quote, 0, len(c.waiters[q.Instrument]))
	for _, ch := range c.waiters[q.Instrument] {
		boxes = append(boxes, ch)
	}
	c.mu.Unlock()

	dropped := 0
	for _, ch := range boxes {
		select {
		case ch <- q:
		default:
			dropped++
		}
	}

	if c.updateCounter != nil {
		c.updateCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.QuoteAttributes(telemetry.Environment(), q.Instrument)...))
	}
	if c.fanoutHistogram != nil {
		c.fanoutHistogram.Record(ctx, int64(len(boxes)), metric.WithAttributes(
			telemetry.QuoteAttributes(telemetry.Environment(), q.Instrument)...))
	}
	if dropped > 0 && c.dropCounter != nil {
		c.dropCounter.Add(ctx, int64(dropped), metric.WithAttributes(
			telemetry.QuoteAttributes(telemetry.Environment(), q.Instrument)...))
	}
}

// Snapshot returns a copy of the latest quote for the instrument, if one has
// been cached.
func (c *Cache) Snapshot(instrument string) (market.Quote, bool) {
	c.mu.Lock()
	q, ok := c.snapshots[instrument]
	c.mu.Unlock()
	return q, ok
}

// AwaitNext blocks until the next Update for the instrument, up to timeout.
// Every concurrent waiter on one instrument receives the same next update.
// The waiter's mailbox is removed on every exit path.
func (c *Cache) AwaitNext(ctx context.Context, instrument string, timeout time.Duration) (market.Quote, error) {
	if instrument == "" {
		return market.Quote{}, errs.New("quote/await", errs.CodeInvalid, errs.WithMessage("instrument required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	box := make(chan market.Quote, 1)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if _, ok := c.waiters[instrument]; !ok {
		c.waiters[instrument] = make(map[uint64]chan market.Quote)
	}
	c.waiters[instrument][id] = box
	c.mu.Unlock()

	if c.waiterGauge != nil {
		c.waiterGauge.Add(ctx, 1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			attribute.String("instrument", instrument)))
	}

	defer func() {
		c.mu.Lock()
		if boxes := c.waiters[instrument]; boxes != nil {
			delete(boxes, id)
			if len(boxes) == 0 {
				delete(c.waiters, instrument)
			}
		}
		c.mu.Unlock()
		if c.waiterGauge != nil {
			c.waiterGauge.Add(context.Background(), -1, metric.WithAttributes(
				attribute.String("environment", telemetry.Environment()),
				attribute.String("instrument", instrument)))
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q := <-box:
		return q, nil
	case <-timer.C:
		return market.Quote{}, errs.New("quote/await", errs.CodeTimeout,
			errs.WithMessage("no update before deadline"),
			errs.WithInstrument(instrument),
			errs.WithTimeout(timeout))
	case <-ctx.Done():
		return market.Quote{}, errs.New("quote/await", errs.CodeUnavailable,
			errs.WithMessage("wait cancelled"),
			errs.WithInstrument(instrument),
			errs.WithCause(ctx.Err()))
	}
}

// Clear drops every cached snapshot. Blocked waiters are left to time out.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.snapshots = make(map[string]market.Quote)
	c.mu.Unlock()
}
