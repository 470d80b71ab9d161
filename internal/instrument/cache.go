// Package instrument caches contract metadata: multiplier and exchange.
// Metadata is immutable per instrument once written for a session.
package instrument

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/tradebridge/errs"
	"github.com/coachpo/tradebridge/internal/observability"
	"github.com/coachpo/tradebridge/pkg/market"
)

// Refresher performs an on-demand metadata round trip, typically through the
// bridge. It returns the fetched record or an error.
type Refresher interface {
	FetchInstrument(ctx context.Context, instrument string, timeout time.Duration) (market.InstrumentMeta, error)
}

// Cache stores contract metadata. Entries come from caller-seeded data or a
// refresh round trip; a refresh is not guaranteed to succeed on every
// deployment, which is why seeding exists.
type Cache struct {
	mu    sync.Mutex
	metas map[string]market.InstrumentMeta

	refresher Refresher
}

// NewCache constructs an empty metadata cache.
func NewCache() *Cache {
	c := new(Cache)
	c.metas = make(map[string]market.InstrumentMeta)
	return c
}

// SetRefresher installs the round-trip backend used by Refresh.
func (c *Cache) SetRefresher(r Refresher) {
	c.mu.Lock()
	c.refresher = r
	c.mu.Unlock()
}

// Seed bulk-preloads caller-supplied metadata. Existing entries win; metadata
// is immutable once written. Entries without a usable multiplier are skipped
// so a later refresh can fill them.
func (c *Cache) Seed(metas []market.InstrumentMeta) {
	c.mu.Lock()
	for _, m := range metas {
		if m.Instrument == "" || m.Multiplier <= 0 {
			continue
		}
		if _, ok := c.metas[m.Instrument]; ok {
			continue
		}
		c.metas[m.Instrument] = m
	}
	c.mu.Unlock()
}

// Store records one fetched metadata entry unless one already exists.
func (c *Cache) Store(m market.InstrumentMeta) {
	if m.Instrument == "" {
		return
	}
	c.mu.Lock()
	if _, ok := c.metas[m.Instrument]; !ok {
		c.metas[m.Instrument] = m
	}
	c.mu.Unlock()
}

// Lookup returns the cached metadata for the instrument, if any.
func (c *Cache) Lookup(instrument string) (market.InstrumentMeta, bool) {
	c.mu.Lock()
	m, ok := c.metas[instrument]
	c.mu.Unlock()
	return m, ok
}

// Multiplier returns the cached contract multiplier, or fallback when the
// instrument is unknown or carries no usable multiplier.
func (c *Cache) Multiplier(instrument string, fallback int64) int64 {
	c.mu.Lock()
	m, ok := c.metas[instrument]
	c.mu.Unlock()
	if !ok || m.Multiplier <= 0 {
		return fallback
	}
	return m.Multiplier
}

// Refresh performs an on-demand round trip for the instrument and caches the
// result. Returns the cached entry immediately when one exists.
func (c *Cache) Refresh(ctx context.Context, instrument string, timeout time.Duration) (market.InstrumentMeta, error) {
	c.mu.Lock()
	m, ok := c.metas[instrument]
	r := c.refresher
	c.mu.Unlock()
	if ok {
		return m, nil
	}
	if r == nil {
		return market.InstrumentMeta{}, errs.New("instrument/refresh", errs.CodeUnavailable,
			errs.WithMessage("no refresh backend installed"),
			errs.WithInstrument(instrument))
	}

	fetched, err := r.FetchInstrument(ctx, instrument, timeout)
	if err != nil {
		observability.Log().Warn("instrument refresh failed",
			observability.F("instrument", instrument),
			observability.F("error", err))
		return market.InstrumentMeta{}, err
	}
	if fetched.Exchange == "" {
		fetched.Exchange = ExchangeFor(instrument)
	}
	c.Store(fetched)
	return fetched, nil
}

// Clear drops every cached entry; the refresher stays installed.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.metas = make(map[string]market.InstrumentMeta)
	c.mu.Unlock()
}

// productExchanges maps a contract's leading product code to the exchange it
// trades on. CZCE product codes are uppercase on the wire.
var productExchanges = map[string]string{
	// SHFE
	"cu": "SHFE", "al": "SHFE", "zn": "SHFE", "pb": "SHFE", "ni": "SHFE",
	"sn": "SHFE", "au": "SHFE", "ag": "SHFE", "rb": "SHFE", "wr": "SHFE",
	"hc": "SHFE", "ss": "SHFE", "fu": "SHFE", "bu": "SHFE", "ru": "SHFE",
	"sp": "SHFE", "br": "SHFE", "ao": "SHFE",
	// INE
	"sc": "INE", "nr": "INE", "lu": "INE", "bc": "INE", "ec": "INE",
	// DCE
	"a": "DCE", "b": "DCE", "c": "DCE", "cs": "DCE", "m": "DCE", "y": "DCE",
	"p": "DCE", "fb": "DCE", "bb": "DCE", "jd": "DCE", "rr": "DCE",
	"lh": "DCE", "l": "DCE", "v": "DCE", "pp": "DCE", "j": "DCE",
	"jm": "DCE", "i": "DCE", "eg": "DCE", "eb": "DCE", "pg": "DCE",
	// CZCE
	"SR": "CZCE", "CF": "CZCE", "CY": "CZCE", "TA": "CZCE", "OI": "CZCE",
	"MA": "CZCE", "FG": "CZCE", "RM": "CZCE", "ZC": "CZCE", "SF": "CZCE",
	"SM": "CZCE", "AP": "CZCE", "CJ": "CZCE", "UR": "CZCE", "SA": "CZCE",
	"PF": "CZCE", "PK": "CZCE", "RS": "CZCE", "WH": "CZCE", "PM": "CZCE",
	"RI": "CZCE", "LR": "CZCE", "JR": "CZCE",
	// CFFEX
	"IF": "CFFEX", "IH": "CFFEX", "IC": "CFFEX", "IM": "CFFEX",
	"T": "CFFEX", "TF": "CFFEX", "TS": "CFFEX", "TL": "CFFEX",
}

// ExchangeFor derives the exchange code from the instrument's leading product
// code. Unknown products return "".
func ExchangeFor(instrument string) string {
	product := productCode(instrument)
	if product == "" {
		return ""
	}
	if exch, ok := productExchanges[product]; ok {
		return exch
	}
	// Case-insensitive fallback for venues that vary the casing.
	if exch, ok := productExchanges[strings.ToLower(product)]; ok {
		return exch
	}
	if exch, ok := productExchanges[strings.ToUpper(product)]; ok {
		return exch
	}
	return ""
}

func productCode(instrument string) string {
	for i, r := range instrument {
		if r >= '0' && r <= '9' {
			return instrument[:i]
		}
	}
	return instrument
}
