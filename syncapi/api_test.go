package syncapi

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/coachpo/tradebridge/errs"
	"github.com/coachpo/tradebridge/internal/config"
	"github.com/coachpo/tradebridge/internal/conn/sim"
	"github.com/coachpo/tradebridge/internal/order"
	"github.com/coachpo/tradebridge/internal/plugin"
	"github.com/coachpo/tradebridge/internal/schema"
	"github.com/coachpo/tradebridge/pkg/market"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Session.UserID = "u1"
	cfg.Session.Password = "pw"
	cfg.Session.BrokerID = "9999"
	cfg.Timeouts.Quote = 2 * time.Second
	cfg.Timeouts.Position = 2 * time.Second
	cfg.Instruments = []market.InstrumentMeta{
		{Instrument: "rb2505", Multiplier: 10, Exchange: "SHFE"},
	}
	return cfg
}

func newAPI(t *testing.T, tweak func(*sim.Options)) (*API, *sim.Engine) {
	t.Helper()
	opts := sim.Options{
		Credentials:  schema.Credentials{UserID: "u1", Password: "pw", BrokerID: "9999"},
		TickInterval: 5 * time.Millisecond,
		FillDelay:    time.Millisecond,
		Instruments: []market.InstrumentMeta{
			{Instrument: "rb2505", Multiplier: 10, Exchange: "SHFE"},
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	engine := sim.NewEngine(opts)
	api := New(sim.NewFactory(engine), testConfig())
	t.Cleanup(func() {
		_ = api.Stop(2 * time.Second)
		engine.Close()
	})
	return api, engine
}

func start(t *testing.T, api *API) {
	t.Helper()
	if err := api.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestGetQuoteSubscribesAndWaits(t *testing.T) {
	api, _ := newAPI(t, nil)
	start(t, api)

	q, err := api.GetQuote(context.Background(), "rb2505")
	if err != nil {
		t.Fatal(err)
	}
	if q.Instrument != "rb2505" || q.LastPrice <= 0 {
		t.Fatalf("unexpected quote %+v", q)
	}
}

func TestAwaitNextQuoteServesCacheOnTimeout(t *testing.T) {
	api, _ := newAPI(t, nil)
	start(t, api)

	// Prime the cache with a first tick.
	if _, err := api.GetQuote(context.Background(), "rb2505"); err != nil {
		t.Fatal(err)
	}
	// A too-short wait still answers from the cache.
	q, err := api.AwaitNextQuote(context.Background(), "rb2505", time.Nanosecond)
	if err != nil {
		t.Fatal(err)
	}
	if q.Instrument != "rb2505" {
		t.Fatalf("unexpected quote %+v", q)
	}
}

func TestAwaitNextQuoteEmptyWhenNothingCached(t *testing.T) {
	api, _ := newAPI(t, nil)
	start(t, api)

	// No tick can arrive within a nanosecond of subscribing.
	q, err := api.AwaitNextQuote(context.Background(), "ag2506", time.Nanosecond)
	if err != nil {
		t.Fatal(err)
	}
	if q.Instrument != "ag2506" || !math.IsNaN(q.LastPrice) {
		t.Fatalf("want all-NaN quote, got %+v", q)
	}
}

func TestCallsFailBeforeStart(t *testing.T) {
	api, _ := newAPI(t, nil)

	if _, err := api.GetQuote(context.Background(), "rb2505"); !errs.IsUnavailable(err) {
		t.Fatalf("get quote: %v, want unavailable", err)
	}
	if _, err := api.GetPosition(context.Background(), "rb2505"); !errs.IsUnavailable(err) {
		t.Fatalf("get position: %v, want unavailable", err)
	}
}

func TestGetPositionRoundTrip(t *testing.T) {
	api, engine := newAPI(t, nil)
	start(t, api)
	engine.SeedPosition("rb2505", market.SideShort, 1, 2, 105000)

	pos, err := api.GetPosition(context.Background(), "rb2505")
	if err != nil {
		t.Fatal(err)
	}
	if pos.ShortTotal != 3 || pos.ShortToday != 1 || pos.ShortHistory != 2 {
		t.Fatalf("unexpected position %+v", pos)
	}
	if pos.ShortOpenPrice != 3500.0 {
		t.Fatalf("short open price = %v, want 3500.0", pos.ShortOpenPrice)
	}
}

func TestSubmitOrderThenClose(t *testing.T) {
	api, _ := newAPI(t, nil)
	start(t, api)

	res, err := api.SubmitOrder(context.Background(), order.Request{
		Instrument: "rb2505",
		Action:     market.ActionOpenLong,
		Volume:     2,
		Price:      3500,
		Block:      true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("open rejected: %+v", res)
	}

	// The fill lands as today lots; close them with a close-today leg.
	deadline := time.Now().Add(2 * time.Second)
	for {
		pos, err := api.GetPosition(context.Background(), "rb2505")
		if err != nil {
			t.Fatal(err)
		}
		if pos.LongToday == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("fill never reached the account: %+v", pos)
		}
		time.Sleep(10 * time.Millisecond)
	}

	res, err = api.SubmitOrder(context.Background(), order.Request{
		Instrument: "rb2505",
		Action:     market.ActionCloseLong,
		Volume:     2,
		Price:      3500,
		Block:      true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("close rejected: %+v", res)
	}
}

func TestPluginVetoKeepsQuotesOut(t *testing.T) {
	api, _ := newAPI(t, nil)
	api.RegisterPlugin(plugin.Func{PluginName: "drop-ticks", Hook: func(evt schema.Event) (schema.Event, bool) {
		return evt, evt.Type != schema.EventTypeTick
	}})
	start(t, api)

	_, err := api.GetQuote(context.Background(), "rb2505")
	if !errs.IsTimeout(err) {
		t.Fatalf("vetoed ticks must never surface: %v", err)
	}
}

func TestRunStrategyAndStop(t *testing.T) {
	api, _ := newAPI(t, nil)
	start(t, api)

	observed := make(chan market.Quote, 1)
	_, err := api.RunStrategy("watcher", func(ctx context.Context, api *API) {
		q, err := api.AwaitNextQuote(ctx, "rb2505", 2*time.Second)
		if err == nil {
			observed <- q
		}
		<-ctx.Done()
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case q := <-observed:
		if q.Instrument != "rb2505" {
			t.Fatalf("unexpected quote %+v", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("strategy never observed a quote")
	}

	if err := api.Stop(5 * time.Second); err != nil {
		t.Fatal(err)
	}
	if len(api.Strategies()) != 0 {
		t.Fatal("strategies survived stop")
	}
	if api.IsAvailable() {
		t.Fatal("facade still available after stop")
	}
}

func TestRunStrategyCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.Strategies.MaxStrategies = 1
	engine := sim.NewEngine(sim.Options{Credentials: schema.Credentials{UserID: "u1", Password: "pw"}})
	api := New(sim.NewFactory(engine), cfg)
	t.Cleanup(func() {
		_ = api.Stop(time.Second)
		engine.Close()
	})

	block := make(chan struct{})
	defer close(block)
	if _, err := api.RunStrategy("one", func(ctx context.Context, _ *API) {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}); err != nil {
		t.Fatal(err)
	}
	_, err := api.RunStrategy("two", func(context.Context, *API) {})
	if errs.CodeOf(err) != errs.CodeTooManyStrategies {
		t.Fatalf("got %v, want too many strategies", err)
	}
}
