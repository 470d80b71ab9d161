package order

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/coachpo/tradebridge/errs"
	"github.com/coachpo/tradebridge/internal/bridge"
	"github.com/coachpo/tradebridge/internal/conn/sim"
	"github.com/coachpo/tradebridge/internal/instrument"
	"github.com/coachpo/tradebridge/internal/position"
	"github.com/coachpo/tradebridge/internal/quote"
	"github.com/coachpo/tradebridge/internal/schema"
	"github.com/coachpo/tradebridge/pkg/market"
)

var testCreds = schema.Credentials{UserID: "u1", Password: "pw"}

type fixture struct {
	engine  *sim.Engine
	bridge  *bridge.Bridge
	orders  *Engine
	started bool
}

func newFixture(t *testing.T, start bool) *fixture {
	t.Helper()
	f := new(fixture)
	f.engine = sim.NewEngine(sim.Options{
		Credentials: testCreds,
		FillDelay:   time.Millisecond,
		Instruments: []market.InstrumentMeta{
			{Instrument: "rb2505", Multiplier: 10, Exchange: "SHFE"},
			{Instrument: "m2509", Multiplier: 10, Exchange: "DCE"},
		},
	})
	quotes := quote.NewCache()
	positions := position.NewCache()
	instruments := instrument.NewCache()
	instruments.Seed([]market.InstrumentMeta{
		{Instrument: "rb2505", Multiplier: 10, Exchange: "SHFE"},
		{Instrument: "m2509", Multiplier: 10, Exchange: "DCE"},
	})
	f.bridge = bridge.New(sim.NewFactory(f.engine), quotes, positions, instruments, bridge.Config{})
	f.orders = NewEngine(f.bridge, positions, instruments, Config{PositionTimeout: time.Second})
	if start {
		if err := f.bridge.Start(context.Background(), testCreds, 5*time.Second); err != nil {
			t.Fatalf("start: %v", err)
		}
		f.started = true
	}
	t.Cleanup(func() {
		if f.started {
			_ = f.bridge.Stop(time.Second)
		}
		f.engine.Close()
	})
	return f
}

func TestOpenLongSingleLeg(t *testing.T) {
	f := newFixture(t, true)

	res, err := f.orders.Submit(context.Background(), Request{
		Instrument: "rb2505",
		Action:     market.ActionOpenLong,
		Volume:     2,
		Price:      3500,
		Block:      true,
		Timeout:    2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.OrderRef == "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestOpenNeverConsultsPosition(t *testing.T) {
	// With the bridge never started a position refresh would block; an open
	// must plan without one.
	f := newFixture(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	var legs []schema.OrderInsert
	var err error
	go func() {
		legs, err = f.orders.plan(ctx, Request{
			Instrument: "rb2505",
			Action:     market.ActionOpenShort,
			Volume:     1,
			Price:      3500,
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("open planning blocked on a round trip")
	}
	if err != nil {
		t.Fatal(err)
	}
	if len(legs) != 1 || legs[0].Offset != schema.OffsetOpen || legs[0].Buy {
		t.Fatalf("unexpected legs %+v", legs)
	}
}

func TestOpenUsesStaticExchangeTable(t *testing.T) {
	// Cached metadata carrying a bogus exchange must not leak into opens;
	// only closes read it.
	instruments := instrument.NewCache()
	instruments.Seed([]market.InstrumentMeta{
		{Instrument: "rb2505", Multiplier: 10, Exchange: "DCE"},
	})
	e := NewEngine(nil, position.NewCache(), instruments, Config{})

	legs, err := e.plan(context.Background(), Request{
		Instrument: "rb2505",
		Action:     market.ActionOpenLong,
		Volume:     1,
		Price:      3500,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(legs) != 1 || legs[0].Exchange != "SHFE" {
		t.Fatalf("open leg exchange = %q, want SHFE from the product table", legs[0].Exchange)
	}
}

func TestCloseSplitsHistoryFirst(t *testing.T) {
	f := newFixture(t, true)
	// Long 5 lots: 3 today, 2 history, at 3500 with multiplier 10.
	f.engine.SeedPosition("rb2505", market.SideLong, 3, 2, 175000)

	legs, err := f.orders.plan(context.Background(), Request{
		Instrument: "rb2505",
		Action:     market.ActionCloseLong,
		Volume:     4,
		Price:      3500,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(legs) != 2 {
		t.Fatalf("got %d legs, want 2", len(legs))
	}
	if legs[0].Offset != schema.OffsetClose || legs[0].Volume != 2 {
		t.Fatalf("first leg %+v, want close of 2 history lots", legs[0])
	}
	if legs[1].Offset != schema.OffsetCloseToday || legs[1].Volume != 2 {
		t.Fatalf("second leg %+v, want close-today of 2 lots", legs[1])
	}
	if legs[0].Buy || legs[1].Buy {
		t.Fatal("closing a long must sell")
	}
}

func TestCloseWithinHistoryIsSingleLeg(t *testing.T) {
	f := newFixture(t, true)
	f.engine.SeedPosition("rb2505", market.SideLong, 3, 2, 175000)

	legs, err := f.orders.plan(context.Background(), Request{
		Instrument: "rb2505",
		Action:     market.ActionCloseLong,
		Volume:     2,
		Price:      3500,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(legs) != 1 || legs[0].Offset != schema.OffsetClose || legs[0].Volume != 2 {
		t.Fatalf("unexpected legs %+v", legs)
	}
}

func TestCloseBeyondPositionFailsFast(t *testing.T) {
	f := newFixture(t, true)
	f.engine.SeedPosition("rb2505", market.SideLong, 3, 2, 175000)

	_, err := f.orders.Submit(context.Background(), Request{
		Instrument: "rb2505",
		Action:     market.ActionCloseLong,
		Volume:     6,
		Price:      3500,
		Block:      true,
		Timeout:    2 * time.Second,
	})
	if errs.CodeOf(err) != errs.CodeInsufficientPosition {
		t.Fatalf("got %v, want insufficient position", err)
	}

	// Nothing was submitted: the venue still holds all five lots.
	pos, refreshErr := f.bridge.RefreshPosition(context.Background(), "rb2505", 2*time.Second)
	if refreshErr != nil {
		t.Fatal(refreshErr)
	}
	if pos.LongTotal != 5 {
		t.Fatalf("lots = %d, want untouched 5", pos.LongTotal)
	}
}

func TestNonDistinguishingExchangeNeverSplits(t *testing.T) {
	f := newFixture(t, true)

	legs, err := f.orders.plan(context.Background(), Request{
		Instrument: "m2509",
		Action:     market.ActionCloseShort,
		Volume:     4,
		Price:      2900,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(legs) != 1 || legs[0].Offset != schema.OffsetClose || legs[0].Volume != 4 {
		t.Fatalf("unexpected legs %+v", legs)
	}
	if !legs[0].Buy {
		t.Fatal("closing a short must buy")
	}
}

func TestSplitCloseSubmitsBothLegs(t *testing.T) {
	f := newFixture(t, true)
	f.engine.SeedPosition("rb2505", market.SideLong, 3, 2, 175000)

	res, err := f.orders.Submit(context.Background(), Request{
		Instrument: "rb2505",
		Action:     market.ActionCloseLong,
		Volume:     4,
		Price:      3500,
		Block:      true,
		Timeout:    4 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("split close failed: %+v", res)
	}

	pos, err := f.bridge.RefreshPosition(context.Background(), "rb2505", 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if pos.LongTotal != 1 {
		t.Fatalf("remaining lots = %d, want 1", pos.LongTotal)
	}
}

func TestNonBlockReturnsWithoutRef(t *testing.T) {
	f := newFixture(t, true)

	res, err := f.orders.Submit(context.Background(), Request{
		Instrument: "rb2505",
		Action:     market.ActionOpenLong,
		Volume:     1,
		Price:      3500,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.OrderRef != "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestValidationFailsFast(t *testing.T) {
	f := newFixture(t, false)
	cases := []Request{
		{Instrument: "", Action: market.ActionOpenLong, Volume: 1, Price: 1},
		{Instrument: "rb2505", Action: market.Action("hold"), Volume: 1, Price: 1},
		{Instrument: "rb2505", Action: market.ActionOpenLong, Volume: 0, Price: 1},
		{Instrument: "rb2505", Action: market.ActionOpenLong, Volume: 1, Price: -3},
		{Instrument: "rb2505", Action: market.ActionOpenLong, Volume: 1, Price: math.NaN()},
	}
	for _, req := range cases {
		if _, err := f.orders.Submit(context.Background(), req); errs.CodeOf(err) != errs.CodeInvalid {
			t.Errorf("request %+v: got %v, want invalid", req, err)
		}
	}
}
