// Package integration exercises the full facade lifecycle against the
// simulated connectivity engine.
package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradebridge/errs"
	"github.com/coachpo/tradebridge/internal/config"
	"github.com/coachpo/tradebridge/internal/conn/sim"
	"github.com/coachpo/tradebridge/internal/order"
	"github.com/coachpo/tradebridge/internal/schema"
	"github.com/coachpo/tradebridge/pkg/market"
	"github.com/coachpo/tradebridge/syncapi"
)

var creds = schema.Credentials{UserID: "itest", Password: "itest", BrokerID: "9999"}

func newStack(t *testing.T) (*syncapi.API, *sim.Engine) {
	t.Helper()
	engine := sim.NewEngine(sim.Options{
		Credentials:  creds,
		TickInterval: 5 * time.Millisecond,
		FillDelay:    time.Millisecond,
		Instruments: []market.InstrumentMeta{
			{Instrument: "rb2505", Multiplier: 10, Exchange: "SHFE"},
			{Instrument: "m2509", Multiplier: 10, Exchange: "DCE"},
		},
	})

	cfg := config.Default()
	cfg.Session = config.SessionConfig{BrokerID: creds.BrokerID, UserID: creds.UserID, Password: creds.Password}
	cfg.Timeouts.Connect = 5 * time.Second
	cfg.Timeouts.Quote = 2 * time.Second
	cfg.Timeouts.Position = 2 * time.Second
	cfg.Instruments = []market.InstrumentMeta{
		{Instrument: "rb2505", Multiplier: 10, Exchange: "SHFE"},
		{Instrument: "m2509", Multiplier: 10, Exchange: "DCE"},
	}

	api := syncapi.New(sim.NewFactory(engine), cfg)
	t.Cleanup(func() {
		_ = api.Stop(5 * time.Second)
		engine.Close()
	})
	return api, engine
}

func TestFullTradingSession(t *testing.T) {
	api, _ := newStack(t)
	require.NoError(t, api.Start(context.Background()))
	require.True(t, api.IsAvailable())

	q, err := api.GetQuote(context.Background(), "rb2505")
	require.NoError(t, err)
	require.Equal(t, "rb2505", q.Instrument)
	require.Greater(t, q.LastPrice, 0.0)

	res, err := api.SubmitOrder(context.Background(), order.Request{
		Instrument: "rb2505",
		Action:     market.ActionOpenLong,
		Volume:     3,
		Price:      q.AskPrice,
		Block:      true,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotEmpty(t, res.OrderRef)

	require.Eventually(t, func() bool {
		pos, err := api.GetPosition(context.Background(), "rb2505")
		return err == nil && pos.LongToday == 3
	}, 3*time.Second, 20*time.Millisecond, "fill never reached the position cache")

	res, err = api.SubmitOrder(context.Background(), order.Request{
		Instrument: "rb2505",
		Action:     market.ActionCloseLong,
		Volume:     3,
		Price:      q.BidPrice,
		Block:      true,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	require.Eventually(t, func() bool {
		pos, err := api.GetPosition(context.Background(), "rb2505")
		return err == nil && pos.IsFlat()
	}, 3*time.Second, 20*time.Millisecond, "position not flat after close")
}

func TestSplitCloseAgainstSeededPosition(t *testing.T) {
	api, engine := newStack(t)
	require.NoError(t, api.Start(context.Background()))

	// 3 today + 2 history long lots; closing 4 on SHFE splits the order.
	engine.SeedPosition("rb2505", market.SideLong, 3, 2, 175000)

	res, err := api.SubmitOrder(context.Background(), order.Request{
		Instrument: "rb2505",
		Action:     market.ActionCloseLong,
		Volume:     4,
		Price:      3500,
		Block:      true,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Contains(t, res.Note, "2 legs")

	pos, err := api.GetPosition(context.Background(), "rb2505")
	require.NoError(t, err)
	require.EqualValues(t, 1, pos.LongTotal)

	// Asking for more than held fails before anything is submitted.
	_, err = api.SubmitOrder(context.Background(), order.Request{
		Instrument: "rb2505",
		Action:     market.ActionCloseLong,
		Volume:     10,
		Price:      3500,
		Block:      true,
	})
	require.Equal(t, errs.CodeInsufficientPosition, errs.CodeOf(err))
}

func TestConcurrentStrategiesShareTheFeed(t *testing.T) {
	api, _ := newStack(t)
	require.NoError(t, api.Start(context.Background()))

	const n = 4
	var wg sync.WaitGroup
	quotes := make([]market.Quote, n)
	errors := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		name := string(rune('a' + i))
		_, err := api.RunStrategy(name, func(ctx context.Context, api *syncapi.API) {
			defer wg.Done()
			quotes[i], errors[i] = api.AwaitNextQuote(ctx, "m2509", 3*time.Second)
		})
		require.NoError(t, err)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errors[i])
		require.Equal(t, "m2509", quotes[i].Instrument)
	}

	require.NoError(t, api.Stop(5*time.Second))
	require.Empty(t, api.Strategies())
}

func TestShutdownJoinsSlowStrategies(t *testing.T) {
	api, _ := newStack(t)
	require.NoError(t, api.Start(context.Background()))

	started := make(chan struct{})
	_, err := api.RunStrategy("slow", func(ctx context.Context, _ *syncapi.API) {
		close(started)
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, api.Stop(5*time.Second))
	require.False(t, api.IsAvailable())

	// The facade refuses work after stop.
	_, err = api.GetQuote(context.Background(), "rb2505")
	require.True(t, errs.IsUnavailable(err))
}
