// Command tradebridge runs the synchronous strategy facade against the
// simulated connectivity engine: a demo strategy watches quotes, opens a
// small position, and closes it again before shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	libtelemetry "github.com/coachpo/tradebridge/lib/telemetry"

	"github.com/coachpo/tradebridge/internal/config"
	"github.com/coachpo/tradebridge/internal/conn/sim"
	"github.com/coachpo/tradebridge/internal/observability"
	"github.com/coachpo/tradebridge/internal/order"
	"github.com/coachpo/tradebridge/internal/plugin"
	"github.com/coachpo/tradebridge/internal/schema"
	"github.com/coachpo/tradebridge/pkg/market"
	"github.com/coachpo/tradebridge/syncapi"
)

const (
	shutdownTimeout          = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	otlpEndpoint := flag.String("otlp", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "OTLP metrics endpoint (empty disables export)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	logger := observability.NewStdLogger(log.New(os.Stderr, "tradebridge ", log.LstdFlags|log.Lmicroseconds))
	if *verbose {
		logger = logger.WithDebug()
	}
	observability.SetLogger(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_, telemetryShutdown, err := libtelemetry.Init(ctx, libtelemetry.Config{
		OTLPEndpoint: *otlpEndpoint,
		ServiceName:  "tradebridge",
	})
	if err != nil {
		logger.Error("initialise telemetry", observability.F("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer shutdownCancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", observability.F("error", err))
		}
	}()

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Error("load configuration", observability.F("error", err))
			os.Exit(1)
		}
	} else {
		cfg.Session = config.SessionConfig{BrokerID: "9999", UserID: "demo", Password: "demo"}
		cfg.Instruments = []market.InstrumentMeta{
			{Instrument: "rb2505", Multiplier: 10, Exchange: "SHFE"},
			{Instrument: "ag2506", Multiplier: 15, Exchange: "SHFE"},
		}
	}

	engine := sim.NewEngine(sim.Options{
		Credentials: schema.Credentials{
			UserID:   cfg.Session.UserID,
			Password: cfg.Session.Password,
			BrokerID: cfg.Session.BrokerID,
		},
		Instruments: cfg.Instruments,
		BasePrices:  map[string]float64{"rb2505": 3500, "ag2506": 6100},
	})
	defer engine.Close()

	api := syncapi.New(sim.NewFactory(engine), cfg)

	spreadGuard, err := plugin.NewJSPlugin("spread-guard", `
		function onEvent(evt) {
			if (evt.type !== "tick") { return evt; }
			// Drop crossed ticks, the venue occasionally produces them.
			if (evt.bidPrice >= evt.askPrice) { return null; }
			return evt;
		}
	`)
	if err != nil {
		logger.Error("compile plugin", observability.F("error", err))
		os.Exit(1)
	}
	api.RegisterPlugin(spreadGuard)

	if err := api.Start(ctx); err != nil {
		logger.Error("start facade", observability.F("error", err))
		os.Exit(1)
	}
	logger.Info("facade running", observability.F("instruments", len(cfg.Instruments)))

	if _, err := api.RunStrategy("demo", demoStrategy); err != nil {
		logger.Error("run strategy", observability.F("error", err))
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if err := api.Stop(shutdownTimeout); err != nil {
		logger.Warn("shutdown incomplete", observability.F("error", err))
	}
}

// demoStrategy opens one lot on a quote, closes it on the next, and repeats
// until cancelled.
func demoStrategy(ctx context.Context, api *syncapi.API) {
	const inst = "rb2505"
	for ctx.Err() == nil {
		q, err := api.AwaitNextQuote(ctx, inst, 3*time.Second)
		if err != nil {
			observability.Log().Warn("demo: no quote", observability.F("error", err))
			continue
		}

		res, err := api.SubmitOrder(ctx, order.Request{
			Instrument: inst,
			Action:     market.ActionOpenLong,
			Volume:     1,
			Price:      q.AskPrice,
			Block:      true,
		})
		if err != nil || !res.Success {
			observability.Log().Warn("demo: open failed",
				observability.F("error", err),
				observability.F("result", res))
			continue
		}
		observability.Log().Info("demo: opened",
			observability.F("ref", res.OrderRef),
			observability.F("price", q.AskPrice))

		pos, err := api.GetPosition(ctx, inst)
		if err != nil || pos.LongTotal == 0 {
			continue
		}

		q, err = api.AwaitNextQuote(ctx, inst, 3*time.Second)
		if err != nil {
			continue
		}
		res, err = api.SubmitOrder(ctx, order.Request{
			Instrument: inst,
			Action:     market.ActionCloseLong,
			Volume:     pos.LongTotal,
			Price:      q.BidPrice,
			Block:      true,
		})
		if err != nil || !res.Success {
			observability.Log().Warn("demo: close failed",
				observability.F("error", err),
				observability.F("result", res))
			continue
		}
		observability.Log().Info("demo: closed", observability.F("ref", res.OrderRef))
	}
}
