// Command turtleagent runs the trading loop: load config, construct every
// collaborator, start the HTTP façade, then tick on a fixed interval until
// a shutdown signal arrives. Grounded on zeke_trader/main.py's sequencing
// and SynapseStrike's flat main-wiring style (no DI framework).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"turtleagent/internal/bridge"
	"turtleagent/internal/broker"
	"turtleagent/internal/config"
	"turtleagent/internal/decision"
	"turtleagent/internal/execution"
	"turtleagent/internal/httpapi"
	"turtleagent/internal/logging"
	"turtleagent/internal/market"
	"turtleagent/internal/metrics"
	"turtleagent/internal/observability"
	"turtleagent/internal/orchestrator"
	"turtleagent/internal/portfolio"
	"turtleagent/internal/risk"
	"turtleagent/internal/scoring"
	signalgen "turtleagent/internal/signal"
	"turtleagent/internal/sizing"
	"turtleagent/internal/store"
	"turtleagent/internal/types"
)

func main() {
	log := logging.NewOperational("main", isTTY())

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	brokerClient := broker.New(cfg.Execution.AlpacaKeyID, cfg.Execution.AlpacaSecretKey, cfg.Execution.TradingMode == types.ModeLive, cfg.Execution.LiveTradingEnabled)
	marketClient := market.New(brokerClient, logging.NewOperational("market", false))
	portfolioStore := portfolio.New(brokerClient, logging.NewOperational("portfolio", false), cfg.Observability.LogDir, cfg.Execution.BrokerTimezone)

	signalGen := signalgen.New(cfg.Filter)
	scorer := scoring.New()

	var researcher decision.Researcher
	if cfg.Research.Enabled && cfg.Bridge.BaseURL != "" {
		toolBridge := bridge.New(cfg.Bridge.BaseURL, cfg.Bridge.InternalKey, logging.NewOperational("bridge", false))
		researcher = newBridgeResearcher(toolBridge)
	}
	decisionAgent := decision.New(cfg.OpenAIAPIKey, "gpt-4o-mini", cfg.Risk.MaxDollarsPerTrade, researcher).
		WithResearchThreshold(cfg.Research.ScoreThreshold)

	riskGate := risk.New(cfg.Risk)
	sizer := sizing.NewSizer(cfg.Sizer, cfg.Observability.LogDir)
	breaker := sizing.NewBreaker(cfg.Breaker, cfg.Observability.LogDir)
	execAgent := execution.New(brokerClient, cfg.Execution, cfg.Observability.LogDir)

	recorder := observability.New(cfg.Observability.LogDir, logging.NewOperational("observability", false))

	led, err := store.Open(cfg.Observability.LogDir + "/ledger.db")
	if err != nil {
		log.Warn().Err(err).Msg("could not open sqlite ledger, continuing without it")
	} else {
		defer led.Close()
	}

	m := metrics.New()

	orch := orchestrator.New(cfg, marketClient, signalGen, scorer, decisionAgent, riskGate, sizer, breaker, execAgent, portfolioStore, recorder, m, logging.NewOperational("orchestrator", false))

	// Human approvals run the same post-fill bookkeeping as the tick's
	// auto-execute path (entry-criteria persistence + Kelly history).
	execAgent.SetOnExecuted(orch.OnTradeExecuted)

	apiServer := httpapi.New(brokerClient, portfolioStore, riskGate, sizer, breaker, execAgent, logging.NewOperational("httpapi", false))
	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP API")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server exited with error")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(time.Duration(cfg.LoopSeconds) * time.Second)
	defer ticker.Stop()

	log.Info().Int("loop_seconds", cfg.LoopSeconds).Msg("entering trading loop")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutdown signal received, stopping after current tick")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = httpServer.Shutdown(shutdownCtx)
			cancel()
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
			result := orch.RunTick(tickCtx)
			cancel()
			if led != nil {
				if err := led.RecordLoop(context.Background(), result); err != nil {
					log.Warn().Err(err).Msg("could not persist loop to sqlite ledger")
				}
				if result.OrderResult != nil && result.OrderResult.Executed {
					if err := led.RecordTrade(context.Background(), result.LoopID, *result.OrderResult); err != nil {
						log.Warn().Err(err).Msg("could not persist trade to sqlite ledger")
					}
				}
				if result.PendingTrade != nil {
					if err := led.RecordPendingTrade(context.Background(), *result.PendingTrade); err != nil {
						log.Warn().Err(err).Msg("could not persist pending trade to sqlite ledger")
					}
				}
			}
		}
	}
}

func isTTY() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
