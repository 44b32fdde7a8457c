// Package orchestrator owns every collaborator and drives the tick
// sequence: fetch market data, generate signals, score them, decide, risk
// gate, size, execute, record. Grounded on
// zeke_trader/agents/orchestrator.py's run_loop().
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"turtleagent/internal/config"
	"turtleagent/internal/decision"
	"turtleagent/internal/execution"
	"turtleagent/internal/market"
	"turtleagent/internal/metrics"
	"turtleagent/internal/observability"
	"turtleagent/internal/portfolio"
	"turtleagent/internal/risk"
	"turtleagent/internal/scoring"
	"turtleagent/internal/signal"
	"turtleagent/internal/sizing"
	"turtleagent/internal/types"
)

const lookbackDays = 90 // covers System 2's 55-day channel plus its true-range warm-up bar

// Orchestrator drives one tick at a time; ticks never overlap.
type Orchestrator struct {
	cfg       *config.Config
	market    *market.Client
	signals   *signal.Generator
	scorer    *scoring.Scorer
	decider   *decision.Agent
	riskGate  *risk.Gate
	sizer     *sizing.Sizer
	breaker   *sizing.Breaker
	execAgent *execution.Agent
	portfolio *portfolio.Store
	recorder  *observability.Recorder
	metrics   *metrics.Metrics
	log       zerolog.Logger

	lastDayKey    string
	lastDayPnLPct float64
}

// New constructs an Orchestrator from its already-constructed collaborators.
// m may be nil, in which case metrics are simply not recorded.
func New(
	cfg *config.Config,
	mkt *market.Client,
	sig *signal.Generator,
	sc *scoring.Scorer,
	dec *decision.Agent,
	rg *risk.Gate,
	sz *sizing.Sizer,
	br *sizing.Breaker,
	ex *execution.Agent,
	pf *portfolio.Store,
	rec *observability.Recorder,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg: cfg, market: mkt, signals: sig, scorer: sc, decider: dec,
		riskGate: rg, sizer: sz, breaker: br, execAgent: ex, portfolio: pf,
		recorder: rec, metrics: m, log: log,
	}
}

// RunTick executes exactly one loop iteration, in the fixed order the
// concurrency model requires: market data, entry-criteria lookup, signal
// generation, scoring, decision, risk gate, sizing/breaker, execution,
// persistence, recording.
func (o *Orchestrator) RunTick(ctx context.Context) types.LoopResult {
	start := time.Now()
	loopID := uuid.NewString()
	result := types.LoopResult{LoopID: loopID, Timestamp: start.UTC()}

	symbols := make([]string, 0, len(o.cfg.Risk.AllowedSymbols))
	for sym := range o.cfg.Risk.AllowedSymbols {
		symbols = append(symbols, sym)
	}

	snapshot := o.market.FetchSnapshot(ctx, symbols, lookbackDays)
	result.MarketSnapshot = snapshot
	result.Errors = append(result.Errors, snapshot.Errors...)

	if !snapshot.DataAvailable {
		result.Decision = types.NoTrade{Reason: "DATA_UNAVAILABLE: no symbol returned bars", SignalsConsidered: 0}
		o.finish(ctx, result, start)
		return result
	}

	portfolioState, err := o.portfolio.Snapshot(ctx)
	if err != nil {
		if o.cfg.Execution.TradingMode != types.ModeShadow {
			result.Errors = append(result.Errors, err.Error())
			result.Decision = types.NoTrade{Reason: "PORTFOLIO_UNAVAILABLE: " + err.Error(), SignalsConsidered: 0}
			o.finish(ctx, result, start)
			return result
		}
		// SHADOW mode has nothing real to lose by continuing; synthesize an
		// empty portfolio so signal generation and scoring still exercise
		// the full pipeline.
		o.log.Error().Err(err).Msg("portfolio unavailable in shadow mode, continuing with empty portfolio")
		portfolioState = &types.PortfolioState{}
	}
	result.PortfolioState = *portfolioState

	o.rollBreakerDayIfNeeded(*portfolioState)

	entryCriteria := o.portfolio.EntryCriteriaBySymbol()
	rawSignals := o.signals.GenerateSignals(snapshot, entryCriteria)
	result.Signals = rawSignals

	scored := o.scorer.ScoreAll(rawSignals, portfolioState.Positions, momentum20dBySymbol(snapshot))

	dec, err := o.decider.Decide(ctx, scored, *portfolioState)
	if err != nil {
		// The agent still returns a usable NoTrade next to its typed error;
		// the error itself only lands in the audit trail.
		result.Errors = append(result.Errors, err.Error())
	}
	if dec == nil {
		dec = types.NoTrade{Reason: "decision agent returned nothing", SignalsConsidered: len(scored)}
	}
	result.Decision = dec

	riskResult := o.riskGate.Evaluate(dec, *portfolioState)

	o.applySizing(&riskResult, *portfolioState, len(scored))
	result.RiskResult = &riskResult

	orderResult, pendingTrade, err := o.execAgent.Execute(ctx, riskResult, *portfolioState)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	result.OrderResult = orderResult
	result.PendingTrade = pendingTrade

	if orderResult != nil && orderResult.Executed {
		if intent, ok := riskResult.FinalDecision.(types.TradeIntent); ok {
			o.OnTradeExecuted(intent, *orderResult)
		}
	}

	o.execAgent.ExpireStale()

	o.finish(ctx, result, start)
	return result
}

// applySizing is tick step 7: Kelly-size the allowed entry intent and apply
// the circuit breaker's multiplier. The sizer only ever shrinks the
// risk-capped notional, never grows it past what the RiskGate already
// approved, and exits bypass sizing entirely (they close at
// max-dollars-per-trade or full position, and HALTED never blocks them).
func (o *Orchestrator) applySizing(riskResult *types.RiskResult, portfolio types.PortfolioState, signalsConsidered int) {
	intent, ok := riskResult.FinalDecision.(types.TradeIntent)
	if !ok || !riskResult.Allowed {
		return
	}
	if intent.Signal != nil && intent.Signal.Direction.IsExit() {
		return
	}

	status, multiplier := o.breaker.Status(dayPnLPct(portfolio))
	if o.metrics != nil {
		o.metrics.SetCircuitStatus(string(status))
	}
	if status != types.CircuitNormal {
		riskResult.Notes = append(riskResult.Notes, "Circuit breaker "+string(status))
	}

	strength := 1.0
	atr, price := 0.0, 0.0
	if intent.Signal != nil {
		if intent.Signal.ScoreHint > 0 {
			strength = intent.Signal.ScoreHint
		}
		atr, price = intent.Signal.ATRN, intent.Signal.CurrentPrice
	}
	sized := o.sizer.Size(portfolio.Equity, strength, atr, price) * multiplier
	if sized < intent.NotionalUSD {
		intent.NotionalUSD = sized
	}

	if intent.NotionalUSD <= 0 {
		reason := "sized notional is zero"
		if status == types.CircuitHalted {
			reason = "Circuit breaker HALTED: new entries suspended"
		}
		riskResult.Allowed = false
		riskResult.FinalDecision = types.NoTrade{Reason: reason, SignalsConsidered: signalsConsidered}
		return
	}
	riskResult.FinalDecision = intent
}

// momentum20dBySymbol computes each symbol's raw 20-trading-day price
// change (last close minus the close 20 bars back) for the SignalScorer's
// momentum_per_n component. Symbols with fewer than 21 bars are omitted,
// which the scorer treats the same as a missing/zero momentum.
func momentum20dBySymbol(snapshot types.MarketSnapshot) map[string]float64 {
	const window = 20
	out := make(map[string]float64, len(snapshot.MarketData))
	for symbol, sd := range snapshot.MarketData {
		if sd == nil || len(sd.Bars) <= window {
			continue
		}
		last := sd.Bars[len(sd.Bars)-1].Close
		prior := sd.Bars[len(sd.Bars)-1-window].Close
		out[symbol] = last - prior
	}
	return out
}

// dayPnLPct expresses PortfolioState.PnLDay (a dollar delta) as a fraction
// of equity, the unit the CircuitBreaker operates on (spec §4.7).
func dayPnLPct(p types.PortfolioState) float64 {
	if p.Equity <= 0 {
		return 0
	}
	return p.PnLDay / p.Equity
}

// rollBreakerDayIfNeeded detects a broker-calendar-day boundary and closes
// out the previous day's running P&L percentage into the breaker's rolling
// 7-day window, matching record_daily_pnl being called once per day in the
// source. The very first tick only seeds lastDayKey; it never closes a day
// with no prior observation.
func (o *Orchestrator) rollBreakerDayIfNeeded(p types.PortfolioState) {
	today := o.portfolio.DayKey(p.Timestamp)
	if o.lastDayKey != "" && o.lastDayKey != today {
		if err := o.breaker.RecordDailyPnL(o.lastDayPnLPct); err != nil {
			o.log.Warn().Err(err).Msg("could not record daily P&L into circuit breaker window")
		}
	}
	o.lastDayKey = today
	o.lastDayPnLPct = dayPnLPct(p)
}

// OnTradeExecuted runs the post-fill bookkeeping shared by the tick's
// auto-execute path and the human-approval path (it is wired as the
// execution agent's ExecutedHook by main): persist or clear EntryCriteria,
// and on an exit feed the completed round-trip into the Kelly sizer's
// rolling history before the criteria record is cleared.
func (o *Orchestrator) OnTradeExecuted(intent types.TradeIntent, order types.OrderResult) {
	if intent.Signal != nil && intent.Signal.Direction.IsExit() {
		o.recordClosedTrade(intent, order)
	}
	o.portfolio.ApplyExecutedTrade(intent, order, o.log)
}

func (o *Orchestrator) recordClosedTrade(intent types.TradeIntent, order types.OrderResult) {
	ec, ok := o.portfolio.EntryCriteriaBySymbol()[intent.Symbol]
	if !ok || ec.EntryPrice <= 0 {
		return
	}
	exitPrice := intent.Signal.CurrentPrice
	entrySide := "buy"
	if ec.Side == "short" {
		entrySide = "sell"
	}
	qty := 0.0
	if order.Qty != nil {
		qty = *order.Qty
	} else if exitPrice > 0 {
		// Order not yet reported filled: approximate from the notional so
		// the percentage return (which drives Kelly) is still recorded.
		qty = intent.NotionalUSD / exitPrice
	}
	if err := o.sizer.RecordTrade(intent.Symbol, entrySide, ec.EntryPrice, exitPrice, qty); err != nil {
		o.log.Warn().Err(err).Str("symbol", intent.Symbol).Msg("could not record closed trade in kelly history")
	}
}

func (o *Orchestrator) finish(ctx context.Context, result types.LoopResult, start time.Time) {
	result.DurationMS = float64(time.Since(start).Microseconds()) / 1000.0

	o.recorder.RecordLoop(result)
	o.recorder.RecordDecision(result.LoopID, result.Timestamp, result.Decision)
	if !result.PortfolioState.Timestamp.IsZero() {
		o.recorder.RecordEquity(result.PortfolioState)
	}
	if result.OrderResult != nil && (result.OrderResult.Executed || result.OrderResult.Status == "shadow_mode") {
		o.recorder.RecordTrade(*result.OrderResult)
	}

	if o.metrics != nil {
		o.metrics.LoopsTotal.Inc()
		o.metrics.LoopDuration.Observe(result.DurationMS / 1000.0)
		o.metrics.SignalsGenerated.Add(float64(len(result.Signals)))
		o.metrics.PendingTrades.Set(float64(len(o.execAgent.PendingTrades())))
		o.metrics.PortfolioEquity.Set(result.PortfolioState.Equity)
		if result.RiskResult != nil && !result.RiskResult.Allowed {
			o.metrics.RiskViolations.Inc()
		}
		if result.OrderResult != nil && result.OrderResult.Executed {
			o.metrics.TradesExecuted.WithLabelValues(result.OrderResult.Side).Inc()
		}
	}

	o.log.Info().
		Str("loop_id", result.LoopID).
		Int("signals", len(result.Signals)).
		Float64("duration_ms", result.DurationMS).
		Msg("tick complete")
}
