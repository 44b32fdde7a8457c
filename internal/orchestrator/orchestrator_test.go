package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turtleagent/internal/broker"
	"turtleagent/internal/config"
	"turtleagent/internal/decision"
	"turtleagent/internal/execution"
	"turtleagent/internal/market"
	"turtleagent/internal/observability"
	"turtleagent/internal/portfolio"
	"turtleagent/internal/risk"
	"turtleagent/internal/scoring"
	signalgen "turtleagent/internal/signal"
	"turtleagent/internal/sizing"
	"turtleagent/internal/types"
)

// fakeBroker stands in for the Alpaca-shaped API: configurable account and
// positions, 60 flat SPY bars (high 445 / low 440, ATR 5), a quote at 456,
// and a counter of orders actually placed.
type fakeBroker struct {
	equity     string
	lastEquity string
	positions  []map[string]string
	noBars     bool
	orders     int32
}

func (f *fakeBroker) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/account", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"equity": f.equity, "cash": f.equity, "buying_power": f.equity, "last_equity": f.lastEquity,
		})
	})
	mux.HandleFunc("/v2/positions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(f.positions)
	})
	mux.HandleFunc("/v2/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			atomic.AddInt32(&f.orders, 1)
			json.NewEncoder(w).Encode(map[string]string{"id": "ord-1", "status": "accepted", "filled_qty": "0"})
			return
		}
		json.NewEncoder(w).Encode([]any{})
	})
	mux.HandleFunc("/v2/clock", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"is_open": true})
	})
	mux.HandleFunc("/v2/stocks/SPY/bars", func(w http.ResponseWriter, r *http.Request) {
		if f.noBars {
			json.NewEncoder(w).Encode(map[string]any{"bars": []any{}})
			return
		}
		bars := make([]map[string]any, 60)
		start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := range bars {
			bars[i] = map[string]any{
				"t": start.AddDate(0, 0, i).Format(time.RFC3339),
				"o": 442.0, "h": 445.0, "l": 440.0, "c": 442.0, "v": 1_000_000,
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"bars": bars})
	})
	mux.HandleFunc("/v2/stocks/SPY/quotes/latest", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"quote": map[string]any{"bp": 455.9, "ap": 456.0, "t": time.Now().UTC().Format(time.RFC3339)},
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Unknown symbols have no bar data.
		if strings.Contains(r.URL.Path, "/bars") {
			json.NewEncoder(w).Encode(map[string]any{"bars": []any{}})
			return
		}
		http.NotFound(w, r)
	})
	return mux
}

func testConfig(logDir string) *config.Config {
	return &config.Config{
		Risk: config.RiskConfig{
			AllowedSymbols:     map[string]bool{"SPY": true},
			MaxDollarsPerTrade: 25,
			MaxOpenPositions:   3,
			MaxTradesPerDay:    5,
			MaxDailyLoss:       25,
		},
		Sizer: config.SizerConfig{
			Enabled: true, KellyFraction: 0.5, LookbackTrades: 40, MinTrades: 10, MaxPositionPct: 0.25,
		},
		Breaker: config.BreakerConfig{
			Enabled: true, DailyLimitPct: 0.05, WeeklyLimitPct: 0.10, ReductionFactor: 0.5,
		},
		Execution: config.ExecutionConfig{
			TradingMode:  types.ModePaper,
			AutonomyTier: types.TierFullAgentic,
		},
		Observability: config.ObservabilityConfig{LogDir: logDir},
		LoopSeconds:   60,
	}
}

func buildOrchestrator(t *testing.T, fb *fakeBroker, llmResponse string, cfg *config.Config) (*Orchestrator, *portfolio.Store) {
	t.Helper()
	brokerSrv := httptest.NewServer(fb.handler())
	t.Cleanup(brokerSrv.Close)

	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": llmResponse}},
			},
		})
		w.Write(payload)
	}))
	t.Cleanup(llmSrv.Close)

	logDir := cfg.Observability.LogDir
	brokerClient := broker.New("key", "secret", false, false).WithEndpoints(brokerSrv.URL, brokerSrv.URL)
	pf := portfolio.New(brokerClient, zerolog.Nop(), logDir, "UTC")
	dec := decision.New("key", "model", cfg.Risk.MaxDollarsPerTrade, nil).WithEndpoint(llmSrv.URL)

	orch := New(
		cfg,
		market.New(brokerClient, zerolog.Nop()),
		signalgen.New(cfg.Filter),
		scoring.New(),
		dec,
		risk.New(cfg.Risk),
		sizing.NewSizer(cfg.Sizer, logDir),
		sizing.NewBreaker(cfg.Breaker, logDir),
		execution.New(brokerClient, cfg.Execution, logDir),
		pf,
		observability.New(logDir, zerolog.Nop()),
		nil,
		zerolog.Nop(),
	)
	return orch, pf
}

func TestRunTick_NoDataEndsWithDataUnavailable(t *testing.T) {
	fb := &fakeBroker{equity: "100000", lastEquity: "100000", noBars: true}
	cfg := testConfig(t.TempDir())
	orch, _ := buildOrchestrator(t, fb, `{"action":"no_trade","reason":"x"}`, cfg)

	result := orch.RunTick(context.Background())

	nt, ok := result.Decision.(types.NoTrade)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(nt.Reason, "DATA_UNAVAILABLE"))
	assert.Equal(t, int32(0), atomic.LoadInt32(&fb.orders))
}

func TestRunTick_CleanSystem2LongExecutesAndPersistsCriteria(t *testing.T) {
	fb := &fakeBroker{equity: "100000", lastEquity: "100000"}
	cfg := testConfig(t.TempDir())
	llm := `{"action":"trade","signal_index":0,"symbol":"SPY","side":"buy","notional_usd":25,"confidence":0.8,` +
		`"thesis":{"summary":"55-day breakout","system":"S2","breakout_days":55,"atr_n":5,"stop_n":2.0,` +
		`"signal_score":0.9,"portfolio_fit":"clean","regime":"trend"}}`
	orch, pf := buildOrchestrator(t, fb, llm, cfg)

	result := orch.RunTick(context.Background())

	require.NotEmpty(t, result.Signals)
	top := result.Signals[0]
	assert.Equal(t, "SPY", top.Symbol)
	assert.Equal(t, types.DirectionLong, top.Direction)

	intent, ok := result.Decision.(types.TradeIntent)
	require.True(t, ok)
	assert.Equal(t, "SPY", intent.Symbol)
	assert.Equal(t, "buy", intent.Side)
	assert.Equal(t, 25.0, intent.NotionalUSD)

	require.NotNil(t, result.RiskResult)
	assert.True(t, result.RiskResult.Allowed)
	require.NotNil(t, result.OrderResult)
	assert.True(t, result.OrderResult.Executed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fb.orders))

	// The fill must persist entry criteria so the next tick can emit exits.
	// With flat 445/440 bars and a 456 quote: system 2 entry ref 445,
	// ATR 5, stop 456-2*5=446, exit ref = 20-day low = 440.
	ec, ok := pf.EntryCriteriaBySymbol()["SPY"]
	require.True(t, ok)
	assert.Equal(t, types.System2, ec.System)
	assert.InDelta(t, 446.0, ec.StopPrice, 1e-9)
	assert.InDelta(t, 440.0, ec.ExitRef, 1e-9)
	assert.InDelta(t, 5.0, ec.ATRAtEntry, 1e-9)

	// One loop file written.
	loops, err := filepath.Glob(filepath.Join(cfg.Observability.LogDir, "loops", "loop_*.json"))
	require.NoError(t, err)
	assert.Len(t, loops, 1)
}

func TestRunTick_StopHitEmitsExitThatBypassesLLM(t *testing.T) {
	fb := &fakeBroker{
		equity: "100000", lastEquity: "100000",
		positions: []map[string]string{{
			"symbol": "SPY", "qty": "1", "avg_entry_price": "455",
			"market_value": "456", "unrealized_pl": "1", "unrealized_plpc": "0.002",
		}},
	}
	cfg := testConfig(t.TempDir())
	// LLM would say no_trade, but the exit path must never consult it.
	orch, pf := buildOrchestrator(t, fb, `{"action":"no_trade","reason":"ignored"}`, cfg)

	// Stop above the current 456 quote: a long stopped out.
	require.NoError(t, pf.SaveEntryCriteria("SPY", types.EntryCriteria{
		Side: "long", StopPrice: 460, ExitRef: 440, ATRAtEntry: 5,
		EntryPrice: 455, System: types.System2,
	}))

	result := orch.RunTick(context.Background())

	intent, ok := result.Decision.(types.TradeIntent)
	require.True(t, ok)
	assert.Equal(t, "sell", intent.Side)
	assert.Equal(t, 0.95, intent.Confidence)
	require.NotNil(t, intent.Signal)
	assert.Equal(t, types.DirectionExitLong, intent.Signal.Direction)
	assert.True(t, strings.HasPrefix(intent.Signal.Reason, "STOP LOSS"))

	require.NotNil(t, result.OrderResult)
	assert.True(t, result.OrderResult.Executed)

	// The executed exit clears criteria and seeds the Kelly history.
	_, stillThere := pf.EntryCriteriaBySymbol()["SPY"]
	assert.False(t, stillThere)
	raw, err := os.ReadFile(filepath.Join(cfg.Observability.LogDir, "kelly_trade_history.json"))
	require.NoError(t, err)
	var history []types.TradeRecord
	require.NoError(t, json.Unmarshal(raw, &history))
	require.Len(t, history, 1)
	assert.Equal(t, "SPY", history[0].Symbol)
}

func TestRunTick_PyramidingBlockedByRiskGate(t *testing.T) {
	fb := &fakeBroker{
		equity: "100000", lastEquity: "100000",
		positions: []map[string]string{{
			"symbol": "SPY", "qty": "1", "avg_entry_price": "450",
			"market_value": "456", "unrealized_pl": "6", "unrealized_plpc": "0.013",
		}},
	}
	cfg := testConfig(t.TempDir())
	llm := `{"action":"trade","signal_index":0,"notional_usd":25,"confidence":0.8}`
	orch, _ := buildOrchestrator(t, fb, llm, cfg)

	result := orch.RunTick(context.Background())

	require.NotNil(t, result.RiskResult)
	assert.False(t, result.RiskResult.Allowed)
	require.NotEmpty(t, result.RiskResult.Violations)
	_, isNoTrade := result.RiskResult.FinalDecision.(types.NoTrade)
	assert.True(t, isNoTrade)
	require.NotNil(t, result.OrderResult)
	assert.Equal(t, "blocked", result.OrderResult.Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fb.orders))
}

func TestRunTick_CircuitBreakerHaltZeroesEntrySizing(t *testing.T) {
	// Equity down exactly 5%+ on the day: the risk gate's dollar loss cap is
	// lifted out of the way so the halt is attributable to the breaker.
	fb := &fakeBroker{equity: "95000", lastEquity: "100000"}
	cfg := testConfig(t.TempDir())
	cfg.Risk.MaxDailyLoss = 50_000
	llm := `{"action":"trade","signal_index":0,"notional_usd":25,"confidence":0.8}`
	orch, _ := buildOrchestrator(t, fb, llm, cfg)

	result := orch.RunTick(context.Background())

	require.NotNil(t, result.RiskResult)
	assert.False(t, result.RiskResult.Allowed)
	nt, ok := result.RiskResult.FinalDecision.(types.NoTrade)
	require.True(t, ok)
	assert.Contains(t, nt.Reason, "Circuit breaker HALTED")
	found := false
	for _, note := range result.RiskResult.Notes {
		if strings.Contains(note, "Circuit breaker HALTED") {
			found = true
		}
	}
	assert.True(t, found)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fb.orders))
}

func TestMomentum20dBySymbol(t *testing.T) {
	bars := make([]types.Bar, 25)
	for i := range bars {
		bars[i] = types.Bar{Close: float64(100 + i)}
	}
	snap := types.MarketSnapshot{MarketData: map[string]*types.SymbolData{
		"SPY":   {Symbol: "SPY", Bars: bars},
		"THIN":  {Symbol: "THIN", Bars: bars[:10]},
		"EMPTY": nil,
	}}
	m := momentum20dBySymbol(snap)
	assert.InDelta(t, 20.0, m["SPY"], 1e-9)
	_, ok := m["THIN"]
	assert.False(t, ok)
}

func TestDayPnLPct(t *testing.T) {
	assert.InDelta(t, -0.05, dayPnLPct(types.PortfolioState{Equity: 100_000, PnLDay: -5000}), 1e-9)
	assert.Equal(t, 0.0, dayPnLPct(types.PortfolioState{Equity: 0, PnLDay: -5000}))
}
