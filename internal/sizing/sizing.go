// Package sizing implements the PositionSizer (C7, half-Kelly by default)
// and the drawdown CircuitBreaker (C8). Grounded verbatim on
// zeke_trader/strategy/position_sizing.py. Both persist their state
// atomically (write-temp-then-rename), a fix over the Python original's
// direct open(file, "w").
package sizing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"turtleagent/internal/config"
	"turtleagent/internal/types"
)

const (
	kellyHistoryFile   = "kelly_trade_history.json"
	breakerStateFile   = "circuit_breaker_state.json"
	volAdjustThreshold = 0.03
	conservativePct    = 0.05
)

// KellyStats summarizes the rolling trade history's win/loss profile. Valid
// is false until the lookback window holds at least MinTrades entries, in
// which case callers fall back to the conservative fixed fraction.
type KellyStats struct {
	WinRate       float64 `json:"win_rate"`
	AvgWinPct     float64 `json:"avg_win_pct"`
	AvgLossPct    float64 `json:"avg_loss_pct"`
	WinLossRatio  float64 `json:"win_loss_ratio"`
	KellyFraction float64 `json:"kelly_fraction"`
	SampleSize    int     `json:"sample_size"`
	Valid         bool    `json:"is_valid"`
}

// Sizer computes a position's notional using fractional-Kelly sizing once
// enough trade history has accumulated, falling back to a conservative
// fixed fraction of equity otherwise.
type Sizer struct {
	cfg     config.SizerConfig
	dataDir string

	mu      sync.Mutex
	history []types.TradeRecord
}

// NewSizer constructs a Sizer, loading any persisted trade history.
func NewSizer(cfg config.SizerConfig, dataDir string) *Sizer {
	s := &Sizer{cfg: cfg, dataDir: dataDir}
	s.loadHistory()
	return s
}

// RecordTrade appends a completed round-trip to the rolling history and
// persists the most recent 2x lookback window. The Kelly window itself
// (Stats) only ever reads the last LookbackTrades entries.
func (s *Sizer) RecordTrade(symbol, side string, entryPrice, exitPrice, qty float64) error {
	var returnPct, pnl float64
	if entryPrice != 0 {
		if side == "buy" {
			returnPct = (exitPrice - entryPrice) / entryPrice
		} else {
			returnPct = (entryPrice - exitPrice) / entryPrice
		}
	}
	if side == "buy" {
		pnl = qty * (exitPrice - entryPrice)
	} else {
		pnl = qty * (entryPrice - exitPrice)
	}
	tr := types.TradeRecord{
		Symbol:     symbol,
		Side:       side,
		EntryPrice: entryPrice,
		ExitPrice:  exitPrice,
		Qty:        qty,
		ReturnPct:  returnPct,
		PnLUSD:     pnl,
		Timestamp:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.history = append(s.history, tr)
	if max := s.cfg.LookbackTrades * 2; max > 0 && len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
	snapshot := append([]types.TradeRecord(nil), s.history...)
	s.mu.Unlock()
	if err := atomicWriteJSON(filepath.Join(s.dataDir, kellyHistoryFile), snapshot); err != nil {
		return &types.PersistenceWarning{Reason: err.Error()}
	}
	return nil
}

// Stats computes the Kelly statistics over the last LookbackTrades entries.
// The raw Kelly fraction is clamped to [0, 1].
func (s *Sizer) Stats() KellyStats {
	s.mu.Lock()
	recent := s.history
	if s.cfg.LookbackTrades > 0 && len(recent) > s.cfg.LookbackTrades {
		recent = recent[len(recent)-s.cfg.LookbackTrades:]
	}
	recent = append([]types.TradeRecord(nil), recent...)
	s.mu.Unlock()

	if len(recent) < s.cfg.MinTrades {
		return KellyStats{SampleSize: len(recent)}
	}

	var winSum, lossSum float64
	var winCount, lossCount int
	for _, tr := range recent {
		switch {
		case tr.ReturnPct > 0:
			winCount++
			winSum += tr.ReturnPct
		case tr.ReturnPct < 0:
			lossCount++
			lossSum += -tr.ReturnPct
		}
	}

	winRate := float64(winCount) / float64(len(recent))
	var avgWin, avgLoss float64
	if winCount > 0 {
		avgWin = winSum / float64(winCount)
	}
	if lossCount > 0 {
		avgLoss = lossSum / float64(lossCount)
	}

	var ratio, kelly float64
	if avgLoss > 0 {
		ratio = avgWin / avgLoss
		if ratio > 0 {
			kelly = winRate - (1-winRate)/ratio
		}
	}
	if kelly < 0 {
		kelly = 0
	}
	if kelly > 1 {
		kelly = 1
	}

	return KellyStats{
		WinRate:       winRate,
		AvgWinPct:     avgWin,
		AvgLossPct:    avgLoss,
		WinLossRatio:  ratio,
		KellyFraction: kelly,
		SampleSize:    len(recent),
		Valid:         true,
	}
}

// Size computes the notional USD for a new entry: fractional Kelly scaled
// by signal strength and clamped to MaxPositionPct, falling back to a
// conservative 5% of equity while the sample is thin, then volatility-
// adjusted down when ATR exceeds 3% of price. The circuit breaker's
// multiplier is applied downstream by the orchestrator, not here.
func (s *Sizer) Size(equity, signalStrength, atr, currentPrice float64) float64 {
	stats := s.Stats()

	basePct := conservativePct
	if s.cfg.Enabled && stats.Valid {
		basePct = stats.KellyFraction * s.cfg.KellyFraction
	}

	positionPct := basePct * signalStrength
	if positionPct > s.cfg.MaxPositionPct {
		positionPct = s.cfg.MaxPositionPct
	}
	positionUSD := equity * positionPct

	if atr > 0 && currentPrice > 0 {
		volatilityRatio := atr / currentPrice
		if volatilityRatio > volAdjustThreshold {
			positionUSD *= volAdjustThreshold / volatilityRatio
		}
	}
	return positionUSD
}

// Summary reports the sizer's current configuration and Kelly statistics
// for the /risk-limits endpoint.
func (s *Sizer) Summary() map[string]interface{} {
	stats := s.Stats()
	out := map[string]interface{}{
		"method":        "Kelly Criterion",
		"fraction_used": fmt.Sprintf("%.0f%%", s.cfg.KellyFraction*100),
		"sample_size":   stats.SampleSize,
		"min_required":  s.cfg.MinTrades,
		"is_active":     stats.Valid,
		"max_position":  fmt.Sprintf("%.0f%%", s.cfg.MaxPositionPct*100),
	}
	if stats.Valid {
		out["win_rate"] = fmt.Sprintf("%.1f%%", stats.WinRate*100)
		out["win_loss_ratio"] = fmt.Sprintf("%.2f", stats.WinLossRatio)
		out["raw_kelly"] = fmt.Sprintf("%.1f%%", stats.KellyFraction*100)
		out["effective_kelly"] = fmt.Sprintf("%.1f%%", stats.KellyFraction*s.cfg.KellyFraction*100)
	} else {
		out["win_rate"] = "N/A"
		out["win_loss_ratio"] = "N/A"
		out["raw_kelly"] = "N/A"
		out["effective_kelly"] = fmt.Sprintf("%.0f%%", conservativePct*100)
	}
	return out
}

func (s *Sizer) loadHistory() {
	path := filepath.Join(s.dataDir, kellyHistoryFile)
	b, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var history []types.TradeRecord
	if json.Unmarshal(b, &history) == nil {
		s.history = history
	}
}

// breakerState is the persisted circuit-breaker window, matching the
// {"daily_pnl": [...], "updated_at": ...} shape the Python original writes
// so an operator can migrate state files directly.
type breakerState struct {
	DailyPnL  []float64 `json:"daily_pnl"`
	UpdatedAt string    `json:"updated_at"`
}

// Breaker tracks a rolling 7-day window of daily P&L *percentages* (not
// dollars) and derives a NORMAL/WARNING/HALTED status from today's P&L
// percentage plus that window, exactly per spec §4.7 and
// position_sizing.py's DrawdownCircuitBreaker.check_status. HALTED zeroes
// the multiplier applied to new-entry sizing only; it never blocks exits
// (spec Open Question, resolved per the spec's own recommended conservative
// reading).
type Breaker struct {
	cfg     config.BreakerConfig
	dataDir string

	mu      sync.Mutex
	dailyPL []float64
}

// NewBreaker constructs a Breaker, loading any persisted window.
func NewBreaker(cfg config.BreakerConfig, dataDir string) *Breaker {
	b := &Breaker{cfg: cfg, dataDir: dataDir}
	b.load()
	return b
}

// RecordDailyPnL appends today's closing P&L percentage to the rolling
// window, trims it to the last 7 entries, and persists it. Called once at
// the first tick of a new broker-calendar day by the orchestrator, matching
// record_daily_pnl in the source.
func (b *Breaker) RecordDailyPnL(pnlPct float64) error {
	b.mu.Lock()
	b.dailyPL = append(b.dailyPL, pnlPct)
	if len(b.dailyPL) > 7 {
		b.dailyPL = b.dailyPL[len(b.dailyPL)-7:]
	}
	state := breakerState{
		DailyPnL:  append([]float64(nil), b.dailyPL...),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	b.mu.Unlock()
	if err := atomicWriteJSON(filepath.Join(b.dataDir, breakerStateFile), state); err != nil {
		return &types.PersistenceWarning{Reason: err.Error()}
	}
	return nil
}

// Status derives NORMAL/WARNING/HALTED from today's P&L percentage and the
// stored rolling window, per spec §4.7:
//
//	weekly = sum(last 7) + today
//	today <= -daily_limit OR weekly <= -weekly_limit            => HALTED, 0
//	today <= -daily_limit/2 OR weekly <= -weekly_limit/2        => WARNING, reduction_factor
//	otherwise                                                   => NORMAL, 1
func (b *Breaker) Status(currentDailyPnLPct float64) (types.CircuitStatus, float64) {
	if !b.cfg.Enabled {
		return types.CircuitNormal, 1.0
	}
	b.mu.Lock()
	var rolling float64
	for _, p := range b.dailyPL {
		rolling += p
	}
	b.mu.Unlock()

	weekly := rolling + currentDailyPnLPct
	dailyTriggered := currentDailyPnLPct <= -b.cfg.DailyLimitPct
	weeklyTriggered := weekly <= -b.cfg.WeeklyLimitPct
	if dailyTriggered || weeklyTriggered {
		return types.CircuitHalted, 0.0
	}
	dailyWarning := currentDailyPnLPct <= -b.cfg.DailyLimitPct*0.5
	weeklyWarning := weekly <= -b.cfg.WeeklyLimitPct*0.5
	if dailyWarning || weeklyWarning {
		return types.CircuitWarning, b.cfg.ReductionFactor
	}
	return types.CircuitNormal, 1.0
}

// Summary reports the breaker's limits and current window for the
// /risk-limits endpoint.
func (b *Breaker) Summary(currentDailyPnLPct float64) map[string]interface{} {
	status, multiplier := b.Status(currentDailyPnLPct)
	b.mu.Lock()
	var rolling float64
	for _, p := range b.dailyPL {
		rolling += p
	}
	days := len(b.dailyPL)
	b.mu.Unlock()
	return map[string]interface{}{
		"status":             status,
		"multiplier":         multiplier,
		"daily_limit_pct":    -b.cfg.DailyLimitPct,
		"weekly_limit_pct":   -b.cfg.WeeklyLimitPct,
		"current_weekly_pnl": rolling + currentDailyPnLPct,
		"days_tracked":       days,
		"reduction_factor":   b.cfg.ReductionFactor,
	}
}

func (b *Breaker) load() {
	path := filepath.Join(b.dataDir, breakerStateFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var state breakerState
	if json.Unmarshal(raw, &state) == nil {
		if len(state.DailyPnL) > 7 {
			state.DailyPnL = state.DailyPnL[len(state.DailyPnL)-7:]
		}
		b.dailyPL = state.DailyPnL
	}
}

func atomicWriteJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
