// Package signal implements the SignalGenerator (C2): ATR(20), 10/20/55-day
// channels, and the Turtle System 1 / System 2 entry and exit rules.
// Grounded verbatim on zeke_trader/strategy/turtle.py for every formula and
// threshold; see DESIGN.md for the deliberate divergence from
// market/data.go's Wilder-smoothed ATR (not used here).
package signal

import (
	"fmt"
	"math"
	"sort"

	"turtleagent/internal/config"
	"turtleagent/internal/types"
)

const (
	system1Entry = 20
	system1Exit  = 10
	system2Entry = 55
	system2Exit  = 20
	atrPeriod    = 20
	stopATRMultiple = 2.0
)

// Generator computes deterministic breakout/exit signals.
type Generator struct {
	filters config.FilterConfig
}

// New constructs a Generator.
func New(filters config.FilterConfig) *Generator {
	return &Generator{filters: filters}
}

// computeATR returns the simple mean of the last N true ranges, or nil if
// there are not enough bars. Matches turtle.py's compute_atr exactly: not
// Wilder-smoothed.
func computeATR(bars []types.Bar, period int) *float64 {
	if len(bars) < period+1 {
		return nil
	}
	trueRanges := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		high, low, prevClose := bars[i].High, bars[i].Low, bars[i-1].Close
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trueRanges = append(trueRanges, tr)
	}
	if len(trueRanges) < period {
		return nil
	}
	tail := trueRanges[len(trueRanges)-period:]
	sum := 0.0
	for _, tr := range tail {
		sum += tr
	}
	atr := sum / float64(period)
	return &atr
}

// computeChannel returns (high, low) over the last `period` bars, or
// (nil, nil) if there are not enough bars.
func computeChannel(bars []types.Bar, period int) (*float64, *float64) {
	if len(bars) < period {
		return nil, nil
	}
	window := bars[len(bars)-period:]
	high, low := window[0].High, window[0].Low
	for _, b := range window[1:] {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}
	return &high, &low
}

// enrich populates the derived indicator fields on a SymbolData in place.
func enrich(sd *types.SymbolData) {
	sd.ATR20 = computeATR(sd.Bars, atrPeriod)
	sd.High20, sd.Low20 = computeChannel(sd.Bars, system1Entry)
	sd.High55, sd.Low55 = computeChannel(sd.Bars, system2Entry)
	sd.High10, sd.Low10 = computeChannel(sd.Bars, system1Exit)

	if len(sd.Bars) >= 20 {
		window := sd.Bars[len(sd.Bars)-20:]
		var volSum int64
		for _, b := range window {
			volSum += b.Volume
		}
		avg := float64(volSum) / 20.0
		sd.VolumeAvg20 = &avg
		last := sd.Bars[len(sd.Bars)-1]
		sd.CurrentVolume = &last.Volume
		confirmed := float64(last.Volume) > avg*1.5
		sd.VolumeConfirmed = &confirmed
	}
	if len(sd.Bars) >= 50 {
		sd.SMA50 = sma(sd.Bars, 50)
	}
	if len(sd.Bars) >= 200 {
		sd.SMA200 = sma(sd.Bars, 200)
	}
	if sd.SMA50 != nil && sd.SMA200 != nil && len(sd.Bars) > 0 {
		last := sd.Bars[len(sd.Bars)-1].Close
		aligned := (last > *sd.SMA50 && *sd.SMA50 > *sd.SMA200) || (last < *sd.SMA50 && *sd.SMA50 < *sd.SMA200)
		sd.TrendAligned = &aligned
	}
}

func sma(bars []types.Bar, period int) *float64 {
	window := bars[len(bars)-period:]
	sum := 0.0
	for _, b := range window {
		sum += b.Close
	}
	avg := sum / float64(period)
	return &avg
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// GenerateSignals produces the full set of entry and exit signals for the
// given snapshot, consulting entryCriteria (keyed by symbol) for open
// positions' exit levels. Signals are returned sorted by score_hint desc.
func (g *Generator) GenerateSignals(snap types.MarketSnapshot, entryCriteria map[string]types.EntryCriteria) []types.Signal {
	var all []types.Signal

	for symbol, sd := range snap.MarketData {
		enrich(sd)
		if sd.Quote == nil || sd.ATR20 == nil {
			continue
		}
		last := sd.Quote.Last

		entries := g.checkEntrySignals(symbol, last, *sd.ATR20, sd, types.System1, sd.High20, sd.Low20, sd.High10, sd.Low10)
		entries = append(entries, g.checkEntrySignals(symbol, last, *sd.ATR20, sd, types.System2, sd.High55, sd.Low55, sd.High20, sd.Low20)...)
		all = append(all, entries...)

		if ec, ok := entryCriteria[symbol]; ok {
			if exit := checkExitSignal(symbol, last, ec); exit != nil {
				all = append(all, *exit)
			}
		}
	}

	if g.filters.VolumeFilterEnabled || g.filters.TrendFilterEnabled {
		all = g.applyFilters(all, snap)
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].ScoreHint > all[j].ScoreHint })
	return all
}

func (g *Generator) checkEntrySignals(symbol string, currentPrice, atrN float64, sd *types.SymbolData, system types.TurtleSystem, entryHigh, entryLow, exitHigh, exitLow *float64) []types.Signal {
	if entryHigh == nil || entryLow == nil || exitHigh == nil || exitLow == nil {
		return nil
	}
	var out []types.Signal
	systemName := "System 1"
	if system == types.System2 {
		systemName = "System 2"
	}

	if currentPrice > *entryHigh {
		breakoutStrength := (currentPrice - *entryHigh) / atrN
		score := clamp(0.5+0.2*breakoutStrength, 0, 1)
		out = append(out, types.Signal{
			Symbol:       symbol,
			Direction:    types.DirectionLong,
			System:       system,
			EntryRef:     *entryHigh,
			CurrentPrice: currentPrice,
			ATRN:         atrN,
			StopPrice:    currentPrice - stopATRMultiple*atrN,
			ExitRef:      *exitLow,
			ScoreHint:    score,
			Reason:       fmt.Sprintf("%s long breakout: %s at $%.2f > %d-day high $%.2f", systemName, symbol, currentPrice, int(system), *entryHigh),
			FiltersPassed: true,
		})
	}
	if currentPrice < *entryLow {
		breakoutStrength := (*entryLow - currentPrice) / atrN
		score := clamp(0.5+0.2*breakoutStrength, 0, 1)
		out = append(out, types.Signal{
			Symbol:       symbol,
			Direction:    types.DirectionShort,
			System:       system,
			EntryRef:     *entryLow,
			CurrentPrice: currentPrice,
			ATRN:         atrN,
			StopPrice:    currentPrice + stopATRMultiple*atrN,
			ExitRef:      *exitHigh,
			ScoreHint:    score,
			Reason:       fmt.Sprintf("%s short breakout: %s at $%.2f < %d-day low $%.2f", systemName, symbol, currentPrice, int(system), *entryLow),
			FiltersPassed: true,
		})
	}
	return out
}

func checkExitSignal(symbol string, currentPrice float64, ec types.EntryCriteria) *types.Signal {
	side := ec.Side
	if side == "" {
		// Older entry-criteria records saved before Side was tracked:
		// recover it from where the stop sits. Entry stops are placed
		// stopATRMultiple·N below the entry price for longs and above it
		// for shorts; a record without an entry price falls back to
		// comparing the stop with the exit level (stop below it: long).
		side = "long"
		if ec.EntryPrice > 0 {
			if ec.StopPrice > ec.EntryPrice {
				side = "short"
			}
		} else if ec.StopPrice >= ec.ExitRef {
			side = "short"
		}
	}

	atrN := ec.ATRAtEntry
	if atrN <= 0 {
		atrN = 1.0
	}

	if side == "long" {
		if currentPrice <= ec.StopPrice {
			return &types.Signal{
				Symbol: symbol, Direction: types.DirectionExitLong, System: ec.System,
				EntryRef: ec.EntryPrice, CurrentPrice: currentPrice, ATRN: atrN,
				StopPrice: ec.StopPrice, ExitRef: ec.ExitRef, ScoreHint: 1.0,
				Reason:       fmt.Sprintf("STOP LOSS: %s at $%.2f <= stop $%.2f", symbol, currentPrice, ec.StopPrice),
				FiltersPassed: true,
			}
		}
		if currentPrice < ec.ExitRef {
			return &types.Signal{
				Symbol: symbol, Direction: types.DirectionExitLong, System: ec.System,
				EntryRef: ec.EntryPrice, CurrentPrice: currentPrice, ATRN: atrN,
				StopPrice: ec.StopPrice, ExitRef: ec.ExitRef, ScoreHint: 0.9,
				Reason:       fmt.Sprintf("EXIT BREAKOUT: %s at $%.2f < exit level $%.2f", symbol, currentPrice, ec.ExitRef),
				FiltersPassed: true,
			}
		}
		return nil
	}

	if currentPrice >= ec.StopPrice {
		return &types.Signal{
			Symbol: symbol, Direction: types.DirectionExitShort, System: ec.System,
			EntryRef: ec.EntryPrice, CurrentPrice: currentPrice, ATRN: atrN,
			StopPrice: ec.StopPrice, ExitRef: ec.ExitRef, ScoreHint: 1.0,
			Reason:       fmt.Sprintf("STOP LOSS: %s at $%.2f >= stop $%.2f", symbol, currentPrice, ec.StopPrice),
			FiltersPassed: true,
		}
	}
	if currentPrice > ec.ExitRef {
		return &types.Signal{
			Symbol: symbol, Direction: types.DirectionExitShort, System: ec.System,
			EntryRef: ec.EntryPrice, CurrentPrice: currentPrice, ATRN: atrN,
			StopPrice: ec.StopPrice, ExitRef: ec.ExitRef, ScoreHint: 0.9,
			Reason:       fmt.Sprintf("EXIT BREAKOUT: %s at $%.2f > exit level $%.2f", symbol, currentPrice, ec.ExitRef),
			FiltersPassed: true,
		}
	}
	return nil
}

// applyFilters drops (not demotes) entry signals failing an enabled filter.
// Exit signals are never filtered. No original_source implementation of
// this logic was retrieved; it is synthesized against spec §4.2's prose
// and the schema field names in zeke_trader/agents/schemas.py.
func (g *Generator) applyFilters(signals []types.Signal, snap types.MarketSnapshot) []types.Signal {
	out := make([]types.Signal, 0, len(signals))
	for _, s := range signals {
		if s.Direction.IsExit() {
			out = append(out, s)
			continue
		}
		sd := snap.MarketData[s.Symbol]
		if sd == nil {
			out = append(out, s)
			continue
		}
		passed := true
		var notes []string

		if g.filters.VolumeFilterEnabled && sd.VolumeConfirmed != nil {
			confirmed := *sd.VolumeConfirmed
			if sd.VolumeAvg20 != nil && sd.CurrentVolume != nil && g.filters.VolumeThreshold > 0 {
				confirmed = float64(*sd.CurrentVolume) > *sd.VolumeAvg20*g.filters.VolumeThreshold
			}
			s.VolumeConfirmed = &confirmed
			if !confirmed {
				passed = false
				notes = append(notes, fmt.Sprintf("volume filter failed: below %.1fx 20-day average", g.filters.VolumeThreshold))
			}
		}
		if g.filters.TrendFilterEnabled && sd.TrendAligned != nil {
			s.TrendAligned = sd.TrendAligned
			wantLong := s.Direction == types.DirectionLong
			if wantLong && !*sd.TrendAligned {
				passed = false
				notes = append(notes, "trend filter failed: price/50/200-SMA not aligned")
			}
		}

		s.FiltersPassed = passed
		s.FilterNotes = notes
		if passed {
			out = append(out, s)
		}
	}
	return out
}
