// Package scoring implements the SignalScorer (C3): breakout strength,
// system bonus, momentum-per-N, and the correlation-group penalty that
// together produce each signal's total_score. Grounded verbatim on
// zeke_trader/agents/scoring.py.
package scoring

import (
	"strings"

	"turtleagent/internal/types"
)

// correlationGroups is the fixed symbol-to-group lookup table. Symbols not
// present here fall into "other", which never triggers the correlation
// penalty even when two "other" signals appear together — a deliberate
// deviation from scoring.py, which would otherwise double-count unmapped
// symbols as correlated with each other.
var correlationGroups = map[string]string{
	"NVDA": "tech", "AVGO": "tech", "AMD": "tech", "MSFT": "tech", "AAPL": "tech",
	"GOOGL": "tech", "GOOG": "tech", "META": "communication", "NFLX": "communication",
	"JPM": "finance", "BAC": "finance", "GS": "finance", "MS": "finance",
	"XOM": "energy", "CVX": "energy", "COP": "energy",
	"UNH": "healthcare", "JNJ": "healthcare", "PFE": "healthcare",
	"AMZN": "consumer", "TSLA": "consumer", "HD": "consumer", "WMT": "consumer",
	"SPY": "index", "QQQ": "index", "DIA": "index", "IWM": "index",
}

const otherGroup = "other"

func groupFor(symbol string) string {
	if g, ok := correlationGroups[strings.ToUpper(symbol)]; ok {
		return g
	}
	return otherGroup
}

// Scorer computes total_score for each signal given the set of currently
// open positions (for the correlation penalty) and each symbol's trailing
// 20-day momentum.
type Scorer struct{}

// New constructs a Scorer.
func New() *Scorer {
	return &Scorer{}
}

// ScoreAll scores every signal and returns them ordered by rankLess: every
// EXIT signal ahead of every entry, total_score desc within each group.
// momentumBySymbol carries each symbol's raw 20-day price change (not yet
// divided by ATR); a missing entry scores momentum_per_n=0, same as ATR<=0.
// EXIT signals carry breakout_strength=1.0 with every other component at 0,
// so total_score=3.0 for them (scoring.py's score_signal); their place
// ahead of the entries does not depend on that score.
func (sc *Scorer) ScoreAll(signals []types.Signal, openPositions []types.Position, momentumBySymbol map[string]float64) []types.ScoredSignal {
	heldGroups := map[string]bool{}
	for _, p := range openPositions {
		g := groupFor(p.Symbol)
		if g == otherGroup {
			continue
		}
		heldGroups[g] = true
	}

	scored := make([]types.ScoredSignal, 0, len(signals))
	for _, s := range signals {
		scored = append(scored, sc.score(s, heldGroups, momentumBySymbol[s.Symbol]))
	}

	for i := 0; i < len(scored); i++ {
		for j := i + 1; j < len(scored); j++ {
			if rankLess(scored[i], scored[j]) {
				scored[i], scored[j] = scored[j], scored[i]
			}
		}
	}
	return scored
}

// rankLess reports whether b should sort ahead of a: exits always outrank
// entries regardless of total_score (spec invariant 7), entries among
// themselves rank by total_score desc.
func rankLess(a, b types.ScoredSignal) bool {
	aExit, bExit := a.Signal.Direction.IsExit(), b.Signal.Direction.IsExit()
	if aExit != bExit {
		return bExit
	}
	return b.TotalScore() > a.TotalScore()
}

func (sc *Scorer) score(s types.Signal, heldGroups map[string]bool, momentum20d float64) types.ScoredSignal {
	if s.Direction.IsExit() {
		return types.ScoredSignal{
			Signal:             s,
			BreakoutStrength:   1.0,
			SystemBonus:        0,
			MomentumPerN:       0,
			CorrelationPenalty: 0,
		}
	}

	return types.ScoredSignal{
		Signal:             s,
		BreakoutStrength:   breakoutStrengthOf(s),
		SystemBonus:        systemBonusOf(s),
		MomentumPerN:       momentumPerNOf(s, momentum20d),
		CorrelationPenalty: correlationPenaltyOf(s, heldGroups),
	}
}

func systemBonusOf(s types.Signal) float64 {
	if s.System == types.System2 {
		return 1.0
	}
	return 0.0
}

// breakoutStrengthOf is max(0, (price-entry_ref)/ATR) for longs, the mirror
// for shorts — never negative, and uncapped (scoring.py applies no ceiling).
func breakoutStrengthOf(s types.Signal) float64 {
	if s.ATRN <= 0 {
		return 0
	}
	var strength float64
	switch s.Direction {
	case types.DirectionLong:
		strength = (s.CurrentPrice - s.EntryRef) / s.ATRN
	case types.DirectionShort:
		strength = (s.EntryRef - s.CurrentPrice) / s.ATRN
	default:
		return 0
	}
	if strength < 0 {
		return 0
	}
	return strength
}

func momentumPerNOf(s types.Signal, momentum20d float64) float64 {
	if s.ATRN <= 0 {
		return 0
	}
	return momentum20d / s.ATRN
}

// correlationPenaltyOf charges a flat 0.5 when this signal's correlation
// group is already represented anywhere in the open portfolio, else 0 —
// "other" never conflicts with itself.
func correlationPenaltyOf(s types.Signal, heldGroups map[string]bool) float64 {
	group := groupFor(s.Symbol)
	if group == otherGroup {
		return 0
	}
	if heldGroups[group] {
		return 0.5
	}
	return 0
}
