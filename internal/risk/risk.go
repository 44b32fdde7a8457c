// Package risk implements the RiskGate (C6): eight ordered policy rules
// applied to a candidate TradeIntent before it reaches sizing and execution.
// Grounded verbatim on zeke_trader/agents/risk_gate.py, with one deliberate
// fix documented inline (buying power checked against the post-resize
// notional, not the pre-resize one).
package risk

import (
	"fmt"
	"strings"

	"turtleagent/internal/config"
	"turtleagent/internal/types"
)

// Gate evaluates a TradeIntent against portfolio state and policy limits.
type Gate struct {
	cfg config.RiskConfig
}

// New constructs a Gate.
func New(cfg config.RiskConfig) *Gate {
	return &Gate{cfg: cfg}
}

// Limits exposes the gate's configured policy constants, read by the
// /risk-limits endpoint.
func (g *Gate) Limits() config.RiskConfig {
	return g.cfg
}

// Evaluate runs all eight rules in order and returns a RiskResult. NoTrade
// decisions pass through untouched (rule 1).
func (g *Gate) Evaluate(decision types.Decision, portfolio types.PortfolioState) types.RiskResult {
	result := types.RiskResult{
		Allowed:          true,
		OriginalDecision: decision,
		FinalDecision:    decision,
	}

	intent, ok := decision.(types.TradeIntent)
	if !ok {
		return result
	}

	isExit := intent.Signal != nil && intent.Signal.Direction.IsExit()
	var existing *types.Position
	for i := range portfolio.Positions {
		if portfolio.Positions[i].Symbol == intent.Symbol {
			existing = &portfolio.Positions[i]
			break
		}
	}

	// Rule 2: allowlist.
	if !g.cfg.AllowedSymbols[intent.Symbol] {
		result.Violations = append(result.Violations, fmt.Sprintf("%s is not in the allowed symbol list", intent.Symbol))
	}

	// Rule 3: notional cap — resize, don't reject. A resize is recorded as
	// a note, never a violation, and feeds rule 8's buying-power check below.
	notional := intent.NotionalUSD
	if notional > g.cfg.MaxDollarsPerTrade {
		notional = g.cfg.MaxDollarsPerTrade
		result.Notes = append(result.Notes, fmt.Sprintf("notional resized from $%.2f to cap $%.2f", intent.NotionalUSD, notional))
		intent.NotionalUSD = notional
	}

	// Rule 4: no pyramiding — a buy into a symbol already holding any
	// position (long or short) is rejected outright. Exits are never
	// blocked here.
	if !isExit && intent.Side == "buy" && existing != nil {
		result.Violations = append(result.Violations, fmt.Sprintf("already holding a position in %s, no pyramiding", intent.Symbol))
	}

	// Rule 5: position-count cap only applies to genuinely new buys (not
	// exits, not adds to an existing symbol already counted, not new shorts).
	if !isExit && intent.Side == "buy" && existing == nil && len(portfolio.Positions) >= g.cfg.MaxOpenPositions {
		result.Violations = append(result.Violations, fmt.Sprintf("max open positions (%d) reached", g.cfg.MaxOpenPositions))
	}

	// Rule 6: daily trade count cap. Per spec §4.5, only rules 4 and 5 carve
	// out an exit exemption — this one applies to every decision.
	if portfolio.TradesToday >= g.cfg.MaxTradesPerDay {
		result.Violations = append(result.Violations, fmt.Sprintf("max trades per day (%d) reached", g.cfg.MaxTradesPerDay))
	}

	// Rule 7: daily loss cap. Also un-exempted for exits, per spec §4.5.
	if portfolio.PnLDay <= -g.cfg.MaxDailyLoss {
		result.Violations = append(result.Violations, fmt.Sprintf("daily loss limit ($%.2f) reached", g.cfg.MaxDailyLoss))
	}

	// Rule 8: buying power, checked against the final (post-resize)
	// notional. risk_gate.py inconsistently checks the pre-resize value in
	// one code path; this gate always uses the resized figure.
	if notional > portfolio.BuyingPower {
		result.Violations = append(result.Violations, fmt.Sprintf("insufficient buying power: need $%.2f, have $%.2f", notional, portfolio.BuyingPower))
	}

	if len(result.Violations) > 0 {
		result.Allowed = false
		result.FinalDecision = types.NoTrade{
			Reason:            "Risk gate blocked: " + strings.Join(result.Violations, "; "),
			SignalsConsidered: 1,
		}
		return result
	}

	result.FinalDecision = intent
	return result
}

