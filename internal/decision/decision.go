// Package decision implements the DecisionAgent (C5): a strict, tolerant
// JSON contract over a chat-completion call, with hard preconditions
// enforced in code before the LLM is ever invoked. Grounded verbatim on
// zeke_trader/agents/decision.py.
package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"turtleagent/internal/types"
)

// Researcher optionally enriches a decision with external research before
// the LLM call, per SPEC_FULL.md's supplemented integration contract. No
// orchestrator-level wiring assumes it is present.
type Researcher interface {
	Research(ctx context.Context, signal types.Signal) (string, error)
}

// Agent produces a Decision for the top-ranked signals each loop.
type Agent struct {
	httpClient        *http.Client
	apiURL            string
	apiKey            string
	model             string
	maxNotional       float64
	researcher        Researcher
	researchThreshold float64
}

// New constructs a decision Agent. researcher may be nil, in which case no
// research enrichment is attempted regardless of threshold.
func New(apiKey, model string, maxNotional float64, researcher Researcher) *Agent {
	return &Agent{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		apiURL:      "https://api.openai.com/v1/chat/completions",
		apiKey:      apiKey,
		model:       model,
		maxNotional: maxNotional,
		researcher:  researcher,
	}
}

// WithResearchThreshold sets the minimum total_score a top signal must
// reach before the optional Researcher is consulted (SPEC_FULL.md
// supplemented integration contract).
func (a *Agent) WithResearchThreshold(threshold float64) *Agent {
	a.researchThreshold = threshold
	return a
}

// WithEndpoint overrides the chat-completion endpoint, for pointing the
// agent at a local stand-in model server.
func (a *Agent) WithEndpoint(url string) *Agent {
	a.apiURL = url
	return a
}

var fencePattern = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

// stopATRMultiple mirrors signal.stopATRMultiple (spec §3: stop = price -
// 2*ATR); duplicated here rather than imported to keep decision free of a
// dependency on the signal package's internals.
const stopATRMultiple = 2.0

// Decide returns a Decision for the given ranked signals. Hard
// preconditions are enforced before any LLM call: an empty signal set is
// always NoTrade, and any EXIT signal present bypasses the LLM entirely in
// favor of the highest-scoring exit (signals arrive pre-sorted by
// total_score desc).
func (a *Agent) Decide(ctx context.Context, signals []types.ScoredSignal, portfolio types.PortfolioState) (types.Decision, error) {
	if len(signals) == 0 {
		return types.NoTrade{Reason: "no signals this loop", SignalsConsidered: 0}, nil
	}

	for _, s := range signals {
		if s.Signal.Direction.IsExit() {
			return exitIntent(s, a.maxNotional), nil
		}
	}

	return a.decideViaLLM(ctx, signals, portfolio)
}

func exitIntent(s types.ScoredSignal, maxDollarsPerTrade float64) types.TradeIntent {
	side := "sell"
	if s.Signal.Direction == types.DirectionExitShort {
		side = "buy"
	}
	return types.TradeIntent{
		Symbol:      s.Signal.Symbol,
		Side:        side,
		Reason:      s.Signal.Reason,
		NotionalUSD: maxDollarsPerTrade,
		StopPrice:   s.Signal.StopPrice,
		ExitTrigger: s.Signal.ExitRef,
		Confidence:  0.95,
		Signal:      &s.Signal,
		Thesis:      thesisFromSignal(s.Signal, s.Signal.Reason, "Exit signal - reducing exposure", types.RegimeNeutral),
	}
}

func systemLabel(sys types.TurtleSystem) string {
	if sys == types.System2 {
		return "S2"
	}
	return "S1"
}

// thesisFromSignal back-fills every Thesis field from the originating
// Signal, matching decision.py's default-thesis construction.
func thesisFromSignal(sig types.Signal, summary, portfolioFit string, regime types.MarketRegime) *types.Thesis {
	return &types.Thesis{
		Summary:      summary,
		System:       systemLabel(sig.System),
		BreakoutDays: int(sig.System),
		ATRN:         sig.ATRN,
		StopN:        stopATRMultiple,
		SignalScore:  sig.ScoreHint,
		PortfolioFit: portfolioFit,
		Regime:       regime,
	}
}

type llmThesisEnvelope struct {
	Summary      string  `json:"summary"`
	System       string  `json:"system"`
	BreakoutDays int     `json:"breakout_days"`
	ATRN         float64 `json:"atr_n"`
	StopN        float64 `json:"stop_n"`
	SignalScore  float64 `json:"signal_score"`
	PortfolioFit string  `json:"portfolio_fit"`
	Regime       string  `json:"regime"`
}

type llmResponseEnvelope struct {
	Action      string             `json:"action"`
	Reason      string             `json:"reason"`
	Symbol      string             `json:"symbol"`
	Side        string             `json:"side"`
	SignalIndex int                `json:"signal_index"`
	NotionalUSD float64            `json:"notional_usd"`
	Confidence  float64            `json:"confidence"`
	Thesis      *llmThesisEnvelope `json:"thesis"`
}

func (a *Agent) decideViaLLM(ctx context.Context, signals []types.ScoredSignal, portfolio types.PortfolioState) (types.Decision, error) {
	researchNote := ""
	if a.researcher != nil && len(signals) > 0 && signals[0].TotalScore() >= a.researchThreshold {
		note, err := a.researcher.Research(ctx, signals[0].Signal)
		if err != nil {
			researchNote = ""
		} else {
			researchNote = note
		}
	}

	// Every failure mode past this point collapses to a NoTrade decision: a
	// misbehaving LLM must never stop the tick. The typed error is returned
	// alongside so the orchestrator can record it in the loop's error list.
	prompt := buildPrompt(signals, portfolio, researchNote)
	raw, err := a.chatCompletion(ctx, prompt)
	if err != nil {
		return types.NoTrade{Reason: fmt.Sprintf("Decision error: %s", err), SignalsConsidered: len(signals)},
			&types.TransientError{Reason: err.Error()}
	}

	cleaned := stripFence(raw)
	var env llmResponseEnvelope
	if err := json.Unmarshal([]byte(cleaned), &env); err != nil {
		return types.NoTrade{Reason: fmt.Sprintf("Parse error: %s", err), SignalsConsidered: len(signals)},
			&types.DecisionParseError{Reason: err.Error()}
	}

	if env.Action != "trade" {
		return types.NoTrade{Reason: env.Reason, SignalsConsidered: len(signals)}, nil
	}

	idx := env.SignalIndex
	if idx < 0 {
		idx = 0
	}
	if idx >= len(signals) {
		idx = len(signals) - 1
	}
	chosen := signals[idx].Signal

	notional := env.NotionalUSD
	if notional <= 0 || notional > a.maxNotional {
		notional = a.maxNotional
	}

	// Side and symbol are always derived from the referenced signal, never
	// trusted from the LLM's own fields — a strengthening over decision.py,
	// which trusts the model's symbol/side verbatim.
	side := sideFromDirection(chosen.Direction)

	thesis := thesisFromEnvelope(env.Thesis, chosen, env.Reason)

	return types.TradeIntent{
		Symbol:      chosen.Symbol,
		Side:        side,
		Reason:      thesis.Summary,
		NotionalUSD: notional,
		StopPrice:   chosen.StopPrice,
		ExitTrigger: chosen.ExitRef,
		Confidence:  clampConfidence(env.Confidence),
		Signal:      &chosen,
		Thesis:      thesis,
	}, nil
}

var validRegimes = map[types.MarketRegime]bool{
	types.RegimeTrend: true, types.RegimeNeutral: true, types.RegimeVolatile: true,
}

// thesisFromEnvelope back-fills any thesis field the LLM omitted (or
// omitted the whole object) from the chosen signal, matching decision.py's
// _parse_response default-construction path.
func thesisFromEnvelope(t *llmThesisEnvelope, chosen types.Signal, fallbackReason string) *types.Thesis {
	if t == nil {
		summary := fallbackReason
		if summary == "" {
			summary = chosen.Reason
		}
		return thesisFromSignal(chosen, summary, "Fits current portfolio", types.RegimeNeutral)
	}
	out := &types.Thesis{
		Summary:      t.Summary,
		System:       t.System,
		BreakoutDays: t.BreakoutDays,
		ATRN:         t.ATRN,
		StopN:        t.StopN,
		SignalScore:  t.SignalScore,
		PortfolioFit: t.PortfolioFit,
		Regime:       types.MarketRegime(t.Regime),
	}
	if out.Summary == "" {
		out.Summary = chosen.Reason
	}
	if out.System == "" {
		out.System = systemLabel(chosen.System)
	}
	if out.BreakoutDays == 0 {
		out.BreakoutDays = int(chosen.System)
	}
	if out.ATRN == 0 {
		out.ATRN = chosen.ATRN
	}
	if out.StopN == 0 {
		out.StopN = stopATRMultiple
	}
	if out.SignalScore == 0 {
		out.SignalScore = chosen.ScoreHint
	}
	if out.PortfolioFit == "" {
		out.PortfolioFit = "Fits current portfolio"
	}
	if !validRegimes[out.Regime] {
		out.Regime = types.RegimeNeutral
	}
	return out
}

func sideFromDirection(d types.SignalDirection) string {
	switch d {
	case types.DirectionLong, types.DirectionExitShort:
		return "buy"
	default:
		return "sell"
	}
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	if c == 0 {
		return 0.5
	}
	return c
}

func stripFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	return trimmed
}

func buildPrompt(signals []types.ScoredSignal, portfolio types.PortfolioState, researchNote string) string {
	var b strings.Builder
	b.WriteString("You are a disciplined trend-following trade approver. ")
	b.WriteString("Given the ranked candidate signals and current portfolio state below, ")
	b.WriteString("respond with strict JSON only: either ")
	b.WriteString(`{"action":"no_trade","reason":"..."} `)
	b.WriteString("or ")
	b.WriteString(`{"action":"trade","signal_index":N,"notional_usd":X,"confidence":0.0-1.0,` +
		`"thesis":{"summary":"...","system":"S1|S2","breakout_days":N,"atr_n":X,"stop_n":2.0,` +
		`"signal_score":X,"portfolio_fit":"...","regime":"trend|neutral|volatile"}}.`)
	b.WriteString(" Prefer index/broad-market symbols (e.g. SPY) among equal candidates; default to no_trade when equivalent.")
	b.WriteString("\n\nSignals:\n")
	for i, s := range signals {
		fmt.Fprintf(&b, "%d. %s %s score=%.3f reason=%q\n", i, s.Signal.Symbol, s.Signal.Direction, s.TotalScore(), s.Signal.Reason)
	}
	fmt.Fprintf(&b, "\nPortfolio: equity=%.2f cash=%.2f buying_power=%.2f open_positions=%d trades_today=%d pnl_day=%.2f\n",
		portfolio.Equity, portfolio.Cash, portfolio.BuyingPower, len(portfolio.Positions), portfolio.TradesToday, portfolio.PnLDay)
	if researchNote != "" {
		fmt.Fprintf(&b, "\nResearch context for top signal: %s\n", researchNote)
	}
	return b.String()
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// chatCompletion is a hand-rolled OpenAI-shaped client; no official OpenAI
// Go SDK was retrieved anywhere in the example pack, so this follows the
// same small-typed-REST-client idiom as internal/broker.
func (a *Agent) chatCompletion(ctx context.Context, prompt string) (string, error) {
	body := chatRequest{
		Model: a.model,
		Messages: []chatMessage{
			{Role: "system", Content: "Respond with strict JSON only, no commentary."},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.3,
		MaxTokens:   500,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("chat completion error (status %d): %s", resp.StatusCode, raw)
	}
	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", err
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return cr.Choices[0].Message.Content, nil
}
