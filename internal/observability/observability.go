// Package observability writes the audit trail: per-loop JSON snapshots,
// JSONL trade and equity ledgers, and supplemented CSV ledgers for
// spreadsheet consumption. Grounded verbatim on
// zeke_trader/agents/observability.py. Every write failure here is logged
// as a warning and never propagated as an error — a failed audit write
// must never interrupt the trading loop.
package observability

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"

	"turtleagent/internal/logging"
	"turtleagent/internal/types"
)

// Recorder owns the filesystem layout under LogDir and writes every
// observability artifact the orchestrator produces each loop. The JSONL
// streams are rendered through a dedicated logrus JSON encoder, one
// structured record per line.
type Recorder struct {
	logDir string
	log    zerolog.Logger
	audit  *logrus.Logger
	mu     sync.Mutex
}

// New constructs a Recorder rooted at logDir.
func New(logDir string, log zerolog.Logger) *Recorder {
	return &Recorder{logDir: logDir, log: log, audit: logging.NewAuditEncoder()}
}

// RecordLoop writes loops/loop_<ts>_<loop_id>.json. Unlike the Python
// original, loop_id is never truncated to 8 characters here.
func (r *Recorder) RecordLoop(result types.LoopResult) {
	dir := filepath.Join(r.logDir, "loops")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.log.Warn().Err(err).Msg("could not create loops directory")
		return
	}
	ts := result.Timestamp.UTC().Format("20060102T150405Z")
	path := filepath.Join(dir, fmt.Sprintf("loop_%s_%s.json", ts, result.LoopID))
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		r.log.Warn().Err(err).Msg("could not marshal loop result")
		return
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		r.log.Warn().Err(err).Str("path", path).Msg("could not write loop record")
	}
}

// RecordTrade appends a JSONL line to trades/trades_<YYYYMMDD>.jsonl and a
// row to the supplemented trades.csv ledger.
func (r *Recorder) RecordTrade(order types.OrderResult) {
	r.appendAuditLine("trades", order.Timestamp, logrus.Fields{
		"event":    "order",
		"order_id": order.OrderID,
		"symbol":   order.Symbol,
		"side":     order.Side,
		"status":   order.Status,
		"qty":      order.Qty,
		"notional": order.Notional,
		"message":  order.Message,
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	path := filepath.Join(r.logDir, "trades.csv")
	header := []string{"timestamp", "order_id", "symbol", "side", "status", "qty", "notional", "message"}
	row := []string{
		order.Timestamp.UTC().Format(time.RFC3339),
		order.OrderID,
		order.Symbol,
		order.Side,
		order.Status,
		floatPtrStr(order.Qty),
		floatPtrStr(order.Notional),
		order.Message,
	}
	r.appendCSV("trades.csv", header, row, path)
}

// RecordEquity appends a JSONL line to equity/equity_<YYYYMMDD>.jsonl and a
// row to the supplemented equity.csv ledger.
func (r *Recorder) RecordEquity(portfolio types.PortfolioState) {
	r.appendAuditLine("equity", portfolio.Timestamp, logrus.Fields{
		"equity":       portfolio.Equity,
		"cash":         portfolio.Cash,
		"buying_power": portfolio.BuyingPower,
		"pnl_day":      portfolio.PnLDay,
		"positions":    len(portfolio.Positions),
		"trades_today": portfolio.TradesToday,
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	header := []string{"timestamp", "equity", "cash", "buying_power", "pnl_day", "open_positions", "trades_today"}
	row := []string{
		portfolio.Timestamp.UTC().Format(time.RFC3339),
		strconv.FormatFloat(portfolio.Equity, 'f', 2, 64),
		strconv.FormatFloat(portfolio.Cash, 'f', 2, 64),
		strconv.FormatFloat(portfolio.BuyingPower, 'f', 2, 64),
		strconv.FormatFloat(portfolio.PnLDay, 'f', 2, 64),
		strconv.Itoa(len(portfolio.Positions)),
		strconv.Itoa(portfolio.TradesToday),
	}
	r.appendCSV("equity.csv", header, row, filepath.Join(r.logDir, "equity.csv"))
}

// RecordDecision appends a row to the supplemented decisions.csv ledger.
func (r *Recorder) RecordDecision(loopID string, ts time.Time, decision types.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	header := []string{"timestamp", "loop_id", "action", "symbol", "side", "notional", "reason"}
	var action, symbol, side, notional, reason string
	switch d := decision.(type) {
	case types.TradeIntent:
		action, symbol, side, reason = "trade", d.Symbol, d.Side, d.Reason
		notional = strconv.FormatFloat(d.NotionalUSD, 'f', 2, 64)
	case types.NoTrade:
		action, reason = "no_trade", d.Reason
	}
	row := []string{ts.UTC().Format(time.RFC3339), loopID, action, symbol, side, notional, reason}
	r.appendCSV("decisions.csv", header, row, filepath.Join(r.logDir, "decisions.csv"))
}

func (r *Recorder) appendAuditLine(subdir string, ts time.Time, fields logrus.Fields) {
	line, err := logging.EncodeLine(r.audit, ts.UTC(), fields)
	if err != nil {
		r.log.Warn().Err(err).Msg("could not encode jsonl record")
		return
	}
	dir := filepath.Join(r.logDir, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.log.Warn().Err(err).Str("dir", dir).Msg("could not create observability subdirectory")
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.jsonl", subdir, ts.UTC().Format("20060102")))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		r.log.Warn().Err(err).Str("path", path).Msg("could not open jsonl ledger")
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		r.log.Warn().Err(err).Str("path", path).Msg("could not append jsonl record")
	}
}

func (r *Recorder) appendCSV(name string, header, row []string, path string) {
	needsHeader := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		needsHeader = true
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		r.log.Warn().Err(err).Str("file", name).Msg("could not open csv ledger")
		return
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if needsHeader {
		if err := w.Write(header); err != nil {
			r.log.Warn().Err(err).Str("file", name).Msg("could not write csv header")
		}
	}
	if err := w.Write(row); err != nil {
		r.log.Warn().Err(err).Str("file", name).Msg("could not write csv row")
	}
	w.Flush()
	if err := w.Error(); err != nil {
		r.log.Warn().Err(err).Str("file", name).Msg("could not flush csv ledger")
	}
}

func floatPtrStr(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', 2, 64)
}
