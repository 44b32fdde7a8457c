// Package httpapi exposes the read-mostly JSON HTTP façade over gin,
// grounded on SynapseStrike/api/tactics.go's router/handler idiom. The
// per-(endpoint, client-IP) sliding-window rate limiter is hand-rolled
// directly from spec §5/§6's exact algorithm and limit table; no example
// repo in the pack shows this precise scheme, so here the standard library
// (plus a mutex-guarded map) is the right tool rather than a dependency.
package httpapi

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"turtleagent/internal/broker"
	"turtleagent/internal/execution"
	"turtleagent/internal/portfolio"
	"turtleagent/internal/risk"
	"turtleagent/internal/sizing"
	"turtleagent/internal/types"
)

// Server wires the broker, portfolio, risk, sizing, and execution
// collaborators behind a gin router.
type Server struct {
	router    *gin.Engine
	broker    *broker.Client
	portfolio *portfolio.Store
	riskGate  *risk.Gate
	sizer     *sizing.Sizer
	breaker   *sizing.Breaker
	execAgent *execution.Agent
	log       zerolog.Logger
	limiter   *rateLimiter
}

// New constructs the HTTP façade's router with every route and rate limit
// from spec §6 wired in.
func New(b *broker.Client, p *portfolio.Store, rg *risk.Gate, sz *sizing.Sizer, br *sizing.Breaker, ex *execution.Agent, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		router:    gin.New(),
		broker:    b,
		portfolio: p,
		riskGate:  rg,
		sizer:     sz,
		breaker:   br,
		execAgent: ex,
		log:       log,
		limiter:   newRateLimiter(),
	}
	s.router.Use(gin.Recovery())
	s.routes()
	return s
}

// Handler returns the underlying http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.GET("/health", s.limited("default", s.handleHealth))
	s.router.GET("/account", s.limited("account", s.handleAccount))
	s.router.GET("/positions", s.limited("positions", s.handlePositions))
	s.router.GET("/orders", s.limited("orders", s.handleOrders))
	s.router.GET("/quotes", s.limited("quotes", s.handleQuotes))
	s.router.GET("/clock", s.limited("clock", s.handleClock))
	s.router.GET("/bars/:symbol", s.limited("bars", s.handleBars))
	s.router.GET("/snapshot/:symbol", s.limited("snapshot", s.handleSnapshot))
	s.router.GET("/news", s.limited("news", s.handleNews))
	s.router.GET("/risk-limits", s.limited("default", s.handleRiskLimits))
	s.router.POST("/order", s.limited("order", s.handleOrder))
	s.router.GET("/pending-trades", s.limited("default", s.handlePendingTrades))
	s.router.POST("/pending-trades/:id/approve", s.limited("default", s.handleApprove))
	s.router.POST("/pending-trades/:id/reject", s.limited("default", s.handleReject))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleAccount(c *gin.Context) {
	acc, err := s.broker.GetAccount(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, acc)
}

func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.broker.GetPositions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) handleOrders(c *gin.Context) {
	status := c.DefaultQuery("status", "all")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	orders, err := s.broker.GetOrders(c.Request.Context(), status, limit, time.Time{})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) handleQuotes(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol query parameter required"})
		return
	}
	q, err := s.broker.GetLatestQuote(c.Request.Context(), symbol)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) handleClock(c *gin.Context) {
	clk, err := s.broker.GetClock(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, clk)
}

func (s *Server) handleBars(c *gin.Context) {
	symbol := c.Param("symbol")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "90"))
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -limit)
	bars, err := s.broker.GetBars(c.Request.Context(), symbol, start, end)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, bars)
}

func (s *Server) handleSnapshot(c *gin.Context) {
	symbol := c.Param("symbol")
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -90)
	bars, err := s.broker.GetBars(c.Request.Context(), symbol, start, end)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	quote, _ := s.broker.GetLatestQuote(c.Request.Context(), symbol)
	sd := types.SymbolData{Symbol: symbol, Bars: bars, Quote: quote}
	c.JSON(http.StatusOK, sd)
}

func (s *Server) handleNews(c *gin.Context) {
	// No news/research provider is wired into the HTTP façade itself; the
	// Researcher integration point lives in internal/decision and is
	// invoked by the decision agent, not from this endpoint.
	c.JSON(http.StatusOK, gin.H{"symbols": c.Query("symbols"), "articles": []any{}})
}

func (s *Server) handleRiskLimits(c *gin.Context) {
	portfolioState, err := s.portfolio.Snapshot(c.Request.Context())
	todayPct := 0.0
	if err == nil && portfolioState.Equity > 0 {
		todayPct = portfolioState.PnLDay / portfolioState.Equity
	}
	limits := s.riskGate.Limits()
	symbols := make([]string, 0, len(limits.AllowedSymbols))
	for sym := range limits.AllowedSymbols {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	c.JSON(http.StatusOK, gin.H{
		"limits": gin.H{
			"allowed_symbols":       symbols,
			"max_dollars_per_trade": limits.MaxDollarsPerTrade,
			"max_open_positions":    limits.MaxOpenPositions,
			"max_trades_per_day":    limits.MaxTradesPerDay,
			"max_daily_loss":        limits.MaxDailyLoss,
		},
		"sizer":   s.sizer.Summary(),
		"breaker": s.breaker.Summary(todayPct),
	})
}

type orderRequestBody struct {
	Symbol      string  `json:"symbol" binding:"required"`
	Side        string  `json:"side" binding:"required"`
	NotionalUSD float64 `json:"notional" binding:"required"`
}

func (s *Server) handleOrder(c *gin.Context) {
	var body orderRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	portfolioState, err := s.portfolio.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	intent := types.TradeIntent{Symbol: body.Symbol, Side: body.Side, NotionalUSD: body.NotionalUSD, Reason: "manual order via HTTP API"}
	result := s.riskGate.Evaluate(intent, *portfolioState)
	if !result.Allowed {
		c.JSON(http.StatusForbidden, gin.H{"violations": result.Violations})
		return
	}

	orderResult, pending, err := s.execAgent.Execute(c.Request.Context(), result, *portfolioState)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if pending != nil {
		c.JSON(http.StatusAccepted, gin.H{"pending_trade": pending})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": orderResult})
}

func (s *Server) handlePendingTrades(c *gin.Context) {
	c.JSON(http.StatusOK, s.execAgent.PendingTrades())
}

func (s *Server) handleApprove(c *gin.Context) {
	id := c.Param("id")
	result, err := s.execAgent.Approve(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": result})
}

func (s *Server) handleReject(c *gin.Context) {
	id := c.Param("id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if err := s.execAgent.Reject(id, body.Reason); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

// rateLimitFor returns the per-60s-window cap for a named endpoint class,
// per spec §6's table verbatim.
func rateLimitFor(endpoint string) int {
	switch endpoint {
	case "order":
		return 5
	case "account", "positions", "orders", "clock", "snapshot":
		return 30
	case "quotes":
		return 60
	case "bars":
		return 30
	case "news":
		return 20
	default:
		return 100
	}
}

const rateLimitWindow = 60 * time.Second

type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{buckets: map[string][]time.Time{}}
}

// allow applies a sliding-window check for (endpoint, clientIP), returning
// whether the request is allowed and how many requests remain this window.
func (rl *rateLimiter) allow(endpoint, clientIP string) (bool, int) {
	limit := rateLimitFor(endpoint)
	key := endpoint + "|" + clientIP
	now := time.Now()
	cutoff := now.Add(-rateLimitWindow)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	times := rl.buckets[key]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		rl.buckets[key] = kept
		return false, 0
	}
	kept = append(kept, now)
	rl.buckets[key] = kept
	return true, limit - len(kept)
}

func (s *Server) limited(endpoint string, handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, remaining := s.limiter.allow(endpoint, c.ClientIP())
		if !ok {
			c.Header("Retry-After", "60")
			c.Header("X-RateLimit-Remaining", "0")
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		handler(c)
	}
}
