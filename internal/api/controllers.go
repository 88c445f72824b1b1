package api

import (
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"grid-core/internal/ledger"
	"grid-core/pkg/exchanges/paper"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

var startedAt = time.Now()

type listTradesQuery struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
}

func (q *listTradesQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}
	if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	q.Status = strings.ToLower(strings.TrimSpace(q.Status))
	if q.Status == "" {
		q.Status = string(ledger.StatusActive)
	}
}

type shutdownRequest struct {
	Reason string `json:"reason"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func (s *Server) requireLedger(c *gin.Context) bool {
	if s.Ledger == nil {
		respondError(c, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "ledger not ready")
		return false
	}
	return true
}

// getStatus returns the process and session overview.
func (s *Server) getStatus(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := gin.H{
		"mode":       s.Meta.Mode,
		"venue":      s.Meta.Venue,
		"symbol":     s.Meta.Symbol,
		"version":    s.Meta.Version,
		"uptime":     time.Since(startedAt).Round(time.Second).String(),
		"goroutines": runtime.NumGoroutine(),
		"memory_mb":  float64(mem.Alloc) / 1024 / 1024,
	}
	if s.Grid != nil {
		st := s.Grid.Status()
		resp["strategy"] = st.Strategy
		resp["state"] = st.State
		resp["last_price"] = st.LastPrice
	}
	if s.Feed != nil {
		resp["feed"] = s.Feed.Progress()
	}
	if s.Account != nil {
		resp["balance"] = s.Account.Balance()
	}
	if s.Shutdown != nil {
		resp["shutdown"] = gin.H{
			"requested": s.Shutdown.IsShutdownRequested(),
			"state":     s.Shutdown.State().String(),
			"reason":    s.Shutdown.Reason(),
		}
	}
	if s.Ledger != nil {
		resp["totals"] = s.Ledger.Totals()
		resp["active_trades"] = s.Ledger.ActiveCount()
		resp["api"] = s.Ledger.APIStats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getGrid(c *gin.Context) {
	if s.Grid == nil {
		respondError(c, http.StatusServiceUnavailable, "GRID_UNAVAILABLE", "strategy not ready")
		return
	}
	c.JSON(http.StatusOK, s.Grid.Status())
}

// getReport renders the live performance snapshot; ?format=text returns the
// same block the shutdown path emits.
func (s *Server) getReport(c *gin.Context) {
	if !s.requireLedger(c) {
		return
	}
	snap := s.Ledger.Snapshot()
	if s.Grid != nil {
		st := s.Grid.Status()
		snap.Strategy = st.Strategy
		snap.Symbol = st.Symbol
		snap.LastPrice = st.LastPrice
	}
	if strings.EqualFold(c.Query("format"), "text") {
		c.String(http.StatusOK, snap.Text())
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getTrades(c *gin.Context) {
	if !s.requireLedger(c) {
		return
	}
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	var trades []ledger.Trade
	switch ledger.Status(q.Status) {
	case ledger.StatusActive:
		trades = s.Ledger.Active(c.Query("strategy"))
		if len(trades) > q.Limit {
			trades = trades[:q.Limit]
		}
	case ledger.StatusClosed:
		trades = s.Ledger.Closed(q.Limit)
	case ledger.StatusCancelled:
		trades = s.Ledger.Cancelled(q.Limit)
	default:
		respondError(c, http.StatusBadRequest, "INVALID_STATUS", "status must be active, closed or cancelled")
		return
	}
	if trades == nil {
		trades = []ledger.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"status": q.Status, "count": len(trades), "trades": trades})
}

func (s *Server) getTrade(c *gin.Context) {
	if !s.requireLedger(c) {
		return
	}
	t, ok := s.Ledger.Get(c.Param("id"))
	if !ok {
		respondError(c, http.StatusNotFound, "TRADE_NOT_FOUND", "trade not found")
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) getAPICalls(c *gin.Context) {
	if !s.requireLedger(c) {
		return
	}
	limit := cast.ToInt(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > maxListLimit {
		limit = 100
	}
	calls := s.Ledger.APICalls(limit)
	if calls == nil {
		calls = []ledger.APICall{}
	}
	c.JSON(http.StatusOK, gin.H{"stats": s.Ledger.APIStats(), "calls": calls})
}

// getAccount returns the simulated balance, the position in the traded
// symbol and the newest fills.
func (s *Server) getAccount(c *gin.Context) {
	if s.Account == nil {
		respondError(c, http.StatusNotFound, "ACCOUNT_UNAVAILABLE", "no simulated account in this mode")
		return
	}
	limit := cast.ToInt(c.Query("limit"))
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	fills := s.Account.Fills()
	if len(fills) > limit {
		fills = fills[len(fills)-limit:]
	}
	if fills == nil {
		fills = []paper.Fill{}
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":  s.Account.Balance(),
		"symbol":   s.Meta.Symbol,
		"position": s.Account.Position(s.Meta.Symbol),
		"fills":    fills,
	})
}

// requestShutdown asks the coordinator to stop the strategy loop. The drain
// itself runs on the strategy goroutine.
func (s *Server) requestShutdown(c *gin.Context) {
	if s.Shutdown == nil {
		respondError(c, http.StatusServiceUnavailable, "SHUTDOWN_UNAVAILABLE", "coordinator not ready")
		return
	}
	var req shutdownRequest
	_ = c.ShouldBindJSON(&req)
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "api request"
	}
	first := s.Shutdown.Request(reason)
	if first {
		s.log.Warn("api: shutdown requested",
			zap.String("reason", reason),
			zap.String("operator", CurrentOperator(c)),
			zap.String("ip", c.ClientIP()))
	}
	c.JSON(http.StatusAccepted, gin.H{
		"accepted": first,
		"state":    s.Shutdown.State().String(),
		"reason":   s.Shutdown.Reason(),
	})
}
