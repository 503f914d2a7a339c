package main

import (
	"net/http"
	"strconv"
	"time"

	"capital-autopilot-go/internal/database"
	"capital-autopilot-go/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log   *zap.Logger
	store *database.Store
	now   func() time.Time
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, store *database.Store) *APIHandler {
	return &APIHandler{log: log, store: store, now: time.Now}
}

// Register mounts the read-only endpoints.
func (h *APIHandler) Register(r gin.IRouter) {
	r.GET("/api/trades", h.TradesHandler)
	r.GET("/api/statistics", h.StatisticsHandler)
}

// TradesHandler returns recent completed trades, optionally for one user.
func (h *APIHandler) TradesHandler(c *gin.Context) {
	limit := 200
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	trades, err := h.store.ListTrades(c.Request.Context(), database.TradeFilter{
		UserID: c.Query("user"),
		Limit:  limit,
	})
	if err != nil {
		h.log.Error("Failed to get trades from database", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get trades"})
		return
	}
	c.JSON(http.StatusOK, trades)
}

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades      int64   `json:"total_trades"`
	ProfitableTrades int64   `json:"profitable_trades"`
	WinRate          float64 `json:"win_rate"`
	TotalProfit      float64 `json:"total_profit"`
}

func (s *StatsDetail) add(t *models.TradeHistory) {
	s.TotalTrades++
	if t.NetProfit > 0 {
		s.ProfitableTrades++
	}
	s.TotalProfit += t.NetProfit
}

func (s *StatsDetail) finish() {
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.ProfitableTrades) / float64(s.TotalTrades)
	}
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
// Profit is trading profit only; capital injections never appear here.
type StatisticsResponse struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// StatisticsHandler calculates and returns trading statistics.
func (h *APIHandler) StatisticsHandler(c *gin.Context) {
	trades, err := h.store.ListTrades(c.Request.Context(), database.TradeFilter{UserID: c.Query("user")})
	if err != nil {
		h.log.Error("Failed to get trades for statistics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to calculate statistics"})
		return
	}

	since24h := h.now().Add(-24 * time.Hour)
	var resp StatisticsResponse
	for i := range trades {
		resp.AllTime.add(&trades[i])
		if trades[i].ExitTime.After(since24h) {
			resp.Since24h.add(&trades[i])
		}
	}
	resp.AllTime.finish()
	resp.Since24h.finish()

	c.JSON(http.StatusOK, resp)
}
