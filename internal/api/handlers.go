package api

import (
	"net/http"
	"strconv"

	"capital-autopilot-go/internal/database"
	"capital-autopilot-go/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type noteRequest struct {
	Note string `json:"note"`
}

type autopilotRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type capitalRequest struct {
	Amount float64 `json:"amount" binding:"required"`
	Note   string  `json:"note"`
}

// bindNote reads an optional {"note": ...} body.
func bindNote(c *gin.Context) string {
	var req noteRequest
	if c.Request.ContentLength > 0 {
		_ = c.ShouldBindJSON(&req)
	}
	return req.Note
}

func queryLimit(c *gin.Context, def int) int {
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *Server) status(c *gin.Context) {
	if s.engine == nil {
		sendCustomError(c, http.StatusServiceUnavailable, codeInternal, "engine not running")
		return
	}
	sendSuccess(c, s.engine.Status())
}

func (s *Server) listBots(c *gin.Context) {
	bots, err := s.store.ListBots(c.Request.Context(), database.BotFilter{UserID: c.Param("user")})
	if err != nil {
		s.sendError(c, err)
		return
	}
	sendSuccess(c, bots)
}

func (s *Server) getBot(c *gin.Context) {
	bot, err := s.store.GetBot(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.sendError(c, err)
		return
	}
	sendSuccess(c, bot)
}

func (s *Server) getPosition(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := s.store.GetBot(ctx, c.Param("id")); err != nil {
		s.sendError(c, err)
		return
	}
	open, err := s.store.OpenPositionsForBot(ctx, c.Param("id"))
	if err != nil {
		s.sendError(c, err)
		return
	}
	if len(open) == 0 {
		sendSuccess(c, nil)
		return
	}
	sendSuccess(c, open[0])
}

func (s *Server) pauseBot(c *gin.Context) {
	changed, err := s.breaker.PauseBot(c.Request.Context(), c.Param("id"), bindNote(c))
	if err != nil {
		s.sendError(c, err)
		return
	}
	sendSuccessWithMessage(c, gin.H{"changed": changed}, "bot paused")
}

func (s *Server) resumeBot(c *gin.Context) {
	changed, err := s.breaker.ResumeBot(c.Request.Context(), c.Param("id"), bindNote(c))
	if err != nil {
		s.sendError(c, err)
		return
	}
	if !changed {
		sendCustomError(c, http.StatusConflict, codeConflict, "bot is not paused")
		return
	}
	sendSuccessWithMessage(c, gin.H{"changed": true}, "bot resumed")
}

func (s *Server) confirmLive(c *gin.Context) {
	if err := s.gate.ConfirmLive(c.Request.Context(), c.Param("id")); err != nil {
		s.sendError(c, err)
		return
	}
	sendSuccessWithMessage(c, nil, "bot is live")
}

func (s *Server) demoteBot(c *gin.Context) {
	if err := s.gate.Demote(c.Request.Context(), c.Param("id")); err != nil {
		s.sendError(c, err)
		return
	}
	sendSuccessWithMessage(c, nil, "bot returned to paper trading")
}

func (s *Server) listInjections(c *gin.Context) {
	injections, err := s.store.ListInjections(c.Request.Context(), c.Param("id"), "")
	if err != nil {
		s.sendError(c, err)
		return
	}
	sendSuccess(c, injections)
}

func (s *Server) injectCapital(c *gin.Context) {
	var req capitalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendCustomError(c, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	inj := &models.CapitalInjection{
		BotID:  c.Param("id"),
		Amount: req.Amount,
		Kind:   models.InjectionExternal,
		Note:   req.Note,
	}
	if err := s.store.InjectCapital(c.Request.Context(), inj); err != nil {
		s.sendError(c, err)
		return
	}
	s.logger.Info("Capital injected", zap.String("bot_id", inj.BotID), zap.Float64("amount", inj.Amount))
	c.JSON(http.StatusCreated, Response{Success: true, Data: inj, Message: "capital recorded"})
}

func (s *Server) listTrades(c *gin.Context) {
	trades, err := s.store.ListTrades(c.Request.Context(), database.TradeFilter{
		BotID: c.Param("id"),
		Limit: queryLimit(c, 100),
	})
	if err != nil {
		s.sendError(c, err)
		return
	}
	sendSuccess(c, trades)
}

func (s *Server) breakerState(c *gin.Context) {
	st, err := s.breaker.State(c.Request.Context(), c.Param("user"))
	if err != nil {
		s.sendError(c, err)
		return
	}
	sendSuccess(c, st)
}

func (s *Server) clearHalt(c *gin.Context) {
	changed, err := s.breaker.ClearHalt(c.Request.Context(), c.Param("user"), bindNote(c))
	if err != nil {
		s.sendError(c, err)
		return
	}
	sendSuccessWithMessage(c, gin.H{"changed": changed}, "halt cleared")
}

func (s *Server) setAutopilot(c *gin.Context) {
	var req autopilotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendCustomError(c, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	if err := s.store.SetAutopilot(c.Request.Context(), c.Param("user"), *req.Enabled); err != nil {
		s.sendError(c, err)
		return
	}
	sendSuccess(c, gin.H{"autopilot": *req.Enabled})
}

func (s *Server) userProfit(c *gin.Context) {
	report, err := s.store.UserProfit(c.Request.Context(), c.Param("user"))
	if err != nil {
		s.sendError(c, err)
		return
	}
	sendSuccess(c, report)
}

func (s *Server) safetyEvents(c *gin.Context) {
	evs, err := s.store.ListSafetyEvents(c.Request.Context(), c.Param("user"), queryLimit(c, 50))
	if err != nil {
		s.sendError(c, err)
		return
	}
	sendSuccess(c, evs)
}

func (s *Server) admissionUsage(c *gin.Context) {
	sendSuccess(c, s.admission.Usage(c.Param("exchange")))
}
