package api

import (
	"errors"
	"net/http"

	"capital-autopilot-go/internal/database"
	"capital-autopilot-go/internal/promotion"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response is the envelope of every API reply.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ErrorInfo describes a failed request.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	codeNotFound   = "NOT_FOUND"
	codeValidation = "VALIDATION_ERROR"
	codeConflict   = "CONFLICT"
	codeInternal   = "INTERNAL_ERROR"
)

func sendSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func sendSuccessWithMessage(c *gin.Context, data interface{}, message string) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data, Message: message})
}

func sendCustomError(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{Success: false, Error: &ErrorInfo{Code: code, Message: message}})
}

// sendError maps domain errors onto HTTP statuses. Anything unknown is a 500 whose
// details stay in the log.
func (s *Server) sendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		sendCustomError(c, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, promotion.ErrInvalidTransition):
		sendCustomError(c, http.StatusConflict, codeConflict, err.Error())
	default:
		s.logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		sendCustomError(c, http.StatusInternalServerError, codeInternal, "Internal server error")
	}
}
