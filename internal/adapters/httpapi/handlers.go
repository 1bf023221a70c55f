package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
)

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ScoreRequest is the body of POST /api/v1/score
type ScoreRequest struct {
	ID            string    `json:"id" binding:"omitempty,max=128"`
	UserID        string    `json:"user_id" binding:"required,max=128"`
	From          string    `json:"from" binding:"required,max=512"`
	Subject       string    `json:"subject" binding:"max=2000"`
	Snippet       string    `json:"snippet" binding:"max=20000"`
	Important     bool      `json:"important"`
	Starred       bool      `json:"starred"`
	Unread        bool      `json:"unread"`
	HasAttachment bool      `json:"has_attachment"`
	ReceivedAt    time.Time `json:"received_at"`
}

// BatchQuery are the query parameters of the batch endpoint
type BatchQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
}

// UsageQuery are the query parameters of the usage endpoint
type UsageQuery struct {
	Window string `form:"window" binding:"omitempty,oneof=daily monthly"`
}

// InvalidateResponse reports whether a signature was cached
type InvalidateResponse struct {
	Signature string `json:"signature"`
	Removed   bool   `json:"removed"`
}

var validate = validator.New()

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.service.GetHealth(c.Request.Context())
	if snap.Status == core.StatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, snap)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleScore(c *gin.Context) {
	var req ScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	result, err := s.service.ScoreEmail(c.Request.Context(), core.EmailFeatures{
		ID:            req.ID,
		UserID:        req.UserID,
		From:          req.From,
		Subject:       req.Subject,
		Snippet:       req.Snippet,
		Important:     req.Important,
		Starred:       req.Starred,
		Unread:        req.Unread,
		HasAttachment: req.HasAttachment,
		ReceivedAt:    req.ReceivedAt,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleScoreBatch(c *gin.Context) {
	var q BatchQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		s.badRequest(c, err)
		return
	}

	outcome, err := s.service.ScoreBatch(c.Request.Context(), c.Param("user_id"), q.Limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) handleUsage(c *gin.Context) {
	var q UsageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		s.badRequest(c, err)
		return
	}

	summary, err := s.service.GetUsageSummary(c.Request.Context(), c.Param("user_id"), core.UsageWindow(q.Window))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleInvalidate(c *gin.Context) {
	sig := strings.ToLower(c.Param("signature"))
	if err := validate.Var(sig, "len=32,hexadecimal"); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "signature must be 32 hexadecimal characters",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	removed := s.service.Invalidate(core.Signature(sig))
	c.JSON(http.StatusOK, InvalidateResponse{Signature: sig, Removed: removed})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     sanitizeValidationError(err),
		RequestID: c.GetString("request_id"),
	})
}

// fail maps service errors onto HTTP statuses
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrPoolTimeout), errors.Is(err, core.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, core.ErrTransient):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err))
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), RequestID: c.GetString("request_id")})
}

// sanitizeValidationError reports validation failures by JSON field name
func sanitizeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return "invalid request: " + err.Error()
	}

	messages := make([]string, 0, len(validationErrs))
	for _, fe := range validationErrs {
		field := toSnakeCase(fe.Field())
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", field, fe.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation (%s)", field, fe.Tag()))
		}
	}
	return strings.Join(messages, "; ")
}

var camelBoundary = regexp.MustCompile("([a-z0-9])([A-Z])")

func toSnakeCase(s string) string {
	switch s {
	case "UserID":
		return "user_id"
	case "ID":
		return "id"
	}
	return strings.ToLower(camelBoundary.ReplaceAllString(s, "${1}_${2}"))
}
