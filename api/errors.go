package api

import (
	"errors"
	"net/http"

	"flowpilot/expression"
	"flowpilot/shared"
	"flowpilot/workflow"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ProblemDetails is an RFC 7807 error body.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		httpErr *echo.HTTPError
		valErr  *shared.ValidationError
		evalErr *expression.EvalError
	)
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Code
	case errors.Is(err, shared.ErrTaskNotFound),
		errors.Is(err, shared.ErrInstanceNotFound),
		errors.Is(err, shared.ErrDefinitionNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrTaskForbidden):
		return http.StatusForbidden
	case errors.Is(err, shared.ErrTaskAlreadyResolved),
		errors.Is(err, shared.ErrInstanceTerminal),
		errors.Is(err, workflow.ErrDefinitionImmutable):
		return http.StatusConflict
	case errors.Is(err, shared.ErrTaskInvalidDecision),
		errors.Is(err, shared.ErrTaskInvalidResult),
		errors.As(err, &valErr),
		errors.As(err, &evalErr):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := statusFor(err)
	detail := err.Error()
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		if msg, ok := httpErr.Message.(string); ok {
			detail = msg
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request error", zap.String("uri", c.Request().RequestURI), zap.Error(err))
		detail = http.StatusText(status)
	}
	problem := ProblemDetails{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	if err := c.JSON(status, problem); err != nil {
		s.logger.Warn("Failed to write error response", zap.Error(err))
	}
}
