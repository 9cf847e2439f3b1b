package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/logger"
)

// ErrorResponse is the JSON body of every failed admin request
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// statusFor maps an error category to an HTTP status code
func statusFor(err error) int {
	switch {
	case errors.IsCategory(err, errors.CategoryValidation):
		return http.StatusBadRequest
	case errors.IsCategory(err, errors.CategoryNotFound):
		return http.StatusNotFound
	case errors.IsCategory(err, errors.CategoryConflict):
		return http.StatusConflict
	case errors.IsCategory(err, errors.CategoryIdentityStore),
		errors.IsCategory(err, errors.CategoryDatabase):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError writes err as an ErrorResponse. The status comes from the
// error category unless code is non-zero.
func (s *Server) handleError(c echo.Context, err error, message string, code int) error {
	if code == 0 {
		code = statusFor(err)
	}

	errorStr := message
	if err != nil {
		errorStr = err.Error()
	}
	resp := ErrorResponse{
		Error:         errorStr,
		Message:       message,
		Code:          code,
		CorrelationID: c.Response().Header().Get(echo.HeaderXRequestID),
	}

	fields := []logger.Field{
		logger.String("message", message),
		logger.String("error", errorStr),
		logger.Int("code", code),
		logger.String("path", c.Request().URL.Path),
		logger.String("method", c.Request().Method),
		logger.String("correlation_id", resp.CorrelationID),
	}
	if code >= http.StatusInternalServerError {
		s.log.Error("API error", fields...)
	} else {
		s.log.Debug("API error", fields...)
	}

	return c.JSON(code, resp)
}
