package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// APIError is the error envelope every failing response carries.
type APIError struct {
	Status        int    `json:"-"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
	Details       string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

func apiError(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

func apiErrorWithDetails(status int, code, message, details string) *APIError {
	return &APIError{Status: status, Code: code, Message: message, Details: details}
}

func errorsIs(err, target error) bool {
	return errors.Is(err, target)
}

// errorHandler renders every error through the envelope, stamping the
// request's correlation id into the body.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
	default:
		var echoErr *echo.HTTPError
		if errors.As(err, &echoErr) {
			message := http.StatusText(echoErr.Code)
			if msg, ok := echoErr.Message.(string); ok && msg != "" {
				message = msg
			}
			apiErr = &APIError{Status: echoErr.Code, Code: "http_error", Message: message}
		} else {
			s.log.Error().Err(err).Str("path", c.Path()).Msg("unhandled request error")
			apiErr = &APIError{Status: http.StatusInternalServerError, Code: "internal", Message: "internal error"}
		}
	}
	if correlationID, ok := c.Get("correlationId").(string); ok {
		apiErr.CorrelationID = correlationID
	}
	if jsonErr := c.JSON(apiErr.Status, apiErr); jsonErr != nil {
		s.log.Debug().Err(jsonErr).Msg("write error response")
	}
}
