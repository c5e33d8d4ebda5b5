package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/amplifierd/internal/device"
	"github.com/fyrsmithlabs/amplifierd/internal/hooks"
	"github.com/fyrsmithlabs/amplifierd/internal/notify"
	"github.com/fyrsmithlabs/amplifierd/internal/rules"
	"github.com/fyrsmithlabs/amplifierd/internal/session"
	"github.com/fyrsmithlabs/amplifierd/internal/store"
)

// retryAfterSeconds is advertised when a session is busy.
const retryAfterSeconds = "1"

// errorStatus maps a domain error to its HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, device.ErrNotFound),
		errors.Is(err, hooks.ErrNotFound),
		errors.Is(err, store.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrConflict),
		errors.Is(err, session.ErrStopped),
		errors.Is(err, hooks.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, session.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrValidation),
		errors.Is(err, device.ErrValidation),
		errors.Is(err, notify.ErrValidation),
		errors.Is(err, rules.ErrInvalidRuleSet),
		errors.Is(err, store.ErrKeyName):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// apiError converts err into an echo.HTTPError. Internal failures are
// logged and reported without detail.
func (s *Server) apiError(c echo.Context, err error) error {
	status := errorStatus(err)
	switch status {
	case http.StatusTooManyRequests:
		c.Response().Header().Set("Retry-After", retryAfterSeconds)
	case http.StatusInternalServerError:
		s.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			zap.Error(err))
		return echo.NewHTTPError(status, "internal error").SetInternal(err)
	}
	return echo.NewHTTPError(status, err.Error()).SetInternal(err)
}
