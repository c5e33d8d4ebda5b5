package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/amplifierd/internal/store"
)

// ctxKeyAuth holds the *principal of an authenticated request.
const ctxKeyAuth = "amplifierd.auth"

// principal is who a request authenticated as. The shared server key is
// the admin; issued keys are scoped to a device.
type principal struct {
	admin bool
	key   store.APIKey
}

// keyVerifier resolves an issued key.
type keyVerifier interface {
	VerifyKey(ctx context.Context, secret string) (store.APIKey, error)
}

func apiKeyAuth(adminKey string, keys keyVerifier, logger *zap.Logger) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:" + echo.HeaderAuthorization + ":Bearer ,header:X-API-Key,query:api_key",
		Skipper: func(c echo.Context) bool {
			p := c.Path()
			return p == "/health" || p == "/metrics"
		},
		Validator: func(got string, c echo.Context) (bool, error) {
			if subtle.ConstantTimeCompare([]byte(got), []byte(adminKey)) == 1 {
				c.Set(ctxKeyAuth, &principal{admin: true})
				return true, nil
			}
			if keys == nil {
				return false, nil
			}
			k, err := keys.VerifyKey(c.Request().Context(), got)
			if errors.Is(err, store.ErrInvalidKey) {
				return false, nil
			}
			if err != nil {
				logger.Error("api key lookup failed", zap.Error(err))
				return false, nil
			}
			c.Set(ctxKeyAuth, &principal{key: k})
			return true, nil
		},
		ErrorHandler: func(error, echo.Context) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid api key")
		},
	})
}

// authOf returns the request principal. With authentication disabled every
// caller is the admin.
func (s *Server) authOf(c echo.Context) *principal {
	if s.config.APIKey == "" {
		return &principal{admin: true}
	}
	if p, ok := c.Get(ctxKeyAuth).(*principal); ok {
		return p
	}
	return &principal{}
}

// requireAdmin rejects requests made with an issued key.
func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.authOf(c).admin {
			return echo.NewHTTPError(http.StatusForbidden, "admin key required")
		}
		return next(c)
	}
}

// canOpenDevice reports whether the caller may link as device id. Keys bound
// to a device only open that device's socket.
func (s *Server) canOpenDevice(c echo.Context, id string) bool {
	p := s.authOf(c)
	return p.admin || p.key.DeviceID == "" || p.key.DeviceID == id
}

func (s *Server) keyStore() (*store.Store, error) {
	h := s.services.History()
	if h == nil {
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "key store unavailable")
	}
	return h, nil
}

// handleCreateKey issues a key. The secret is only returned here.
func (s *Server) handleCreateKey(c echo.Context) error {
	var req CreateKeyRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if req.ExpiresDays < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "expires_days must not be negative")
	}
	keys, err := s.keyStore()
	if err != nil {
		return err
	}
	k, secret, err := keys.CreateKey(c.Request().Context(), store.NewKey{
		Name:     req.Name,
		DeviceID: req.DeviceID,
		TTL:      time.Duration(req.ExpiresDays) * 24 * time.Hour,
	})
	if err != nil {
		return s.apiError(c, err)
	}
	s.logger.Info("api key issued",
		zap.String("key.id", k.ID),
		zap.String("key.name", k.Name),
		zap.String("device.id", k.DeviceID))
	return c.JSON(http.StatusCreated, CreateKeyResponse{APIKey: k, Key: secret})
}

func (s *Server) handleListKeys(c echo.Context) error {
	keys, err := s.keyStore()
	if err != nil {
		return err
	}
	list, err := keys.ListKeys(c.Request().Context())
	if err != nil {
		return s.apiError(c, err)
	}
	if list == nil {
		list = []store.APIKey{}
	}
	return c.JSON(http.StatusOK, KeyListResponse{Keys: list, Count: len(list)})
}

func (s *Server) handleRevokeKey(c echo.Context) error {
	keys, err := s.keyStore()
	if err != nil {
		return err
	}
	id := c.Param("id")
	if err := keys.RevokeKey(c.Request().Context(), id); err != nil {
		return s.apiError(c, err)
	}
	s.logger.Info("api key revoked", zap.String("key.id", id))
	return c.NoContent(http.StatusNoContent)
}
