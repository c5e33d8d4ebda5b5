package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/amplifierd/internal/device"
	"github.com/fyrsmithlabs/amplifierd/internal/events"
	"github.com/fyrsmithlabs/amplifierd/internal/notify"
	"github.com/fyrsmithlabs/amplifierd/internal/rules"
)

func (s *Server) handleIngest(c echo.Context) error {
	var in events.Incoming
	if err := bindJSON(c, &in); err != nil {
		return err
	}
	in.Source = "api"
	res, err := s.services.Notifications().Ingest(c.Request().Context(), in)
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// handlePush sends a direct notification. Status is "sent" when any device
// took it live, "queued" when all reachable devices are offline and
// "no_devices" when nothing was targeted or found.
func (s *Server) handlePush(c echo.Context) error {
	var req notify.PushRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	deliveries, err := s.services.Notifications().Push(c.Request().Context(), req)
	if err != nil {
		return s.apiError(c, err)
	}

	resp := PushResponse{Status: "no_devices", TotalDevices: len(deliveries), Results: deliveries}
	queued := 0
	for _, d := range deliveries {
		switch d.Status {
		case device.StatusDelivered:
			resp.SentCount++
		case device.StatusQueued:
			queued++
		}
	}
	switch {
	case resp.SentCount > 0:
		resp.Status = "sent"
	case queued > 0:
		resp.Status = "queued"
	}
	if resp.Results == nil {
		resp.Results = []device.Delivery{}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSuppressed(c echo.Context) error {
	return c.JSON(http.StatusOK, s.services.Notifications().Suppressed())
}

func (s *Server) handleRecent(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	recs, err := s.services.Notifications().Recent(c.Request().Context(), limit)
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, RecentResponse{Notifications: recs})
}

func (s *Server) handleGetFocus(c echo.Context) error {
	return c.JSON(http.StatusOK, FocusResponse{Focus: notify.FocusName(s.services.Notifications().Focus())})
}

func (s *Server) handleSetFocus(c echo.Context) error {
	var req FocusRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	p := s.services.Notifications()
	if req.Active == nil {
		p.ClearFocus()
	} else {
		p.SetFocus(*req.Active)
	}
	return c.JSON(http.StatusOK, FocusResponse{Focus: notify.FocusName(p.Focus())})
}

func (s *Server) handleAddVIP(c echo.Context) error {
	var req VIPRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	return s.mutateRules(c, func(e *rules.Engine) error { return e.AddVIP(req.Sender) })
}

func (s *Server) handleRemoveVIP(c echo.Context) error {
	sender := c.Param("sender")
	return s.mutateRules(c, func(e *rules.Engine) error { return e.RemoveVIP(sender) })
}

func (s *Server) handleAddKeyword(c echo.Context) error {
	var req KeywordRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	return s.mutateRules(c, func(e *rules.Engine) error { return e.AddKeyword(req.Keyword) })
}

// mutateRules applies fn to the live rule engine and answers with the
// resulting VIP and keyword lists.
func (s *Server) mutateRules(c echo.Context, fn func(*rules.Engine) error) error {
	engine := s.services.Rules()
	if engine == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "rule engine is not configured")
	}
	if err := fn(engine); err != nil {
		return s.apiError(c, err)
	}
	rs := engine.Current()
	resp := RulesResponse{VIPSenders: rs.VIPSenders, Keywords: rs.Keywords}
	if resp.VIPSenders == nil {
		resp.VIPSenders = []string{}
	}
	if resp.Keywords == nil {
		resp.Keywords = []string{}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListHooks(c echo.Context) error {
	return c.JSON(http.StatusOK, HookListResponse{Hooks: s.services.Hooks().List()})
}
