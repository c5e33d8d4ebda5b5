package http

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/amplifierd/internal/hooks/natsbus"
)

const eventBacklog = 64

// handleEvents streams outbound events published on the bus as
// server-sent events. ?kind= narrows the stream to one event kind.
func (s *Server) handleEvents(c echo.Context) error {
	bus := s.services.Bus()
	if bus == nil || !bus.IsConnected() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event bus is not configured")
	}

	prefix := s.services.SubjectPrefix()
	subject := natsbus.EventsWildcard(prefix)
	if kind := c.QueryParam("kind"); kind != "" {
		subject = natsbus.EventsSubject(prefix, kind)
	}

	msgs := make(chan *nats.Msg, eventBacklog)
	sub, err := bus.ChanSubscribe(subject, msgs)
	if err != nil {
		return s.apiError(c, fmt.Errorf("subscribe %s: %w", subject, err))
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := bus.Flush(); err != nil {
		return s.apiError(c, fmt.Errorf("flush subscription: %w", err))
	}

	w := c.Response()
	startEventStream(w)

	eventsPrefix := strings.TrimSuffix(natsbus.EventsWildcard(prefix), ">")
	heartbeat := time.NewTicker(s.config.EventHeartbeat)
	defer heartbeat.Stop()
	ctx := c.Request().Context()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case m := <-msgs:
			kind := strings.TrimPrefix(m.Subject, eventsPrefix)
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, m.Data); err != nil {
				s.logger.Debug("event stream closed", zap.Error(err))
				return nil
			}
			w.Flush()
		}
	}
}
