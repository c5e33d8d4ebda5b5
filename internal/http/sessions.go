package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/amplifierd/internal/session"
)

func (s *Server) handleCreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	info, err := s.services.Sessions().Create(c.Request().Context(), req.Bundle, req.SessionID)
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusCreated, info)
}

func (s *Server) handleListSessions(c echo.Context) error {
	list := s.services.Sessions().List()
	return c.JSON(http.StatusOK, SessionListResponse{Sessions: list, Count: len(list)})
}

func (s *Server) handleGetSession(c echo.Context) error {
	info, err := s.services.Sessions().Get(c.Param("id"))
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleStopSession(c echo.Context) error {
	id := c.Param("id")
	if err := s.services.Sessions().Stop(c.Request().Context(), id); err != nil {
		return s.apiError(c, err)
	}
	info, err := s.services.Sessions().Get(id)
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// handleSetMetadata merges string labels into a session's metadata.
func (s *Server) handleSetMetadata(c echo.Context) error {
	var labels map[string]string
	if err := bindJSON(c, &labels); err != nil {
		return err
	}
	if len(labels) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no metadata given")
	}
	id := c.Param("id")
	for k, v := range labels {
		if err := s.services.Sessions().SetMetadata(id, k, v); err != nil {
			return s.apiError(c, err)
		}
	}
	info, err := s.services.Sessions().Get(id)
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// handleExecute runs a prompt. With stream set the response is a
// text/event-stream of chunk events followed by one done or error event.
func (s *Server) handleExecute(c echo.Context) error {
	var req ExecuteRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	id := c.Param("id")
	ctx := c.Request().Context()

	if !req.Stream {
		res, err := s.services.Execute(ctx, id, req.Prompt)
		if err != nil {
			return s.apiError(c, err)
		}
		return c.JSON(http.StatusOK, toExecuteResponse(res))
	}

	var (
		mu      sync.Mutex
		started bool
		closed  bool
	)
	w := c.Response()
	begin := func() {
		if started {
			return
		}
		startEventStream(w)
		started = true
	}
	onChunk := func(chunk string) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		begin()
		writeEvent(w, "chunk", map[string]string{"text": chunk})
	}

	res, err := s.services.Execute(ctx, id, req.Prompt, session.WithChunks(onChunk))

	mu.Lock()
	defer mu.Unlock()
	closed = true
	if err != nil {
		if !started {
			return s.apiError(c, err)
		}
		writeEvent(w, "error", map[string]any{"error": err.Error(), "status": errorStatus(err)})
		return nil
	}
	begin()
	writeEvent(w, "done", toExecuteResponse(res))
	return nil
}

func (s *Server) handleInject(c echo.Context) error {
	var req InjectRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	role, err := session.ParseRole(req.Role)
	if err != nil {
		return s.apiError(c, err)
	}
	if err := s.services.Sessions().Inject(c.Request().Context(), c.Param("id"), req.Content, role); err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "injected"})
}

func (s *Server) handleClear(c echo.Context) error {
	if err := s.services.Sessions().Clear(c.Param("id")); err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleHistory(c echo.Context) error {
	id := c.Param("id")
	msgs, err := s.services.Sessions().History(id)
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, HistoryResponse{SessionID: id, Messages: msgs})
}

// handleSummary answers "what did I miss?" for a session. drain=true
// empties the buffer.
func (s *Server) handleSummary(c echo.Context) error {
	drain, _ := strconv.ParseBool(c.QueryParam("drain"))
	return c.JSON(http.StatusOK, s.services.Notifications().Summary(c.Param("id"), drain))
}

func toExecuteResponse(res *session.Result) ExecuteResponse {
	return ExecuteResponse{
		SessionID:  res.SessionID,
		Response:   res.Response,
		Seq:        res.Seq,
		DurationMS: res.Duration.Milliseconds(),
	}
}

func startEventStream(w *echo.Response) {
	h := w.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set(echo.HeaderConnection, "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()
}

// writeEvent writes one server-sent event with a JSON data line.
func writeEvent(w *echo.Response, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(`{}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	w.Flush()
}
