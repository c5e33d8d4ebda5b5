package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/amplifierd/internal/device"
)

const chatWriteWait = 10 * time.Second

// handleDeviceSocket upgrades a device link. Handshake metadata comes from
// the query: device_name, platform, capabilities and tags (comma lists).
func (s *Server) handleDeviceSocket(c echo.Context) error {
	id := c.Param("id")
	if !s.canOpenDevice(c, id) {
		return echo.NewHTTPError(http.StatusForbidden, "api key is bound to another device")
	}
	meta := device.Metadata{
		Name:         c.QueryParam("device_name"),
		Platform:     c.QueryParam("platform"),
		Capabilities: splitList(c.QueryParam("capabilities")),
		Tags:         splitList(c.QueryParam("tags")),
	}
	if meta.Platform == "" {
		meta.Platform = "unknown"
	}
	if len(meta.Capabilities) == 0 {
		meta.Capabilities = []string{"notifications"}
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the failure response.
		return nil
	}
	if err := device.Serve(c.Request().Context(), s.services.Devices(), id, ws, meta); err != nil {
		s.logger.Warn("device link failed", zap.String("device.id", id), zap.Error(err))
	}
	return nil
}

type chatFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type chatPrompt struct {
	Prompt string `json:"prompt"`
}

// handleChatSocket serves interactive chat with one session. Each chat
// frame is acknowledged, then answered with a response or an error frame.
func (s *Server) handleChatSocket(c echo.Context) error {
	id := c.Param("session_id")
	if _, err := s.services.Sessions().Get(id); err != nil {
		return s.apiError(c, err)
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	defer ws.Close()
	ws.SetReadLimit(1 << 20)

	ctx := c.Request().Context()
	log := s.logger.With(zap.String("session.id", id))
	log.Info("chat socket connected")

	send := func(t device.MessageType, payload any) bool {
		env, err := device.NewEnvelope(t, payload)
		if err != nil {
			return false
		}
		_ = ws.SetWriteDeadline(time.Now().Add(chatWriteWait))
		return ws.WriteJSON(env) == nil
	}

	for {
		var frame chatFrame
		if err := ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("chat socket ended", zap.Error(err))
			}
			return nil
		}
		if frame.Type == "" {
			frame.Type = string(device.TypeChat)
		}

		var ok bool
		switch device.MessageType(frame.Type) {
		case device.TypeChat:
			var p chatPrompt
			if len(frame.Payload) > 0 {
				_ = json.Unmarshal(frame.Payload, &p)
			}
			if p.Prompt == "" {
				ok = send(device.TypeError, map[string]string{"message": "empty prompt"})
				break
			}
			if !send(device.TypeAck, map[string]string{"status": "processing"}) {
				return nil
			}
			res, err := s.services.Execute(ctx, id, p.Prompt)
			if err != nil {
				ok = send(device.TypeError, map[string]any{"message": err.Error(), "status": errorStatus(err)})
				break
			}
			ok = send(device.TypeResponse, map[string]any{"content": res.Response, "seq": res.Seq})
		case device.TypePing:
			ok = send(device.TypePong, nil)
		default:
			ok = send(device.TypeError, map[string]string{"message": "unknown message type: " + frame.Type})
		}
		if !ok {
			return nil
		}
	}
}
