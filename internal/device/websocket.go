package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteWait = 10 * time.Second
	maxMessageSize   = 1 << 20
)

// WSConn adapts a gorilla websocket to Conn.
type WSConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewWSConn wraps ws.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

// Send writes env as a JSON text frame. The context deadline becomes the
// write deadline.
func (c *WSConn) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}

// Close sends a close frame and closes the socket. Safe to call repeatedly.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closed by server")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// Serve registers ws as id's link and reads envelopes until the link closes
// or ctx is done. It owns ws from here on. The welcome envelope precedes any
// queued envelope. With a ping interval configured, silent links are pinged
// and closed once no frame or pong arrives for two intervals.
func Serve(ctx context.Context, m *Manager, id string, ws *websocket.Conn, meta Metadata) error {
	conn := NewWSConn(ws)
	if _, err := m.Register(ctx, id, conn, meta, WithWelcome()); err != nil {
		_ = conn.Close()
		return err
	}
	defer m.Disconnect(id, conn)
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	ws.SetReadLimit(maxMessageSize)
	extend := func() error { return nil }
	if interval := m.cfg.PingInterval; interval > 0 {
		extend = func() error { return ws.SetReadDeadline(time.Now().Add(2 * interval)) }
		if err := extend(); err != nil {
			return err
		}
		ws.SetPongHandler(func(string) error { return extend() })

		done := make(chan struct{})
		defer close(done)
		go conn.keepAlive(interval, done)
	}

	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Debug("device link ended", zap.String("device.id", id), zap.Error(err))
			}
			return nil
		}
		if err := extend(); err != nil {
			return nil
		}

		if env.Type == TypePing {
			if pong, err := NewEnvelope(TypePong, nil); err == nil {
				_, _ = m.Send(ctx, id, pong)
			}
		}
		if err := m.HandleMessage(ctx, id, env); err != nil {
			if errors.Is(err, ErrValidation) {
				if reply, mErr := NewEnvelope(TypeError, map[string]string{"message": err.Error()}); mErr == nil {
					_, _ = m.Send(ctx, id, reply)
				}
				continue
			}
			return err
		}
	}
}

// keepAlive sends a ping control frame every interval until done is closed
// or a ping fails.
func (c *WSConn) keepAlive(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteWait)); err != nil {
				return
			}
		}
	}
}
