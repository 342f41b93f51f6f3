package api

import (
	"net/http"
	"strings"
	"time"

	"flowpilot/events"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second
	readLimit = 512
)

// streamEvents upgrades to a websocket and pushes the caller's events as
// JSON text frames until either side closes. Browsers cannot set headers on
// a websocket handshake, so the user may also be given as ?user=.
func (s *Server) streamEvents(c echo.Context) error {
	user := strings.TrimSpace(c.Request().Header.Get(UserHeader))
	if user == "" {
		user = strings.TrimSpace(c.QueryParam("user"))
	}
	if user == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing "+UserHeader+" header")
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.String("userID", user), zap.Error(err))
		return nil
	}
	sub := s.engine.Subscribe(user)
	s.logger.Info("Event stream opened", zap.String("userID", user))

	closed := make(chan struct{})
	go s.readPump(conn, user, closed)
	s.writePump(conn, user, sub.Events(), closed)

	sub.Close()
	s.logger.Info("Event stream closed", zap.String("userID", user))
	return nil
}

// readPump drains client frames so control messages are processed and
// signals closed when the peer goes away.
func (s *Server) readPump(conn *websocket.Conn, user string, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(2 * s.ping))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * s.ping))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("Websocket read error", zap.String("userID", user), zap.Error(err))
			}
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, user string, feed <-chan events.Event, closed <-chan struct{}) {
	ticker := time.NewTicker(s.ping)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case <-closed:
			return
		case ev, ok := <-feed:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Warn("Websocket write error", zap.String("userID", user), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
