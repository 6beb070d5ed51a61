package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Eyemetric/gate_service/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// the dashboard runs next to the service; direct clients send no Origin
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 2048,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost") ||
			strings.HasPrefix(origin, "http://"+r.Host) ||
			strings.HasPrefix(origin, "https://"+r.Host)
	},
}

type liveMsg struct {
	Type string `json:"type"` // recent | outcome
	Data any    `json:"data"`
}

// live streams crossing outcomes. The first message carries the recent
// outcomes so a fresh dashboard is not blank.
func (app *App) live(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		app.log.Warnw("websocket upgrade failed", logger.FieldError, err)
		return nil
	}
	defer conn.Close()

	hub := app.Supervisor.Hub()
	outcomes, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(liveMsg{Type: "recent", Data: hub.Recent()}); err != nil {
		return nil
	}

	// reads only keep the pong deadline moving and notice the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	remote := c.RealIP()
	app.log.Debugw("live client connected", logger.FieldAddress, remote)
	defer app.log.Debugw("live client gone", logger.FieldAddress, remote)

	for {
		select {
		case <-app.Context.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return nil
		case <-closed:
			return nil
		case o, ok := <-outcomes:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return nil
			}
			if err := conn.WriteJSON(liveMsg{Type: "outcome", Data: o}); err != nil {
				return nil
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}
