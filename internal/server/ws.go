package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// websocket upgrades the connection and streams every bus update to the
// client until either side goes away. Inbound frames are read and
// discarded; the protocol is one-directional.
func (s *Server) websocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "err", err)
		return
	}

	subID, updates := s.deps.Bus.Subscribe()
	s.log.Debugw("websocket subscriber connected", "sub_id", subID)

	defer func() {
		s.deps.Bus.Unsubscribe(subID)
		_ = conn.Close()
		s.log.Debugw("websocket subscriber disconnected", "sub_id", subID)
	}()

	// Reader side: tolerate and drop whatever the client sends; its only
	// job is to notice the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				// Dropped by the bus as a slow subscriber.
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(u); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
