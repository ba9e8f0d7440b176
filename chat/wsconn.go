package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/roomcast/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

const (
	// wsWriteTimeout max time allowed for one outbound websocket write
	wsWriteTimeout = time.Second * 10
	// wsReadTimeout max time between inbound frames, refreshed on each pong
	wsReadTimeout = time.Second * 60
	// wsPingPeriod keep-alive ping interval, must be below wsReadTimeout
	wsPingPeriod = time.Second * 54
	// wsMaxMessageSize max inbound frame size in bytes
	wsMaxMessageSize = 4096
)

// websocketConn implements Conn over a gorilla websocket connection.
//
// Outbound traffic flows through a buffered channel drained by a single write
// pump goroutine, so Send never blocks on the network and concurrent senders
// never interleave writes on the wire.
type websocketConn struct {
	common.Component
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce *sync.Once
}

// GetWebsocketConn wrap an upgraded websocket connection as a Conn. When ctxt
// ends the connection is closed, which unblocks any pending read so the
// session loop can exit during shutdown.
func GetWebsocketConn(
	ctxt context.Context, ws *websocket.Conn, sendBufferLen int, instance string,
	wg *sync.WaitGroup,
) Conn {
	logTags := log.Fields{
		"module":    "chat",
		"component": "websocket-conn",
		"instance":  instance,
	}
	result := &websocketConn{
		Component: common.Component{LogTags: logTags},
		conn:      ws,
		send:      make(chan []byte, sendBufferLen),
		done:      make(chan struct{}),
		closeOnce: &sync.Once{},
	}
	ws.SetReadLimit(wsMaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to set initial read deadline")
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	wg.Add(2)
	go func() {
		defer wg.Done()
		result.writePump()
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctxt.Done():
			result.Close()
		case <-result.done:
		}
	}()
	return result
}

// Send enqueue a payload for transmission
func (c *websocketConn) Send(payload []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection already closed")
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		// A client not draining its socket eventually fills the buffer. Treat
		// it the same as a dead socket instead of blocking the fan-out.
		return fmt.Errorf("connection send buffer full")
	}
}

// Receive block for the next inbound client frame
func (c *websocketConn) Receive(ctxt context.Context) ([]byte, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to refresh read deadline")
	}
	return payload, nil
}

// Close tear the connection down
func (c *websocketConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.conn.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Websocket close reported failure")
		}
	})
}

// writePump single writer draining the send buffer onto the wire
func (c *websocketConn) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer c.Close()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				log.WithError(err).WithFields(c.LogTags).Error("Failed to set write deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.WithError(err).WithFields(c.LogTags).Debug("Websocket write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				log.WithError(err).WithFields(c.LogTags).Error("Failed to set write deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithError(err).WithFields(c.LogTags).Debug("Websocket ping failed")
				return
			}
		}
	}
}
