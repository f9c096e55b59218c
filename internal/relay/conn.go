package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"storymap/collab/internal/crdt"
	"storymap/collab/internal/transport"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 256
)

// conn is one websocket client. Frames reach it through a buffered queue
// drained by writeLoop; a client that cannot keep up is disconnected.
type conn struct {
	ws      *websocket.Conn
	send    chan transport.Frame
	limiter *rate.Limiter
	metrics *Metrics

	// clients are the awareness client ids seen on this connection. Guarded
	// by the room lock.
	clients map[crdt.ClientID]struct{}

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, limiter *rate.Limiter, metrics *Metrics) *conn {
	return &conn{
		ws:      ws,
		send:    make(chan transport.Frame, sendBuffer),
		limiter: limiter,
		metrics: metrics,
		clients: map[crdt.ClientID]struct{}{},
	}
}

// enqueue never blocks. It runs with the room lock held.
func (c *conn) enqueue(frame transport.Frame) {
	select {
	case c.send <- frame:
	default:
		c.metrics.DroppedFrames.WithLabelValues(dropSlowConsumer).Inc()
		c.close()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
	})
}

// readLoop hands frames to room until the connection fails. Awareness over
// the rate limit is dropped; document frames wait for budget instead so no
// edit is lost.
func (c *conn) readLoop(ctx context.Context, room *Room) {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var frame transport.Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("relay: read %s: %v", room.mapID, err)
			}
			return
		}
		c.metrics.Frames.WithLabelValues(string(frame.Type)).Inc()
		if frame.Type == transport.FrameAwareness {
			if !c.limiter.Allow() {
				c.metrics.DroppedFrames.WithLabelValues(dropRateLimited).Inc()
				continue
			}
		} else if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		room.handle(ctx, c, frame)
	}
}

// writeLoop drains the send queue and keeps the connection alive with pings.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
