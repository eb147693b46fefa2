package chat

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Conn is one chat socket. A single Conn multiplexes every room the client
// joins; frames are JSON text messages. The write side runs through a
// buffered channel so a slow client never blocks the relay loop.
type Conn struct {
	ws    *websocket.Conn
	relay *Relay
	send  chan []byte
	addr  string

	mu     sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn, relay *Relay, addr string) *Conn {
	return &Conn{
		ws:    ws,
		relay: relay,
		send:  make(chan []byte, relay.sendBuffer),
		addr:  addr,
	}
}

// Open reports whether the underlying transport still accepts writes.
// Sockets that are not open are silently skipped during broadcast.
func (c *Conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Conn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// trySend queues a frame without blocking. A full buffer counts as a failed
// delivery; the relay does not retry — resilience lives in the client.
func (c *Conn) trySend(message []byte) bool {
	if !c.Open() {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// readPump feeds inbound frames to the relay loop. Each inbound message is
// handled to completion by that single loop, which is what serializes all
// room mutation.
func (c *Conn) readPump() {
	defer func() {
		select {
		case c.relay.unregister <- c:
		case <-c.relay.done:
		}
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("Chat read error from %s: %v", c.addr, err)
			}
			return
		}
		select {
		case c.relay.inbound <- inboundFrame{conn: c, raw: raw}:
		case <-c.relay.done:
			return
		}
	}
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
