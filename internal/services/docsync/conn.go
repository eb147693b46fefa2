package docsync

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

// Conn is one socket attached to a document room. Unlike chat, a document
// connection belongs to exactly one room for its whole life; its frames are
// binary protocol messages.
type Conn struct {
	ws   *websocket.Conn
	mgr  *Manager
	room *Room
	send chan []byte
	addr string

	// owned tracks every awareness clientID this socket introduced. It is
	// read and written only by the manager loop. On disconnect exactly
	// these IDs are removed from the room's awareness — never more, never
	// fewer — so one client's disconnect cannot erase another's cursor.
	owned map[uint64]struct{}

	mu     sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn, mgr *Manager, addr string) *Conn {
	return &Conn{
		ws:    ws,
		mgr:   mgr,
		send:  make(chan []byte, mgr.sendBuffer),
		addr:  addr,
		owned: make(map[uint64]struct{}),
	}
}

func (c *Conn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Conn) open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// trySend queues a frame without blocking the manager loop.
func (c *Conn) trySend(message []byte) bool {
	if !c.open() {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *Conn) readPump() {
	defer func() {
		select {
		case c.mgr.unregister <- c:
		case <-c.mgr.done:
		}
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("Doc read error from %s: %v", c.addr, err)
			}
			return
		}
		select {
		case c.mgr.inbound <- inboundMessage{conn: c, data: data}:
		case <-c.mgr.done:
			return
		}
	}
}

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
			if err := c.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
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
