package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"projectlab/internal/middleware"
	"projectlab/internal/models"
	"projectlab/internal/pubsub"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

// Options tunes a Relay. Zero values fall back to sane defaults.
type Options struct {
	MaxMessageSize int64
	SendBuffer     int
	CheckOrigin    func(r *http.Request) bool
	// Bridge, when set, mirrors chat_message fan-out across instances.
	Bridge pubsub.Bridge
}

type inboundFrame struct {
	// conn is nil for frames that did not arrive on a local socket: bridge
	// traffic and server-originated broadcasts. Those fan out to every
	// local member because no member is the sender.
	conn *Conn
	raw  []byte
	// fromBridge suppresses re-publishing, or bridged frames would loop.
	fromBridge bool
}

// Relay is the chat fan-out core: a stateless per-message multiplexer over
// the room registry. One event loop processes every registration, frame and
// disconnect to completion before the next, so rebroadcast order equals
// reception order and no registry access ever races.
//
// The relay never closes a connection because of a bad message and never
// retries a failed delivery; all resilience lives in the client connection
// manager.
type Relay struct {
	registry   *Registry
	upgrader   websocket.Upgrader
	bridge     pubsub.Bridge
	maxMsgSize int64
	sendBuffer int

	register   chan *Conn
	unregister chan *Conn
	inbound    chan inboundFrame

	connsMu sync.Mutex
	conns   map[*Conn]struct{}

	done chan struct{}
}

func NewRelay(opts Options) *Relay {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 1 << 20
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Relay{
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		bridge:     opts.Bridge,
		maxMsgSize: opts.MaxMessageSize,
		sendBuffer: opts.SendBuffer,
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		inbound:    make(chan inboundFrame, 256),
		conns:      make(map[*Conn]struct{}),
		done:       make(chan struct{}),
	}
}

// Registry exposes the room index, mainly for health reporting and tests.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Start launches the relay event loop and, when configured, the bridge
// subscription.
func (r *Relay) Start() {
	if r.bridge != nil {
		r.bridge.Subscribe(func(roomID string, payload []byte) {
			select {
			case r.inbound <- inboundFrame{raw: payload, fromBridge: true}:
			case <-r.done:
			}
		})
	}

	go r.run()
	log.Println("Chat relay started")
}

func (r *Relay) run() {
	for {
		select {
		case <-r.done:
			return

		case c := <-r.register:
			r.connsMu.Lock()
			r.conns[c] = struct{}{}
			total := len(r.conns)
			r.connsMu.Unlock()
			log.Printf("Chat client connected from %s (total: %d)", c.addr, total)

		case c := <-r.unregister:
			r.connsMu.Lock()
			_, ok := r.conns[c]
			if ok {
				delete(r.conns, c)
			}
			total := len(r.conns)
			r.connsMu.Unlock()
			if !ok {
				continue
			}
			c.markClosed()
			r.registry.Disconnect(c)
			close(c.send)
			log.Printf("Chat client disconnected from %s (total: %d)", c.addr, total)

		case f := <-r.inbound:
			r.handleFrame(f)
		}
	}
}

// handleFrame implements the chat wire protocol. Every failure mode here is
// a silent drop: the protocol has no error replies and a bad frame is never
// grounds for closing the connection.
func (r *Relay) handleFrame(f inboundFrame) {
	frame, err := models.ParseFrame(f.raw)
	if err != nil {
		log.Printf("Dropping chat frame: %v", err)
		return
	}

	// Frames from the bridge carry no local sender; only chat_message
	// crosses instances, so join/leave without a conn cannot occur.
	switch frame.Type {
	case models.FrameJoin:
		if f.conn != nil {
			r.registry.Join(f.conn, frame.RoomID)
		}
	case models.FrameLeave:
		if f.conn != nil {
			r.registry.Leave(f.conn, frame.RoomID)
		}
	case models.FrameChatMessage:
		r.broadcast(f.conn, frame.RoomID, f.raw, !f.fromBridge)
	default:
		// ParseFrame admits only the three known kinds; the branch keeps
		// the switch exhaustive if a frame type is ever added.
		log.Printf("Dropping chat frame with unhandled type %q", frame.Type)
	}
}

// broadcast rebroadcasts the raw frame verbatim to every other open member
// of the room. Delivery is at most once per member; closed or backed-up
// sockets are skipped without error or retry.
func (r *Relay) broadcast(sender *Conn, roomID string, raw []byte, mirror bool) {
	ctx, span := middleware.StartSpan(context.Background(), "Chat.Broadcast",
		attribute.String("room.id", roomID),
		attribute.Int("message.size", len(raw)),
	)
	defer span.End()

	delivered := 0
	for _, member := range r.registry.Members(roomID) {
		if sender != nil && member == sender {
			continue
		}
		if member.trySend(raw) {
			delivered++
		}
	}
	span.SetAttributes(attribute.Int("message.delivered", delivered))

	// Mirror locally originated broadcasts to the other instances.
	if r.bridge != nil && mirror {
		if err := r.bridge.Publish(ctx, roomID, raw); err != nil {
			log.Printf("Bridge publish failed for room %s: %v", roomID, err)
		}
	}
}

// Broadcast injects a server-originated chat_message into the relay. It
// fans out to every open member of the room and mirrors across the bridge,
// exactly as if a client had sent it. The REST API uses this after
// persisting a message.
func (r *Relay) Broadcast(roomID string, payload json.RawMessage) error {
	frame, err := (&models.Frame{Type: models.FrameChatMessage, RoomID: roomID, Payload: payload}).Encode()
	if err != nil {
		return fmt.Errorf("failed to encode broadcast frame: %w", err)
	}
	select {
	case r.inbound <- inboundFrame{raw: frame}:
		return nil
	case <-r.done:
		return fmt.Errorf("chat relay stopped")
	}
}

// ServeWS upgrades the request and registers the new chat socket.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("Chat upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(r.maxMsgSize)

	c := newConn(ws, r, req.RemoteAddr)
	r.register <- c

	go c.writePump()
	go c.readPump()
}

// ConnectionCount returns the number of live chat sockets.
func (r *Relay) ConnectionCount() int {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	return len(r.conns)
}

// Shutdown stops the event loop and closes every chat socket.
func (r *Relay) Shutdown() {
	close(r.done)

	if r.bridge != nil {
		if err := r.bridge.Close(); err != nil {
			log.Printf("Bridge close error: %v", err)
		}
	}

	r.connsMu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.connsMu.Unlock()

	for _, c := range conns {
		c.markClosed()
		c.ws.Close()
	}
	log.Printf("Chat relay shutdown complete (%d connections closed)", len(conns))
}
