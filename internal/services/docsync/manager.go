package docsync

import (
	"context"
	"log"
	"net/http"
	"sync"

	"projectlab/internal/crdt"
	"projectlab/internal/middleware"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

// Options tunes a Manager. Zero values fall back to sane defaults.
type Options struct {
	MaxMessageSize int64
	SendBuffer     int
	CheckOrigin    func(r *http.Request) bool

	// LoadUpdates, when set, seeds a freshly created room with previously
	// persisted updates. Merge is idempotent, so replaying the full history
	// is always safe.
	LoadUpdates func(docName string) [][]byte
	// StoreUpdate, when set, is called with every update applied to a
	// document, local or remote. Called from the manager loop; keep it
	// fast or hand off internally.
	StoreUpdate func(docName string, update []byte)
}

// Room owns the canonical state for one document name: exactly one document,
// one awareness instance, and the live socket set. Created lazily on the
// first connection. When the last socket leaves, the socket set empties but
// the document and awareness are retained, so a client that reconnects after
// a blip rejoins mid-state instead of losing history. Nothing evicts a
// retained room; memory growth is bounded only by the set of document names
// ever opened.
type Room struct {
	name      string
	doc       *crdt.Doc
	awareness *crdt.Awareness
	conns     map[*Conn]struct{}
}

// Doc returns the room's canonical document.
func (r *Room) Doc() *crdt.Doc {
	return r.doc
}

// Awareness returns the room's presence state.
func (r *Room) Awareness() *crdt.Awareness {
	return r.awareness
}

type registration struct {
	roomName string
	conn     *Conn
}

type inboundMessage struct {
	conn *Conn
	data []byte
}

// Manager hosts every document room in the process. A single event loop
// handles every registration, message and disconnect to completion before
// the next one, which serializes all document and awareness mutation:
// updates are applied to the canonical document exactly once and broadcast
// order to peers equals application order.
type Manager struct {
	upgrader   websocket.Upgrader
	maxMsgSize int64
	sendBuffer int

	loadUpdates func(docName string) [][]byte
	storeUpdate func(docName string, update []byte)

	// roomsMu guards the rooms index and every room's conns set. Only the
	// run loop mutates them; the mutex exists for stats and shutdown reads
	// from other goroutines.
	roomsMu sync.RWMutex
	rooms   map[string]*Room

	register   chan registration
	unregister chan *Conn
	inbound    chan inboundMessage
	done       chan struct{}
}

func NewManager(opts Options) *Manager {
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

	return &Manager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		maxMsgSize:  opts.MaxMessageSize,
		sendBuffer:  opts.SendBuffer,
		loadUpdates: opts.LoadUpdates,
		storeUpdate: opts.StoreUpdate,
		rooms:       make(map[string]*Room),
		register:    make(chan registration),
		unregister:  make(chan *Conn),
		inbound:     make(chan inboundMessage, 256),
		done:        make(chan struct{}),
	}
}

// Start launches the manager event loop.
func (m *Manager) Start() {
	go m.run()
	log.Println("Document session manager started")
}

func (m *Manager) run() {
	for {
		select {
		case <-m.done:
			return
		case reg := <-m.register:
			m.handleRegister(reg)
		case c := <-m.unregister:
			m.handleUnregister(c)
		case msg := <-m.inbound:
			m.handleMessage(msg)
		}
	}
}

func (m *Manager) handleRegister(reg registration) {
	room := m.getOrCreateRoom(reg.roomName)
	reg.conn.room = room

	m.roomsMu.Lock()
	room.conns[reg.conn] = struct{}{}
	clients := len(room.conns)
	m.roomsMu.Unlock()

	log.Printf("Doc client %s joined room %q (clients: %d)", reg.conn.addr, room.name, clients)

	// Sync handshake opener: ask the new client for what we're missing.
	reg.conn.trySend(crdt.EncodeSyncStep1(room.doc))

	// Late joiners see existing cursors without waiting for their owners
	// to move.
	if all := room.awareness.EncodeAll(); all != nil {
		reg.conn.trySend(crdt.EncodeAwareness(all))
	}
}

func (m *Manager) handleUnregister(c *Conn) {
	room := c.room
	if room == nil {
		return
	}

	m.roomsMu.Lock()
	_, ok := room.conns[c]
	if ok {
		delete(room.conns, c)
	}
	clients := len(room.conns)
	m.roomsMu.Unlock()
	if !ok {
		return
	}

	c.markClosed()
	close(c.send)

	// Removing the disconnected socket's clientIDs rides the normal
	// awareness broadcast path, so the remaining clients see the cursors
	// disappear.
	if len(c.owned) > 0 {
		ids := make([]uint64, 0, len(c.owned))
		for id := range c.owned {
			ids = append(ids, id)
		}
		room.awareness.RemoveStates(ids, c)
	}

	log.Printf("Doc client %s left room %q (clients: %d)", c.addr, room.name, clients)
}

// handleMessage dispatches one binary frame. Malformed frames are dropped
// silently; the connection stays open.
func (m *Manager) handleMessage(msg inboundMessage) {
	room := msg.conn.room
	if room == nil {
		return
	}

	_, span := middleware.StartSpan(context.Background(), "DocSync.ProcessMessage",
		attribute.String("room.name", room.name),
		attribute.Int("message.size", len(msg.data)),
	)
	defer span.End()

	dec := crdt.NewDecoder(msg.data)
	tag, err := dec.ReadUvarint()
	if err != nil {
		log.Printf("Dropping doc frame from %s: %v", msg.conn.addr, err)
		return
	}

	switch tag {
	case crdt.MessageSync:
		// The reply goes only to the requester. Any document mutation the
		// update caused reaches the other sockets through the room's
		// OnUpdate subscription instead.
		reply, err := crdt.HandleSyncMessage(dec, room.doc, msg.conn)
		if err != nil {
			log.Printf("Dropping sync frame from %s: %v", msg.conn.addr, err)
			return
		}
		if len(reply) > 1 {
			msg.conn.trySend(reply)
		}

	case crdt.MessageAwareness:
		update, err := dec.ReadBytes()
		if err != nil {
			log.Printf("Dropping awareness frame from %s: %v", msg.conn.addr, err)
			return
		}
		// Record ownership before applying: cleanup bookkeeping only,
		// never validation.
		ids, err := crdt.UpdateClientIDs(update)
		if err != nil {
			log.Printf("Dropping awareness frame from %s: %v", msg.conn.addr, err)
			return
		}
		for _, id := range ids {
			msg.conn.owned[id] = struct{}{}
		}
		if err := room.awareness.ApplyUpdate(update, msg.conn); err != nil {
			log.Printf("Awareness apply failed for %s: %v", msg.conn.addr, err)
		}

	case crdt.MessageQueryAwareness:
		if all := room.awareness.EncodeAll(); all != nil {
			msg.conn.trySend(crdt.EncodeAwareness(all))
		}

	default:
		log.Printf("Dropping doc frame with unknown tag %d from %s", tag, msg.conn.addr)
	}
}

// getOrCreateRoom returns the room for a document name, creating the
// document and awareness lazily on first join. The broadcast subscriptions
// are wired once per room: every mutation fans out to all sockets except the
// one identified as origin, suppressing the sender's echo.
func (m *Manager) getOrCreateRoom(name string) *Room {
	m.roomsMu.RLock()
	room := m.rooms[name]
	m.roomsMu.RUnlock()
	if room != nil {
		return room
	}

	room = &Room{
		name:      name,
		doc:       crdt.NewDoc(),
		awareness: crdt.NewAwareness(),
		conns:     make(map[*Conn]struct{}),
	}

	if m.loadUpdates != nil {
		for _, update := range m.loadUpdates(name) {
			if err := room.doc.ApplyUpdate(update, nil); err != nil {
				log.Printf("Skipping bad persisted update for doc %q: %v", name, err)
			}
		}
	}

	room.doc.OnUpdate(func(update []byte, origin any) {
		m.broadcastToRoom(room, crdt.EncodeSyncUpdate(update), origin)
		if m.storeUpdate != nil {
			m.storeUpdate(name, update)
		}
	})

	room.awareness.OnUpdate(func(update []byte, origin any) {
		m.broadcastToRoom(room, crdt.EncodeAwareness(update), origin)
	})

	m.roomsMu.Lock()
	m.rooms[name] = room
	m.roomsMu.Unlock()

	log.Printf("Created document room %q", name)
	return room
}

// broadcastToRoom delivers a frame to every socket in the room except the
// origin. Origin is compared by exact identity; see the crdt.Doc contract.
func (m *Manager) broadcastToRoom(room *Room, frame []byte, origin any) {
	m.roomsMu.RLock()
	conns := make([]*Conn, 0, len(room.conns))
	for c := range room.conns {
		conns = append(conns, c)
	}
	m.roomsMu.RUnlock()

	for _, c := range conns {
		if c == origin {
			continue
		}
		c.trySend(frame)
	}
}

// ServeWS upgrades the request and attaches the socket to the named room.
func (m *Manager) ServeWS(w http.ResponseWriter, req *http.Request, roomName string) {
	ws, err := m.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("Doc upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(m.maxMsgSize)

	c := newConn(ws, m, req.RemoteAddr)
	m.register <- registration{roomName: roomName, conn: c}

	go c.writePump()
	go c.readPump()
}

// Room returns the room for a document name, or nil. Intended for stats and
// tests; the returned room's conns set must not be touched outside the loop.
func (m *Manager) Room(name string) *Room {
	m.roomsMu.RLock()
	defer m.roomsMu.RUnlock()
	return m.rooms[name]
}

// Stats reports retained room count and rooms with at least one live socket.
func (m *Manager) Stats() (retained, active int) {
	m.roomsMu.RLock()
	defer m.roomsMu.RUnlock()

	for _, room := range m.rooms {
		retained++
		if len(room.conns) > 0 {
			active++
		}
	}
	return retained, active
}

// Shutdown stops the event loop and closes every document socket. All
// in-memory document and awareness state is lost; durability is the
// application layer's concern.
func (m *Manager) Shutdown() {
	close(m.done)

	m.roomsMu.RLock()
	var conns []*Conn
	for _, room := range m.rooms {
		for c := range room.conns {
			conns = append(conns, c)
		}
	}
	m.roomsMu.RUnlock()

	for _, c := range conns {
		c.markClosed()
		c.ws.Close()
	}
	log.Printf("Document session manager shutdown complete (%d connections closed)", len(conns))
}
