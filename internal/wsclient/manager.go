package wsclient

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"projectlab/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

var (
	// ErrTimeout reports that a connection wait expired. Side effects of
	// the waiting call (a ledger entry, a queued send) are NOT rolled
	// back; they take effect on the next successful connection.
	ErrTimeout = errors.New("wsclient: timed out waiting for connection")
	// ErrClosed reports a manual disconnect. Only a fresh Start reverses it.
	ErrClosed = errors.New("wsclient: manager disconnected")
)

// State of the physical socket.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// JoinResult tells a Join caller whether the frame went out now or will be
// replayed automatically on the next connection.
type JoinResult string

const (
	JoinSent     JoinResult = "sent"
	JoinDeferred JoinResult = "deferred"
)

// MessageHandler receives chat_message frames rebroadcast by the relay.
type MessageHandler func(roomID string, payload json.RawMessage)

// Config for a Manager. Zero durations fall back to defaults.
type Config struct {
	URL    string
	Dialer Dialer

	// ConnectTimeout bounds how long the socket may sit in CONNECTING
	// before the watchdog force-closes it, so the state machine cannot
	// wedge on a transport that silently hangs.
	ConnectTimeout time.Duration

	// BackoffBase and BackoffCap shape the reconnect delay:
	// min(base * 2^attempt, cap), attempt resetting on every OPEN.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	OnMessage MessageHandler
}

// Manager maintains the illusion of a stable logical connection and stable
// room memberships over one unreliable physical chat socket.
//
// The join ledger is the source of truth for membership: every roomID the
// application wants to be in stays in the ledger across disconnects, and on
// every (re)connection a join frame is re-issued for each entry — in no
// particular order, but always before the pending-send queue drains, and the
// queue drains strictly in FIFO order.
type Manager struct {
	cfg Config
	id  string

	mu        sync.Mutex
	state     State
	transport Transport
	ledger    map[string]struct{}
	queue     [][]byte
	waiters   []chan error
	manual    bool
	bo        *backoff.ExponentialBackOff
	retry     *time.Timer
	watchdog  *time.Timer
	// gen invalidates callbacks (dial results, watchdog firings, read
	// loops) that belong to a superseded connection attempt.
	gen uint64
}

func NewManager(cfg Config) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = GorillaDialer
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = cfg.BackoffCap
	bo.MaxElapsedTime = 0 // retry forever; only Disconnect stops the machine
	bo.Reset()

	return &Manager{
		cfg:    cfg,
		id:     uuid.NewString(),
		state:  StateDisconnected,
		ledger: make(map[string]struct{}),
		bo:     bo,
	}
}

// Start arms the manager and triggers a connect attempt. It also reverses a
// previous manual Disconnect.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manual = false
	m.ensureConnectingLocked()
}

// State returns the current physical connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Join records the room in the ledger immediately — the entry survives
// disconnects — then waits up to timeout for the connection and sends the
// join frame. On timeout the join is deferred: the ledger entry is replayed
// automatically the next time the socket reaches OPEN, with no further
// caller action.
func (m *Manager) Join(roomID string, timeout time.Duration) (JoinResult, error) {
	m.mu.Lock()
	if m.manual {
		m.mu.Unlock()
		return JoinDeferred, ErrClosed
	}
	m.ledger[roomID] = struct{}{}
	m.mu.Unlock()

	if err := m.WaitForConnection(timeout); err != nil {
		if errors.Is(err, ErrClosed) {
			return JoinDeferred, err
		}
		return JoinDeferred, nil
	}

	frame, err := (&models.Frame{Type: models.FrameJoin, RoomID: roomID}).Encode()
	if err != nil {
		return JoinDeferred, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen || m.transport == nil {
		return JoinDeferred, nil
	}
	if err := m.transport.WriteMessage(frame); err != nil {
		// The write raced a disconnect; the ledger entry covers us.
		return JoinDeferred, nil
	}
	return JoinSent, nil
}

// Leave removes the room from the ledger and, only if currently open, sends
// a leave frame. No queueing: leaving a room you were never fully joined to
// is harmless.
func (m *Manager) Leave(roomID string) {
	frame, err := (&models.Frame{Type: models.FrameLeave, RoomID: roomID}).Encode()
	if err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ledger, roomID)
	if m.state == StateOpen && m.transport != nil {
		if err := m.transport.WriteMessage(frame); err != nil {
			log.Printf("Chat client %s: leave write failed: %v", m.id, err)
		}
	}
}

// Send broadcasts a payload to the room, immediately when open, otherwise
// via the unbounded FIFO pending queue. The caller is never blocked or
// rejected for being offline.
func (m *Manager) Send(roomID string, payload json.RawMessage) {
	frame, err := (&models.Frame{Type: models.FrameChatMessage, RoomID: roomID, Payload: payload}).Encode()
	if err != nil {
		log.Printf("Chat client %s: dropping unencodable payload: %v", m.id, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateOpen && m.transport != nil {
		if err := m.transport.WriteMessage(frame); err == nil {
			return
		}
		// Failed mid-flight; fall through to the queue for redelivery.
	}
	m.queue = append(m.queue, frame)
}

// WaitForConnection resolves immediately when open; otherwise it registers a
// waiter, triggers a connect attempt, and fails with ErrTimeout when the
// deadline passes. A timeout does not undo the caller's side effects.
func (m *Manager) WaitForConnection(timeout time.Duration) error {
	m.mu.Lock()
	if m.state == StateOpen {
		m.mu.Unlock()
		return nil
	}
	if m.manual {
		m.mu.Unlock()
		return ErrClosed
	}
	ch := make(chan error, 1)
	m.waiters = append(m.waiters, ch)
	m.ensureConnectingLocked()
	m.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		return ErrTimeout
	}
}

// Wake triggers an immediate reconnect attempt, bypassing any pending
// backoff delay. Wire it to "network came back" and "tab became visible"
// style signals; it is a no-op when open, already connecting, or manually
// disconnected.
func (m *Manager) Wake() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manual || m.state != StateDisconnected {
		return
	}
	m.bo.Reset()
	m.ensureConnectingLocked()
}

// Disconnect permanently stops the state machine: no further auto-reconnect,
// timers cancelled, ledger and queue cleared, waiters rejected, socket
// closed. Only a fresh Start resumes.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.gen++
	m.stopTimersLocked()
	m.ledger = make(map[string]struct{})
	m.queue = nil
	for _, ch := range m.waiters {
		ch <- ErrClosed
	}
	m.waiters = nil
	t := m.transport
	m.transport = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if t != nil {
		t.Close()
	}
	log.Printf("Chat client %s: manually disconnected", m.id)
}

// JoinedRooms snapshots the ledger.
func (m *Manager) JoinedRooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]string, 0, len(m.ledger))
	for r := range m.ledger {
		rooms = append(rooms, r)
	}
	return rooms
}

// PendingSends reports the queue depth.
func (m *Manager) PendingSends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// --- state machine internals (all *Locked helpers require m.mu held) ---

func (m *Manager) ensureConnectingLocked() {
	if m.manual || m.state != StateDisconnected {
		return
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}

	m.state = StateConnecting
	m.gen++
	g := m.gen

	m.watchdog = time.AfterFunc(m.cfg.ConnectTimeout, func() {
		m.watchdogFired(g)
	})
	go m.dial(g)
}

func (m *Manager) dial(g uint64) {
	t, err := m.cfg.Dialer(m.cfg.URL)

	m.mu.Lock()
	if m.gen != g || m.state != StateConnecting {
		m.mu.Unlock()
		if t != nil {
			t.Close()
		}
		return
	}
	if err != nil {
		log.Printf("Chat client %s: dial failed: %v", m.id, err)
		m.failAttemptLocked()
		m.mu.Unlock()
		return
	}
	m.openLocked(t)
	m.mu.Unlock()
}

// watchdogFired force-fails an attempt stuck in CONNECTING so the machine
// can retry cleanly instead of wedging on a silently hung transport.
func (m *Manager) watchdogFired(g uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != g || m.state != StateConnecting {
		return
	}
	log.Printf("Chat client %s: connect watchdog fired", m.id)
	m.failAttemptLocked()
}

func (m *Manager) failAttemptLocked() {
	m.gen++ // discard the in-flight dial result
	m.stopTimersLocked()
	m.state = StateDisconnected
	if !m.manual {
		m.scheduleRetryLocked()
	}
}

func (m *Manager) scheduleRetryLocked() {
	delay := m.bo.NextBackOff()
	m.retry = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.retry = nil
		m.ensureConnectingLocked()
		m.mu.Unlock()
	})
}

func (m *Manager) stopTimersLocked() {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// openLocked transitions to OPEN: replay every ledger entry (set order,
// unspecified), then drain the pending queue in FIFO order, then resolve
// every outstanding waiter.
func (m *Manager) openLocked(t Transport) {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	m.transport = t
	m.state = StateOpen
	m.bo.Reset() // attempt counter resets on every successful OPEN

	log.Printf("Chat client %s: connected (%d rooms, %d queued sends)", m.id, len(m.ledger), len(m.queue))

	for roomID := range m.ledger {
		frame, err := (&models.Frame{Type: models.FrameJoin, RoomID: roomID}).Encode()
		if err != nil {
			continue
		}
		if err := t.WriteMessage(frame); err != nil {
			// The transport died mid-replay; the read loop will notice
			// and the ledger replays in full next time.
			break
		}
	}

	for len(m.queue) > 0 {
		if err := t.WriteMessage(m.queue[0]); err != nil {
			break // keep the unsent tail for the next connection
		}
		m.queue = m.queue[1:]
	}

	for _, ch := range m.waiters {
		ch <- nil
	}
	m.waiters = nil

	go m.readLoop(t, m.gen)
}

func (m *Manager) readLoop(t Transport, g uint64) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			m.transportClosed(g)
			return
		}
		frame, err := models.ParseFrame(data)
		if err != nil {
			continue // malformed inbound frame: silent drop
		}
		if frame.Type == models.FrameChatMessage && m.cfg.OnMessage != nil {
			m.cfg.OnMessage(frame.RoomID, frame.Payload)
		}
	}
}

func (m *Manager) transportClosed(g uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != g {
		return
	}
	m.gen++
	if m.transport != nil {
		m.transport.Close()
		m.transport = nil
	}
	m.state = StateDisconnected
	if !m.manual {
		log.Printf("Chat client %s: connection lost, scheduling reconnect", m.id)
		m.scheduleRetryLocked()
	}
}
