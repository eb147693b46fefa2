package wsclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"projectlab/internal/models"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte

	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-f.closed:
		return errors.New("transport closed")
	default:
	}
	f.mu.Lock()
	f.frames = append(f.frames, append([]byte(nil), data...))
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.inbox:
		return data, nil
	case <-f.closed:
		return nil, errors.New("transport closed")
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) sentFrames() []*models.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Frame, 0, len(f.frames))
	for _, raw := range f.frames {
		frame, err := models.ParseFrame(raw)
		if err != nil {
			continue
		}
		out = append(out, frame)
	}
	return out
}

// fakeDialer hands out fake transports and can be toggled to fail.
type fakeDialer struct {
	mu       sync.Mutex
	fail     bool
	attempts int
	conns    []*fakeTransport
}

func (d *fakeDialer) dial(string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.fail {
		return nil, fmt.Errorf("dial refused (attempt %d)", d.attempts)
	}
	t := newFakeTransport()
	d.conns = append(d.conns, t)
	return t, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) latest() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func newTestManager(d *fakeDialer, base, cap time.Duration) *Manager {
	return NewManager(Config{
		URL:            "ws://test/ws/chat",
		Dialer:         d.dial,
		ConnectTimeout: time.Second,
		BackoffBase:    base,
		BackoffCap:     cap,
	})
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("manager never reached state %v (now %v)", want, m.State())
}

func TestJoinWhileConnectedSendsImmediately(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, time.Millisecond, 10*time.Millisecond)
	m.Start()
	defer m.Disconnect()
	waitForState(t, m, StateOpen)

	result, err := m.Join("team_1", time.Second)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if result != JoinSent {
		t.Errorf("expected JoinSent, got %v", result)
	}

	frames := d.latest().sentFrames()
	if len(frames) != 1 || frames[0].Type != models.FrameJoin || frames[0].RoomID != "team_1" {
		t.Errorf("unexpected frames on the wire: %+v", frames)
	}
}

func TestJoinWhileDisconnectedIsDeferredThenReplayed(t *testing.T) {
	d := &fakeDialer{fail: true}
	m := newTestManager(d, time.Millisecond, 10*time.Millisecond)
	m.Start()
	defer m.Disconnect()

	result, err := m.Join("team_1", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("deferred Join must not error: %v", err)
	}
	if result != JoinDeferred {
		t.Errorf("expected JoinDeferred, got %v", result)
	}

	// The ledger survives the failed attempt and replays once the network
	// comes back, without any caller involvement.
	d.setFail(false)
	waitForState(t, m, StateOpen)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		frames := d.latest().sentFrames()
		if len(frames) == 1 && frames[0].Type == models.FrameJoin && frames[0].RoomID == "team_1" {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("join was never replayed: %+v", d.latest().sentFrames())
}

func TestReconnectReplaysLedgerBeforeQueue(t *testing.T) {
	d := &fakeDialer{}
	// A wider backoff keeps the manager observably disconnected while the
	// test queues sends.
	m := newTestManager(d, 50*time.Millisecond, 200*time.Millisecond)
	m.Start()
	defer m.Disconnect()
	waitForState(t, m, StateOpen)

	if _, err := m.Join("team_1", time.Second); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	first := d.latest()

	// Kill the connection and queue sends while offline.
	first.Close()
	waitForState(t, m, StateDisconnected)
	m.Send("team_1", json.RawMessage(`{"n":1}`))
	m.Send("team_1", json.RawMessage(`{"n":2}`))

	waitForState(t, m, StateOpen)
	second := d.latest()
	if second == first {
		t.Fatal("no new transport after reconnect")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(second.sentFrames()) == 3 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	frames := second.sentFrames()
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames after reconnect, got %d", len(frames))
	}
	if frames[0].Type != models.FrameJoin {
		t.Errorf("ledger must replay before the queue drains, first frame was %v", frames[0].Type)
	}
	if string(frames[1].Payload) != `{"n":1}` || string(frames[2].Payload) != `{"n":2}` {
		t.Errorf("queue not drained in FIFO order: %s then %s", frames[1].Payload, frames[2].Payload)
	}
}

func TestWaitForConnectionTimeout(t *testing.T) {
	// A huge backoff keeps the manager parked in DISCONNECTED after the
	// first failed dial.
	d := &fakeDialer{fail: true}
	m := newTestManager(d, time.Hour, time.Hour)
	m.Start()
	defer m.Disconnect()

	err := m.WaitForConnection(30 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestWakeBypassesBackoff(t *testing.T) {
	d := &fakeDialer{fail: true}
	m := newTestManager(d, time.Hour, time.Hour)
	m.Start()
	defer m.Disconnect()
	waitForState(t, m, StateDisconnected)

	// Without Wake the next attempt is an hour away.
	d.setFail(false)
	m.Wake()
	waitForState(t, m, StateOpen)
}

func TestManualDisconnectStopsEverything(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, time.Millisecond, 10*time.Millisecond)
	m.Start()
	waitForState(t, m, StateOpen)
	if _, err := m.Join("team_1", time.Second); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Errorf("expected DISCONNECTED after manual disconnect")
	}
	if err := m.WaitForConnection(20 * time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if result, err := m.Join("team_2", 20*time.Millisecond); result != JoinDeferred || !errors.Is(err, ErrClosed) {
		t.Errorf("Join after Disconnect: result=%v err=%v", result, err)
	}
	if rooms := m.JoinedRooms(); len(rooms) != 0 {
		t.Errorf("ledger not cleared on manual disconnect: %v", rooms)
	}

	dials := d.dialCount()
	m.Wake() // must be a no-op while manually disconnected
	time.Sleep(20 * time.Millisecond)
	if d.dialCount() != dials {
		t.Error("Wake dialed despite a manual disconnect")
	}

	// A fresh Start reverses the manual stop.
	m.Start()
	waitForState(t, m, StateOpen)
	m.Disconnect()
}

func TestSendNeverBlocksOrErrors(t *testing.T) {
	d := &fakeDialer{fail: true}
	m := newTestManager(d, time.Hour, time.Hour)
	m.Start()
	defer m.Disconnect()

	for i := 0; i < 100; i++ {
		m.Send("r", json.RawMessage(`{"i":1}`))
	}
	if n := m.PendingSends(); n != 100 {
		t.Errorf("expected 100 queued sends, got %d", n)
	}
}

func TestInboundMessagesReachHandler(t *testing.T) {
	d := &fakeDialer{}
	received := make(chan string, 1)

	m := NewManager(Config{
		URL:         "ws://test/ws/chat",
		Dialer:      d.dial,
		BackoffBase: time.Millisecond,
		BackoffCap:  10 * time.Millisecond,
		OnMessage: func(roomID string, payload json.RawMessage) {
			received <- roomID + ":" + string(payload)
		},
	})
	m.Start()
	defer m.Disconnect()
	waitForState(t, m, StateOpen)

	d.latest().inbox <- []byte(`{"type":"chat_message","roomId":"r1","payload":{"text":"hi"}}`)

	select {
	case got := <-received:
		if got != `r1:{"text":"hi"}` {
			t.Errorf("handler saw %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}

	// Malformed inbound frames are dropped without killing the read loop.
	d.latest().inbox <- []byte(`garbage`)
	d.latest().inbox <- []byte(`{"type":"chat_message","roomId":"r2","payload":{}}`)
	select {
	case got := <-received:
		if got != `r2:{}` {
			t.Errorf("handler saw %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("read loop died on a malformed frame")
	}
}
