package docsync

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"projectlab/internal/crdt"

	"github.com/gorilla/websocket"
)

func startManager(t *testing.T) (*Manager, string) {
	t.Helper()
	mgr := NewManager(Options{})
	mgr.Start()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		docName := strings.TrimPrefix(r.URL.Path, "/doc/")
		mgr.ServeWS(w, r, docName)
	}))
	t.Cleanup(func() {
		mgr.Shutdown()
		srv.Close()
	})

	return mgr, "ws" + strings.TrimPrefix(srv.URL, "http") + "/doc/"
}

func dialDoc(t *testing.T, base, docName string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(base+docName, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readBinary(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("expected a binary frame, got message type %d", mt)
	}
	return raw
}

func writeBinary(t *testing.T, ws *websocket.Conn, frame []byte) {
	t.Helper()
	if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func expectNoFrame(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, raw, err := ws.ReadMessage(); err == nil {
		t.Fatalf("expected no frame, got %d bytes", len(raw))
	}
}

// readSyncStep1 consumes and validates the greeting the server sends every
// new socket.
func readSyncStep1(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	dec := crdt.NewDecoder(readBinary(t, ws))
	tag, err := dec.ReadUvarint()
	if err != nil || tag != crdt.MessageSync {
		t.Fatalf("expected sync greeting, tag=%d err=%v", tag, err)
	}
	step, err := dec.ReadUvarint()
	if err != nil || step != crdt.SyncStep1 {
		t.Fatalf("expected sync step 1, step=%d err=%v", step, err)
	}
}

func waitForSegments(t *testing.T, mgr *Manager, docName string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if room := mgr.Room(docName); room != nil && room.Doc().SegmentCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("doc %q never reached %d segments", docName, want)
}

func TestServerGreetsWithSyncStep1(t *testing.T) {
	_, base := startManager(t)
	ws := dialDoc(t, base, "greeting")
	readSyncStep1(t, ws)
}

func TestUpdatePropagatesWithoutEcho(t *testing.T) {
	_, base := startManager(t)

	alice := dialDoc(t, base, "notes")
	bob := dialDoc(t, base, "notes")
	readSyncStep1(t, alice)
	readSyncStep1(t, bob)

	source := crdt.NewDoc()
	update := source.AppendLocal(1, []byte("hello"))
	writeBinary(t, alice, crdt.EncodeSyncUpdate(update))

	// Bob receives the update as a sync-update frame and converges.
	dec := crdt.NewDecoder(readBinary(t, bob))
	if tag, _ := dec.ReadUvarint(); tag != crdt.MessageSync {
		t.Fatalf("expected sync frame, got tag %d", tag)
	}
	mirror := crdt.NewDoc()
	if _, err := crdt.HandleSyncMessage(dec, mirror, nil); err != nil {
		t.Fatalf("bob could not apply broadcast: %v", err)
	}
	if mirror.SegmentCount() != 1 {
		t.Errorf("bob did not converge: %d segments", mirror.SegmentCount())
	}

	expectNoFrame(t, alice) // sender must not see its own update
}

func TestLateJoinerSyncsViaStateVector(t *testing.T) {
	mgr, base := startManager(t)

	alice := dialDoc(t, base, "history")
	readSyncStep1(t, alice)

	source := crdt.NewDoc()
	writeBinary(t, alice, crdt.EncodeSyncUpdate(source.AppendLocal(1, []byte("first"))))
	writeBinary(t, alice, crdt.EncodeSyncUpdate(source.AppendLocal(1, []byte("second"))))
	waitForSegments(t, mgr, "history", 2)

	// A late joiner announces an empty state vector and gets the full
	// document back as one step 2 diff, not a replay of frames.
	bob := dialDoc(t, base, "history")
	readSyncStep1(t, bob)

	local := crdt.NewDoc()
	writeBinary(t, bob, crdt.EncodeSyncStep1(local))

	dec := crdt.NewDecoder(readBinary(t, bob))
	if tag, _ := dec.ReadUvarint(); tag != crdt.MessageSync {
		t.Fatalf("expected sync reply, got tag %d", tag)
	}
	if _, err := crdt.HandleSyncMessage(dec, local, nil); err != nil {
		t.Fatalf("applying step 2 failed: %v", err)
	}
	if local.SegmentCount() != 2 {
		t.Errorf("late joiner did not converge: %d segments", local.SegmentCount())
	}
}

func TestDocumentRetainedAfterLastSocketLeaves(t *testing.T) {
	mgr, base := startManager(t)

	alice := dialDoc(t, base, "retained")
	readSyncStep1(t, alice)

	source := crdt.NewDoc()
	writeBinary(t, alice, crdt.EncodeSyncUpdate(source.AppendLocal(1, []byte("kept"))))
	waitForSegments(t, mgr, "retained", 1)

	alice.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, active := mgr.Stats(); active == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	room := mgr.Room("retained")
	if room == nil {
		t.Fatal("room was evicted when it emptied")
	}
	if room.Doc().SegmentCount() != 1 {
		t.Errorf("document content lost on empty: %d segments", room.Doc().SegmentCount())
	}
}

func TestAwarenessPropagationAndDisconnectCleanup(t *testing.T) {
	_, base := startManager(t)

	alice := dialDoc(t, base, "aw")
	bob := dialDoc(t, base, "aw")
	readSyncStep1(t, alice)
	readSyncStep1(t, bob)

	// Alice announces presence for client 77.
	local := crdt.NewAwareness()
	writeBinary(t, alice, crdt.EncodeAwareness(local.SetLocalState(77, json.RawMessage(`{"cursor":5}`))))

	mirror := crdt.NewAwareness()
	applyAwareness(t, readBinary(t, bob), mirror)
	if len(mirror.States()) != 1 {
		t.Fatalf("bob did not see alice's presence: %v", mirror.States())
	}

	// When alice's socket dies, the server must remove exactly the client
	// IDs her socket introduced and tell the survivors.
	alice.Close()
	applyAwareness(t, readBinary(t, bob), mirror)
	if len(mirror.States()) != 0 {
		t.Errorf("presence not cleaned up after disconnect: %v", mirror.States())
	}
}

func TestQueryAwarenessReturnsFullState(t *testing.T) {
	_, base := startManager(t)

	alice := dialDoc(t, base, "query")
	bob := dialDoc(t, base, "query")
	readSyncStep1(t, alice)
	readSyncStep1(t, bob)

	local := crdt.NewAwareness()
	writeBinary(t, alice, crdt.EncodeAwareness(local.SetLocalState(9, json.RawMessage(`{"here":true}`))))

	// Bob sees the incremental broadcast first.
	mirror := crdt.NewAwareness()
	applyAwareness(t, readBinary(t, bob), mirror)

	// Then asks for the full state and gets everything back.
	writeBinary(t, bob, crdt.EncodeQueryAwareness())
	full := crdt.NewAwareness()
	applyAwareness(t, readBinary(t, bob), full)
	if len(full.States()) != 1 {
		t.Errorf("query-awareness reply incomplete: %v", full.States())
	}
}

func TestLateJoinerReceivesExistingAwareness(t *testing.T) {
	_, base := startManager(t)

	alice := dialDoc(t, base, "late-aw")
	readSyncStep1(t, alice)

	local := crdt.NewAwareness()
	writeBinary(t, alice, crdt.EncodeAwareness(local.SetLocalState(3, json.RawMessage(`{"x":1}`))))
	// Wait until the server has applied it, or the late joiner races it.
	expectNoFrame(t, alice)

	bob := dialDoc(t, base, "late-aw")
	readSyncStep1(t, bob)

	mirror := crdt.NewAwareness()
	applyAwareness(t, readBinary(t, bob), mirror)
	if len(mirror.States()) != 1 {
		t.Errorf("late joiner did not receive existing presence: %v", mirror.States())
	}
}

func applyAwareness(t *testing.T, frame []byte, into *crdt.Awareness) {
	t.Helper()
	dec := crdt.NewDecoder(frame)
	tag, err := dec.ReadUvarint()
	if err != nil || tag != crdt.MessageAwareness {
		t.Fatalf("expected awareness frame, tag=%d err=%v", tag, err)
	}
	update, err := dec.ReadBytes()
	if err != nil {
		t.Fatalf("read awareness body: %v", err)
	}
	if err := into.ApplyUpdate(update, nil); err != nil {
		t.Fatalf("apply awareness: %v", err)
	}
}
