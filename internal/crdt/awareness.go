package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

var nullState = []byte("null")

// Awareness holds ephemeral per-client presence state (cursor positions,
// selections): clientID -> (clock, JSON state). Entries are last-writer-wins
// on the clock; a JSON null state is a removal tombstone. Nothing here is
// persisted — awareness dies with the process by design.
//
// Origin follows the same contract as Doc: passed through to handlers
// untouched and compared by identity for echo suppression.
type Awareness struct {
	mu       sync.Mutex
	states   map[uint64]*awarenessEntry
	handlers []AwarenessHandler
}

// AwarenessHandler observes awareness changes. The update argument is the
// encoded delta of exactly the entries that changed.
type AwarenessHandler func(update []byte, origin any)

type awarenessEntry struct {
	clock uint64
	state []byte // nil after removal
}

func NewAwareness() *Awareness {
	return &Awareness{states: make(map[uint64]*awarenessEntry)}
}

// OnUpdate registers a change observer. Handlers run synchronously after the
// change is applied.
func (a *Awareness) OnUpdate(h AwarenessHandler) {
	a.mu.Lock()
	a.handlers = append(a.handlers, h)
	a.mu.Unlock()
}

// ApplyUpdate merges an encoded awareness update. Entries with a clock not
// newer than the known one are ignored. Handlers fire with the delta of
// applied entries when at least one entry changed.
func (a *Awareness) ApplyUpdate(update []byte, origin any) error {
	entries, err := decodeAwareness(update)
	if err != nil {
		return err
	}

	a.mu.Lock()
	var changed []wireAwarenessEntry
	for _, e := range entries {
		cur, known := a.states[e.clientID]
		if known && e.clock <= cur.clock {
			continue
		}
		if isNullState(e.state) {
			a.states[e.clientID] = &awarenessEntry{clock: e.clock, state: nil}
		} else {
			a.states[e.clientID] = &awarenessEntry{clock: e.clock, state: e.state}
		}
		changed = append(changed, e)
	}
	handlers := append([]AwarenessHandler(nil), a.handlers...)
	a.mu.Unlock()

	if len(changed) == 0 {
		return nil
	}

	encoded := encodeAwareness(changed)
	for _, h := range handlers {
		h(encoded, origin)
	}
	return nil
}

// SetLocalState records a client's presence state locally and returns the
// encoded delta to send to peers. A nil state removes the client.
func (a *Awareness) SetLocalState(clientID uint64, state json.RawMessage) []byte {
	a.mu.Lock()
	cur := a.states[clientID]
	clock := uint64(1)
	if cur != nil {
		clock = cur.clock + 1
	}
	wire := wireAwarenessEntry{clientID: clientID, clock: clock}
	if state == nil {
		a.states[clientID] = &awarenessEntry{clock: clock, state: nil}
		wire.state = nullState
	} else {
		a.states[clientID] = &awarenessEntry{clock: clock, state: state}
		wire.state = state
	}
	handlers := append([]AwarenessHandler(nil), a.handlers...)
	a.mu.Unlock()

	encoded := encodeAwareness([]wireAwarenessEntry{wire})
	for _, h := range handlers {
		h(encoded, nil)
	}
	return encoded
}

// RemoveStates tombstones the given clientIDs (typically everything a
// disconnecting socket introduced) and notifies handlers so peers see the
// cursors disappear. Unknown IDs are ignored.
func (a *Awareness) RemoveStates(clientIDs []uint64, origin any) {
	a.mu.Lock()
	var removed []wireAwarenessEntry
	for _, id := range clientIDs {
		cur, known := a.states[id]
		if !known || cur.state == nil {
			continue
		}
		cur.clock++
		cur.state = nil
		removed = append(removed, wireAwarenessEntry{clientID: id, clock: cur.clock, state: nullState})
	}
	handlers := append([]AwarenessHandler(nil), a.handlers...)
	a.mu.Unlock()

	if len(removed) == 0 {
		return
	}

	encoded := encodeAwareness(removed)
	for _, h := range handlers {
		h(encoded, origin)
	}
}

// EncodeAll returns the full set of live (non-removed) states as one update,
// or nil when no client is present. Sent proactively to late joiners and in
// reply to a query-awareness frame.
func (a *Awareness) EncodeAll() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]uint64, 0, len(a.states))
	for id, e := range a.states {
		if e.state != nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	entries := make([]wireAwarenessEntry, 0, len(ids))
	for _, id := range ids {
		e := a.states[id]
		entries = append(entries, wireAwarenessEntry{clientID: id, clock: e.clock, state: e.state})
	}
	return encodeAwareness(entries)
}

// States returns a copy of the live presence states.
func (a *Awareness) States() map[uint64]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[uint64]json.RawMessage, len(a.states))
	for id, e := range a.states {
		if e.state != nil {
			out[id] = append(json.RawMessage(nil), e.state...)
		}
	}
	return out
}

// UpdateClientIDs lists every clientID mentioned in an encoded awareness
// update, without applying it. The session layer uses this to track which
// IDs a socket introduced so disconnect cleanup removes exactly those.
func UpdateClientIDs(update []byte) ([]uint64, error) {
	entries, err := decodeAwareness(update)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.clientID)
	}
	return ids, nil
}

type wireAwarenessEntry struct {
	clientID uint64
	clock    uint64
	state    []byte
}

func isNullState(state []byte) bool {
	return len(state) == 0 || bytes.Equal(state, nullState)
}

func encodeAwareness(entries []wireAwarenessEntry) []byte {
	enc := NewEncoder()
	enc.WriteUvarint(uint64(len(entries)))
	for _, e := range entries {
		enc.WriteUvarint(e.clientID)
		enc.WriteUvarint(e.clock)
		enc.WriteBytes(e.state)
	}
	return enc.Bytes()
}

func decodeAwareness(update []byte) ([]wireAwarenessEntry, error) {
	dec := NewDecoder(update)
	count, err := dec.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("decode awareness update: %w", err)
	}
	// Cap the preallocation; the count varint is attacker-controlled.
	entries := make([]wireAwarenessEntry, 0, min(count, 1024))
	for i := uint64(0); i < count; i++ {
		clientID, err := dec.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("decode awareness entry %d: %w", i, err)
		}
		clock, err := dec.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("decode awareness entry %d: %w", i, err)
		}
		state, err := dec.ReadBytes()
		if err != nil {
			return nil, fmt.Errorf("decode awareness entry %d: %w", i, err)
		}
		entries = append(entries, wireAwarenessEntry{clientID: clientID, clock: clock, state: state})
	}
	return entries, nil
}
