package crdt

import (
	"fmt"
	"sort"
	"sync"
)

// Doc is the shared-document primitive the sync protocol transports. The
// merge model is a grow-only per-actor update log: an update frame carries a
// set of segments (actor, seq, payload), merging is idempotent per
// (actor, seq), and two documents that have exchanged their missing segments
// are byte-identical. Conflict resolution inside payloads is the editor's
// concern; this layer only guarantees deterministic, exactly-once merge and
// state-vector-based diffs.
//
// Origin contract: the origin passed to ApplyUpdate is forwarded untouched to
// every update handler and compared by exact identity (==) to suppress
// echoing an update back to the socket that sent it. Any proxying or
// multiplexing layer must preserve that identity.
type Doc struct {
	mu       sync.Mutex
	log      map[uint64][][]byte // actor -> payloads, index i holds seq i+1
	handlers []UpdateHandler
}

// UpdateHandler observes document mutations. The update argument contains
// exactly the newly merged segments, re-encoded; origin is whatever the
// caller passed to ApplyUpdate (nil for local edits).
type UpdateHandler func(update []byte, origin any)

type segment struct {
	actor uint64
	seq   uint64
	data  []byte
}

func NewDoc() *Doc {
	return &Doc{log: make(map[uint64][][]byte)}
}

// OnUpdate registers a mutation observer. Handlers run synchronously, in
// registration order, after the merge completes.
func (d *Doc) OnUpdate(h UpdateHandler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// ApplyUpdate merges an encoded update into the document. Segments already
// applied are skipped, so redelivery is harmless. Handlers fire only when at
// least one segment was new.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	segs, err := decodeSegments(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	var applied []segment
	for _, s := range segs {
		next := uint64(len(d.log[s.actor])) + 1
		if s.seq < next {
			continue // already applied
		}
		if s.seq > next {
			continue // out-of-order segment from a diverged peer; drop
		}
		d.log[s.actor] = append(d.log[s.actor], s.data)
		applied = append(applied, s)
	}
	handlers := append([]UpdateHandler(nil), d.handlers...)
	d.mu.Unlock()

	if len(applied) == 0 {
		return nil
	}

	encoded := encodeSegments(applied)
	for _, h := range handlers {
		h(encoded, origin)
	}
	return nil
}

// AppendLocal records a local edit under the given actor and returns the
// encoded update to send to peers. Handlers fire with a nil origin.
func (d *Doc) AppendLocal(actor uint64, data []byte) []byte {
	d.mu.Lock()
	seq := uint64(len(d.log[actor])) + 1
	d.log[actor] = append(d.log[actor], data)
	handlers := append([]UpdateHandler(nil), d.handlers...)
	d.mu.Unlock()

	encoded := encodeSegments([]segment{{actor: actor, seq: seq, data: data}})
	for _, h := range handlers {
		h(encoded, nil)
	}
	return encoded
}

// StateVector encodes the document's applied-segment counts per actor.
// Actors are written in ascending order so the encoding is deterministic.
func (d *Doc) StateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	actors := sortedActors(d.log)
	enc := NewEncoder()
	enc.WriteUvarint(uint64(len(actors)))
	for _, a := range actors {
		enc.WriteUvarint(a)
		enc.WriteUvarint(uint64(len(d.log[a])))
	}
	return enc.Bytes()
}

// DiffFrom returns one merged update holding every segment the remote state
// vector is missing, or nil when the remote is already up to date. This is
// what a late joiner receives instead of a replay of historical frames.
func (d *Doc) DiffFrom(stateVector []byte) ([]byte, error) {
	remote, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var missing []segment
	for _, a := range sortedActors(d.log) {
		entries := d.log[a]
		for i := int(remote[a]); i < len(entries); i++ {
			missing = append(missing, segment{actor: a, seq: uint64(i) + 1, data: entries[i]})
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return encodeSegments(missing), nil
}

// EncodeStateAsUpdate returns the full document as a single update.
func (d *Doc) EncodeStateAsUpdate() []byte {
	update, _ := d.DiffFrom(emptyStateVector())
	return update
}

// SegmentCount reports the total number of applied segments.
func (d *Doc) SegmentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	total := 0
	for _, entries := range d.log {
		total += len(entries)
	}
	return total
}

func emptyStateVector() []byte {
	enc := NewEncoder()
	enc.WriteUvarint(0)
	return enc.Bytes()
}

func sortedActors(log map[uint64][][]byte) []uint64 {
	actors := make([]uint64, 0, len(log))
	for a := range log {
		actors = append(actors, a)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })
	return actors
}

func encodeSegments(segs []segment) []byte {
	enc := NewEncoder()
	enc.WriteUvarint(uint64(len(segs)))
	for _, s := range segs {
		enc.WriteUvarint(s.actor)
		enc.WriteUvarint(s.seq)
		enc.WriteBytes(s.data)
	}
	return enc.Bytes()
}

func decodeSegments(update []byte) ([]segment, error) {
	dec := NewDecoder(update)
	count, err := dec.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	// Cap the preallocation; the count varint is attacker-controlled.
	segs := make([]segment, 0, min(count, 1024))
	for i := uint64(0); i < count; i++ {
		actor, err := dec.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("decode update segment %d: %w", i, err)
		}
		seq, err := dec.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("decode update segment %d: %w", i, err)
		}
		data, err := dec.ReadBytes()
		if err != nil {
			return nil, fmt.Errorf("decode update segment %d: %w", i, err)
		}
		segs = append(segs, segment{actor: actor, seq: seq, data: data})
	}
	return segs, nil
}

func decodeStateVector(sv []byte) (map[uint64]uint64, error) {
	remote := make(map[uint64]uint64)
	if len(sv) == 0 {
		return remote, nil
	}
	dec := NewDecoder(sv)
	count, err := dec.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("decode state vector: %w", err)
	}
	for i := uint64(0); i < count; i++ {
		actor, err := dec.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("decode state vector entry %d: %w", i, err)
		}
		n, err := dec.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("decode state vector entry %d: %w", i, err)
		}
		remote[actor] = n
	}
	return remote, nil
}
