package crdt

import "fmt"

// Outer message-type tags, one varint at the start of every binary frame on a
// document socket.
const (
	MessageSync           uint64 = 0
	MessageAwareness      uint64 = 1
	MessageQueryAwareness uint64 = 3
)

// Sync sub-protocol tags, the varint following a MessageSync tag.
const (
	SyncStep1  uint64 = 0 // state-vector request
	SyncStep2  uint64 = 1 // diff reply
	SyncUpdate uint64 = 2 // incremental update
)

// EncodeSyncStep1 builds the state-vector request the server sends every
// newly connected socket.
func EncodeSyncStep1(doc *Doc) []byte {
	enc := NewEncoder()
	enc.WriteUvarint(MessageSync)
	enc.WriteUvarint(SyncStep1)
	enc.WriteBytes(doc.StateVector())
	return enc.Bytes()
}

// EncodeSyncStep2 wraps a diff update as a sync step 2 frame.
func EncodeSyncStep2(update []byte) []byte {
	enc := NewEncoder()
	enc.WriteUvarint(MessageSync)
	enc.WriteUvarint(SyncStep2)
	enc.WriteBytes(update)
	return enc.Bytes()
}

// EncodeSyncUpdate wraps an incremental document update.
func EncodeSyncUpdate(update []byte) []byte {
	enc := NewEncoder()
	enc.WriteUvarint(MessageSync)
	enc.WriteUvarint(SyncUpdate)
	enc.WriteBytes(update)
	return enc.Bytes()
}

// EncodeAwareness wraps an awareness delta.
func EncodeAwareness(update []byte) []byte {
	enc := NewEncoder()
	enc.WriteUvarint(MessageAwareness)
	enc.WriteBytes(update)
	return enc.Bytes()
}

// EncodeQueryAwareness builds a request for the full awareness state.
func EncodeQueryAwareness() []byte {
	enc := NewEncoder()
	enc.WriteUvarint(MessageQueryAwareness)
	return enc.Bytes()
}

// HandleSyncMessage processes the body of a MessageSync frame (the decoder
// must be positioned just past the outer tag) against the canonical
// document. The returned reply, if any, is for the sending socket only;
// propagation of applied updates to other sockets happens through the
// document's OnUpdate subscription, decoupling "answer the requester" from
// "inform everyone else". A nil reply means the sub-protocol produced
// nothing worth sending.
func HandleSyncMessage(dec *Decoder, doc *Doc, origin any) ([]byte, error) {
	step, err := dec.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("read sync step: %w", err)
	}

	switch step {
	case SyncStep1:
		sv, err := dec.ReadBytes()
		if err != nil {
			return nil, fmt.Errorf("read state vector: %w", err)
		}
		diff, err := doc.DiffFrom(sv)
		if err != nil {
			return nil, err
		}
		if diff == nil {
			return nil, nil
		}
		return EncodeSyncStep2(diff), nil

	case SyncStep2, SyncUpdate:
		update, err := dec.ReadBytes()
		if err != nil {
			return nil, fmt.Errorf("read sync update: %w", err)
		}
		if err := doc.ApplyUpdate(update, origin); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown sync step %d", step)
	}
}
