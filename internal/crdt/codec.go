package crdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Binary framing shared by the sync and awareness sub-protocols: unsigned
// LEB128 varints and length-prefixed byte strings.

// Encoder builds a binary frame.
type Encoder struct {
	buf bytes.Buffer
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) WriteUvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	e.buf.Write(tmp[:n])
}

// WriteBytes writes a varint length prefix followed by the raw bytes.
func (e *Encoder) WriteBytes(p []byte) {
	e.WriteUvarint(uint64(len(p)))
	e.buf.Write(p)
}

func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

func (e *Encoder) Len() int {
	return e.buf.Len()
}

// Decoder reads a binary frame.
type Decoder struct {
	r *bytes.Reader
}

func NewDecoder(p []byte) *Decoder {
	return &Decoder{r: bytes.NewReader(p)}
}

func (d *Decoder) ReadUvarint() (uint64, error) {
	v, err := binary.ReadUvarint(d.r)
	if err != nil {
		return 0, fmt.Errorf("read varint: %w", err)
	}
	return v, nil
}

func (d *Decoder) ReadBytes() ([]byte, error) {
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.r.Len()) {
		return nil, fmt.Errorf("byte string length %d exceeds remaining %d bytes", n, d.r.Len())
	}
	p := make([]byte, n)
	if _, err := d.r.Read(p); err != nil {
		return nil, fmt.Errorf("read byte string: %w", err)
	}
	return p, nil
}

// Remaining reports how many undecoded bytes are left.
func (d *Decoder) Remaining() int {
	return d.r.Len()
}
