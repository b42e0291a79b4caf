// Package stream splits packets too large for a single frame into a
// StreamHead followed by contiguous StreamChunks, and reassembles them on
// the receiving side.
package stream

import (
	"fmt"
	"sync/atomic"

	"github.com/1ureka/claj/internal/protocol"
)

const (
	// MaxInline is the hard limit of a single frame body (16-bit length).
	MaxInline = 65535
	// SplitSize is the body size above which packets are sent chunked, and
	// the size of every chunk but the last.
	SplitSize = 8128
	// MaxTransfer bounds the declared total of a single transfer.
	MaxTransfer = 16 << 20
)

// Sender splits outgoing packets. It is shared by every goroutine writing to
// one connection, so stream ids come from an atomic sequence.
type Sender struct {
	codec *protocol.Codec
	seq   atomic.Int32
}

// NewSender creates a sender whose first stream id is 1.
func NewSender(codec *protocol.Codec) *Sender {
	return &Sender{codec: codec}
}

// NextID returns the next stream id (monotonically increasing from 1).
func (s *Sender) NextID() int32 {
	return s.seq.Add(1)
}

// Split returns the packets to send in place of p: p itself when its body
// fits SplitSize, or a head and its chunks otherwise. Non-typed packets and
// stream packets are never split.
func (s *Sender) Split(p protocol.Packet) ([]protocol.Packet, error) {
	switch p.Kind() {
	case protocol.KindStreamHead, protocol.KindStreamChunk:
		return []protocol.Packet{p}, nil
	}
	if !p.Kind().IsWire() {
		return []protocol.Packet{p}, nil
	}

	body, err := s.codec.EncodeBody(p)
	if err != nil {
		return nil, err
	}
	if len(body) <= SplitSize {
		return []protocol.Packet{p}, nil
	}
	if len(body) > MaxTransfer {
		return nil, fmt.Errorf("%w: %v body is %d bytes", ErrOverflow, p.Kind(), len(body))
	}

	id := s.NextID()
	out := make([]protocol.Packet, 0, 1+(len(body)+SplitSize-1)/SplitSize)
	out = append(out, &protocol.StreamHead{
		StreamID: id,
		Total:    int32(len(body)),
		Target:   p.Kind(),
	})
	for off := 0; off < len(body); off += SplitSize {
		end := min(off+SplitSize, len(body))
		out = append(out, &protocol.StreamChunk{StreamID: id, Data: body[off:end]})
	}
	return out, nil
}
