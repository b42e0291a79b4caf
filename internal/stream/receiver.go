package stream

import (
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/claj/internal/protocol"
	"github.com/1ureka/claj/internal/util"
)

var (
	// ErrOverflow is returned when a transfer receives more data than its
	// head declared, or declares more than MaxTransfer.
	ErrOverflow = errors.New("stream: transfer overflow")
	// ErrNoHead is returned for a chunk whose stream was never opened.
	ErrNoHead = errors.New("stream: chunk without head")
	// ErrBadTarget is returned for a head naming a kind that cannot be
	// streamed.
	ErrBadTarget = errors.New("stream: invalid target kind")
	// ErrTooManyTransfers is returned for a head opening more than
	// MaxOpenTransfers transfers on one connection.
	ErrTooManyTransfers = errors.New("stream: too many open transfers")
)

// MaxOpenTransfers bounds the incomplete transfers of a single connection.
const MaxOpenTransfers = 4

type key struct {
	conn   int32
	stream int32
}

type transfer struct {
	target protocol.Kind
	total  int
	buf    []byte
}

// Receiver reassembles chunked transfers of every connection. Transfers are
// keyed by (connection, stream id), so streams of different connections never
// mix. It is safe for concurrent use.
type Receiver struct {
	codec *protocol.Codec

	mu        sync.Mutex
	transfers map[key]*transfer
	open      map[int32]int
}

func NewReceiver(codec *protocol.Codec) *Receiver {
	return &Receiver{codec: codec, transfers: make(map[key]*transfer), open: make(map[int32]int)}
}

// Feed processes a StreamHead or StreamChunk received on connection connID.
// It returns the decoded target packet once the transfer is complete, and
// nil while it is still in progress. On error the transfer is discarded.
func (r *Receiver) Feed(connID int32, p protocol.Packet) (protocol.Packet, error) {
	switch p := p.(type) {
	case *protocol.StreamHead:
		return r.start(connID, p)
	case *protocol.StreamChunk:
		return r.append(connID, p)
	}
	return nil, fmt.Errorf("stream: unexpected %v", p.Kind())
}

func (r *Receiver) start(connID int32, h *protocol.StreamHead) (protocol.Packet, error) {
	if !h.Target.IsWire() || h.Target == protocol.KindStreamHead || h.Target == protocol.KindStreamChunk {
		return nil, fmt.Errorf("%w: %v", ErrBadTarget, h.Target)
	}
	if h.Total < 0 || h.Total > MaxTransfer {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrOverflow, h.Total)
	}

	if h.Total == 0 {
		return r.codec.DecodeBody(h.Target, nil)
	}

	k := key{connID, h.StreamID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.transfers[k]; exists {
		util.LogDebug("[%s] stream %d reopened, previous data discarded", util.ConnID(connID), h.StreamID)
	} else if r.open[connID] >= MaxOpenTransfers {
		return nil, fmt.Errorf("%w: stream %d", ErrTooManyTransfers, h.StreamID)
	} else {
		r.open[connID]++
	}
	// The buffer grows with the chunks actually received.
	r.transfers[k] = &transfer{target: h.Target, total: int(h.Total)}
	return nil, nil
}

// remove deletes transfer k. r.mu must be held.
func (r *Receiver) remove(k key) {
	delete(r.transfers, k)
	if r.open[k.conn]--; r.open[k.conn] <= 0 {
		delete(r.open, k.conn)
	}
}

func (r *Receiver) append(connID int32, c *protocol.StreamChunk) (protocol.Packet, error) {
	k := key{connID, c.StreamID}

	r.mu.Lock()
	t, ok := r.transfers[k]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: stream %d", ErrNoHead, c.StreamID)
	}
	if len(t.buf)+len(c.Data) > t.total {
		r.remove(k)
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: stream %d got %d of %d bytes", ErrOverflow, c.StreamID, len(t.buf)+len(c.Data), t.total)
	}
	t.buf = append(t.buf, c.Data...)
	if len(t.buf) < t.total {
		r.mu.Unlock()
		return nil, nil
	}
	r.remove(k)
	r.mu.Unlock()

	p, err := r.codec.DecodeBody(t.target, t.buf)
	if err != nil {
		return nil, fmt.Errorf("stream %d: %w", c.StreamID, err)
	}
	return p, nil
}

// Drop discards every partial transfer of connection connID.
func (r *Receiver) Drop(connID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.transfers {
		if k.conn == connID {
			delete(r.transfers, k)
		}
	}
	delete(r.open, connID)
}

// Pending returns the number of incomplete transfers.
func (r *Receiver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}
