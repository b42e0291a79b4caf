package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/claj/internal/protocol"
)

// ServerInfo is the result of pinging a relay.
type ServerInfo struct {
	Address string
	Version int32
	Latency time.Duration
}

// Pinger queries relays without joining anything. Every query uses its own
// short-lived connection and is bounded by the context and the Timeout of
// its options.
type Pinger struct {
	opts Options

	mu      sync.Mutex
	pending map[uint64]context.CancelFunc
	nextID  uint64
}

func NewPinger(opts Options) *Pinger {
	return &Pinger{opts: opts.withDefaults(), pending: make(map[uint64]context.CancelFunc)}
}

// begin registers a query so that CancelAll can abort it.
func (p *Pinger) begin(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.pending[id] = cancel
	p.mu.Unlock()
	return ctx, func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		cancel()
	}
}

// Pending returns the number of queries in flight.
func (p *Pinger) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// CancelAll aborts every query in flight. It is safe to call any number of
// times, including when nothing is pending.
func (p *Pinger) CancelAll() {
	p.mu.Lock()
	cancels := p.pending
	p.pending = make(map[uint64]context.CancelFunc)
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// query dials address, runs fn on the connection and closes it.
func (p *Pinger) query(ctx context.Context, address string, fn func(ctx context.Context, c *Client) error) error {
	ctx, done := p.begin(ctx)
	defer done()

	c, err := Dial(ctx, address, p.opts)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

// ServerInfo reports the protocol version of the relay at address and the
// time it took to connect and get it.
func (p *Pinger) ServerInfo(ctx context.Context, address string) (ServerInfo, error) {
	info := ServerInfo{Address: address}
	start := time.Now()
	err := p.query(ctx, address, func(_ context.Context, c *Client) error {
		info.Latency = time.Since(start)
		info.Version = c.ServerVersion()
		return nil
	})
	return info, err
}

// RoomInfo describes room id. A refusal is returned as *DeniedError.
func (p *Pinger) RoomInfo(ctx context.Context, address string, id int64) (*protocol.RoomInfo, error) {
	var info *protocol.RoomInfo
	err := p.query(ctx, address, func(ctx context.Context, c *Client) error {
		var denied error
		err := c.request(ctx, &protocol.RoomInfoRequest{RoomID: id}, func(pk protocol.Packet) (bool, bool) {
			switch m := pk.(type) {
			case *protocol.RoomInfo:
				if m.RoomID == id {
					info = m
					return true, true
				}
			case *protocol.RoomInfoDenied:
				if m.RoomID == id {
					denied = &DeniedError{RoomID: id, Reason: m.Reason}
					return true, true
				}
			}
			return false, false
		})
		if err != nil {
			return err
		}
		return denied
	})
	if err != nil {
		return nil, fmt.Errorf("room info: %w", err)
	}
	return info, nil
}

// ListRooms returns the public rooms of type typ.
func (p *Pinger) ListRooms(ctx context.Context, address string, typ protocol.ClajType) ([]protocol.RoomListEntry, error) {
	var rooms []protocol.RoomListEntry
	err := p.query(ctx, address, func(ctx context.Context, c *Client) error {
		return c.request(ctx, &protocol.RoomListRequest{Type: typ}, func(pk protocol.Packet) (bool, bool) {
			if m, ok := pk.(*protocol.RoomList); ok {
				rooms = m.Rooms
				return true, true
			}
			return false, false
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}
