// Package client talks to a CLaJ relay: it creates and joins rooms, queries
// them, and bridges hosted or joined rooms to a local game over TCP.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/claj/internal/dispatch"
	"github.com/1ureka/claj/internal/protocol"
	"github.com/1ureka/claj/internal/transport"
	"github.com/1ureka/claj/internal/util"
)

// Version is the protocol version announced when creating a room.
const Version = "2"

const (
	DefaultTimeout = 5 * time.Second
	packetQueue    = 256
)

var ErrClosed = errors.New("client: connection closed")

// RoomClosedError is returned when the relay refuses to open a room or
// closes it.
type RoomClosedError struct {
	Reason protocol.CloseReason
}

func (e *RoomClosedError) Error() string { return "room closed: " + e.Reason.String() }

// DeniedError is returned when the relay refuses a join or a room query.
type DeniedError struct {
	RoomID int64
	Reason protocol.RejectReason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("room %s: %s", protocol.EncodeRoomID(e.RoomID), e.Reason)
}

// Options configures a Client. Zero fields get defaults.
type Options struct {
	Codec *protocol.Codec
	// Timeout bounds dialing and the initial handshake.
	Timeout time.Duration
	// State, when set, answers the relay's state requests for a hosted room.
	State func() []byte
	Stats *util.Stats
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = protocol.NewCodec(protocol.RawWrapSerializer{}, false)
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// waiter consumes the packets it matches; done reports whether it is
// satisfied and can be removed.
type waiter struct {
	match func(p protocol.Packet) (consumed, done bool)
}

// Client is one connection to a relay. Replies to its own requests are
// consumed by the request methods; everything else is delivered on Packets.
type Client struct {
	opts     Options
	host     string
	session  *transport.Session
	packets  chan protocol.Packet
	ready    chan struct{}
	readyOne sync.Once
	done     chan struct{}

	connID        atomic.Int32
	serverVersion atomic.Int32
	reason        atomic.Uint32

	mu      sync.Mutex
	waiters map[*waiter]struct{}
}

// Dial connects to a relay and waits for its ServerInfo. Addresses starting
// with ws:// or wss:// use the WebSocket transport, anything else is a TCP
// host:port.
func Dial(ctx context.Context, address string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	c := &Client{
		opts:    opts,
		host:    hostOf(address),
		packets: make(chan protocol.Packet, packetQueue),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		waiters: make(map[*waiter]struct{}),
	}

	d := dispatch.New(opts.Codec, nil)
	dispatch.On(d, c.onDisconnect)
	d.SetFallback(c.onPacket)

	topts := transport.Options{Codec: opts.Codec, Stats: opts.Stats}
	var err error
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		c.session, err = transport.DialWS(ctx, address, d, topts)
	} else {
		c.session, err = transport.DialTCP(ctx, address, d, topts)
	}
	if err != nil {
		return nil, err
	}
	go c.session.Run(context.Background())

	select {
	case <-c.ready:
		return c, nil
	case <-c.done:
		return nil, fmt.Errorf("relay %s: %w", address, c.Err())
	case <-ctx.Done():
		c.Close()
		return nil, fmt.Errorf("relay %s: handshake: %w", address, ctx.Err())
	}
}

func hostOf(address string) string {
	if i := strings.Index(address, "://"); i >= 0 {
		address = address[i+3:]
		if j := strings.IndexByte(address, '/'); j >= 0 {
			address = address[:j]
		}
	}
	if host, _, err := net.SplitHostPort(address); err == nil {
		return host
	}
	return address
}

// ConnID is the id the relay gave this connection.
func (c *Client) ConnID() int32 { return c.connID.Load() }

// ServerVersion is the protocol version announced by the relay.
func (c *Client) ServerVersion() int32 { return c.serverVersion.Load() }

// Packets delivers every packet not consumed by a pending request. It is
// closed when the connection ends.
func (c *Client) Packets() <-chan protocol.Packet { return c.packets }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns ErrClosed wrapped with the disconnect reason once the
// connection has ended, nil before.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return fmt.Errorf("%w (%s)", ErrClosed, protocol.DcReason(c.reason.Load()))
	default:
		return nil
	}
}

func (c *Client) Send(p protocol.Packet) error {
	if err := c.session.Send(p); err != nil {
		return fmt.Errorf("send %v: %w", p.Kind(), err)
	}
	return nil
}

func (c *Client) Close() {
	c.session.Close(protocol.DcClosed)
}

// ---------------------------------------------------------------------------
// Incoming packets
// ---------------------------------------------------------------------------

func (c *Client) onDisconnect(_ transport.Conn, p *protocol.Disconnect) {
	c.reason.Store(uint32(p.Reason))
	close(c.done)
	close(c.packets)
}

func (c *Client) onPacket(_ transport.Conn, p protocol.Packet) {
	if _, ok := p.(*protocol.Connect); ok {
		return
	}
	select {
	case <-c.ready:
	default:
		switch m := p.(type) {
		case *protocol.RegisterTCP:
			c.connID.Store(m.ConnID)
			return
		case *protocol.ServerInfo:
			c.serverVersion.Store(m.Version)
			c.readyOne.Do(func() { close(c.ready) })
			return
		}
	}

	if _, ok := p.(*protocol.RoomStateRequest); ok && c.opts.State != nil {
		_ = c.Send(&protocol.RoomState{State: c.opts.State()})
		return
	}
	if c.offer(p) {
		return
	}

	// Blocking here holds back the read loop until the consumer catches up.
	select {
	case c.packets <- p:
	case <-c.session.Done():
	}
}

// offer hands p to the pending requests and reports whether one consumed it.
func (c *Client) offer(p protocol.Packet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for w := range c.waiters {
		consumed, done := w.match(p)
		if done {
			delete(c.waiters, w)
		}
		if consumed {
			return true
		}
	}
	return false
}

// request sends p and waits until match reports done.
func (c *Client) request(ctx context.Context, p protocol.Packet, match func(protocol.Packet) (consumed, done bool)) error {
	finished := make(chan struct{})
	w := &waiter{match: func(p protocol.Packet) (bool, bool) {
		consumed, done := match(p)
		if done {
			close(finished)
		}
		return consumed, done
	}}

	c.mu.Lock()
	c.waiters[w] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, w)
		c.mu.Unlock()
	}()

	if err := c.Send(p); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

// CreateRoom opens a room hosted by this connection and returns its join
// link. A refusal is returned as *RoomClosedError.
func (c *Client) CreateRoom(ctx context.Context, typ protocol.ClajType, cfg protocol.RoomConfig) (protocol.Link, error) {
	var (
		link protocol.Link
		err  error
	)
	reqErr := c.request(ctx, &protocol.RoomCreationRequest{Version: Version, Type: typ, Config: cfg},
		func(p protocol.Packet) (bool, bool) {
			switch m := p.(type) {
			case *protocol.RoomLink:
				link = protocol.LinkFrom(m, c.host)
				return true, true
			case *protocol.RoomClosed:
				err = &RoomClosedError{Reason: m.Reason}
				return true, true
			}
			return false, false
		})
	if reqErr != nil {
		return protocol.Link{}, fmt.Errorf("create room: %w", reqErr)
	}
	return link, err
}

// JoinRoom joins room id. A refusal is returned as *DeniedError.
func (c *Client) JoinRoom(ctx context.Context, id int64, password int16, typ protocol.ClajType) error {
	var err error
	reqErr := c.request(ctx, &protocol.RoomJoinRequest{RoomID: id, Password: password, Type: typ},
		func(p protocol.Packet) (bool, bool) {
			switch m := p.(type) {
			case *protocol.RoomJoinAccepted:
				return m.RoomID == id, m.RoomID == id
			case *protocol.RoomJoinDenied:
				if m.RoomID != id {
					return false, false
				}
				err = &DeniedError{RoomID: id, Reason: m.Reason}
				return true, true
			}
			return false, false
		})
	if reqErr != nil {
		return fmt.Errorf("join room %s: %w", protocol.EncodeRoomID(id), reqErr)
	}
	return err
}

// SetConfig replaces the configuration of the hosted room.
func (c *Client) SetConfig(cfg protocol.RoomConfig) error {
	return c.Send(&protocol.RoomConfigPacket{RoomConfig: cfg})
}

// SetState pushes the state of the hosted room without being asked.
func (c *Client) SetState(state []byte) error {
	return c.Send(&protocol.RoomState{State: state})
}

// CloseRoom closes the hosted room. The relay answers with RoomClosed.
func (c *Client) CloseRoom() error {
	return c.Send(&protocol.RoomClosureRequest{})
}

// Kick disconnects a member of the hosted room.
func (c *Client) Kick(conID int32) error {
	return c.Send(&protocol.ConnectionClosed{ConID: conID, Reason: protocol.DcKicked})
}

// Forward sends frame to member conID of the hosted room.
func (c *Client) Forward(conID int32, frame []byte) error {
	return c.Send(&protocol.ConnectionPacketWrap{ConID: conID, IsTCP: true, Raw: frame})
}

func (c *Client) String() string {
	return "client(" + c.host + "#" + strconv.Itoa(int(c.ConnID())) + ")"
}
