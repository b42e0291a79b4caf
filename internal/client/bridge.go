package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/claj/internal/protocol"
	"github.com/1ureka/claj/internal/transport"
	"github.com/1ureka/claj/internal/util"
)

const inboxSize = 64

// socket bridges one relayed connection to a local TCP game connection.
// Frames from the relay arrive on inbox and are written by the socket's own
// goroutine; a second goroutine pumps local frames back to the relay.
type socket struct {
	id     int32
	codec  *protocol.Codec
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	inbox   chan protocol.Packet
	localMu sync.Mutex
	local   transport.FrameConn
	// toRelay forwards one local frame. It is called from the pump only.
	toRelay func(frame []byte) error
	// onClose runs once after the local connection is closed; remote
	// reports whether the relay side ended the connection.
	onClose func(remote bool)
	remote  atomic.Bool
}

func newSocket(parent context.Context, id int32, codec *protocol.Codec) *socket {
	ctx, cancel := context.WithCancel(parent)
	return &socket{
		id:     id,
		codec:  codec,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan protocol.Packet, inboxSize),
	}
}

func (s *socket) String() string { return util.ConnID(s.id) }

// attach sets the local connection. It reports false, closing fc, when the
// socket already ended.
func (s *socket) attach(fc transport.FrameConn) bool {
	s.localMu.Lock()
	defer s.localMu.Unlock()
	if s.ctx.Err() != nil {
		fc.Close()
		return false
	}
	s.local = fc
	return true
}

// deliver queues p for the local side. A full inbox closes the socket
// rather than stalling every other member.
func (s *socket) deliver(p protocol.Packet) {
	select {
	case s.inbox <- p:
	case <-s.ctx.Done():
	default:
		util.LogWarning("[%s] local side too slow, closing", s)
		s.cleanup()
	}
}

// closeRemote ends the socket on behalf of the relay.
func (s *socket) closeRemote() {
	s.remote.Store(true)
	s.cleanup()
}

// run writes relay traffic to the local connection until either side ends.
// Local keep-alives are generated here: the relay consumes the ones sent by
// the game on the other end.
func (s *socket) run() {
	defer s.cleanup()
	go s.pump()

	keepAlive, _ := s.codec.Encode(&protocol.KeepAlive{})
	ticker := time.NewTicker(transport.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case p := <-s.inbox:
			frame, err := s.localFrame(p)
			if err != nil {
				util.LogDebug("[%s] dropping %v: %v", s, p.Kind(), err)
				continue
			}
			if err := s.local.WriteFrame(frame); err != nil {
				util.LogDebug("[%s] local write: %v", s, err)
				return
			}
		case <-ticker.C:
			if err := s.local.WriteFrame(keepAlive); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// localFrame turns a packet from the relay back into the game frame it was.
func (s *socket) localFrame(p protocol.Packet) ([]byte, error) {
	switch m := p.(type) {
	case *protocol.ConnectionPacketWrap:
		return m.Raw, nil
	case *protocol.Raw:
		return m.Data, nil
	case protocol.Framework:
		return s.codec.Encode(m)
	}
	return nil, fmt.Errorf("not game traffic")
}

// pump reads local frames and hands them to the relay. cleanup closes the
// local connection to unblock it.
func (s *socket) pump() {
	defer s.cleanup()
	for {
		frame, err := s.local.ReadFrame()
		if err != nil {
			if s.ctx.Err() == nil {
				util.LogDebug("[%s] local read: %v", s, err)
			}
			return
		}
		if isKeepAlive(s.codec, frame) {
			continue
		}
		if err := s.toRelay(frame); err != nil {
			util.LogDebug("[%s] relay send: %v", s, err)
			return
		}
	}
}

// cleanup releases the socket exactly once, whichever goroutine gets there
// first.
func (s *socket) cleanup() {
	s.once.Do(func() {
		s.localMu.Lock()
		s.cancel()
		if s.local != nil {
			s.local.Close()
		}
		s.localMu.Unlock()
		if s.onClose != nil {
			s.onClose(s.remote.Load())
		}
	})
}

func isKeepAlive(codec *protocol.Codec, frame []byte) bool {
	if len(frame) < 2 || frame[0] != protocol.CategoryFramework {
		return false
	}
	p, err := codec.Decode(frame)
	if err != nil {
		return false
	}
	_, ok := p.(*protocol.KeepAlive)
	return ok
}

// ---------------------------------------------------------------------------
// Host side
// ---------------------------------------------------------------------------

// HostBridge connects every member of a room hosted by its client to a
// local game server, one TCP connection per member.
type HostBridge struct {
	client *Client
	target string

	mu     sync.Mutex
	routes map[int32]*socket
}

// NewHostBridge bridges the room hosted by c to the game server at target.
func NewHostBridge(c *Client, target string) *HostBridge {
	return &HostBridge{client: c, target: target, routes: make(map[int32]*socket)}
}

// Members returns the number of bridged members.
func (b *HostBridge) Members() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.routes)
}

// Run serves the room until ctx is done, the relay connection ends or the
// room is closed, which is returned as *RoomClosedError.
func (b *HostBridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		select {
		case p, ok := <-b.client.Packets():
			if !ok {
				return b.client.Err()
			}
			if err := b.handle(ctx, p); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *HostBridge) handle(ctx context.Context, p protocol.Packet) error {
	switch m := p.(type) {
	case *protocol.ConnectionJoin:
		b.open(ctx, m.ConID)
	case *protocol.ConnectionPacketWrap:
		if s := b.route(m.ConID); s != nil {
			s.deliver(m)
		}
	case *protocol.ConnectionClosed:
		if s := b.route(m.ConID); s != nil {
			util.LogInfo("[%s] member left (%s)", s, m.Reason)
			s.closeRemote()
		}
	case *protocol.ConnectionIdling:
		util.LogDebug("[%s] member idle", util.ConnID(m.ConID))
	case *protocol.RoomClosed:
		return &RoomClosedError{Reason: m.Reason}
	case *protocol.ClajMessage:
		util.LogWarning("relay: %s", m.Message)
	case *protocol.ClajTextMessage:
		util.LogInfo("relay: %s", m.Text)
	case *protocol.ClajPopup:
		util.LogWarning("relay: %s", m.Text)
	}
	return nil
}

func (b *HostBridge) route(id int32) *socket {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.routes[id]
}

// open registers a socket for member id and dials the game server for it.
// Wrapped frames that arrive while dialing wait in the inbox.
func (b *HostBridge) open(ctx context.Context, id int32) {
	s := newSocket(ctx, id, b.client.opts.Codec)
	s.toRelay = func(frame []byte) error { return b.client.Forward(id, frame) }
	s.onClose = func(remote bool) {
		b.mu.Lock()
		if b.routes[id] == s {
			delete(b.routes, id)
		}
		b.mu.Unlock()
		if !remote {
			_ = b.client.Send(&protocol.ConnectionClosed{ConID: id, Reason: protocol.DcClosed})
		}
	}

	b.mu.Lock()
	if old := b.routes[id]; old != nil {
		old.remote.Store(true)
		defer old.cleanup()
	}
	b.routes[id] = s
	b.mu.Unlock()

	go func() {
		var d net.Dialer
		conn, err := d.DialContext(s.ctx, "tcp", b.target)
		if err != nil {
			util.LogWarning("[%s] game server unreachable: %v", s, err)
			s.cleanup()
			return
		}
		if !s.attach(transport.NewTCPFrames(conn)) {
			return
		}
		util.LogInfo("[%s] member bridged to %s", s, b.target)
		s.run()
	}()
}

// ---------------------------------------------------------------------------
// Join side
// ---------------------------------------------------------------------------

// JoinBridge exposes a remote room as a local game server: every local
// connection gets its own relay connection joined to the room.
type JoinBridge struct {
	Relay    string
	RoomID   int64
	Password int16
	Type     protocol.ClajType
	Options  Options

	active atomic.Int32
	addr   atomic.Value // net.Addr
}

// NewJoinBridge prepares a bridge to the room of link. relay overrides the
// relay address, e.g. to use the WebSocket transport; empty means the
// host:port of the link.
func NewJoinBridge(link protocol.Link, relay string, password int16, typ protocol.ClajType, opts Options) *JoinBridge {
	if relay == "" {
		relay = net.JoinHostPort(link.Host, fmt.Sprint(link.Port))
	}
	return &JoinBridge{Relay: relay, RoomID: link.RoomID, Password: password, Type: typ, Options: opts.withDefaults()}
}

// Addr returns the bound local address once ListenAndServe is listening.
func (b *JoinBridge) Addr() net.Addr {
	a, _ := b.addr.Load().(net.Addr)
	return a
}

// Active returns the number of bridged local connections.
func (b *JoinBridge) Active() int { return int(b.active.Load()) }

// ListenAndServe accepts local game clients on address until ctx is done.
func (b *JoinBridge) ListenAndServe(ctx context.Context, address string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	b.addr.Store(ln.Addr())
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	util.LogInfo("Room %s available locally on %s", protocol.EncodeRoomID(b.RoomID), ln.Addr())

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept error: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.serve(ctx, conn); err != nil {
				util.LogWarning("local %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// serve joins the room for one local connection and bridges it until
// either side ends.
func (b *JoinBridge) serve(ctx context.Context, conn net.Conn) error {
	c, err := Dial(ctx, b.Relay, b.Options)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()
	if err := c.JoinRoom(ctx, b.RoomID, b.Password, b.Type); err != nil {
		conn.Close()
		return err
	}

	b.active.Add(1)
	defer b.active.Add(-1)

	s := newSocket(ctx, c.ConnID(), c.opts.Codec)
	if !s.attach(transport.NewTCPFrames(conn)) {
		return ctx.Err()
	}
	s.toRelay = func(frame []byte) error { return c.Send(&protocol.Raw{Data: frame}) }
	util.LogInfo("[%s] joined room %s", s, protocol.EncodeRoomID(b.RoomID))

	go func() {
		defer s.closeRemote()
		for {
			select {
			case p, ok := <-c.Packets():
				if !ok {
					return
				}
				switch m := p.(type) {
				case *protocol.Raw, protocol.Framework:
					s.deliver(p)
				case *protocol.RoomClosed:
					util.LogInfo("[%s] room closed (%s)", s, m.Reason)
					return
				case *protocol.ClajMessage:
					util.LogWarning("relay: %s", m.Message)
				}
			case <-s.ctx.Done():
				return
			}
		}
	}()

	s.run()
	return nil
}
