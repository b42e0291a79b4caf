package relay

import (
	"net"
	"time"

	"github.com/1ureka/claj/internal/abuse"
	"github.com/1ureka/claj/internal/protocol"
	"github.com/1ureka/claj/internal/transport"
	"github.com/1ureka/claj/internal/util"
)

// Connection is the relay's view of one client session. It is owned by the
// relay actor.
type Connection struct {
	conn transport.Conn
	id   int32
	// hash identifies the real address without revealing it.
	hash uint64
	addr net.IP

	room   *Room
	spam   *abuse.SpamCounter
	kicked bool
}

func newConnection(c transport.Conn, spamLimit int) *Connection {
	hash := util.HashAddress(c.RemoteIP())
	return &Connection{
		conn: c,
		id:   c.ID(),
		hash: hash,
		addr: util.SynthesizeAddress(hash),
		spam: abuse.NewSpamCounter(spamLimit),
	}
}

func (c *Connection) isHost() bool   { return c.room != nil && c.room.host == c }
func (c *Connection) isMember() bool { return c.room != nil && c.room.host != c }

func (c *Connection) send(p protocol.Packet) {
	if err := c.conn.Send(p); err != nil {
		util.LogDebug("[%s] dropped %v: %v", c, p.Kind(), err)
	}
}

func (c *Connection) String() string { return util.ConnID(c.id) }

// Room is an open room. Closed rooms are evicted from the registry and never
// reused.
type Room struct {
	ID      int64
	Type    protocol.ClajType
	Config  protocol.RoomConfig
	Version string
	Created time.Time

	host    *Connection
	members map[int32]*Connection

	state   []byte
	stateAt time.Time
	fetch   *stateFetch
	closed  bool
}

// stateFetch is an outstanding RoomStateRequest to the host.
type stateFetch struct {
	waiters []stateWaiter
	timer   *time.Timer
}

// stateWaiter receives the room state once known. ok is false when the room
// closed before an answer.
type stateWaiter func(state []byte, ok bool)

func (r *Room) stateFresh(now time.Time, lifetime time.Duration) bool {
	return !r.stateAt.IsZero() && now.Sub(r.stateAt) < lifetime
}

func (r *Room) setState(state []byte, now time.Time) {
	r.state = state
	r.stateAt = now
}

// resolveFetch completes the outstanding fetch, if any.
func (r *Room) resolveFetch(ok bool) {
	f := r.fetch
	if f == nil {
		return
	}
	r.fetch = nil
	if f.timer != nil {
		f.timer.Stop()
	}
	for _, w := range f.waiters {
		w(r.state, ok)
	}
}

func (r *Room) String() string { return protocol.EncodeRoomID(r.ID) }

// sanitizeConfig drops passwords that are not 4-digit pins.
func sanitizeConfig(cfg protocol.RoomConfig) protocol.RoomConfig {
	if !protocol.ValidPassword(cfg.Password) {
		cfg.Password = protocol.NoPassword
	}
	return cfg
}
