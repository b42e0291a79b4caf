package relay

import (
	"time"

	"github.com/1ureka/claj/internal/protocol"
	"github.com/1ureka/claj/internal/util"
)

// fetchState hands the room state to w. A fresh cached state is served at
// once; otherwise the host is asked and w waits at most state-timeout,
// after which the stale (possibly empty) state is served.
func (s *Server) fetchState(room *Room, w stateWaiter) {
	if !room.Config.RequestState || room.stateFresh(s.now(), s.cfg.StateLifetime) {
		w(room.state, true)
		return
	}

	if room.fetch == nil {
		f := &stateFetch{}
		room.fetch = f
		room.host.send(&protocol.RoomStateRequest{})
		f.timer = s.afterFunc(s.cfg.StateTimeout, func() {
			if room.fetch != f {
				return
			}
			util.LogDebug("[%s] state of room %s timed out", room.host, room)
			s.metrics.stateRequest("timeout")
			room.resolveFetch(true)
		})
	}
	room.fetch.waiters = append(room.fetch.waiters, w)
}

func (s *Server) onInfoRequest(c *Connection, p *protocol.RoomInfoRequest) {
	room := s.rooms.Get(p.RoomID)
	if room == nil {
		c.send(&protocol.RoomInfoDenied{RoomID: p.RoomID, Reason: protocol.RejectRoomNotFound})
		return
	}
	// Rooms of legacy hosts have no type to report.
	if room.Type.IsZero() {
		c.send(&protocol.RoomInfoDenied{RoomID: p.RoomID, Reason: protocol.RejectIncompatible})
		return
	}

	s.fetchState(room, func(state []byte, ok bool) {
		if !ok {
			c.send(&protocol.RoomInfoDenied{RoomID: room.ID, Reason: protocol.RejectRoomClosed})
			return
		}
		c.send(&protocol.RoomInfo{
			RoomID:      room.ID,
			IsProtected: room.Config.IsProtected,
			Type:        room.Type,
			State:       state,
		})
	})
}

// listing is a room list being assembled for one type. Requesters arriving
// while it is in flight share the result.
type listing struct {
	typ        protocol.ClajType
	requesters []*Connection
	entries    []listEntry
	pending    int
	timer      *time.Timer
	done       bool
	// gen is the cache generation the listing started from.
	gen uint64
}

type listEntry struct {
	protocol.RoomListEntry
	dropped bool
}

type cachedListing struct {
	packet *protocol.RoomList
	at     time.Time
}

func (s *Server) onListRequest(c *Connection, p *protocol.RoomListRequest) {
	typ := p.Type
	if cached, ok := s.listCache[typ]; ok && s.now().Sub(cached.at) < s.cfg.ListLifetime {
		c.send(cached.packet)
		return
	}
	if l := s.listings[typ]; l != nil {
		l.requesters = append(l.requesters, c)
		return
	}

	l := &listing{typ: typ, requesters: []*Connection{c}, gen: s.listGen[typ]}
	s.listings[typ] = l

	// Held until every fetch has been started, so that answers served
	// synchronously cannot complete the listing early.
	l.pending = 1
	for _, room := range s.rooms.Public(typ) {
		i := len(l.entries)
		l.entries = append(l.entries, listEntry{RoomListEntry: protocol.RoomListEntry{
			RoomID:      room.ID,
			IsProtected: room.Config.IsProtected,
		}})
		l.pending++
		s.fetchState(room, func(state []byte, ok bool) {
			if l.done {
				return
			}
			if ok {
				l.entries[i].State = state
			} else {
				l.entries[i].dropped = true
			}
			if l.pending--; l.pending == 0 {
				s.finishListing(l)
			}
		})
	}
	if l.pending--; l.pending == 0 {
		s.finishListing(l)
		return
	}

	l.timer = s.afterFunc(s.cfg.ListTimeout, func() {
		if !l.done {
			util.LogDebug("listing of %q timed out with %d rooms pending", l.typ, l.pending)
			s.finishListing(l)
		}
	})
}

// finishListing sends the listing as it stands. Rooms whose state did not
// arrive are listed without state.
func (s *Server) finishListing(l *listing) {
	l.done = true
	if l.timer != nil {
		l.timer.Stop()
	}
	if s.listings[l.typ] == l {
		delete(s.listings, l.typ)
	}

	packet := &protocol.RoomList{Rooms: make([]protocol.RoomListEntry, 0, len(l.entries))}
	for _, e := range l.entries {
		if !e.dropped {
			packet.Rooms = append(packet.Rooms, e.RoomListEntry)
		}
	}
	// Rooms changed while the listing was in flight: answer, but don't cache.
	if s.listGen[l.typ] == l.gen {
		s.listCache[l.typ] = cachedListing{packet: packet, at: s.now()}
	}

	for _, c := range l.requesters {
		c.send(packet)
	}
}

// invalidateListing forgets the cached listing of typ after rooms of that
// type were added, removed or reconfigured.
func (s *Server) invalidateListing(typ protocol.ClajType) {
	delete(s.listCache, typ)
	s.listGen[typ]++
}
