package relay

import (
	"github.com/1ureka/claj/internal/dispatch"
	"github.com/1ureka/claj/internal/events"
	"github.com/1ureka/claj/internal/protocol"
	"github.com/1ureka/claj/internal/transport"
	"github.com/1ureka/claj/internal/util"
)

// register wires every packet kind the relay reacts to. Everything else
// goes to the fallback, which only counts it against the spam limit.
func (s *Server) register() {
	d := s.dispatcher
	dispatch.On(d, s.onConnect)
	dispatch.On(d, s.onDisconnect)
	dispatch.On(d, s.onIdle)

	on(s, s.onRaw)
	on(s, s.onLegacyText)
	on(s, s.onCreate)
	on(s, s.onClosureRequest)
	on(s, s.onJoinRequest)
	on(s, s.onLegacyJoin)
	on(s, s.onConfig)
	on(s, s.onState)
	on(s, s.onInfoRequest)
	on(s, s.onListRequest)
	on(s, s.onWrap)
	on(s, s.onConnectionClosed)

	d.SetFallback(func(c transport.Conn, p protocol.Packet) {
		s.withConn(c, func(*Connection) {})
	})

	// Stream parts count against the spam limit before reassembly.
	d.SetStreamAdmission(func(c transport.Conn, _ protocol.Packet) bool {
		admitted := false
		s.withConn(c, func(*Connection) { admitted = true })
		return admitted
	})
}

// on registers a handler for a received packet type. The packet is counted
// against the sender's spam limit first.
func on[T protocol.Packet](s *Server, fn func(c *Connection, p T)) {
	dispatch.On(s.dispatcher, func(tc transport.Conn, p T) {
		s.withConn(tc, func(c *Connection) { fn(c, p) })
	})
}

func (s *Server) withConn(tc transport.Conn, fn func(c *Connection)) {
	c := s.conns[tc.ID()]
	if c == nil || c.kicked {
		return
	}
	if !c.isHost() && c.spam.Hit(s.now()) {
		s.kick(c)
		return
	}
	fn(c)
}

// kick disconnects a connection sending too many packets. Hosts are never
// kicked: they speak for all their members.
func (s *Server) kick(c *Connection) {
	c.kicked = true
	util.LogWarning("[%s] kicked for packet spam (%d packets)", c, c.spam.Count())
	c.send(&protocol.ClajMessage{Message: protocol.MessagePacketSpamming})
	c.conn.Close(protocol.DcKicked)
	s.metrics.kicked()
	s.bus.Publish(events.ClientKickedEvent{ConnID: c.id})
}

func (s *Server) deny(c *Connection, msg protocol.MessageType) {
	var roomID int64
	if c.room != nil {
		roomID = c.room.ID
	}
	c.send(&protocol.ClajMessage{Message: msg})
	s.bus.Publish(events.ActionDeniedEvent{ConnID: c.id, RoomID: roomID, Reason: msg})
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

func (s *Server) onConnect(tc transport.Conn, _ *protocol.Connect) {
	if s.blacklist.Contains(tc.RemoteIP()) {
		util.LogDebug("[%s] blacklisted address refused", util.ConnID(tc.ID()))
		tc.Close(protocol.DcKicked)
		return
	}

	c := newConnection(tc, s.cfg.SpamLimit)
	s.conns[c.id] = c
	s.metrics.incConn()
	util.LogDebug("[%s] connected from %s", c, c.addr)

	c.send(&protocol.ServerInfo{Version: Version})
	s.bus.Publish(events.ClientConnectedEvent{ConnID: c.id, Address: c.addr})
}

func (s *Server) onDisconnect(tc transport.Conn, p *protocol.Disconnect) {
	c := s.conns[tc.ID()]
	if c == nil {
		return
	}
	delete(s.conns, c.id)
	s.metrics.decConn()

	if room := c.room; room != nil {
		if room.host == c {
			s.closeRoom(room, protocol.CloseClosed)
		} else {
			s.leave(c, room)
			room.host.send(&protocol.ConnectionClosed{ConID: c.id, Reason: p.Reason})
		}
	}

	util.LogDebug("[%s] disconnected: %v", c, p.Reason)
	s.bus.Publish(events.ClientDisconnectedEvent{ConnID: c.id, Reason: p.Reason})
}

func (s *Server) onLegacyText(c *Connection, p *protocol.LegacyText) {
	util.LogDebug("[%s] legacy client: %q", c, p.Text)
	if s.cfg.WarnDeprecated {
		c.send(&protocol.LegacyText{Text: DeprecationText})
	}
	c.conn.Close(protocol.DcClosed)
}

// ---------------------------------------------------------------------------
// Room creation and closure
// ---------------------------------------------------------------------------

func (s *Server) onCreate(c *Connection, p *protocol.RoomCreationRequest) {
	if c.isHost() {
		s.deny(c, protocol.MessageAlreadyHosting)
		return
	}
	if c.isMember() {
		s.deny(c, protocol.MessageAlreadyInRoom)
		return
	}

	if reason, ok := s.checkCreation(p); !ok {
		util.LogDebug("[%s] room creation rejected: %v (version %q, type %q)", c, reason, p.Version, p.Type)
		c.send(&protocol.RoomClosed{Reason: reason})
		s.metrics.creationRejected(reason.String())
		s.bus.Publish(events.RoomCreationRejectedEvent{ConnID: c.id, Reason: reason})
		return
	}

	room, err := s.rooms.Create(c, p.Type, sanitizeConfig(p.Config), p.Version, s.now())
	if err != nil {
		util.LogError("[%s] %v", c, err)
		c.send(&protocol.RoomClosed{Reason: protocol.CloseServerOverloaded})
		s.metrics.creationRejected(protocol.CloseServerOverloaded.String())
		s.bus.Publish(events.RoomCreationRejectedEvent{ConnID: c.id, Reason: protocol.CloseServerOverloaded})
		return
	}
	c.room = room

	if p.Type.IsZero() && s.cfg.WarnDeprecated {
		c.send(&protocol.LegacyText{Text: DeprecationText})
	}
	c.send(&protocol.RoomLink{RoomID: room.ID, Host: s.linkHost, Port: s.linkPort})

	s.invalidateListing(room.Type)
	s.metrics.roomCreated()
	if s.stats != nil {
		s.stats.AddRoom()
	}
	util.LogInfo("[%s] room %s created (type %q)", c, room, room.Type)
	s.bus.Publish(events.RoomCreatedEvent{RoomID: room.ID, HostID: c.id, ClajType: room.Type})
}

func (s *Server) checkCreation(p *protocol.RoomCreationRequest) (protocol.CloseReason, bool) {
	if s.closing {
		return protocol.CloseServerClosed, false
	}
	major, err := majorVersion(p.Version)
	switch {
	case err != nil:
		return protocol.CloseObsoleteClient, false
	case major < Version:
		return protocol.CloseOutdatedClient, false
	case major > Version:
		return protocol.CloseOutdatedServer, false
	}
	if p.Type.IsZero() && !s.cfg.AcceptNoType {
		return protocol.CloseObsoleteClient, false
	}
	if _, banned := s.bannedTypes[p.Type]; banned {
		return protocol.CloseObsoleteClient, false
	}
	if s.cfg.MaxRooms > 0 && s.rooms.Len() >= s.cfg.MaxRooms {
		return protocol.CloseServerOverloaded, false
	}
	return 0, true
}

func (s *Server) onClosureRequest(c *Connection, _ *protocol.RoomClosureRequest) {
	switch {
	case c.isHost():
		s.closeRoom(c.room, protocol.CloseClosed)
	case c.isMember():
		s.deny(c, protocol.MessageRoomClosureDenied)
	default:
		s.deny(c, protocol.MessageNotHosting)
	}
}

// closeRoom notifies the host and every member, cancels pending state
// fetches and evicts the room. The id is free again once this returns.
func (s *Server) closeRoom(room *Room, reason protocol.CloseReason) {
	if room.closed {
		return
	}
	room.closed = true
	room.resolveFetch(false)

	notice := &protocol.RoomClosed{Reason: reason}
	for id, m := range room.members {
		delete(room.members, id)
		s.members.Delete(id)
		m.room = nil
		m.send(notice)
		s.bus.Publish(events.ConnectionLeftEvent{ConnID: id, RoomID: room.ID})
	}
	room.host.room = nil
	room.host.send(notice)

	s.rooms.Remove(room.ID)
	s.invalidateListing(room.Type)
	s.metrics.roomClosed(reason.String())
	if s.stats != nil {
		s.stats.RemoveRoom()
	}
	util.LogInfo("[%s] room %s closed: %v", room.host, room, reason)
	s.bus.Publish(events.RoomClosedEvent{RoomID: room.ID, Reason: reason})
}

// ---------------------------------------------------------------------------
// Joining and leaving
// ---------------------------------------------------------------------------

func (s *Server) onJoinRequest(c *Connection, p *protocol.RoomJoinRequest) {
	s.join(c, p.RoomID, p.Password, p.Type)
}

// onLegacyJoin handles joins from clients predating passwords and types.
func (s *Server) onLegacyJoin(c *Connection, p *protocol.RoomJoin) {
	s.join(c, p.RoomID, protocol.NoPassword, protocol.ClajType{})
}

func (s *Server) join(c *Connection, roomID int64, password int16, typ protocol.ClajType) {
	if c.isHost() {
		s.deny(c, protocol.MessageAlreadyHosting)
		return
	}
	if c.isMember() {
		s.deny(c, protocol.MessageAlreadyInRoom)
		return
	}

	room, reason, ok := s.checkJoin(c, roomID, password, typ)
	if !ok {
		var known int64
		if room != nil {
			known = room.ID
		}
		util.LogDebug("[%s] join of %s denied: %v", c, protocol.EncodeRoomID(roomID), reason)
		c.send(&protocol.RoomJoinDenied{RoomID: roomID, Reason: reason})
		s.metrics.recordJoin(reason.String())
		s.bus.Publish(events.ConnectionJoinRejectedEvent{ConnID: c.id, RoomID: known, Reason: reason})
		return
	}

	s.bus.Publish(events.ConnectionPreJoinEvent{ConnID: c.id, RoomID: room.ID})
	room.members[c.id] = c
	c.room = room
	s.members.Store(c.id, struct{}{})

	// The host only learns the address hash.
	room.host.send(&protocol.ConnectionJoin{ConID: c.id, AddressHash: int64(c.hash)})
	c.send(&protocol.RoomJoinAccepted{RoomID: room.ID})

	s.metrics.recordJoin("accepted")
	util.LogDebug("[%s] joined room %s", c, room)
	s.bus.Publish(events.ConnectionJoinedEvent{ConnID: c.id, RoomID: room.ID})
}

// checkJoin validates a join: abuse checks, room existence, type, then
// password. A denied join leaves no trace besides the limiter token.
// Abusive joiners are told the room does not exist.
func (s *Server) checkJoin(c *Connection, roomID int64, password int16, typ protocol.ClajType) (*Room, protocol.RejectReason, bool) {
	if s.closing {
		return nil, protocol.RejectServerClosing, false
	}
	if s.blacklist.Contains(c.conn.RemoteIP()) || !s.limiter.Allow(c.hash) {
		return nil, protocol.RejectRoomNotFound, false
	}

	room := s.rooms.Get(roomID)
	if room == nil {
		return nil, protocol.RejectRoomNotFound, false
	}
	if room.closed {
		return room, protocol.RejectRoomClosed, false
	}

	if typ.IsZero() {
		if !s.cfg.AcceptNoType {
			return room, protocol.RejectIncompatible, false
		}
	} else if !room.Type.IsZero() && room.Type != typ {
		return room, protocol.RejectIncompatible, false
	}

	if room.Config.IsProtected {
		switch {
		case room.Config.Password == protocol.NoPassword, password == protocol.NoPassword:
			return room, protocol.RejectPasswordRequired, false
		case password != room.Config.Password:
			return room, protocol.RejectInvalidPassword, false
		}
	}
	return room, 0, true
}

// leave removes a member from its room.
func (s *Server) leave(c *Connection, room *Room) {
	delete(room.members, c.id)
	s.members.Delete(c.id)
	c.room = nil
	util.LogDebug("[%s] left room %s", c, room)
	s.bus.Publish(events.ConnectionLeftEvent{ConnID: c.id, RoomID: room.ID})
}

// onConnectionClosed lets a host kick one of its members.
func (s *Server) onConnectionClosed(c *Connection, p *protocol.ConnectionClosed) {
	if !c.isHost() {
		s.deny(c, protocol.MessageConClosureDenied)
		return
	}
	m := c.room.members[p.ConID]
	if m == nil {
		return
	}
	s.leave(m, c.room)
	m.conn.Close(protocol.DcKicked)
}

// ---------------------------------------------------------------------------
// Configuration and state
// ---------------------------------------------------------------------------

func (s *Server) onConfig(c *Connection, p *protocol.RoomConfigPacket) {
	if !c.isHost() {
		s.deny(c, protocol.MessageNotHosting)
		return
	}
	room := c.room
	room.Config = sanitizeConfig(p.RoomConfig)
	if !room.Config.RequestState {
		room.resolveFetch(true)
	}
	s.invalidateListing(room.Type)
	util.LogDebug("[%s] room %s config: %+v", c, room, room.Config)
	s.bus.Publish(events.ConfigurationChangedEvent{RoomID: room.ID, Config: room.Config})
}

func (s *Server) onState(c *Connection, p *protocol.RoomState) {
	if !c.isHost() {
		s.deny(c, protocol.MessageNotHosting)
		return
	}
	room := c.room
	room.setState(p.State, s.now())
	if room.fetch != nil {
		s.metrics.stateRequest("answered")
	}
	// Dropped before waking waiters: a listing completed by this state
	// caches a fresh result.
	delete(s.listCache, room.Type)
	room.resolveFetch(true)
	s.bus.Publish(events.StateChangedEvent{RoomID: room.ID, Size: len(p.State)})
}

// ---------------------------------------------------------------------------
// Tunnel
// ---------------------------------------------------------------------------

// onRaw forwards a member's game traffic to its host.
func (s *Server) onRaw(c *Connection, p *protocol.Raw) {
	if !c.isMember() {
		return
	}
	c.room.host.send(&protocol.ConnectionPacketWrap{ConID: c.id, IsTCP: true, Raw: p.Data})
	s.metrics.relayed("to_host", len(p.Data))
}

// onWrap unwraps host traffic addressed to one of its members.
func (s *Server) onWrap(c *Connection, p *protocol.ConnectionPacketWrap) {
	if !c.isHost() {
		return
	}
	m := c.room.members[p.ConID]
	if m == nil {
		return
	}
	m.send(&protocol.Raw{Data: p.Raw})
	s.metrics.relayed("to_member", len(p.Raw))
}

// onIdle tells the host a member has nothing left to receive. Idle events
// are not counted as traffic.
func (s *Server) onIdle(tc transport.Conn, _ *protocol.Idle) {
	if c := s.conns[tc.ID()]; c != nil && c.isMember() {
		c.room.host.send(&protocol.ConnectionIdling{ConID: c.id})
	}
}
