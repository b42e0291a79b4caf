package events

import (
	"net"

	"github.com/1ureka/claj/internal/protocol"
)

// Connections are identified by id and by their anonymized address; rooms
// by id. Payloads never carry a real client address.

type (
	ServerLoadedEvent struct{}

	// ServerStoppingEvent is published when shutdown begins. Available
	// reports whether clients can still be sent packets.
	ServerStoppingEvent struct {
		Available bool
	}

	ClientConnectedEvent struct {
		ConnID  int32
		Address net.IP
	}

	ClientDisconnectedEvent struct {
		ConnID int32
		Reason protocol.DcReason
	}

	// ClientKickedEvent is published when a connection is kicked for
	// packet spam.
	ClientKickedEvent struct {
		ConnID int32
	}

	ConnectionPreJoinEvent struct {
		ConnID int32
		RoomID int64
	}

	ConnectionJoinedEvent struct {
		ConnID int32
		RoomID int64
	}

	ConnectionLeftEvent struct {
		ConnID int32
		RoomID int64
	}

	// ConnectionJoinRejectedEvent has a zero RoomID when the room does not
	// exist.
	ConnectionJoinRejectedEvent struct {
		ConnID int32
		RoomID int64
		Reason protocol.RejectReason
	}

	RoomCreatedEvent struct {
		RoomID   int64
		HostID   int32
		ClajType protocol.ClajType
	}

	RoomClosedEvent struct {
		RoomID int64
		Reason protocol.CloseReason
	}

	RoomCreationRejectedEvent struct {
		ConnID int32
		Reason protocol.CloseReason
	}

	// ActionDeniedEvent is published when a connection tries something it
	// is not allowed to do, like a member closing the room.
	ActionDeniedEvent struct {
		ConnID int32
		RoomID int64
		Reason protocol.MessageType
	}

	ConfigurationChangedEvent struct {
		RoomID int64
		Config protocol.RoomConfig
	}

	StateChangedEvent struct {
		RoomID int64
		Size   int
	}
)

func (ServerLoadedEvent) Type() Type           { return ServerLoaded }
func (ServerStoppingEvent) Type() Type         { return ServerStopping }
func (ClientConnectedEvent) Type() Type        { return ClientConnected }
func (ClientDisconnectedEvent) Type() Type     { return ClientDisconnected }
func (ClientKickedEvent) Type() Type           { return ClientKicked }
func (ConnectionPreJoinEvent) Type() Type      { return ConnectionPreJoin }
func (ConnectionJoinedEvent) Type() Type       { return ConnectionJoined }
func (ConnectionLeftEvent) Type() Type         { return ConnectionLeft }
func (ConnectionJoinRejectedEvent) Type() Type { return ConnectionJoinRejected }
func (RoomCreatedEvent) Type() Type            { return RoomCreated }
func (RoomClosedEvent) Type() Type             { return RoomClosed }
func (RoomCreationRejectedEvent) Type() Type   { return RoomCreationRejected }
func (ActionDeniedEvent) Type() Type           { return ActionDenied }
func (ConfigurationChangedEvent) Type() Type   { return ConfigurationChanged }
func (StateChangedEvent) Type() Type           { return StateChanged }

func (ServerLoadedEvent) sealed()           {}
func (ServerStoppingEvent) sealed()         {}
func (ClientConnectedEvent) sealed()        {}
func (ClientDisconnectedEvent) sealed()     {}
func (ClientKickedEvent) sealed()           {}
func (ConnectionPreJoinEvent) sealed()      {}
func (ConnectionJoinedEvent) sealed()       {}
func (ConnectionLeftEvent) sealed()         {}
func (ConnectionJoinRejectedEvent) sealed() {}
func (RoomCreatedEvent) sealed()            {}
func (RoomClosedEvent) sealed()             {}
func (RoomCreationRejectedEvent) sealed()   {}
func (ActionDeniedEvent) sealed()           {}
func (ConfigurationChangedEvent) sealed()   {}
func (StateChangedEvent) sealed()           {}
