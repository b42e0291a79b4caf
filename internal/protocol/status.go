package protocol

import "fmt"

// NoPassword is the password value of a room without password.
const NoPassword int16 = -1

// ValidPassword reports whether p is a 4-digit pin code.
func ValidPassword(p int16) bool { return p >= 0 && p <= 9999 }

// RoomConfig is the host-controlled configuration of a room.
type RoomConfig struct {
	IsPublic     bool  // visible in listings
	IsProtected  bool  // a password is needed to join
	RequestState bool  // the relay may ask the host for its state
	Password     int16 // NoPassword when unset
}

// DefaultRoomConfig is a private, unprotected room.
var DefaultRoomConfig = RoomConfig{Password: NoPassword}

func (c RoomConfig) write(w *Writer) {
	var flags byte
	if c.IsPublic {
		flags |= 0b100
	}
	if c.IsProtected {
		flags |= 0b010
	}
	if c.RequestState {
		flags |= 0b001
	}
	w.Byte(flags)
	w.Int16(c.Password)
}

func readRoomConfig(r *Reader) RoomConfig {
	flags := r.Byte()
	return RoomConfig{
		IsPublic:     flags&0b100 != 0,
		IsProtected:  flags&0b010 != 0,
		RequestState: flags&0b001 != 0,
		Password:     r.Int16(),
	}
}

// ---------------------------------------------------------------------------
// Outcome enums. These are delivered to the remote peer as data.
// ---------------------------------------------------------------------------

// RejectReason explains why a join was denied.
type RejectReason uint8

const (
	RejectIncompatible RejectReason = iota
	RejectRoomNotFound
	RejectPasswordRequired
	RejectInvalidPassword
	RejectServerClosing
	RejectRoomClosed
)

var rejectNames = [...]string{"incompatible", "roomNotFound", "passwordRequired", "invalidPassword", "serverClosing", "roomClosed"}

func (r RejectReason) String() string { return enumName(rejectNames[:], uint8(r)) }

// CloseReason explains why a room was closed or never created.
type CloseReason uint8

const (
	CloseClosed CloseReason = iota
	CloseObsoleteClient
	CloseOutdatedClient
	CloseOutdatedServer
	CloseServerClosed
	CloseServerOverloaded
)

var closeNames = [...]string{"closed", "obsoleteClient", "outdatedClient", "outdatedServer", "serverClosed", "serverOverloaded"}

func (c CloseReason) String() string { return enumName(closeNames[:], uint8(c)) }

// MessageType is a generic "action not permitted" notice.
type MessageType uint8

const (
	MessageServerClosing MessageType = iota
	MessagePacketSpamming
	MessageAlreadyHosting
	MessageAlreadyInRoom
	MessageRoomClosureDenied
	MessageConClosureDenied
	MessageNotHosting
)

var messageNames = [...]string{"serverClosing", "packetSpamming", "alreadyHosting", "alreadyInRoom", "roomClosureDenied", "conClosureDenied", "notHosting"}

func (m MessageType) String() string { return enumName(messageNames[:], uint8(m)) }

// DcReason is the transport-level reason of a disconnection. It is opaque to
// the relay logic and only logged or forwarded.
type DcReason uint8

const (
	DcClosed DcReason = iota
	DcTimeout
	DcError
	DcKicked
)

var dcNames = [...]string{"closed", "timeout", "error", "kicked"}

func (d DcReason) String() string { return enumName(dcNames[:], uint8(d)) }

func enumName(names []string, v uint8) string {
	if int(v) < len(names) {
		return names[v]
	}
	return fmt.Sprintf("unknown(%d)", v)
}
