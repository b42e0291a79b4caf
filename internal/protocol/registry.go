package protocol

import (
	"errors"
	"fmt"
)

// ErrUnknownKind is returned when a typed frame names a registry index that
// this build does not know.
var ErrUnknownKind = errors.New("protocol: unknown packet kind")

// Kind identifies a concrete packet type. Non-negative kinds are wire kinds
// whose value is their registry index; negative kinds are synthesized locally
// and never cross the wire as typed packets.
type Kind int

// Wire kinds, in registry order.
//
// The order is the wire contract: the index of a kind is its identity on the
// network. New kinds are appended at the end, nothing is ever moved or
// removed. KindRoomCreationRequest (4) and KindRoomJoin (7), together with
// the two kinds between them, are pinned for compatibility with older clients.
const (
	KindConnectionJoin Kind = iota
	KindConnectionClosed
	KindConnectionPacketWrap
	KindConnectionIdling
	KindRoomCreationRequest // pinned: 4
	KindRoomClosureRequest
	KindRoomClosed
	KindRoomJoin // pinned: 7
	KindRoomJoinRequest
	KindRoomJoinAccepted
	KindRoomJoinDenied
	KindRoomLink
	KindRoomConfig
	KindRoomStateRequest
	KindRoomState
	KindRoomInfoRequest
	KindRoomInfoDenied
	KindRoomInfo
	KindRoomListRequest
	KindRoomList
	KindServerInfo
	KindClajTextMessage
	KindClajMessage
	KindClajPopup
	KindStreamHead
	KindStreamChunk

	kindCount
)

// Local kinds.
const (
	KindConnect Kind = -1 - iota
	KindDisconnect
	KindIdle
	KindRaw
	KindLegacyText
	KindFramework
)

type kindEntry struct {
	name string
	new  func() Packet
}

// registry is indexed by wire kind. It is built once and never mutated.
var registry = [kindCount]kindEntry{
	KindConnectionJoin:       {"ConnectionJoin", func() Packet { return &ConnectionJoin{} }},
	KindConnectionClosed:     {"ConnectionClosed", func() Packet { return &ConnectionClosed{} }},
	KindConnectionPacketWrap: {"ConnectionPacketWrap", func() Packet { return &ConnectionPacketWrap{} }},
	KindConnectionIdling:     {"ConnectionIdling", func() Packet { return &ConnectionIdling{} }},
	KindRoomCreationRequest:  {"RoomCreationRequest", func() Packet { return &RoomCreationRequest{} }},
	KindRoomClosureRequest:   {"RoomClosureRequest", func() Packet { return &RoomClosureRequest{} }},
	KindRoomClosed:           {"RoomClosed", func() Packet { return &RoomClosed{} }},
	KindRoomJoin:             {"RoomJoin", func() Packet { return &RoomJoin{} }},
	KindRoomJoinRequest:      {"RoomJoinRequest", func() Packet { return &RoomJoinRequest{} }},
	KindRoomJoinAccepted:     {"RoomJoinAccepted", func() Packet { return &RoomJoinAccepted{} }},
	KindRoomJoinDenied:       {"RoomJoinDenied", func() Packet { return &RoomJoinDenied{} }},
	KindRoomLink:             {"RoomLink", func() Packet { return &RoomLink{} }},
	KindRoomConfig:           {"RoomConfig", func() Packet { return &RoomConfigPacket{} }},
	KindRoomStateRequest:     {"RoomStateRequest", func() Packet { return &RoomStateRequest{} }},
	KindRoomState:            {"RoomState", func() Packet { return &RoomState{} }},
	KindRoomInfoRequest:      {"RoomInfoRequest", func() Packet { return &RoomInfoRequest{} }},
	KindRoomInfoDenied:       {"RoomInfoDenied", func() Packet { return &RoomInfoDenied{} }},
	KindRoomInfo:             {"RoomInfo", func() Packet { return &RoomInfo{} }},
	KindRoomListRequest:      {"RoomListRequest", func() Packet { return &RoomListRequest{} }},
	KindRoomList:             {"RoomList", func() Packet { return &RoomList{} }},
	KindServerInfo:           {"ServerInfo", func() Packet { return &ServerInfo{} }},
	KindClajTextMessage:      {"ClajTextMessage", func() Packet { return &ClajTextMessage{} }},
	KindClajMessage:          {"ClajMessage", func() Packet { return &ClajMessage{} }},
	KindClajPopup:            {"ClajPopup", func() Packet { return &ClajPopup{} }},
	KindStreamHead:           {"StreamHead", func() Packet { return &StreamHead{} }},
	KindStreamChunk:          {"StreamChunk", func() Packet { return &StreamChunk{} }},
}

var localNames = map[Kind]string{
	KindConnect:    "Connect",
	KindDisconnect: "Disconnect",
	KindIdle:       "Idle",
	KindRaw:        "Raw",
	KindLegacyText: "LegacyText",
	KindFramework:  "Framework",
}

// IsWire reports whether k is carried on the wire as a typed packet.
func (k Kind) IsWire() bool { return k >= 0 && k < kindCount }

// Index returns the registry index of a wire kind.
func (k Kind) Index() (byte, bool) {
	if !k.IsWire() {
		return 0, false
	}
	return byte(k), true
}

func (k Kind) String() string {
	if k.IsWire() {
		return registry[k].name
	}
	if name, ok := localNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// KindOf returns the kind registered at index.
func KindOf(index byte) (Kind, error) {
	k := Kind(index)
	if !k.IsWire() {
		return 0, fmt.Errorf("%w: index %d", ErrUnknownKind, index)
	}
	return k, nil
}

// NewPacket allocates an empty packet of the given wire kind.
func NewPacket(k Kind) (Packet, error) {
	if !k.IsWire() {
		return nil, fmt.Errorf("%w: %v", ErrUnknownKind, k)
	}
	return registry[k].new(), nil
}

// WireKinds returns every wire kind in registry order.
func WireKinds() []Kind {
	out := make([]Kind, kindCount)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}
