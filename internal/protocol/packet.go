// Package protocol defines the CLaJ wire format: frame categories, the
// ordered packet registry and the field layout of every packet kind.
package protocol

// Packet is any value handled by the dispatcher: a typed wire packet, a raw
// or legacy frame, or a locally synthesized connection event.
type Packet interface {
	Kind() Kind
}

// fieldPacket is implemented by every typed wire packet.
type fieldPacket interface {
	Packet
	writeFields(w *Writer, c *Codec)
	readFields(r *Reader, c *Codec)
}

// ---------------------------------------------------------------------------
// Locally synthesized packets
// ---------------------------------------------------------------------------

// Connect is dispatched when a transport session opens.
type Connect struct {
	Address string
}

// Disconnect is dispatched when a transport session ends.
type Disconnect struct {
	Reason DcReason
}

// Idle is dispatched when a connection's outgoing queue drains.
type Idle struct{}

// Raw is a frame of an unknown category, forwarded untouched.
type Raw struct {
	Data []byte
}

// LegacyText is a plain string frame sent by pre-registry clients.
type LegacyText struct {
	Text string
}

func (*Connect) Kind() Kind    { return KindConnect }
func (*Disconnect) Kind() Kind { return KindDisconnect }
func (*Idle) Kind() Kind       { return KindIdle }
func (*Raw) Kind() Kind        { return KindRaw }
func (*LegacyText) Kind() Kind { return KindLegacyText }

// ---------------------------------------------------------------------------
// Connection packets (host <-> relay, about one member connection)
// ---------------------------------------------------------------------------

// ConnectionJoin tells the host a member joined. AddressHash is the hash of
// the member's real address; the host only ever sees the synthesized form.
type ConnectionJoin struct {
	ConID       int32
	AddressHash int64
}

// ConnectionClosed is sent by the relay when a member left, or by the host to
// kick a member.
type ConnectionClosed struct {
	ConID  int32
	Reason DcReason
}

// ConnectionPacketWrap carries tunneled traffic between the host and one
// member. On the relay the payload stays an opaque buffer in Raw; a client
// side serializer may decode it into Object instead.
type ConnectionPacketWrap struct {
	ConID  int32
	IsTCP  bool
	Raw    []byte
	Object any
}

// ConnectionIdling tells the host that a member connection is idle.
type ConnectionIdling struct {
	ConID int32
}

func (*ConnectionJoin) Kind() Kind       { return KindConnectionJoin }
func (*ConnectionClosed) Kind() Kind     { return KindConnectionClosed }
func (*ConnectionPacketWrap) Kind() Kind { return KindConnectionPacketWrap }
func (*ConnectionIdling) Kind() Kind     { return KindConnectionIdling }

func (p *ConnectionJoin) writeFields(w *Writer, _ *Codec) {
	w.Int32(p.ConID)
	w.Int64(p.AddressHash)
}

func (p *ConnectionJoin) readFields(r *Reader, _ *Codec) {
	p.ConID = r.Int32()
	p.AddressHash = r.Int64()
}

func (p *ConnectionClosed) writeFields(w *Writer, _ *Codec) {
	w.Int32(p.ConID)
	w.Byte(byte(p.Reason))
}

func (p *ConnectionClosed) readFields(r *Reader, _ *Codec) {
	p.ConID = r.Int32()
	p.Reason = DcReason(r.Byte())
}

func (p *ConnectionPacketWrap) writeFields(w *Writer, c *Codec) {
	w.Int32(p.ConID)
	w.Bool(p.IsTCP)
	if err := c.wrapSerializer().WriteWrap(p, w); err != nil {
		w.Fail(err)
	}
}

func (p *ConnectionPacketWrap) readFields(r *Reader, c *Codec) {
	p.ConID = r.Int32()
	p.IsTCP = r.Bool()
	if r.Err() != nil {
		return
	}
	if err := c.wrapSerializer().ReadWrap(p, r); err != nil {
		r.Fail(err)
	}
}

func (p *ConnectionIdling) writeFields(w *Writer, _ *Codec) { w.Int32(p.ConID) }
func (p *ConnectionIdling) readFields(r *Reader, _ *Codec)  { p.ConID = r.Int32() }

// ---------------------------------------------------------------------------
// Room lifecycle packets
// ---------------------------------------------------------------------------

// RoomCreationRequest asks the relay to open a room. Clients older than the
// type tag only send Version; such requests decode with a zero Type.
type RoomCreationRequest struct {
	Version string
	Type    ClajType
	Config  RoomConfig
}

// RoomClosureRequest is sent by the host to close its room.
type RoomClosureRequest struct{}

// RoomClosed notifies a host or member that its room is gone.
type RoomClosed struct {
	Reason CloseReason
}

// RoomJoin is the legacy join request: no password and no type tag.
type RoomJoin struct {
	RoomID int64
}

// RoomJoinRequest asks to join a room.
type RoomJoinRequest struct {
	RoomID   int64
	Password int16
	Type     ClajType
}

// RoomJoinAccepted confirms a join to the joiner.
type RoomJoinAccepted struct {
	RoomID int64
}

// RoomJoinDenied tells the joiner why it could not join.
type RoomJoinDenied struct {
	RoomID int64
	Reason RejectReason
}

// RoomLink gives the host what it needs to build a shareable join link. An
// empty Host means "the address you dialed".
type RoomLink struct {
	RoomID int64
	Host   string
	Port   uint16
}

// RoomConfigPacket pushes a new room configuration.
type RoomConfigPacket struct {
	RoomConfig
}

func (*RoomCreationRequest) Kind() Kind { return KindRoomCreationRequest }
func (*RoomClosureRequest) Kind() Kind  { return KindRoomClosureRequest }
func (*RoomClosed) Kind() Kind          { return KindRoomClosed }
func (*RoomJoin) Kind() Kind            { return KindRoomJoin }
func (*RoomJoinRequest) Kind() Kind     { return KindRoomJoinRequest }
func (*RoomJoinAccepted) Kind() Kind    { return KindRoomJoinAccepted }
func (*RoomJoinDenied) Kind() Kind      { return KindRoomJoinDenied }
func (*RoomLink) Kind() Kind            { return KindRoomLink }
func (*RoomConfigPacket) Kind() Kind    { return KindRoomConfig }

func (p *RoomCreationRequest) writeFields(w *Writer, _ *Codec) {
	w.UTF(p.Version)
	if p.Type.IsZero() {
		return
	}
	p.Type.write(w)
	p.Config.write(w)
}

func (p *RoomCreationRequest) readFields(r *Reader, _ *Codec) {
	p.Version = r.UTF()
	p.Config = DefaultRoomConfig
	if r.Err() != nil || r.Remaining() == 0 {
		return
	}
	p.Type = readClajType(r)
	p.Config = readRoomConfig(r)
}

func (*RoomClosureRequest) writeFields(*Writer, *Codec) {}
func (*RoomClosureRequest) readFields(*Reader, *Codec)  {}

func (p *RoomClosed) writeFields(w *Writer, _ *Codec) { w.Byte(byte(p.Reason)) }
func (p *RoomClosed) readFields(r *Reader, _ *Codec)  { p.Reason = CloseReason(r.Byte()) }

func (p *RoomJoin) writeFields(w *Writer, _ *Codec) { w.Int64(p.RoomID) }
func (p *RoomJoin) readFields(r *Reader, _ *Codec)  { p.RoomID = r.Int64() }

func (p *RoomJoinRequest) writeFields(w *Writer, _ *Codec) {
	w.Int64(p.RoomID)
	w.Int16(p.Password)
	p.Type.write(w)
}

func (p *RoomJoinRequest) readFields(r *Reader, _ *Codec) {
	p.RoomID = r.Int64()
	p.Password = r.Int16()
	p.Type = readClajType(r)
}

func (p *RoomJoinAccepted) writeFields(w *Writer, _ *Codec) { w.Int64(p.RoomID) }
func (p *RoomJoinAccepted) readFields(r *Reader, _ *Codec)  { p.RoomID = r.Int64() }

func (p *RoomJoinDenied) writeFields(w *Writer, _ *Codec) {
	w.Int64(p.RoomID)
	w.Byte(byte(p.Reason))
}

func (p *RoomJoinDenied) readFields(r *Reader, _ *Codec) {
	p.RoomID = r.Int64()
	p.Reason = RejectReason(r.Byte())
}

func (p *RoomLink) writeFields(w *Writer, _ *Codec) {
	w.Int64(p.RoomID)
	w.UTF(p.Host)
	w.Uint16(p.Port)
}

func (p *RoomLink) readFields(r *Reader, _ *Codec) {
	p.RoomID = r.Int64()
	p.Host = r.UTF()
	p.Port = r.Uint16()
}

func (p *RoomConfigPacket) writeFields(w *Writer, _ *Codec) { p.RoomConfig.write(w) }
func (p *RoomConfigPacket) readFields(r *Reader, _ *Codec)  { p.RoomConfig = readRoomConfig(r) }

// ---------------------------------------------------------------------------
// State, info and listing packets
// ---------------------------------------------------------------------------

// RoomStateRequest asks the host for a fresh state blob.
type RoomStateRequest struct{}

// RoomState carries the host's opaque state. Blobs larger than MaxBlobSize
// are cut; blobs larger than the stream split size are sent chunked.
type RoomState struct {
	State []byte
}

// RoomInfoRequest asks the relay about one room.
type RoomInfoRequest struct {
	RoomID int64
}

// RoomInfoDenied answers a RoomInfoRequest that cannot be served.
type RoomInfoDenied struct {
	RoomID int64
	Reason RejectReason
}

// RoomInfo describes one room. State is nil when unknown.
type RoomInfo struct {
	RoomID      int64
	IsProtected bool
	Type        ClajType
	State       []byte
}

// RoomListRequest asks for every public room of the given type.
type RoomListRequest struct {
	Type ClajType
}

// RoomListEntry is one room of a listing. State is nil when the host did not
// answer in time or does not share its state.
type RoomListEntry struct {
	RoomID      int64
	IsProtected bool
	State       []byte
}

// RoomList is the listing reply. It can be large and is usually streamed.
type RoomList struct {
	Rooms []RoomListEntry
}

// ServerInfo is sent by the relay right after a connection is registered.
type ServerInfo struct {
	Version int32
}

func (*RoomStateRequest) Kind() Kind { return KindRoomStateRequest }
func (*RoomState) Kind() Kind        { return KindRoomState }
func (*RoomInfoRequest) Kind() Kind  { return KindRoomInfoRequest }
func (*RoomInfoDenied) Kind() Kind   { return KindRoomInfoDenied }
func (*RoomInfo) Kind() Kind         { return KindRoomInfo }
func (*RoomListRequest) Kind() Kind  { return KindRoomListRequest }
func (*RoomList) Kind() Kind         { return KindRoomList }
func (*ServerInfo) Kind() Kind       { return KindServerInfo }

func (*RoomStateRequest) writeFields(*Writer, *Codec) {}
func (*RoomStateRequest) readFields(*Reader, *Codec)  {}

func (p *RoomState) writeFields(w *Writer, _ *Codec) { w.Blob(p.State) }
func (p *RoomState) readFields(r *Reader, _ *Codec)  { p.State = r.Blob() }

func (p *RoomInfoRequest) writeFields(w *Writer, _ *Codec) { w.Int64(p.RoomID) }
func (p *RoomInfoRequest) readFields(r *Reader, _ *Codec)  { p.RoomID = r.Int64() }

func (p *RoomInfoDenied) writeFields(w *Writer, _ *Codec) {
	w.Int64(p.RoomID)
	w.Byte(byte(p.Reason))
}

func (p *RoomInfoDenied) readFields(r *Reader, _ *Codec) {
	p.RoomID = r.Int64()
	p.Reason = RejectReason(r.Byte())
}

func (p *RoomInfo) writeFields(w *Writer, _ *Codec) {
	w.Int64(p.RoomID)
	w.Bool(p.IsProtected)
	p.Type.write(w)
	w.Blob(p.State)
}

func (p *RoomInfo) readFields(r *Reader, _ *Codec) {
	p.RoomID = r.Int64()
	p.IsProtected = r.Bool()
	p.Type = readClajType(r)
	p.State = r.Blob()
}

func (p *RoomListRequest) writeFields(w *Writer, _ *Codec) { p.Type.write(w) }
func (p *RoomListRequest) readFields(r *Reader, _ *Codec)  { p.Type = readClajType(r) }

// minListEntrySize is roomID + protected flag + empty state length.
const minListEntrySize = 8 + 1 + 2

func (p *RoomList) writeFields(w *Writer, _ *Codec) {
	w.Int32(int32(len(p.Rooms)))
	for _, e := range p.Rooms {
		w.Int64(e.RoomID)
		w.Bool(e.IsProtected)
		w.Blob(e.State)
	}
}

func (p *RoomList) readFields(r *Reader, _ *Codec) {
	n := int(r.Int32())
	if r.Err() != nil {
		return
	}
	if n < 0 || n > r.Remaining()/minListEntrySize {
		r.Fail(ErrShortBuffer)
		return
	}
	p.Rooms = make([]RoomListEntry, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		p.Rooms = append(p.Rooms, RoomListEntry{
			RoomID:      r.Int64(),
			IsProtected: r.Bool(),
			State:       r.Blob(),
		})
	}
}

func (p *ServerInfo) writeFields(w *Writer, _ *Codec) { w.Int32(p.Version) }
func (p *ServerInfo) readFields(r *Reader, _ *Codec)  { p.Version = r.Int32() }

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// ClajTextMessage is a free text message shown in the client's chat.
type ClajTextMessage struct {
	Text string
}

// ClajMessage is a predefined notice.
type ClajMessage struct {
	Message MessageType
}

// ClajPopup is a free text message shown in a popup.
type ClajPopup struct {
	Text string
}

func (*ClajTextMessage) Kind() Kind { return KindClajTextMessage }
func (*ClajMessage) Kind() Kind     { return KindClajMessage }
func (*ClajPopup) Kind() Kind       { return KindClajPopup }

func (p *ClajTextMessage) writeFields(w *Writer, _ *Codec) { w.UTF(p.Text) }
func (p *ClajTextMessage) readFields(r *Reader, _ *Codec)  { p.Text = r.UTF() }

func (p *ClajMessage) writeFields(w *Writer, _ *Codec) { w.Byte(byte(p.Message)) }
func (p *ClajMessage) readFields(r *Reader, _ *Codec)  { p.Message = MessageType(r.Byte()) }

func (p *ClajPopup) writeFields(w *Writer, _ *Codec) { w.UTF(p.Text) }
func (p *ClajPopup) readFields(r *Reader, _ *Codec)  { p.Text = r.UTF() }

// ---------------------------------------------------------------------------
// Stream packets
// ---------------------------------------------------------------------------

// StreamHead opens a chunked transfer of Total bytes that will be decoded as
// a packet of kind Target once complete.
type StreamHead struct {
	StreamID int32
	Total    int32
	Target   Kind
}

// StreamChunk carries the next contiguous range of a chunked transfer.
type StreamChunk struct {
	StreamID int32
	Data     []byte
}

func (*StreamHead) Kind() Kind  { return KindStreamHead }
func (*StreamChunk) Kind() Kind { return KindStreamChunk }

func (p *StreamHead) writeFields(w *Writer, _ *Codec) {
	w.Int32(p.StreamID)
	w.Int32(p.Total)
	w.Byte(byte(p.Target))
}

func (p *StreamHead) readFields(r *Reader, _ *Codec) {
	p.StreamID = r.Int32()
	p.Total = r.Int32()
	p.Target = Kind(r.Byte())
}

func (p *StreamChunk) writeFields(w *Writer, _ *Codec) {
	w.Int32(p.StreamID)
	w.Blob(p.Data)
}

func (p *StreamChunk) readFields(r *Reader, _ *Codec) {
	p.StreamID = r.Int32()
	p.Data = r.Blob()
}
