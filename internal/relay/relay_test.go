package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/claj/internal/config"
	"github.com/1ureka/claj/internal/events"
	"github.com/1ureka/claj/internal/protocol"
	"github.com/1ureka/claj/internal/stream"
	"github.com/1ureka/claj/internal/util"
)

var (
	gameType  = protocol.MustClajType("mindustry-v8")
	otherType = protocol.MustClajType("mindustry-v7")
)

const waitFor = 2 * time.Second

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

var fakeIDs atomic.Int32

type fakeConn struct {
	id int32
	ip net.IP

	mu      sync.Mutex
	packets []protocol.Packet
	closed  bool
	reason  protocol.DcReason
}

func newFakeConn(ip string) *fakeConn {
	return &fakeConn{id: 1000 + fakeIDs.Add(1), ip: net.ParseIP(ip)}
}

func (c *fakeConn) ID() int32        { return c.id }
func (c *fakeConn) RemoteIP() net.IP { return c.ip }
func (c *fakeConn) String() string   { return util.ConnID(c.id) }

func (c *fakeConn) Send(p protocol.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%s is closed", c)
	}
	c.packets = append(c.packets, p)
	return nil
}

func (c *fakeConn) Close(reason protocol.DcReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed, c.reason = true, reason
	}
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) closedWith() (bool, protocol.DcReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.reason
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = nil
}

func sent[T protocol.Packet](c *fakeConn) []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []T
	for _, p := range c.packets {
		if v, ok := p.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func last[T protocol.Packet](t *testing.T, c *fakeConn) T {
	t.Helper()
	all := sent[T](c)
	require.NotEmpty(t, all, "%s received no %T", c, *new(T))
	return all[len(all)-1]
}

type harness struct {
	t   *testing.T
	s   *Server
	ctx context.Context
	reg *prometheus.Registry
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.CloseWait = 0
	cfg.ExternalAddress = "relay.test:7000"
	return cfg
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	reg := prometheus.NewRegistry()
	s, err := New(cfg, Options{Metrics: NewMetrics(reg), Stats: util.NewStats()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{t: t, s: s, ctx: ctx, reg: reg}
}

// sync waits until every event queued so far has been handled.
func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.s.Call(h.ctx, func() {}))
}

func (h *harness) connect(ip string) *fakeConn {
	h.t.Helper()
	c := newFakeConn(ip)
	h.s.Handler().OnConnect(c)
	h.sync()
	return c
}

func (h *harness) send(c *fakeConn, p protocol.Packet) {
	h.t.Helper()
	h.s.Handler().OnReceive(c, p)
	h.sync()
}

func (h *harness) disconnect(c *fakeConn, reason protocol.DcReason) {
	h.t.Helper()
	c.Close(reason)
	h.s.Handler().OnDisconnect(c, reason)
	h.sync()
}

// host connects a client and opens a room of gameType with cfg.
func (h *harness) host(ip string, cfg protocol.RoomConfig) (*fakeConn, int64) {
	h.t.Helper()
	c := h.connect(ip)
	h.send(c, &protocol.RoomCreationRequest{Version: "2.1", Type: gameType, Config: cfg})
	link := last[*protocol.RoomLink](h.t, c)
	return c, link.RoomID
}

func (h *harness) status() Status {
	h.t.Helper()
	st, err := h.s.Status(h.ctx)
	require.NoError(h.t, err)
	return st
}

var publicState = protocol.RoomConfig{IsPublic: true, RequestState: true, Password: protocol.NoPassword}

// ---------------------------------------------------------------------------
// Connection and creation
// ---------------------------------------------------------------------------

func TestConnectSendsServerInfo(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect("192.0.2.1")
	assert.Equal(t, &protocol.ServerInfo{Version: Version}, last[*protocol.ServerInfo](t, c))
	assert.Equal(t, 1, h.status().Connections)

	h.disconnect(c, protocol.DcClosed)
	assert.Equal(t, 0, h.status().Connections)
}

func TestCreateRoomSendsLink(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect("192.0.2.1")
	h.send(c, &protocol.RoomCreationRequest{Version: "2.4", Type: gameType, Config: protocol.DefaultRoomConfig})

	link := last[*protocol.RoomLink](t, c)
	assert.Positive(t, link.RoomID)
	assert.Equal(t, "relay.test", link.Host)
	assert.Equal(t, uint16(7000), link.Port)

	l := protocol.LinkFrom(link, "unused")
	parsed, err := protocol.ParseLink(l.String())
	require.NoError(t, err)
	assert.Equal(t, link.RoomID, parsed.RoomID)

	st := h.status()
	assert.Equal(t, 1, st.Rooms)
	assert.Equal(t, 1, st.RoomsByType[gameType.String()])
}

func TestCreationRejections(t *testing.T) {
	banned := protocol.MustClajType("cheat-client")
	for _, tc := range []struct {
		name   string
		mutate func(*config.Config)
		req    protocol.RoomCreationRequest
		want   protocol.CloseReason
	}{
		{"older major", nil, protocol.RoomCreationRequest{Version: "1.9", Type: gameType}, protocol.CloseOutdatedClient},
		{"newer major", nil, protocol.RoomCreationRequest{Version: "3.0", Type: gameType}, protocol.CloseOutdatedServer},
		{"unparsable version", nil, protocol.RoomCreationRequest{Version: "v2", Type: gameType}, protocol.CloseObsoleteClient},
		{"no type refused", func(c *config.Config) { c.AcceptNoType = false }, protocol.RoomCreationRequest{Version: "2"}, protocol.CloseObsoleteClient},
		{"blacklisted type", func(c *config.Config) { c.BlacklistedTypes = []string{"cheat-client"} }, protocol.RoomCreationRequest{Version: "2", Type: banned}, protocol.CloseObsoleteClient},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.mutate)
			var rejected []events.Event
			h.s.Bus().Subscribe(events.RoomCreationRejected, func(e events.Event) { rejected = append(rejected, e) })

			c := h.connect("192.0.2.1")
			req := tc.req
			h.send(c, &req)

			assert.Equal(t, &protocol.RoomClosed{Reason: tc.want}, last[*protocol.RoomClosed](t, c))
			assert.Empty(t, sent[*protocol.RoomLink](c))
			assert.Equal(t, 0, h.status().Rooms)
			assert.Equal(t, []events.Event{events.RoomCreationRejectedEvent{ConnID: c.id, Reason: tc.want}}, rejected)
			assert.True(t, c.IsConnected())
		})
	}
}

func TestMaxRooms(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MaxRooms = 1 })
	h.host("192.0.2.1", protocol.DefaultRoomConfig)

	c := h.connect("192.0.2.2")
	h.send(c, &protocol.RoomCreationRequest{Version: "2", Type: gameType})
	assert.Equal(t, protocol.CloseServerOverloaded, last[*protocol.RoomClosed](t, c).Reason)
}

func TestLegacyCreationIsWarned(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect("192.0.2.1")
	h.send(c, &protocol.RoomCreationRequest{Version: "2"})

	assert.Equal(t, DeprecationText, last[*protocol.LegacyText](t, c).Text)
	assert.NotEmpty(t, sent[*protocol.RoomLink](c))
}

func TestAlreadyHosting(t *testing.T) {
	h := newHarness(t, nil)
	c, id := h.host("192.0.2.1", protocol.DefaultRoomConfig)

	h.send(c, &protocol.RoomCreationRequest{Version: "2", Type: gameType})
	assert.Equal(t, protocol.MessageAlreadyHosting, last[*protocol.ClajMessage](t, c).Message)
	h.send(c, &protocol.RoomJoinRequest{RoomID: id, Password: protocol.NoPassword, Type: gameType})
	assert.Equal(t, protocol.MessageAlreadyHosting, last[*protocol.ClajMessage](t, c).Message)
	assert.Len(t, sent[*protocol.RoomLink](c), 1)
}

func TestRoomIDsUniqueUnderConcurrentCreation(t *testing.T) {
	h := newHarness(t, nil)
	const hosts = 200

	conns := make([]*fakeConn, hosts)
	var wg sync.WaitGroup
	for i := range conns {
		conns[i] = newFakeConn(fmt.Sprintf("198.51.100.%d", i%250))
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			h.s.Handler().OnConnect(c)
			h.s.Handler().OnReceive(c, &protocol.RoomCreationRequest{Version: "2", Type: gameType})
		}(conns[i])
	}
	wg.Wait()
	h.sync()

	ids := make(map[int64]bool, hosts)
	for _, c := range conns {
		id := last[*protocol.RoomLink](t, c).RoomID
		assert.NotZero(t, id)
		assert.False(t, ids[id], "duplicate room id %d", id)
		ids[id] = true
	}
	assert.Equal(t, hosts, h.status().Rooms)
}

// ---------------------------------------------------------------------------
// Joining
// ---------------------------------------------------------------------------

func TestJoinUnknownRoom(t *testing.T) {
	h := newHarness(t, nil)
	hostConn, _ := h.host("192.0.2.1", protocol.DefaultRoomConfig)
	hostConn.reset()

	j := h.connect("192.0.2.2")
	h.send(j, &protocol.RoomJoinRequest{RoomID: 12345, Password: protocol.NoPassword, Type: gameType})

	assert.Equal(t, &protocol.RoomJoinDenied{RoomID: 12345, Reason: protocol.RejectRoomNotFound}, last[*protocol.RoomJoinDenied](t, j))
	assert.Empty(t, sent[*protocol.RoomJoinAccepted](j))
	assert.Empty(t, sent[*protocol.ConnectionJoin](hostConn))
	assert.Equal(t, 0, h.status().Members)
}

func TestJoinPassword(t *testing.T) {
	h := newHarness(t, nil)
	var joined []events.Event
	h.s.Bus().Subscribe(events.ConnectionPreJoin|events.ConnectionJoined|events.ConnectionJoinRejected, func(e events.Event) {
		joined = append(joined, e)
	})

	hostConn, id := h.host("192.0.2.1", protocol.RoomConfig{IsProtected: true, Password: 4242})
	j := h.connect("203.0.113.9")

	h.send(j, &protocol.RoomJoinRequest{RoomID: id, Password: 1111, Type: gameType})
	assert.Equal(t, protocol.RejectInvalidPassword, last[*protocol.RoomJoinDenied](t, j).Reason)
	assert.Empty(t, sent[*protocol.ConnectionJoin](hostConn))

	h.send(j, &protocol.RoomJoinRequest{RoomID: id, Password: protocol.NoPassword, Type: gameType})
	assert.Equal(t, protocol.RejectPasswordRequired, last[*protocol.RoomJoinDenied](t, j).Reason)

	h.send(j, &protocol.RoomJoinRequest{RoomID: id, Password: 4242, Type: gameType})
	assert.Equal(t, &protocol.RoomJoinAccepted{RoomID: id}, last[*protocol.RoomJoinAccepted](t, j))

	join := last[*protocol.ConnectionJoin](t, hostConn)
	assert.Equal(t, j.id, join.ConID)
	assert.Equal(t, int64(util.HashAddress(j.ip)), join.AddressHash)

	// What the host can derive is the synthetic address, never the real one.
	seen := util.SynthesizeAddress(uint64(join.AddressHash))
	assert.True(t, util.IsSynthetic(seen))
	assert.False(t, seen.Equal(j.ip))
	assert.Equal(t, util.Obfuscate(j.ip), seen)

	assert.Equal(t, []events.Event{
		events.ConnectionJoinRejectedEvent{ConnID: j.id, RoomID: id, Reason: protocol.RejectInvalidPassword},
		events.ConnectionJoinRejectedEvent{ConnID: j.id, RoomID: id, Reason: protocol.RejectPasswordRequired},
		events.ConnectionPreJoinEvent{ConnID: j.id, RoomID: id},
		events.ConnectionJoinedEvent{ConnID: j.id, RoomID: id},
	}, joined)
	assert.Equal(t, 1, h.status().Members)

	h.send(j, &protocol.RoomJoinRequest{RoomID: id, Password: 4242, Type: gameType})
	assert.Equal(t, protocol.MessageAlreadyInRoom, last[*protocol.ClajMessage](t, j).Message)
}

func TestProtectedRoomWithoutPasswordRejectsAll(t *testing.T) {
	h := newHarness(t, nil)
	_, id := h.host("192.0.2.1", protocol.RoomConfig{IsProtected: true, Password: protocol.NoPassword})
	j := h.connect("192.0.2.2")

	for _, pw := range []int16{protocol.NoPassword, 0, 1234} {
		h.send(j, &protocol.RoomJoinRequest{RoomID: id, Password: pw, Type: gameType})
		assert.Equal(t, protocol.RejectPasswordRequired, last[*protocol.RoomJoinDenied](t, j).Reason, "password %d", pw)
	}
}

func TestJoinTypeChecks(t *testing.T) {
	h := newHarness(t, nil)
	_, id := h.host("192.0.2.1", protocol.DefaultRoomConfig)

	j := h.connect("192.0.2.2")
	h.send(j, &protocol.RoomJoinRequest{RoomID: id, Password: protocol.NoPassword, Type: otherType})
	assert.Equal(t, protocol.RejectIncompatible, last[*protocol.RoomJoinDenied](t, j).Reason)

	legacy := h.connect("192.0.2.3")
	h.send(legacy, &protocol.RoomJoin{RoomID: id})
	assert.Equal(t, id, last[*protocol.RoomJoinAccepted](t, legacy).RoomID)

	strict := newHarness(t, func(c *config.Config) { c.AcceptNoType = false })
	_, id = strict.host("192.0.2.1", protocol.DefaultRoomConfig)
	legacy = strict.connect("192.0.2.3")
	strict.send(legacy, &protocol.RoomJoin{RoomID: id})
	assert.Equal(t, protocol.RejectIncompatible, last[*protocol.RoomJoinDenied](t, legacy).Reason)
}

func TestJoinRateLimit(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.JoinLimit = 2 })
	_, id := h.host("192.0.2.1", protocol.RoomConfig{IsProtected: true, Password: 4242})

	j := h.connect("192.0.2.2")
	for range 2 {
		h.send(j, &protocol.RoomJoinRequest{RoomID: id, Password: 1, Type: gameType})
		assert.Equal(t, protocol.RejectInvalidPassword, last[*protocol.RoomJoinDenied](t, j).Reason)
	}
	// Over the limit the room is reported missing, even with the right password.
	h.send(j, &protocol.RoomJoinRequest{RoomID: id, Password: 4242, Type: gameType})
	assert.Equal(t, protocol.RejectRoomNotFound, last[*protocol.RoomJoinDenied](t, j).Reason)

	// The bucket is per address: a new connection from the same address
	// shares it.
	again := h.connect("192.0.2.2")
	h.send(again, &protocol.RoomJoinRequest{RoomID: id, Password: 4242, Type: gameType})
	assert.Equal(t, protocol.RejectRoomNotFound, last[*protocol.RoomJoinDenied](t, again).Reason)

	other := h.connect("192.0.2.3")
	h.send(other, &protocol.RoomJoinRequest{RoomID: id, Password: 4242, Type: gameType})
	assert.NotEmpty(t, sent[*protocol.RoomJoinAccepted](other))
}

func TestBlacklist(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Blacklist = []string{"10.0.0.0/8"} })

	banned := h.connect("10.1.2.3")
	closed, reason := banned.closedWith()
	assert.True(t, closed)
	assert.Equal(t, protocol.DcKicked, reason)
	assert.Empty(t, sent[*protocol.ServerInfo](banned))
	assert.Equal(t, 0, h.status().Connections)

	_, id := h.host("192.0.2.1", protocol.DefaultRoomConfig)
	j := h.connect("192.0.2.2")
	require.NoError(t, h.s.Blacklist().Add("192.0.2.2"))
	h.send(j, &protocol.RoomJoinRequest{RoomID: id, Password: protocol.NoPassword, Type: gameType})
	assert.Equal(t, protocol.RejectRoomNotFound, last[*protocol.RoomJoinDenied](t, j).Reason)
}

// ---------------------------------------------------------------------------
// Tunnel
// ---------------------------------------------------------------------------

func joinRoom(h *harness, ip string, id int64) *fakeConn {
	h.t.Helper()
	j := h.connect(ip)
	h.send(j, &protocol.RoomJoinRequest{RoomID: id, Password: protocol.NoPassword, Type: gameType})
	last[*protocol.RoomJoinAccepted](h.t, j)
	return j
}

func TestTunnel(t *testing.T) {
	h := newHarness(t, nil)
	hostConn, id := h.host("192.0.2.1", protocol.DefaultRoomConfig)
	m := joinRoom(h, "192.0.2.2", id)

	frame := []byte{0x13, 0x37, 0x00, 0xff}
	h.send(m, &protocol.Raw{Data: frame})
	assert.Equal(t, &protocol.ConnectionPacketWrap{ConID: m.id, IsTCP: true, Raw: frame}, last[*protocol.ConnectionPacketWrap](t, hostConn))

	h.send(hostConn, &protocol.ConnectionPacketWrap{ConID: m.id, IsTCP: true, Raw: []byte{9, 8, 7}})
	assert.Equal(t, &protocol.Raw{Data: []byte{9, 8, 7}}, last[*protocol.Raw](t, m))

	// Wraps for unknown members go nowhere.
	h.send(hostConn, &protocol.ConnectionPacketWrap{ConID: 424242, Raw: []byte{1}})
	assert.Len(t, sent[*protocol.Raw](m), 1)

	h.s.Handler().OnIdle(m)
	h.sync()
	assert.Equal(t, &protocol.ConnectionIdling{ConID: m.id}, last[*protocol.ConnectionIdling](t, hostConn))

	// Idle of the host itself is filtered out.
	h.s.Handler().OnIdle(hostConn)
	h.sync()
	assert.Len(t, sent[*protocol.ConnectionIdling](hostConn), 1)
}

func TestRawOutsideRoomIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	hostConn, _ := h.host("192.0.2.1", protocol.DefaultRoomConfig)
	stranger := h.connect("192.0.2.2")
	h.send(stranger, &protocol.Raw{Data: []byte{1, 2}})
	assert.Empty(t, sent[*protocol.ConnectionPacketWrap](hostConn))
}

func TestMemberDisconnectNotifiesHost(t *testing.T) {
	h := newHarness(t, nil)
	hostConn, id := h.host("192.0.2.1", protocol.DefaultRoomConfig)
	m := joinRoom(h, "192.0.2.2", id)

	h.disconnect(m, protocol.DcTimeout)
	assert.Equal(t, &protocol.ConnectionClosed{ConID: m.id, Reason: protocol.DcTimeout}, last[*protocol.ConnectionClosed](t, hostConn))
	assert.Equal(t, 0, h.status().Members)
	assert.Equal(t, 1, h.status().Rooms)
}

func TestHostKicksMember(t *testing.T) {
	h := newHarness(t, nil)
	hostConn, id := h.host("192.0.2.1", protocol.DefaultRoomConfig)
	m := joinRoom(h, "192.0.2.2", id)
	other := joinRoom(h, "192.0.2.3", id)

	h.send(hostConn, &protocol.ConnectionClosed{ConID: m.id, Reason: protocol.DcKicked})
	closed, reason := m.closedWith()
	assert.True(t, closed)
	assert.Equal(t, protocol.DcKicked, reason)

	// The kicked member's own disconnect is not echoed back.
	h.disconnect(m, protocol.DcKicked)
	assert.Empty(t, sent[*protocol.ConnectionClosed](hostConn))

	h.send(other, &protocol.ConnectionClosed{ConID: hostConn.id})
	assert.Equal(t, protocol.MessageConClosureDenied, last[*protocol.ClajMessage](t, other).Message)
	assert.True(t, hostConn.IsConnected())
}

// ---------------------------------------------------------------------------
// Closing
// ---------------------------------------------------------------------------

func TestHostDisconnectClosesRoom(t *testing.T) {
	h := newHarness(t, nil)
	var closedEvents []events.Event
	h.s.Bus().Subscribe(events.RoomClosed, func(e events.Event) { closedEvents = append(closedEvents, e) })

	hostConn, id := h.host("192.0.2.1", protocol.DefaultRoomConfig)
	members := []*fakeConn{joinRoom(h, "192.0.2.2", id), joinRoom(h, "192.0.2.3", id)}

	h.disconnect(hostConn, protocol.DcClosed)

	for _, m := range members {
		assert.Equal(t, &protocol.RoomClosed{Reason: protocol.CloseClosed}, last[*protocol.RoomClosed](t, m))
		assert.True(t, m.IsConnected())
	}
	assert.Equal(t, []events.Event{events.RoomClosedEvent{RoomID: id, Reason: protocol.CloseClosed}}, closedEvents)

	var evicted bool
	require.NoError(t, h.s.Call(h.ctx, func() { evicted = h.s.rooms.Get(id) == nil }))
	assert.True(t, evicted, "room id must be free once the host is gone")
	assert.Equal(t, 0, h.status().Rooms)

	late := h.connect("192.0.2.4")
	h.send(late, &protocol.RoomJoinRequest{RoomID: id, Password: protocol.NoPassword, Type: gameType})
	assert.Equal(t, protocol.RejectRoomNotFound, last[*protocol.RoomJoinDenied](t, late).Reason)

	// Former members can join elsewhere.
	_, id2 := h.host("192.0.2.5", protocol.DefaultRoomConfig)
	h.send(members[0], &protocol.RoomJoinRequest{RoomID: id2, Password: protocol.NoPassword, Type: gameType})
	assert.Equal(t, id2, last[*protocol.RoomJoinAccepted](t, members[0]).RoomID)
}

func TestClosureRequest(t *testing.T) {
	h := newHarness(t, nil)
	hostConn, id := h.host("192.0.2.1", protocol.DefaultRoomConfig)
	m := joinRoom(h, "192.0.2.2", id)
	stranger := h.connect("192.0.2.3")

	h.send(m, &protocol.RoomClosureRequest{})
	assert.Equal(t, protocol.MessageRoomClosureDenied, last[*protocol.ClajMessage](t, m).Message)
	h.send(stranger, &protocol.RoomClosureRequest{})
	assert.Equal(t, protocol.MessageNotHosting, last[*protocol.ClajMessage](t, stranger).Message)
	assert.Equal(t, 1, h.status().Rooms)

	h.send(hostConn, &protocol.RoomClosureRequest{})
	assert.Equal(t, protocol.CloseClosed, last[*protocol.RoomClosed](t, hostConn).Reason)
	assert.Equal(t, protocol.CloseClosed, last[*protocol.RoomClosed](t, m).Reason)
	assert.Equal(t, 0, h.status().Rooms)
	assert.True(t, hostConn.IsConnected())
}

func TestConfigNeedsHost(t *testing.T) {
	h := newHarness(t, nil)
	var changed []events.Event
	h.s.Bus().Subscribe(events.ConfigurationChanged, func(e events.Event) { changed = append(changed, e) })

	hostConn, id := h.host("192.0.2.1", protocol.DefaultRoomConfig)
	m := joinRoom(h, "192.0.2.2", id)

	h.send(m, &protocol.RoomConfigPacket{RoomConfig: publicState})
	assert.Equal(t, protocol.MessageNotHosting, last[*protocol.ClajMessage](t, m).Message)

	// Passwords that are not 4-digit pins are dropped.
	h.send(hostConn, &protocol.RoomConfigPacket{RoomConfig: protocol.RoomConfig{IsPublic: true, IsProtected: true, Password: 12345}})
	want := protocol.RoomConfig{IsPublic: true, IsProtected: true, Password: protocol.NoPassword}
	assert.Equal(t, []events.Event{events.ConfigurationChangedEvent{RoomID: id, Config: want}}, changed)
	assert.Equal(t, 1, h.status().PublicRooms)
}

func TestLegacyTextClient(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect("192.0.2.1")
	h.send(c, &protocol.LegacyText{Text: "join 1234"})

	assert.Equal(t, DeprecationText, last[*protocol.LegacyText](t, c).Text)
	closed, reason := c.closedWith()
	assert.True(t, closed)
	assert.Equal(t, protocol.DcClosed, reason)

	quiet := newHarness(t, func(c *config.Config) { c.WarnDeprecated = false })
	c = quiet.connect("192.0.2.1")
	quiet.send(c, &protocol.LegacyText{Text: "join 1234"})
	assert.Empty(t, sent[*protocol.LegacyText](c))
	assert.False(t, c.IsConnected())
}

func TestSpamKick(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.SpamLimit = 5 })
	var kicked []events.Event
	h.s.Bus().Subscribe(events.ClientKicked, func(e events.Event) { kicked = append(kicked, e) })

	hostConn, id := h.host("192.0.2.1", protocol.DefaultRoomConfig)
	m := joinRoom(h, "192.0.2.2", id)

	// The join request was the member's first packet.
	for range 4 {
		h.send(m, &protocol.Raw{Data: []byte{1}})
	}
	assert.True(t, m.IsConnected())
	h.send(m, &protocol.Raw{Data: []byte{1}})

	closed, reason := m.closedWith()
	assert.True(t, closed)
	assert.Equal(t, protocol.DcKicked, reason)
	assert.Equal(t, []events.Event{events.ClientKickedEvent{ConnID: m.id}}, kicked)
	assert.Len(t, sent[*protocol.ConnectionPacketWrap](hostConn), 4)

	// Hosts are exempt.
	for range 20 {
		h.send(hostConn, &protocol.RoomStateRequest{})
	}
	assert.True(t, hostConn.IsConnected())
}

func TestStreamFloodIsKicked(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.SpamLimit = 5 })
	var kicked []events.Event
	h.s.Bus().Subscribe(events.ClientKicked, func(e events.Event) { kicked = append(kicked, e) })

	c := h.connect("192.0.2.9")
	for id := range int32(200) {
		h.s.Handler().OnReceive(c, &protocol.StreamHead{StreamID: id, Total: 16 << 20, Target: protocol.KindRoomState})
	}
	h.sync()

	closed, reason := c.closedWith()
	assert.True(t, closed)
	assert.Equal(t, protocol.DcKicked, reason)
	assert.Equal(t, []events.Event{events.ClientKickedEvent{ConnID: c.id}}, kicked)
	assert.Equal(t, protocol.MessagePacketSpamming, last[*protocol.ClajMessage](t, c).Message)
	assert.LessOrEqual(t, h.s.dispatcher.PendingStreams(), stream.MaxOpenTransfers)

	h.s.Handler().OnDisconnect(c, protocol.DcKicked)
	h.sync()
	assert.Zero(t, h.s.dispatcher.PendingStreams())
}

func TestStreamPartsFromUnknownConnection(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Blacklist = []string{"203.0.113.0/24"} })
	c := h.connect("203.0.113.5")
	require.False(t, c.IsConnected())

	h.send(c, &protocol.StreamHead{StreamID: 1, Total: 100, Target: protocol.KindRoomState})
	assert.Zero(t, h.s.dispatcher.PendingStreams())
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.CloseWait = time.Second })
	var stopping []events.Event
	h.s.Bus().Subscribe(events.ServerStopping, func(e events.Event) { stopping = append(stopping, e) })

	hostConn, id := h.host("192.0.2.1", protocol.DefaultRoomConfig)
	m := joinRoom(h, "192.0.2.2", id)

	done := make(chan error, 1)
	go func() { done <- h.s.Shutdown(context.Background()) }()

	require.Eventually(t, func() bool { return h.status().Closing }, waitFor, 5*time.Millisecond)
	for _, c := range []*fakeConn{hostConn, m} {
		assert.Equal(t, protocol.MessageServerClosing, last[*protocol.ClajMessage](t, c).Message)
	}

	j := h.connect("192.0.2.3")
	h.send(j, &protocol.RoomJoinRequest{RoomID: id, Password: protocol.NoPassword, Type: gameType})
	assert.Equal(t, protocol.RejectServerClosing, last[*protocol.RoomJoinDenied](t, j).Reason)
	h.send(j, &protocol.RoomCreationRequest{Version: "2", Type: gameType})
	assert.Equal(t, protocol.CloseServerClosed, last[*protocol.RoomClosed](t, j).Reason)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("shutdown did not return")
	}
	assert.Equal(t, protocol.CloseServerClosed, last[*protocol.RoomClosed](t, hostConn).Reason)
	assert.Equal(t, protocol.CloseServerClosed, last[*protocol.RoomClosed](t, m).Reason)
	assert.Equal(t, 0, h.status().Rooms)
	assert.Equal(t, []events.Event{events.ServerStoppingEvent{Available: true}}, stopping)

	require.NoError(t, h.s.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestShutdownWithoutWarning(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.WarnClosing = false })
	hostConn, _ := h.host("192.0.2.1", protocol.DefaultRoomConfig)

	require.NoError(t, h.s.Shutdown(context.Background()))
	assert.Empty(t, sent[*protocol.ClajMessage](hostConn))
	assert.Equal(t, protocol.CloseServerClosed, last[*protocol.RoomClosed](t, hostConn).Reason)
}

func TestPostAfterStop(t *testing.T) {
	s, err := New(testConfig(), Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Serve(ctx), context.Canceled)

	assert.False(t, s.Post(func() {}))
	assert.ErrorIs(t, s.Call(context.Background(), func() {}), ErrStopped)
}
