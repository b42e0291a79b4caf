package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/claj/internal/config"
	"github.com/1ureka/claj/internal/protocol"
	"github.com/1ureka/claj/internal/relay"
	"github.com/1ureka/claj/internal/transport"
)

var gameType = protocol.MustClajType("mindustry-v8")

const waitFor = 3 * time.Second

type testRelay struct {
	tcp string
	ws  string
	srv *relay.Server
}

func startRelay(t *testing.T, mutate func(*config.Config)) testRelay {
	t.Helper()
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.WSListen = "127.0.0.1:0"
	cfg.CloseWait = 0
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := relay.New(cfg, relay.Options{})
	require.NoError(t, err)

	opts := transport.Options{Codec: srv.Codec()}
	tcp := transport.NewListener(cfg.Listen, srv.Handler(), opts)
	ws := transport.NewWSListener(cfg.WSListen, srv.Handler(), opts)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, serve := range []func(context.Context) error{srv.Serve, tcp.Serve, ws.Serve} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = serve(ctx)
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	for _, ready := range []<-chan struct{}{tcp.Ready(), ws.Ready()} {
		select {
		case <-ready:
		case <-time.After(waitFor):
			t.Fatal("relay did not start")
		}
	}
	return testRelay{
		tcp: tcp.Addr().String(),
		ws:  "ws://" + ws.Addr().String() + transport.WSPath,
		srv: srv,
	}
}

func dial(t *testing.T, address string, opts Options) *Client {
	t.Helper()
	c, err := Dial(context.Background(), address, opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// next returns the next packet of type T delivered on Packets, skipping
// others.
func next[T protocol.Packet](t *testing.T, c *Client) T {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case p, ok := <-c.Packets():
			require.True(t, ok, "connection closed")
			if m, ok := p.(T); ok {
				return m
			}
		case <-deadline:
			var zero T
			t.Fatalf("no %T received", zero)
			return zero
		}
	}
}

var protected = protocol.RoomConfig{IsPublic: true, IsProtected: true, Password: 1234, RequestState: true}

func TestDialTCPAndWebSocket(t *testing.T) {
	r := startRelay(t, nil)
	for _, address := range []string{r.tcp, r.ws} {
		c := dial(t, address, Options{})
		assert.EqualValues(t, relay.Version, c.ServerVersion(), address)
		assert.NotZero(t, c.ConnID(), address)
		assert.NoError(t, c.Err())
	}
}

func TestDialUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), address, Options{Timeout: time.Second})
	assert.Error(t, err)
}

func TestCreateAndJoin(t *testing.T) {
	r := startRelay(t, nil)
	host := dial(t, r.tcp, Options{})
	link, err := host.CreateRoom(context.Background(), gameType, protected)
	require.NoError(t, err)
	assert.NotZero(t, link.RoomID)
	assert.Equal(t, "127.0.0.1", link.Host, "an empty relay host falls back to the dialed one")

	joiner := dial(t, r.ws, Options{})
	err = joiner.JoinRoom(context.Background(), link.RoomID, 1, gameType)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, protocol.RejectInvalidPassword, denied.Reason)

	require.NoError(t, joiner.JoinRoom(context.Background(), link.RoomID, 1234, gameType))
	assert.NotZero(t, next[*protocol.ConnectionJoin](t, host).ConID)
}

func TestCreateRoomRefused(t *testing.T) {
	r := startRelay(t, func(c *config.Config) { c.BlacklistedTypes = []string{gameType.String()} })
	host := dial(t, r.tcp, Options{})

	_, err := host.CreateRoom(context.Background(), gameType, protocol.DefaultRoomConfig)
	var closed *RoomClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, protocol.CloseObsoleteClient, closed.Reason)
}

func TestTunnel(t *testing.T) {
	r := startRelay(t, nil)
	host := dial(t, r.tcp, Options{})
	link, err := host.CreateRoom(context.Background(), gameType, protocol.DefaultRoomConfig)
	require.NoError(t, err)

	joiner := dial(t, r.tcp, Options{})
	require.NoError(t, joiner.JoinRoom(context.Background(), link.RoomID, protocol.NoPassword, gameType))
	conID := next[*protocol.ConnectionJoin](t, host).ConID

	require.NoError(t, joiner.Send(&protocol.Raw{Data: []byte{1, 2, 3}}))
	wrap := next[*protocol.ConnectionPacketWrap](t, host)
	assert.Equal(t, conID, wrap.ConID)
	assert.Equal(t, []byte{1, 2, 3}, wrap.Raw)

	require.NoError(t, host.Forward(conID, []byte{9, 8}))
	assert.Equal(t, []byte{9, 8}, next[*protocol.Raw](t, joiner).Data)

	require.NoError(t, host.Kick(conID))
	select {
	case <-joiner.Done():
	case <-time.After(waitFor):
		t.Fatal("kicked member still connected")
	}
	assert.ErrorIs(t, joiner.Err(), ErrClosed)
}

func TestCloseRoomNotifiesMembers(t *testing.T) {
	r := startRelay(t, nil)
	host := dial(t, r.tcp, Options{})
	link, err := host.CreateRoom(context.Background(), gameType, protocol.DefaultRoomConfig)
	require.NoError(t, err)
	joiner := dial(t, r.tcp, Options{})
	require.NoError(t, joiner.JoinRoom(context.Background(), link.RoomID, protocol.NoPassword, gameType))

	require.NoError(t, host.CloseRoom())
	assert.Equal(t, protocol.CloseClosed, next[*protocol.RoomClosed](t, host).Reason)
	assert.Equal(t, protocol.CloseClosed, next[*protocol.RoomClosed](t, joiner).Reason)
}

func TestPinger(t *testing.T) {
	r := startRelay(t, nil)
	host := dial(t, r.tcp, Options{State: func() []byte { return []byte("wave 3") }})
	link, err := host.CreateRoom(context.Background(), gameType, protected)
	require.NoError(t, err)

	p := NewPinger(Options{})
	ctx := context.Background()

	info, err := p.ServerInfo(ctx, r.tcp)
	require.NoError(t, err)
	assert.EqualValues(t, relay.Version, info.Version)
	assert.Positive(t, info.Latency)

	room, err := p.RoomInfo(ctx, r.ws, link.RoomID)
	require.NoError(t, err)
	assert.Equal(t, &protocol.RoomInfo{RoomID: link.RoomID, IsProtected: true, Type: gameType, State: []byte("wave 3")}, room)

	rooms, err := p.ListRooms(ctx, r.tcp, gameType)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, link.RoomID, rooms[0].RoomID)
	assert.Equal(t, []byte("wave 3"), rooms[0].State)

	rooms, err = p.ListRooms(ctx, r.tcp, protocol.MustClajType("other"))
	require.NoError(t, err)
	assert.Empty(t, rooms)

	_, err = p.RoomInfo(ctx, r.tcp, link.RoomID+1)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, protocol.RejectRoomNotFound, denied.Reason)
	assert.Zero(t, p.Pending())
}

func TestPingerCancelAll(t *testing.T) {
	r := startRelay(t, func(c *config.Config) { c.StateTimeout = time.Minute })
	// The host never answers state requests.
	host := dial(t, r.tcp, Options{})
	link, err := host.CreateRoom(context.Background(), gameType, protocol.RoomConfig{RequestState: true, Password: protocol.NoPassword})
	require.NoError(t, err)

	p := NewPinger(Options{Timeout: time.Minute})
	p.CancelAll()

	errs := make(chan error, 1)
	go func() {
		_, err := p.RoomInfo(context.Background(), r.tcp, link.RoomID)
		errs <- err
	}()
	next[*protocol.RoomStateRequest](t, host)
	assert.Equal(t, 1, p.Pending())

	p.CancelAll()
	p.CancelAll()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("query not cancelled")
	}
	assert.Zero(t, p.Pending())
}

// ---------------------------------------------------------------------------
// Bridges
// ---------------------------------------------------------------------------

// echoServer is a local game server answering every frame with its bytes
// reversed.
func echoServer(t *testing.T) (string, *sync.WaitGroup) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var conns sync.WaitGroup
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns.Add(1)
			go func() {
				defer conns.Done()
				frames := transport.NewTCPFrames(conn)
				defer frames.Close()
				for {
					frame, err := frames.ReadFrame()
					if err != nil {
						return
					}
					if isKeepAlive(protocol.NewCodec(protocol.RawWrapSerializer{}, false), frame) {
						continue
					}
					out := make([]byte, len(frame))
					for i, b := range frame {
						out[len(frame)-1-i] = b
					}
					if err := frames.WriteFrame(out); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String(), &conns
}

func TestBridges(t *testing.T) {
	r := startRelay(t, nil)
	game, conns := echoServer(t)

	host := dial(t, r.tcp, Options{})
	link, err := host.CreateRoom(context.Background(), gameType, protocol.DefaultRoomConfig)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hb := NewHostBridge(host, game)
	hostDone := make(chan error, 1)
	go func() { hostDone <- hb.Run(ctx) }()

	jb := NewJoinBridge(link, r.tcp, protocol.NoPassword, gameType, Options{})
	joinDone := make(chan error, 1)
	go func() { joinDone <- jb.ListenAndServe(ctx, "127.0.0.1:0") }()
	require.Eventually(t, func() bool { return jb.Addr() != nil }, waitFor, 5*time.Millisecond)

	conn, err := net.Dial("tcp", jb.Addr().String())
	require.NoError(t, err)
	local := transport.NewTCPFrames(conn)

	require.NoError(t, local.WriteFrame([]byte{1, 'a', 'b', 'c'}))
	require.NoError(t, local.SetReadDeadline(time.Now().Add(waitFor)))
	frame, err := local.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte{'c', 'b', 'a', 1}, frame)
	assert.Equal(t, 1, hb.Members())
	assert.Equal(t, 1, jb.Active())

	// Leaving locally tears down the whole path.
	local.Close()
	require.Eventually(t, func() bool { return hb.Members() == 0 && jb.Active() == 0 }, waitFor, 10*time.Millisecond)
	waited := make(chan struct{})
	go func() {
		conns.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(waitFor):
		t.Fatal("game server connection left open")
	}

	require.NoError(t, host.CloseRoom())
	var closed *RoomClosedError
	select {
	case err := <-hostDone:
		require.ErrorAs(t, err, &closed)
		assert.Equal(t, protocol.CloseClosed, closed.Reason)
	case <-time.After(waitFor):
		t.Fatal("host bridge still running")
	}

	cancel()
	select {
	case err := <-joinDone:
		assert.True(t, err == nil || errors.Is(err, context.Canceled), "%v", err)
	case <-time.After(waitFor):
		t.Fatal("join bridge still running")
	}
}
