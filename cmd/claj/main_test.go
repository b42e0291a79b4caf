package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/claj/internal/config"
	"github.com/1ureka/claj/internal/events"
	"github.com/1ureka/claj/internal/protocol"
)

func TestRoomConfig(t *testing.T) {
	assert.Equal(t, protocol.DefaultRoomConfig, roomConfig(false, -1))
	assert.Equal(t, protocol.RoomConfig{IsPublic: true, IsProtected: true, Password: 42}, roomConfig(true, 42))
	assert.Equal(t, protocol.RoomConfig{Password: protocol.NoPassword}, roomConfig(false, 10000))
}

func TestLogEventHandlesEveryType(t *testing.T) {
	for _, e := range []events.Event{
		events.ServerLoadedEvent{},
		events.ServerStoppingEvent{Available: true},
		events.ClientConnectedEvent{ConnID: 1},
		events.ClientDisconnectedEvent{ConnID: 1},
		events.ClientKickedEvent{ConnID: 1},
		events.ConnectionPreJoinEvent{ConnID: 1, RoomID: 2},
		events.ConnectionJoinedEvent{ConnID: 1, RoomID: 2},
		events.ConnectionLeftEvent{ConnID: 1, RoomID: 2},
		events.ConnectionJoinRejectedEvent{ConnID: 1},
		events.RoomCreatedEvent{RoomID: 2, ClajType: protocol.MustClajType("game")},
		events.RoomClosedEvent{RoomID: 2},
		events.RoomCreationRejectedEvent{ConnID: 1},
		events.ActionDeniedEvent{ConnID: 1},
		events.ConfigurationChangedEvent{RoomID: 2},
		events.StateChangedEvent{RoomID: 2},
	} {
		assert.NotPanics(t, func() { logEvent(e) }, "%T", e)
	}
}

func TestRunServerStops(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.WSListen = "127.0.0.1:0"
	cfg.StatusListen = "127.0.0.1:0"
	cfg.CloseWait = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServer(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
