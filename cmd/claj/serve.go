package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"github.com/1ureka/claj/internal/config"
	"github.com/1ureka/claj/internal/events"
	"github.com/1ureka/claj/internal/protocol"
	"github.com/1ureka/claj/internal/relay"
	"github.com/1ureka/claj/internal/transport"
	"github.com/1ureka/claj/internal/util"
)

// shutdownGrace is added to close-wait before a shutdown is cut short.
const shutdownGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgFile
			// The default file is optional; an explicit one is not.
			if !cmd.Flags().Changed("config") {
				if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
					path = ""
				}
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", config.FileName, "config file")
	return cmd
}

// runServer runs the relay until ctx is cancelled, then shuts it down
// gracefully: clients are warned, rooms get close-wait to wind down, and
// only then are the listeners stopped.
func runServer(ctx context.Context, cfg config.Config) error {
	if cfg.Debug {
		util.EnableDebug()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	stats := util.NewStats()
	bus := events.NewBus()
	defer bus.Subscribe(events.AllEvents, logEvent)()

	srv, err := relay.New(cfg, relay.Options{Bus: bus, Metrics: relay.NewMetrics(reg), Stats: stats})
	if err != nil {
		return err
	}

	sup := suture.New("claj", suture.Spec{
		EventHook: func(e suture.Event) { util.LogWarning("%s", e) },
	})
	sup.Add(srv)

	topts := transport.Options{Codec: srv.Codec(), Stats: stats}
	if cfg.Listen != "" {
		sup.Add(transport.NewListener(cfg.Listen, srv.Handler(), topts))
	}
	if cfg.WSListen != "" {
		sup.Add(transport.NewWSListener(cfg.WSListen, srv.Handler(), topts))
	}
	if cfg.StatusListen != "" {
		sup.Add(&relay.StatusService{Address: cfg.StatusListen, Handler: relay.StatusHandler(srv, reg)})
	}
	sup.Add(util.NewStatsReporter(stats))

	// The tree outlives ctx so that rooms can be closed over live
	// connections.
	supCtx, stopSup := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSup()
	done := sup.ServeBackground(supCtx)

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	util.LogInfo("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CloseWait+shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		util.LogWarning("shutdown: %v", err)
	}

	stopSup()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, suture.ErrTerminateSupervisorTree) {
		return err
	}
	util.LogSuccess("Relay stopped")
	return nil
}

// logEvent writes relay events to the log. Connection churn is debug
// output; room lifecycle is logged at info level.
func logEvent(e events.Event) {
	switch e := e.(type) {
	case events.ServerStoppingEvent:
		util.LogFields("relay stopping", "clientsReachable", e.Available)
	case events.ClientConnectedEvent:
		util.LogDebug("[%s] connected as %s", util.ConnID(e.ConnID), e.Address)
	case events.ClientDisconnectedEvent:
		util.LogDebug("[%s] disconnected (%s)", util.ConnID(e.ConnID), e.Reason)
	case events.ClientKickedEvent:
		util.LogWarning("[%s] kicked for packet spam", util.ConnID(e.ConnID))
	case events.ConnectionJoinedEvent:
		util.LogFields("member joined", "conn", util.ConnID(e.ConnID), "room", protocol.EncodeRoomID(e.RoomID))
	case events.ConnectionLeftEvent:
		util.LogFields("member left", "conn", util.ConnID(e.ConnID), "room", protocol.EncodeRoomID(e.RoomID))
	case events.ConnectionJoinRejectedEvent:
		util.LogDebug("[%s] join of %s rejected: %s", util.ConnID(e.ConnID), protocol.EncodeRoomID(e.RoomID), e.Reason)
	case events.RoomCreatedEvent:
		util.LogFields("room created", "room", protocol.EncodeRoomID(e.RoomID), "host", util.ConnID(e.HostID), "type", e.ClajType.String())
	case events.RoomClosedEvent:
		util.LogFields("room closed", "room", protocol.EncodeRoomID(e.RoomID), "reason", e.Reason.String())
	case events.RoomCreationRejectedEvent:
		util.LogDebug("[%s] room creation rejected: %s", util.ConnID(e.ConnID), e.Reason)
	case events.ActionDeniedEvent:
		util.LogDebug("[%s] denied: %s", util.ConnID(e.ConnID), e.Reason)
	}
}
