package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/claj/internal/client"
	"github.com/1ureka/claj/internal/protocol"
	"github.com/1ureka/claj/internal/util"
)

// ---------------------------------------------------------------------------
// Link and discovery
// ---------------------------------------------------------------------------

func newLinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <claj://host:port/room>",
		Short: "Decode a join link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := protocol.ParseLink(args[0])
			if err != nil {
				return err
			}
			return pterm.DefaultTable.WithData(pterm.TableData{
				{"Relay", net.JoinHostPort(link.Host, strconv.Itoa(int(link.Port)))},
				{"Room", protocol.EncodeRoomID(link.RoomID)},
				{"Room id", strconv.FormatInt(link.RoomID, 10)},
				{"Link", link.String()},
			}).Render()
		},
	}
}

func newPingCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ping <relay>...",
		Short: "Query the protocol version and latency of relays",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := client.NewPinger(client.Options{Timeout: timeout})
			data := pterm.TableData{{"Relay", "Version", "Latency"}}
			var failed error
			for _, address := range args {
				info, err := p.ServerInfo(cmd.Context(), address)
				if err != nil {
					data = append(data, []string{address, "-", err.Error()})
					failed = errors.Join(failed, err)
					continue
				}
				data = append(data, []string{address, strconv.Itoa(int(info.Version)), info.Latency.Round(time.Millisecond).String()})
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
				return err
			}
			return failed
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", client.DefaultTimeout, "per relay timeout")
	return cmd
}

func newRoomsCmd() *cobra.Command {
	var (
		typ     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "rooms <relay>",
		Short: "List the public rooms of a relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := protocol.NewClajType(typ)
			if err != nil {
				return err
			}
			p := client.NewPinger(client.Options{Timeout: timeout})
			rooms, err := p.ListRooms(cmd.Context(), args[0], t)
			if err != nil {
				return err
			}
			if len(rooms) == 0 {
				pterm.Info.Println("No public rooms")
				return nil
			}
			data := pterm.TableData{{"Room", "Protected", "State"}}
			for _, r := range rooms {
				data = append(data, []string{protocol.EncodeRoomID(r.RoomID), strconv.FormatBool(r.IsProtected), util.FormatBytes(float64(len(r.State)))})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", "", "implementation type of the rooms (required)")
	cmd.Flags().DurationVar(&timeout, "timeout", 35*time.Second, "query timeout")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// ---------------------------------------------------------------------------
// Bridges
// ---------------------------------------------------------------------------

func newHostCmd() *cobra.Command {
	var (
		relayAddr string
		target    string
		typ       string
		password  int
		public    bool
	)
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Host a local game server through a relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := protocol.NewClajType(typ)
			if err != nil {
				return err
			}
			cfg := roomConfig(public, password)
			ctx := cmd.Context()

			c, err := client.Dial(ctx, relayAddr, client.Options{})
			if err != nil {
				return err
			}
			defer c.Close()
			link, err := c.CreateRoom(ctx, t, cfg)
			if err != nil {
				return err
			}

			pterm.DefaultBox.WithTitle("Room open").Println(link.String())
			err = client.NewHostBridge(c, target).Run(ctx)
			if errors.Is(err, context.Canceled) {
				_ = c.CloseRoom()
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&relayAddr, "relay", "r", "", "relay address, host:port or ws://host:port/ws (required)")
	cmd.Flags().StringVar(&target, "game", "127.0.0.1:6567", "local game server")
	cmd.Flags().StringVarP(&typ, "type", "t", "", "implementation type of the room (required)")
	cmd.Flags().IntVarP(&password, "password", "p", -1, "room password, 0-9999")
	cmd.Flags().BoolVar(&public, "public", false, "list the room publicly")
	_ = cmd.MarkFlagRequired("relay")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func roomConfig(public bool, password int) protocol.RoomConfig {
	cfg := protocol.DefaultRoomConfig
	cfg.IsPublic = public
	if password >= 0 && password <= 9999 {
		cfg.IsProtected = true
		cfg.Password = int16(password)
	}
	return cfg
}

func newJoinCmd() *cobra.Command {
	var (
		relayAddr string
		listen    string
		typ       string
		password  int
	)
	cmd := &cobra.Command{
		Use:   "join <claj://host:port/room>",
		Short: "Expose a remote room as a local game server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := protocol.ParseLink(args[0])
			if err != nil {
				return err
			}
			t, err := protocol.NewClajType(typ)
			if err != nil {
				return err
			}
			pw := protocol.NoPassword
			if password >= 0 {
				if password > 9999 {
					return fmt.Errorf("password must be 0-9999, got %d", password)
				}
				pw = int16(password)
			}

			b := client.NewJoinBridge(link, relayAddr, pw, t, client.Options{})
			err = b.ListenAndServe(cmd.Context(), listen)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&relayAddr, "relay", "r", "", "relay address overriding the one of the link, e.g. ws://host:port/ws")
	cmd.Flags().StringVarP(&listen, "listen", "l", "127.0.0.1:6568", "local address game clients connect to")
	cmd.Flags().StringVarP(&typ, "type", "t", "", "implementation type of the room (required)")
	cmd.Flags().IntVarP(&password, "password", "p", -1, "room password")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
