// Command claj runs the CLaJ relay, which lets game hosts share a room behind NAT
// through a join link, and ships the client side tools: querying a relay,
// and bridging a local game server or client through it.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/claj/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var debug bool
	root := &cobra.Command{
		Use:           "claj",
		Short:         "Copy Link and Join relay server and tools",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				util.EnableDebug()
			}
			pterm.Info.Printfln("CLaJ v%s", version)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(newServeCmd(), newLinkCmd(), newPingCmd(), newRoomsCmd(), newHostCmd(), newJoinCmd())
	return root
}
