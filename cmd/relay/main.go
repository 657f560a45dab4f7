// Command relay is the peerlink signaling server.
//
// Rooms are WebSocket endpoints at /ws/<room>; the relay forwards signals
// between the peers of a room and never looks inside them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/1ureka/peerlink/internal/app"
	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configFile := flag.String("c", "", "Config file (toml, yaml or json)")
	listen := flag.String("listen", "", "Listen address, overrides relay.listen")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if err := util.SetLevel(cfg.Log.Level); err != nil {
		util.LogWarning("%v", err)
	}
	if *debugMode {
		util.EnableDebug()
	}
	if *listen != "" {
		cfg.Relay.Listen = *listen
	}

	pterm.Info.Println(fmt.Sprintf("Peerlink relay v%s", version))
	pterm.Println()

	if err := app.RunRelay(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("relay stopped")
}
