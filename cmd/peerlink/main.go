// Command peerlink is the call client.
//
// Joins a room on a signaling relay and negotiates a WebRTC call with every
// peer in it. Collisions between simultaneous offers are resolved by perfect
// negotiation, so either side may start at any time.
//
// It can be launched interactively (no -room) or non-interactively via CLI
// flags (-c, -room, -url, -role, -loopback).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/peerlink/internal/app"
	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/negotiation"
	"github.com/1ureka/peerlink/internal/room"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configFile := flag.String("c", "", "Config file (toml, yaml or json)")
	roomFlag := flag.String("room", "", "Room code or share link to join")
	urlFlag := flag.String("url", "", "Signaling relay URL")
	roleFlag := flag.String("role", "", "Negotiation role: polite, impolite or auto")
	shareFlag := flag.String("share", "", "Base URL used to print a share link for new rooms")
	loopback := flag.Bool("loopback", false, "Run two endpoints in-process without a relay")
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

	if *roleFlag != "" {
		if _, err := negotiation.ParsePolicy(*roleFlag); err != nil {
			util.LogError("invalid -role: %v", err)
			os.Exit(1)
		}
		cfg.Role = *roleFlag
	}
	if *urlFlag != "" {
		if _, err := signaling.NormalizeURL(*urlFlag); err != nil {
			util.LogError("invalid -url: %v", err)
			os.Exit(1)
		}
		cfg.Signaling.URL = *urlFlag
	}

	pterm.Info.Println(fmt.Sprintf("Peerlink v%s", version))
	pterm.Println()

	if *loopback {
		runLoopback(ctx, cfg)
		return
	}

	raw := room.FromURL(*roomFlag)
	if raw == "" {
		raw = cfg.Signaling.Room
	}
	if raw == "" {
		// No room anywhere → interactive mode.
		raw = runInteractive(cfg)
	}

	if ns := strings.TrimPrefix(raw, "#"); ns != "" && !room.Valid(ns) {
		util.LogWarning("%q is not a room code, starting a new room", raw)
	}

	code := room.Resolve(raw, func(code room.Code) {
		publish(*shareFlag, code)
	})
	runCall(ctx, cfg, code)
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks whether to start or join a room and which relay to
// use. It returns the raw room input; empty means a new room.
func runInteractive(cfg *config.Config) string {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Start: open a new room", "Join: enter a room code or link"}).
		WithDefaultText("What do you want to do").
		Show()

	pterm.Println()

	raw := ""
	if strings.HasPrefix(choice, "Join") {
		raw = askRoom()
	}
	cfg.Signaling.URL = askURL(cfg.Signaling.URL)
	return raw
}

func runCall(ctx context.Context, cfg *config.Config, code room.Code) {
	if err := app.RunCall(ctx, cfg, code); err != nil {
		util.LogError("call ended: %v", err)
		os.Exit(1)
	}
	util.LogInfo("successfully left room %s", code)
}

func runLoopback(ctx context.Context, cfg *config.Config) {
	if err := app.RunLoopback(ctx, cfg); err != nil {
		util.LogError("loopback ended: %v", err)
		os.Exit(1)
	}
	util.LogInfo("successfully closed loopback call")
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// publish prints a freshly generated room so it can be handed to a peer.
func publish(base string, code room.Code) {
	if base == "" {
		util.LogSuccess("New room: %s", code)
		return
	}
	util.LogSuccess("New room: %s", room.ShareURL(base, code))
}

// askRoom prompts until a valid room code or share link is entered.
func askRoom() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Room code or link (e.g. abc-defg-hij)").
			Show()

		code := strings.TrimPrefix(room.FromURL(raw), "#")
		if room.Valid(code) {
			pterm.Println()
			return code
		}

		pterm.Println()
		util.LogWarning("invalid room: expected xxx-xxxx-xxx")
	}
}

// askURL prompts for the relay URL. An empty answer keeps current.
func askURL(current string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(fmt.Sprintf("Signaling relay URL (empty for %s)", current)).
			Show()

		if strings.TrimSpace(raw) == "" {
			pterm.Println()
			return current
		}
		if _, err := signaling.NormalizeURL(raw); err == nil {
			pterm.Println()
			return strings.TrimSpace(raw)
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
