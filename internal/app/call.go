// Package app contains the top-level orchestration for calls and the relay.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/media"
	"github.com/1ureka/peerlink/internal/negotiation"
	"github.com/1ureka/peerlink/internal/room"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/transport"
	"github.com/1ureka/peerlink/internal/util"
)

// ErrLinkLost is returned by Call.Run when signaling drops mid-call.
var ErrLinkLost = errors.New("signaling link lost")

const (
	greetingTimeout = 5 * time.Second
	messageBuffer   = 16
)

// ChatMessage is one data channel message received from a peer.
type ChatMessage struct {
	PeerID string
	Text   string
}

// CallOptions configures a Call.
type CallOptions struct {
	// Name prefixes log lines, useful when several calls share a process.
	Name    string
	Link    signaling.Link
	Factory transport.Factory
	Policy  negotiation.RolePolicy
	Media   media.Options
}

// Call is one endpoint in a room: local media, a coordinator and a small
// chat over the data channel of every peer.
type Call struct {
	name  string
	local *media.Local
	coord *negotiation.Coordinator

	mu       sync.Mutex
	states   map[string]webrtc.PeerConnectionState
	messages chan ChatMessage
}

// NewCall builds the local tracks and the coordinator. Nothing is dialled
// until Run.
func NewCall(opts CallOptions) (*Call, error) {
	local, err := media.NewLocal(opts.Media)
	if err != nil {
		return nil, fmt.Errorf("failed to create local media: %w", err)
	}

	c := &Call{
		name:     opts.Name,
		local:    local,
		states:   make(map[string]webrtc.PeerConnectionState),
		messages: make(chan ChatMessage, messageBuffer),
	}

	coord, err := negotiation.New(negotiation.Options{
		Link:    opts.Link,
		Factory: opts.Factory,
		Policy:  opts.Policy,
		Media:   local,
		Observer: negotiation.Observer{
			OnConnectionState: c.onConnectionState,
			OnTrack:           c.onTrack,
			OnChannel:         c.onChannel,
			OnPeerLeft:        c.onPeerLeft,
		},
	})
	if err != nil {
		return nil, err
	}
	c.coord = coord
	return c, nil
}

// Coordinator exposes the underlying session registry.
func (c *Call) Coordinator() *negotiation.Coordinator { return c.coord }

// Messages delivers chat messages from peers. Messages are dropped while
// the buffer is full.
func (c *Call) Messages() <-chan ChatMessage { return c.messages }

// Connected returns the ids of peers whose connection is up, sorted.
func (c *Call) Connected() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for id, state := range c.states {
		if state == webrtc.PeerConnectionStateConnected {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Run joins the room and blocks until ctx is cancelled or signaling drops,
// then leaves. A cancelled ctx is a clean exit.
func (c *Call) Run(ctx context.Context) error {
	if err := c.coord.JoinSession(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.local.PumpSilence(gctx)
		return nil
	})

	done := c.coord.Done()
	g.Go(func() error {
		select {
		case <-done:
			return ErrLinkLost
		case <-gctx.Done():
			return nil
		}
	})

	err := g.Wait()
	if leaveErr := c.coord.LeaveSession(); leaveErr != nil && !errors.Is(leaveErr, negotiation.ErrNotJoined) {
		util.LogDebug("%sleave: %v", c.prefix(), leaveErr)
	}
	return err
}

func (c *Call) prefix() string {
	if c.name == "" {
		return ""
	}
	return "[" + c.name + "] "
}

// ──────────────────────────────────────────────────────────────────────────────
// Observer callbacks
// ──────────────────────────────────────────────────────────────────────────────

func (c *Call) onConnectionState(peerID string, state webrtc.PeerConnectionState) {
	c.mu.Lock()
	c.states[peerID] = state
	c.mu.Unlock()

	switch state {
	case webrtc.PeerConnectionStateConnected:
		util.LogSuccess("%sConnected to peer %s", c.prefix(), util.ShortID(peerID))
	case webrtc.PeerConnectionStateFailed:
		util.LogWarning("%sConnection to peer %s failed", c.prefix(), util.ShortID(peerID))
	}
}

// onTrack drains the remote track so the receive buffers never fill.
func (c *Call) onTrack(peerID string, track *webrtc.TrackRemote) {
	util.LogInfo("%sReceiving %s from peer %s", c.prefix(), track.Kind(), util.ShortID(peerID))

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (c *Call) onChannel(peerID string, ch *transport.Channel) {
	ch.OnMessage(func(data []byte) {
		msg := ChatMessage{PeerID: peerID, Text: string(data)}
		util.LogInfo("%sPeer %s says: %s", c.prefix(), util.ShortID(peerID), msg.Text)
		select {
		case c.messages <- msg:
		default:
		}
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), greetingTimeout)
		defer cancel()
		if err := ch.Send(ctx, []byte(c.greeting())); err != nil {
			util.LogDebug("%sgreeting peer %s: %v", c.prefix(), util.ShortID(peerID), err)
		}
	}()
}

func (c *Call) onPeerLeft(peerID string) {
	c.mu.Lock()
	delete(c.states, peerID)
	c.mu.Unlock()
}

func (c *Call) greeting() string {
	if c.name != "" {
		return "hello from " + c.name
	}
	return "hello from " + util.ShortID(c.coord.SelfID())
}

// ──────────────────────────────────────────────────────────────────────────────
// Entry points
// ──────────────────────────────────────────────────────────────────────────────

// RunCall joins code through the relay named in cfg.
func RunCall(ctx context.Context, cfg *config.Config, code room.Code) error {
	link, err := signaling.NewWSLink(cfg.Signaling.URL, code)
	if err != nil {
		return err
	}

	call, err := NewCall(CallOptions{
		Link:    link,
		Factory: transport.NewPionFactory(cfg.TransportOptions()),
		Policy:  cfg.Policy(),
		Media:   mediaOptions(cfg),
	})
	if err != nil {
		return err
	}

	util.StartStatsReporter(ctx, cfg.Stats.Interval)
	util.LogInfo("Joining room %s via %s", code, link.URL())
	return call.Run(ctx)
}

// RunLoopback runs two calls in one process, joined through an in-memory
// relay. It exercises the full negotiation path without a relay server.
func RunLoopback(ctx context.Context, cfg *config.Config) error {
	hub := signaling.NewMemoryHub()
	code := room.Generate()
	factory := transport.NewPionFactory(cfg.TransportOptions())

	util.StartStatsReporter(ctx, cfg.Stats.Interval)
	util.LogInfo("Loopback call in room %s", code)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range []string{"alice", "bob"} {
		call, err := NewCall(CallOptions{
			Name:    name,
			Link:    hub.Link(code, ""),
			Factory: factory,
			Policy:  cfg.Policy(),
			Media:   mediaOptions(cfg),
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return call.Run(gctx) })
	}
	return g.Wait()
}

func mediaOptions(cfg *config.Config) media.Options {
	return media.Options{Video: cfg.Media.Video, Audio: cfg.Media.Audio}
}
