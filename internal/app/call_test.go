package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/media"
	"github.com/1ureka/peerlink/internal/negotiation"
	"github.com/1ureka/peerlink/internal/room"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/transport"
)

const testRoom = room.Code("abc-defg-hij")

func newTestCall(t *testing.T, hub *signaling.MemoryHub, name string) (*Call, *signaling.MemoryLink) {
	t.Helper()

	link := hub.Link(testRoom, "")
	call, err := NewCall(CallOptions{
		Name: name,
		Link: link,
		Factory: transport.NewPionFactory(transport.Options{
			Debounce:    20 * time.Millisecond,
			DataChannel: "chat",
		}),
		Policy: negotiation.PolicyAuto,
		Media:  media.Options{Audio: true},
	})
	require.NoError(t, err)
	return call, link
}

func TestCallsExchangeGreetings(t *testing.T) {
	hub := signaling.NewMemoryHub()
	alice, _ := newTestCall(t, hub, "alice")
	bob, _ := newTestCall(t, hub, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- alice.Run(ctx) }()
	go func() { errs <- bob.Run(ctx) }()

	for _, tc := range []struct {
		call *Call
		want string
	}{
		{alice, "hello from bob"},
		{bob, "hello from alice"},
	} {
		select {
		case msg := <-tc.call.Messages():
			assert.Equal(t, tc.want, msg.Text)
		case <-time.After(20 * time.Second):
			t.Fatalf("no greeting, want %q", tc.want)
		}
	}

	assert.Eventually(t, func() bool {
		return len(alice.Connected()) == 1 && len(bob.Connected()) == 1
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("call did not stop")
		}
	}
	assert.Empty(t, alice.Coordinator().Sessions())
}

func TestCallReportsLostLink(t *testing.T) {
	hub := signaling.NewMemoryHub()
	call, link := newTestCall(t, hub, "solo")

	errs := make(chan error, 1)
	go func() { errs <- call.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return call.Coordinator().SelfID() != ""
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, link.Close())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrLinkLost)
	case <-time.After(5 * time.Second):
		t.Fatal("call did not notice the closed link")
	}
}

func TestRunRelay(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Relay.Listen = "127.0.0.1:0"

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, RunRelay(ctx, cfg))

	cfg.Relay.Redis.Addr = "127.0.0.1:1"
	assert.Error(t, RunRelay(context.Background(), cfg))
}
