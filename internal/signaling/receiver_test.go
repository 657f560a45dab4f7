package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
)

func peerJoinedRequest() *jsonrpc2.Request {
	raw := json.RawMessage(`"peer"`)
	return &jsonrpc2.Request{Method: methodConnectedPeer, Notif: true, Params: &raw}
}

func TestReceiverDropsEventsAfterShutdown(t *testing.T) {
	r := newReceiver()
	r.shutdown()
	r.shutdown()

	assert.NotPanics(t, func() {
		for i := 0; i < 200; i++ {
			r.Handle(context.Background(), nil, peerJoinedRequest())
		}
	})

	_, ok := <-r.events
	assert.False(t, ok, "events closed")
}

func TestReceiverShutdownWhileHandling(t *testing.T) {
	for i := 0; i < 50; i++ {
		r := newReceiver()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			// More than eventBuffer, so Handle ends up blocked on a full
			// channel when shutdown arrives.
			for j := 0; j < 2*eventBuffer; j++ {
				r.Handle(context.Background(), nil, peerJoinedRequest())
			}
		}()

		r.shutdown()
		wg.Wait()

		for range r.events {
		}
	}
}
