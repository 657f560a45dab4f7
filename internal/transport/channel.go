package transport

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing message channel capacity
)

// Channel wraps the data channel of one connection with an open gate and a
// single writer goroutine that honours backpressure.
type Channel struct {
	dc          *webrtc.DataChannel
	inbox       chan []byte
	drainSignal chan struct{}
	openSignal  chan struct{}
	ctx         context.Context

	// Messages that arrive before OnMessage is called are held in backlog.
	recvMu  sync.Mutex
	handler func(data []byte)
	backlog [][]byte
}

// newChannel wires the open and backpressure callbacks on dc and starts the
// writer loop. The loop exits when ctx is cancelled or the channel closes.
func newChannel(ctx context.Context, dc *webrtc.DataChannel) *Channel {
	ctx, cancel := context.WithCancel(ctx)

	c := &Channel{
		dc:          dc,
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		openSignal:  make(chan struct{}),
		ctx:         ctx,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(c.openSignal) })
	})
	dc.OnClose(func() {
		util.LogDebug("DataChannel %q closed", dc.Label())
		cancel()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.recvMu.Lock()
		defer c.recvMu.Unlock()
		if c.handler == nil {
			c.backlog = append(c.backlog, msg.Data)
			return
		}
		c.handler(msg.Data)
	})

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case c.drainSignal <- struct{}{}:
		default:
		}
	})

	go c.loop()
	return c
}

// loop waits for the channel to open, then drains the inbox.
func (c *Channel) loop() {
	select {
	case <-c.openSignal:
	case <-c.ctx.Done():
		return
	}

	for {
		select {
		case data := <-c.inbox:
			if c.dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-c.drainSignal:
				case <-c.ctx.Done():
					return
				}
			}
			if err := c.dc.Send(data); err != nil {
				util.LogWarning("DataChannel %q send failed: %v", c.dc.Label(), err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Label is the data channel label.
func (c *Channel) Label() string { return c.dc.Label() }

// Ready is closed once the channel is open.
func (c *Channel) Ready() <-chan struct{} { return c.openSignal }

// Done is closed when the channel or its connection shuts down.
func (c *Channel) Done() <-chan struct{} { return c.ctx.Done() }

// Send enqueues data. It blocks while the inbox is full and returns the
// context error if ctx or the channel finishes first.
func (c *Channel) Send(ctx context.Context, data []byte) error {
	select {
	case c.inbox <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// OnMessage registers the inbound message callback and replays anything
// received before it. fn is called serially and must not call OnMessage.
func (c *Channel) OnMessage(fn func(data []byte)) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	c.handler = fn
	backlog := c.backlog
	c.backlog = nil
	for _, data := range backlog {
		fn(data)
	}
}
