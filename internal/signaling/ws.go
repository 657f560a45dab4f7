package signaling

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	websocketjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"

	"github.com/1ureka/peerlink/internal/room"
	"github.com/1ureka/peerlink/internal/util"
)

// eventBuffer bounds how far the relay can run ahead of the coordinator
// before the read loop blocks.
const eventBuffer = 64

// Compile-time interface check.
var _ Link = (*WSLink)(nil)

// WSLink is the client side of the relay: a WebSocket carrying JSON-RPC
// notifications, scoped to one room.
type WSLink struct {
	url    string
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *jsonrpc2.Conn
	sender *sender
	recv   *receiver
	events chan Event
}

// NewWSLink builds a link for the given relay base URL and room. The base
// may be given with or without a scheme; see NormalizeURL.
func NewWSLink(base string, code room.Code) (*WSLink, error) {
	u, err := NormalizeURL(base)
	if err != nil {
		return nil, err
	}
	return &WSLink{
		url:    u + "/" + url.PathEscape(string(code)),
		dialer: websocket.DefaultDialer,
	}, nil
}

// URL returns the full room endpoint the link dials.
func (l *WSLink) URL() string { return l.url }

// Open dials the relay and starts delivering events.
func (l *WSLink) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return nil
	}

	ws, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}

	r := newReceiver()

	// The connection outlives the dial context.
	conn := jsonrpc2.NewConn(context.Background(), websocketjsonrpc2.NewObjectStream(ws), r)

	l.conn = conn
	l.sender = &sender{conn: conn}
	l.recv = r
	l.events = r.events

	go func() {
		<-conn.DisconnectNotify()
		util.LogDebug("relay connection closed: %s", l.url)
		r.shutdown()

		l.mu.Lock()
		if l.conn == conn {
			l.conn = nil
			l.sender = nil
		}
		l.mu.Unlock()
	}()

	util.LogDebug("relay connected: %s", l.url)
	return nil
}

// Close hangs up. Events for this Open stop and the channel is closed.
func (l *WSLink) Close() error {
	l.mu.Lock()
	conn, r := l.conn, l.recv
	l.conn, l.sender = nil, nil
	l.mu.Unlock()

	if conn == nil {
		return nil
	}
	r.shutdown()
	return conn.Close()
}

// Send relays msg through the server.
func (l *WSLink) Send(ctx context.Context, to string, msg Message) error {
	l.mu.Lock()
	s := l.sender
	l.mu.Unlock()

	if s == nil {
		return ErrLinkClosed
	}
	return s.send(ctx, to, msg)
}

// Events returns the event channel of the current Open.
func (l *WSLink) Events() <-chan Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events
}

// NormalizeURL validates a relay address and returns its ws(s)://host/ws
// endpoint. Bare hosts default to wss, http(s) schemes map onto ws(s).
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}

	scheme := "wss"
	switch u.Scheme {
	case "ws", "http":
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}
