package signaling

import (
	"context"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"
)

// sender writes outgoing signaling notifications to the relay (private).
// jsonrpc2 serializes writes on the underlying stream itself.
type sender struct {
	conn *jsonrpc2.Conn
}

// send validates msg and notifies the relay.
func (s *sender) send(ctx context.Context, to string, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := s.conn.Notify(ctx, methodSignal, outboundSignal{To: to, Message: msg}); err != nil {
		return fmt.Errorf("notify relay: %w", err)
	}
	return nil
}
