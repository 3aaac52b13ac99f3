package peer

import (
	"context"

	"github.com/rescp17/swarmshare/pkg/transfer"
)

// Session is one logical, ordered, message-oriented connection to one
// remote peer. Sending before the session is open fails with
// transfer.ErrNotOpen. OnClose fires exactly once, whether the session was
// closed locally or lost.
type Session interface {
	PeerID() string
	State() State
	Send(msg *transfer.Message) error
	Close() error

	OnOpen(f func())
	OnMessage(f func(*transfer.Message))
	OnClose(f func())
	OnError(f func(error))
}

// Connector establishes sessions with named peers and reports sessions
// initiated by remote peers.
type Connector interface {
	// Dial returns once the session is open. Handshake errors wrap
	// transfer.ErrTransportSetupFailed.
	Dial(ctx context.Context, peerID string) (Session, error)
	// OnSession registers the handler for remotely initiated sessions.
	OnSession(f func(Session))
}
