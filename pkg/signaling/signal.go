package signaling

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/rescp17/swarmshare/pkg/transfer"
)

type Kind string

const (
	Offer        Kind = "offer"
	Answer       Kind = "answer"
	ICECandidate Kind = "ice-candidate"

	// direct mode
	FileShareAnnounce Kind = "file-share-announce"
	FileShareStop     Kind = "file-share-stop"

	// room mode
	FileAnnounce Kind = "file-announce"
	Join         Kind = "join"
	Leave        Kind = "leave"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrClosed      = errors.New("relay closed")
)

var validate = validator.New()

// Signal is one relayed message. To addresses a single peer; otherwise Room
// addresses the members of a room; with neither set the signal is
// broadcast to every connected peer.
type Signal struct {
	Kind     Kind                     `json:"kind" validate:"required,oneof=offer answer ice-candidate file-share-announce file-share-stop file-announce join leave"`
	From     string                   `json:"from"`
	To       string                   `json:"to,omitempty"`
	Room     string                   `json:"room,omitempty"`
	FileID   string                   `json:"fileId,omitempty"`
	Metadata *transfer.FileDescriptor `json:"metadata,omitempty"`
	Payload  json.RawMessage          `json:"payload,omitempty"`
}

// Validate checks the signal envelope.
func (s *Signal) Validate() error {
	return validate.Struct(s)
}

// Relay is the rendezvous channel between peers. The core only relies on
// reliable delivery to the named peer or room. Signals is closed when the
// relay connection ends.
type Relay interface {
	ID() string
	Send(ctx context.Context, sig Signal) error
	Join(ctx context.Context, room string) error
	Leave(ctx context.Context, room string) error
	Signals() <-chan Signal
	Close() error
}
