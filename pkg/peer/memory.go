package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/rescp17/swarmshare/pkg/transfer"
)

// MemorySession is an in-process Session. Messages are framed with the
// wire serializer on send and decoded on delivery, so the codec is
// exercised exactly as over a real data channel.
type MemorySession struct {
	peerID     string
	sm         StateMachine
	hooks      Hooks
	dispatcher *Dispatcher
	serializer transfer.MessageSerializer
	remote     *MemorySession

	mu        sync.Mutex
	intercept func(*transfer.Message) *transfer.Message
}

// Pipe returns two connected, open sessions. a talks to the peer named
// bID and b talks to the peer named aID.
func Pipe(aID, bID string) (a, b *MemorySession) {
	a = newMemorySession(bID)
	b = newMemorySession(aID)
	a.remote, b.remote = b, a
	for _, s := range []*MemorySession{a, b} {
		s.sm.Transition(StateConnected)
		s.sm.Transition(StateOpen)
		s.hooks.FireOpen()
	}
	return a, b
}

func newMemorySession(peerID string) *MemorySession {
	return &MemorySession{
		peerID:     peerID,
		dispatcher: NewDispatcher(),
		serializer: transfer.NewFrameSerializer(),
	}
}

func (s *MemorySession) PeerID() string { return s.peerID }

func (s *MemorySession) State() State { return s.sm.Current() }

// SetIntercept installs a hook applied to every outbound message before it
// is framed. Returning nil drops the message.
func (s *MemorySession) SetIntercept(f func(*transfer.Message) *transfer.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intercept = f
}

func (s *MemorySession) Send(msg *transfer.Message) error {
	if s.State() != StateOpen {
		return transfer.ErrNotOpen
	}
	s.mu.Lock()
	intercept := s.intercept
	s.mu.Unlock()
	if intercept != nil {
		if msg = intercept(msg); msg == nil {
			return nil
		}
	}

	frame, err := s.serializer.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}
	decoded, err := s.remote.serializer.Unmarshal(frame)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", msg.Type, err)
	}
	s.remote.dispatcher.Push(decoded)
	return nil
}

func (s *MemorySession) Close() error {
	s.shutdown(StateClosed, nil)
	return nil
}

// Fail simulates a transport failure on both ends.
func (s *MemorySession) Fail(err error) {
	s.shutdown(StateFailed, err)
}

func (s *MemorySession) shutdown(state State, err error) {
	if _, terr := s.sm.Transition(state); terr != nil {
		return
	}
	if err != nil {
		s.hooks.FireError(err)
	}
	s.dispatcher.Close()
	s.hooks.FireClose()
	s.remote.shutdown(StateClosed, nil)
}

func (s *MemorySession) OnOpen(f func())                     { s.hooks.OnOpen(f) }
func (s *MemorySession) OnClose(f func())                    { s.hooks.OnClose(f) }
func (s *MemorySession) OnError(f func(error))               { s.hooks.OnError(f) }
func (s *MemorySession) OnMessage(f func(*transfer.Message)) { s.dispatcher.SetHandler(f) }

// MemoryNetwork connects named in-process nodes.
type MemoryNetwork struct {
	mu    sync.Mutex
	nodes map[string]*MemoryConnector
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[string]*MemoryConnector)}
}

// Connector returns the connector of the node named id, creating it on first use.
func (n *MemoryNetwork) Connector(id string) *MemoryConnector {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.nodes[id]; ok {
		return c
	}
	c := &MemoryConnector{id: id, network: n}
	n.nodes[id] = c
	return c
}

func (n *MemoryNetwork) lookup(id string) (*MemoryConnector, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.nodes[id]
	return c, ok
}

// MemoryConnector is the Connector of one node on a MemoryNetwork.
type MemoryConnector struct {
	id      string
	network *MemoryNetwork

	mu        sync.Mutex
	onSession func(Session)
}

func (c *MemoryConnector) Dial(ctx context.Context, peerID string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", transfer.ErrTransportSetupFailed, err)
	}
	remote, ok := c.network.lookup(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown peer %s", transfer.ErrTransportSetupFailed, peerID)
	}
	remote.mu.Lock()
	accept := remote.onSession
	remote.mu.Unlock()
	if accept == nil {
		return nil, fmt.Errorf("%w: peer %s is not accepting sessions", transfer.ErrTransportSetupFailed, peerID)
	}

	local, theirs := Pipe(c.id, peerID)
	accept(theirs)
	return local, nil
}

func (c *MemoryConnector) OnSession(f func(Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSession = f
}
