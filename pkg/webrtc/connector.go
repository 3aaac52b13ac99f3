package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rescp17/swarmshare/pkg/peer"
	"github.com/rescp17/swarmshare/pkg/signaling"
	"github.com/rescp17/swarmshare/pkg/transfer"
)

// handshake is the payload of offer, answer and ice-candidate signals.
type handshake struct {
	Session   string                     `json:"session"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Connector negotiates sessions through a signaling relay. Inbound offer,
// answer and ice-candidate signals must be fed to HandleSignal.
type Connector struct {
	api    *API
	config Config
	relay  signaling.Relay
	log    *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	onSession func(peer.Session)
}

var _ peer.Connector = (*Connector)(nil)

func NewConnector(api *API, config Config, relay signaling.Relay, log *slog.Logger) *Connector {
	if log == nil {
		log = slog.Default()
	}
	return &Connector{
		api:      api,
		config:   config,
		relay:    relay,
		log:      log.With("component", "webrtc", "self", relay.ID()),
		sessions: make(map[string]*Session),
	}
}

func (c *Connector) OnSession(f func(peer.Session)) {
	c.mu.Lock()
	c.onSession = f
	c.mu.Unlock()
}

// Dial offers a session to peerID and waits until its data channel opens.
func (c *Connector) Dial(ctx context.Context, peerID string) (peer.Session, error) {
	pc, err := c.api.createPeerConnection(c.config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transfer.ErrTransportSetupFailed, err)
	}
	s := c.track(uuid.NewString(), peerID, pc)
	s.transition(peer.StateConnecting)

	ordered := true
	dc, err := pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, c.abort(s, err)
	}
	s.attach(dc)

	opened := make(chan struct{})
	closed := make(chan struct{})
	s.OnOpen(func() { close(opened) })
	s.OnClose(func() { close(closed) })

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, c.abort(s, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, c.abort(s, err)
	}
	if err := c.signal(ctx, signaling.Offer, peerID, handshake{Session: s.id, SDP: &offer}); err != nil {
		return nil, c.abort(s, err)
	}

	select {
	case <-opened:
		return s, nil
	case <-closed:
		return nil, c.abort(s, fmt.Errorf("session with %s closed during handshake", peerID))
	case <-ctx.Done():
		return nil, c.abort(s, ctx.Err())
	}
}

// HandleSignal consumes handshake signals and reports whether sig was one.
func (c *Connector) HandleSignal(ctx context.Context, sig signaling.Signal) bool {
	switch sig.Kind {
	case signaling.Offer, signaling.Answer, signaling.ICECandidate:
	default:
		return false
	}

	var hs handshake
	if err := json.Unmarshal(sig.Payload, &hs); err != nil || hs.Session == "" {
		c.log.Warn("Dropping malformed handshake signal", "from", sig.From, "kind", sig.Kind)
		return true
	}

	var err error
	switch sig.Kind {
	case signaling.Offer:
		err = c.handleOffer(ctx, sig.From, hs)
	case signaling.Answer:
		err = c.handleAnswer(hs)
	case signaling.ICECandidate:
		err = c.handleCandidate(hs)
	}
	if err != nil {
		c.log.Warn("Handshake signal failed", "from", sig.From, "kind", sig.Kind, "error", err)
	}
	return true
}

func (c *Connector) handleOffer(ctx context.Context, from string, hs handshake) error {
	if hs.SDP == nil {
		return fmt.Errorf("offer without sdp")
	}
	pc, err := c.api.createPeerConnection(c.config)
	if err != nil {
		return err
	}
	s := c.track(hs.Session, from, pc)
	s.transition(peer.StateConnecting)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			c.log.Warn("Ignoring unexpected data channel", "label", dc.Label())
			return
		}
		s.attach(dc)
	})
	s.OnOpen(func() {
		c.mu.Lock()
		accept := c.onSession
		c.mu.Unlock()
		if accept == nil {
			c.log.Warn("No session handler registered, closing inbound session", "peer", from)
			s.Close()
			return
		}
		accept(s)
	})

	if err := s.setRemoteDescription(*hs.SDP); err != nil {
		return c.abort(s, err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return c.abort(s, fmt.Errorf("failed to create answer: %w", err))
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return c.abort(s, fmt.Errorf("failed to set local description: %w", err))
	}
	if err := c.signal(ctx, signaling.Answer, from, handshake{Session: s.id, SDP: &answer}); err != nil {
		return c.abort(s, err)
	}
	return nil
}

func (c *Connector) handleAnswer(hs handshake) error {
	s, ok := c.lookup(hs.Session)
	if !ok {
		return fmt.Errorf("answer for unknown session %s", hs.Session)
	}
	if hs.SDP == nil {
		return c.abort(s, fmt.Errorf("answer without sdp"))
	}
	if err := s.setRemoteDescription(*hs.SDP); err != nil {
		return c.abort(s, err)
	}
	return nil
}

func (c *Connector) handleCandidate(hs handshake) error {
	s, ok := c.lookup(hs.Session)
	if !ok || hs.Candidate == nil {
		return nil
	}
	return s.addICECandidate(*hs.Candidate)
}

// track registers a session and trickles its local candidates to the peer.
func (c *Connector) track(id, peerID string, pc *webrtc.PeerConnection) *Session {
	s := newSession(id, peerID, pc, c.log)

	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()
	s.OnClose(func() {
		c.mu.Lock()
		delete(c.sessions, id)
		c.mu.Unlock()
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		if err := c.signal(context.Background(), signaling.ICECandidate, peerID, handshake{Session: id, Candidate: &init}); err != nil {
			c.log.Warn("Failed to send ICE candidate", "peer", peerID, "error", err)
		}
	})
	return s
}

func (c *Connector) lookup(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

func (c *Connector) abort(s *Session, cause error) error {
	s.shutdown(peer.StateFailed, cause)
	return fmt.Errorf("%w: %v", transfer.ErrTransportSetupFailed, cause)
}

func (c *Connector) signal(ctx context.Context, kind signaling.Kind, to string, hs handshake) error {
	payload, err := json.Marshal(hs)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	return c.relay.Send(ctx, signaling.Signal{Kind: kind, To: to, Payload: payload})
}

// Close closes every tracked session.
func (c *Connector) Close() error {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	return nil
}
