package webrtc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
	"github.com/rescp17/swarmshare/pkg/peer"
	"github.com/rescp17/swarmshare/pkg/transfer"
)

const (
	MTU uint = 1400

	// DataChannelLabel names the single ordered channel of a session.
	DataChannelLabel = "swarmshare"

	// MaxFragmentSize keeps every data channel message well under the
	// SCTP message size browsers and pion agree on.
	MaxFragmentSize = 16 * 1024

	maxBufferedAmount      = 1024 * 1024
	bufferedAmountLowLevel = 256 * 1024
	bufferDrainTimeout     = 10 * time.Second
)

const (
	fragmentFinal byte = 0
	fragmentMore  byte = 1
)

var errFragmentOverflow = errors.New("reassembled frame exceeds limit")

// API wraps a pion API shared by every peer connection of one process.
type API struct {
	api *webrtc.API
}

// Config holds the configuration for creating a new Connection.
type Config struct {
	ICEServers []webrtc.ICEServer
}

func NewAPI() *API {
	settings := webrtc.SettingEngine{}
	settings.SetICEMulticastDNSMode(ice.MulticastDNSModeQueryAndGather)
	settings.SetReceiveMTU(MTU)

	// Using NewAPI is crucial for managing multiple PeerConnections in one application.
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))
	return &API{
		api: api,
	}
}

func (a *API) createPeerConnection(config Config) (*webrtc.PeerConnection, error) {
	if len(config.ICEServers) == 0 {
		config.ICEServers = append(config.ICEServers,
			webrtc.ICEServer{URLs: []string{"stun:stun.l.google.com:19302"}},
			webrtc.ICEServer{URLs: []string{"stun:stun1.l.google.com:19302"}},
		)
	}
	return a.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: config.ICEServers,
	})
}

// Session is a peer.Session over one WebRTC peer connection carrying one
// ordered data channel.
type Session struct {
	id     string
	peerID string
	pc     *webrtc.PeerConnection
	log    *slog.Logger

	sm         peer.StateMachine
	hooks      peer.Hooks
	dispatcher *peer.Dispatcher
	serializer transfer.MessageSerializer

	mu         sync.Mutex
	dc         *webrtc.DataChannel
	reassembly []byte
	candidates []webrtc.ICECandidateInit

	sendMu     sync.Mutex
	drained    chan struct{}
	shutdownMu sync.Once
}

func newSession(id, peerID string, pc *webrtc.PeerConnection, log *slog.Logger) *Session {
	s := &Session{
		id:         id,
		peerID:     peerID,
		pc:         pc,
		log:        log.With("peer", peerID, "session", id),
		dispatcher: peer.NewDispatcher(),
		serializer: transfer.NewFrameSerializer(),
		drained:    make(chan struct{}, 1),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Info("Peer Connection State has changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if s.sm.Current() == peer.StateConnecting || s.sm.Current() == peer.StateNew {
				s.transition(peer.StateConnected)
			}
		case webrtc.PeerConnectionStateFailed:
			s.shutdown(peer.StateFailed, fmt.Errorf("peer connection failed"))
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			s.shutdown(peer.StateClosed, nil)
		}
	})
	return s
}

func (s *Session) transition(next peer.State) {
	if _, err := s.sm.Transition(next); err != nil {
		s.log.Debug("Ignoring session transition", "error", err)
	}
}

// attach binds the data channel and its callbacks to the session.
func (s *Session) attach(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(bufferedAmountLowLevel)
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drained <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() {
		// the channel can open before the connection state callback runs
		if s.sm.Current() != peer.StateConnected {
			s.transition(peer.StateConnected)
		}
		s.transition(peer.StateOpen)
		s.log.Info("DataChannel opened")
		s.hooks.FireOpen()
	})
	dc.OnClose(func() {
		s.shutdown(peer.StateClosed, nil)
	})
	dc.OnError(func(err error) {
		s.log.Warn("DataChannel error", "error", err)
		s.hooks.FireError(err)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		frame, complete, err := s.reassemble(msg.Data)
		if err != nil {
			s.log.Warn("Dropping malformed fragment", "error", err)
			return
		}
		if !complete {
			return
		}
		decoded, err := s.serializer.Unmarshal(frame)
		if err != nil {
			s.log.Warn("Dropping undecodable frame", "error", err)
			return
		}
		s.dispatcher.Push(decoded)
	})
}

func (s *Session) reassemble(fragment []byte) ([]byte, bool, error) {
	if len(fragment) == 0 {
		return nil, false, errors.New("empty fragment")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reassembly = append(s.reassembly, fragment[1:]...)
	if len(s.reassembly) > transfer.MaxHeaderSize+transfer.MaxPayloadSize+8 {
		s.reassembly = nil
		return nil, false, errFragmentOverflow
	}
	if fragment[0] == fragmentMore {
		return nil, false, nil
	}
	frame := s.reassembly
	s.reassembly = nil
	return frame, true, nil
}

// fragment splits frame into data channel messages of at most
// MaxFragmentSize bytes, each prefixed with a continuation flag.
func fragment(frame []byte) [][]byte {
	const body = MaxFragmentSize - 1
	var out [][]byte
	for {
		n := min(len(frame), body)
		flag := fragmentFinal
		if n < len(frame) {
			flag = fragmentMore
		}
		part := make([]byte, 0, n+1)
		part = append(part, flag)
		part = append(part, frame[:n]...)
		out = append(out, part)
		frame = frame[n:]
		if flag == fragmentFinal {
			return out
		}
	}
}

func (s *Session) PeerID() string { return s.peerID }

func (s *Session) State() peer.State { return s.sm.Current() }

func (s *Session) Send(msg *transfer.Message) error {
	if s.State() != peer.StateOpen {
		return transfer.ErrNotOpen
	}
	frame, err := s.serializer.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}

	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()

	// fragments of one frame must not interleave with another frame
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for _, part := range fragment(frame) {
		if err := s.waitForBuffer(dc); err != nil {
			return err
		}
		if err := dc.Send(part); err != nil {
			return fmt.Errorf("failed to send %s: %w", msg.Type, err)
		}
	}
	return nil
}

func (s *Session) waitForBuffer(dc *webrtc.DataChannel) error {
	for dc.BufferedAmount() > maxBufferedAmount {
		select {
		case <-s.drained:
		case <-time.After(bufferDrainTimeout):
			return fmt.Errorf("data channel buffer did not drain within %s", bufferDrainTimeout)
		}
		if s.State().IsTerminal() {
			return transfer.ErrNotOpen
		}
	}
	return nil
}

// Close gracefully shuts down the WebRTC connection.
func (s *Session) Close() error {
	s.shutdown(peer.StateClosed, nil)
	return nil
}

func (s *Session) shutdown(state peer.State, cause error) {
	s.shutdownMu.Do(func() {
		s.transition(state)
		if cause != nil {
			s.hooks.FireError(cause)
		}
		s.dispatcher.Close()
		s.hooks.FireClose()
		go func() {
			if err := s.pc.Close(); err != nil {
				s.log.Warn("Failed to close peer connection", "error", err)
			}
		}()
		s.log.Info("Closing webrtc connection", "state", state)
	})
}

// addICECandidate applies a remote candidate, holding it until the remote
// description is known.
func (s *Session) addICECandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.pc.RemoteDescription() == nil {
		s.candidates = append(s.candidates, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

func (s *Session) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	s.mu.Lock()
	pending := s.candidates
	s.candidates = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Warn("Failed to add buffered ICE candidate", "error", err)
		}
	}
	return nil
}

func (s *Session) OnOpen(f func())                     { s.hooks.OnOpen(f) }
func (s *Session) OnClose(f func())                    { s.hooks.OnClose(f) }
func (s *Session) OnError(f func(error))               { s.hooks.OnError(f) }
func (s *Session) OnMessage(f func(*transfer.Message)) { s.dispatcher.SetHandler(f) }
