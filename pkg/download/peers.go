package download

import (
	"time"

	"github.com/rescp17/swarmshare/pkg/peer"
	"github.com/rescp17/swarmshare/pkg/transfer"
	"github.com/samber/lo"
)

type liveness int

const (
	live liveness = iota
	unreliable
	lost
)

func (l liveness) String() string {
	switch l {
	case live:
		return "live"
	case unreliable:
		return "unreliable"
	default:
		return "lost"
	}
}

type request struct {
	seq    uint64
	sentAt time.Time
	timer  *time.Timer
}

// peerState is one peer's share of a download.
type peerState struct {
	id       string
	session  peer.Session
	liveness liveness

	queue    []int // assigned, not yet requested
	inflight map[int]*request
	retrying map[int]*time.Timer
	attempts map[int]int // failed attempts per chunk
}

func newPeerState(sess peer.Session) *peerState {
	return &peerState{
		id:       sess.PeerID(),
		session:  sess,
		inflight: make(map[int]*request),
		retrying: make(map[int]*time.Timer),
		attempts: make(map[int]int),
	}
}

// finish clears the in-flight request for index.
func (p *peerState) finish(index int) {
	if req, ok := p.inflight[index]; ok {
		if req.timer != nil {
			req.timer.Stop()
		}
		delete(p.inflight, index)
	}
}

// outstanding lists every index assigned to p and not yet received from it.
func (p *peerState) outstanding() []int {
	out := append([]int(nil), p.queue...)
	out = append(out, lo.Keys(p.inflight)...)
	return append(out, lo.Keys(p.retrying)...)
}

// release drops all of p's work, stopping its timers, and returns it.
func (p *peerState) release() []int {
	work := p.outstanding()
	for _, req := range p.inflight {
		if req.timer != nil {
			req.timer.Stop()
		}
	}
	for _, t := range p.retrying {
		t.Stop()
	}
	p.queue = nil
	p.inflight = make(map[int]*request)
	p.retrying = make(map[int]*time.Timer)
	return work
}

type event interface{ isEvent() }

type evMessage struct {
	session peer.Session
	msg     *transfer.Message
}

type evClosed struct {
	session peer.Session
}

type evTimeout struct {
	peerID string
	index  int
	seq    uint64
}

type evRetry struct {
	peerID string
	index  int
}

type evAddPeer struct {
	session peer.Session
}

func (evMessage) isEvent() {}
func (evClosed) isEvent()  {}
func (evTimeout) isEvent() {}
func (evRetry) isEvent()   {}
func (evAddPeer) isEvent() {}
