package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rescp17/swarmshare/pkg/peer"
	"github.com/rescp17/swarmshare/pkg/store"
	"github.com/rescp17/swarmshare/pkg/transfer"
	"github.com/samber/lo"
)

type Status string

const (
	StatusRequesting  Status = "requesting"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var errRequestTimeout = errors.New("chunk request timed out")

// State is a snapshot of one download.
type State struct {
	Key        string
	Descriptor *transfer.FileDescriptor
	Peers      []string
	Received   int
	Status     Status
	Progress   float64
	Err        error
}

// Update is published on every progress or status change.
type Update struct {
	Key      string
	Status   Status
	Received int
	Total    int
	Progress float64
	Err      error
}

// Scheduler drives one file download across the sessions of every peer
// offering it. All bookkeeping is owned by the goroutine running Run;
// session callbacks only enqueue events.
type Scheduler struct {
	desc  *transfer.FileDescriptor
	key   string
	cfg   *transfer.Config
	store store.ChunkStore
	log   *slog.Logger

	events  chan event
	updates chan Update
	done    chan struct{}
	initial []peer.Session

	// loop-owned
	peers    []*peerState
	byID     map[string]*peerState
	received map[int]struct{}
	seq      uint64
	result   error

	mu    sync.RWMutex
	state State

	runMu     sync.Mutex
	started   bool
	cancelled bool
	cancel    context.CancelFunc
}

func New(desc *transfer.FileDescriptor, sessions []peer.Session, chunks store.ChunkStore, cfg *transfer.Config, log *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = transfer.DefaultConfig()
	}
	if chunks == nil {
		chunks = store.NewMemoryStore()
	}
	if log == nil {
		log = slog.Default()
	}
	key := desc.Key()
	s := &Scheduler{
		desc:     desc,
		key:      key,
		cfg:      cfg,
		store:    chunks,
		log:      log.With("component", "download", "file", key),
		events:   make(chan event, cfg.EventBufferSize),
		updates:  make(chan Update, cfg.EventBufferSize),
		done:     make(chan struct{}),
		initial:  slices.Clone(sessions),
		byID:     make(map[string]*peerState),
		received: make(map[int]struct{}),
	}
	s.state = State{Key: key, Descriptor: desc, Status: StatusRequesting}
	return s
}

// Updates delivers progress and status changes. It is closed when the
// download ends. When the consumer falls behind the oldest update is
// dropped.
func (s *Scheduler) Updates() <-chan Update {
	return s.updates
}

// State returns a snapshot of the download.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state
	st.Peers = slices.Clone(s.state.Peers)
	return st
}

// Cancel stops the download. Responses arriving afterwards are discarded.
func (s *Scheduler) Cancel() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.cancelled = true
	if s.cancel != nil {
		s.cancel()
	}
}

// AddPeer offers another session for the download. Queued work is
// re-striped over the enlarged peer set.
func (s *Scheduler) AddPeer(sess peer.Session) {
	s.push(evAddPeer{session: sess})
}

// Run downloads every chunk and returns the reassembled file.
func (s *Scheduler) Run(ctx context.Context) (*transfer.Artifact, error) {
	if err := s.run(ctx); err != nil {
		return nil, err
	}
	chunks := make([]transfer.Chunk, 0, s.desc.TotalChunks)
	for i := 0; i < s.desc.TotalChunks; i++ {
		data, err := s.store.Get(s.key, i)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", transfer.ErrIncompleteChunkSet, i, err)
		}
		chunks = append(chunks, transfer.Chunk{Index: i, Hash: s.desc.ChunkHashes[i], Size: int32(len(data)), Data: data})
	}
	return transfer.Reconstruct(chunks, s.desc)
}

// RunTo downloads every chunk and streams the file to w in index order
// without holding it in memory.
func (s *Scheduler) RunTo(ctx context.Context, w io.Writer) (int64, error) {
	if err := s.run(ctx); err != nil {
		return 0, err
	}
	return transfer.ReconstructTo(w, s.desc, func(i int) ([]byte, error) {
		return s.store.Get(s.key, i)
	})
}

func (s *Scheduler) run(ctx context.Context) error {
	s.runMu.Lock()
	if s.started {
		s.runMu.Unlock()
		return errors.New("download already started")
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	cancelled := s.cancelled
	s.runMu.Unlock()
	defer cancel()

	defer close(s.updates)
	defer close(s.done)

	if cancelled {
		return s.fail(transfer.ErrDownloadCancelled)
	}
	if err := s.desc.Validate(); err != nil {
		return s.fail(err)
	}
	if len(s.initial) == 0 {
		return s.fail(transfer.ErrNoSeedersAvailable)
	}

	for _, sess := range s.initial {
		s.attach(sess)
	}
	s.publish()
	if s.desc.TotalChunks == 0 {
		s.complete()
		return nil
	}

	live := s.livePeers()
	if len(live) == 0 {
		return s.fail(transfer.ErrPeerSessionLost)
	}
	for p, indices := range Stripe(s.desc.TotalChunks, len(live)) {
		live[p].queue = indices
	}
	s.log.Info("Download started", "chunks", s.desc.TotalChunks, "peers", len(live))
	for _, p := range live {
		s.fill(p)
	}

	defer s.stopTimers()
	for s.result == nil {
		select {
		case <-ctx.Done():
			return s.fail(fmt.Errorf("%w: %v", transfer.ErrDownloadCancelled, context.Cause(ctx)))
		case ev := <-s.events:
			s.handle(ev)
		}
	}
	if errors.Is(s.result, errCompleted) {
		return nil
	}
	return s.result
}

var errCompleted = errors.New("completed")

func (s *Scheduler) handle(ev event) {
	switch e := ev.(type) {
	case evMessage:
		s.onMessage(e)
	case evClosed:
		s.onClosed(e)
	case evTimeout:
		s.onTimeout(e)
	case evRetry:
		s.onRetry(e)
	case evAddPeer:
		s.onAddPeer(e)
	}
}

// push enqueues ev unless the loop has exited.
func (s *Scheduler) push(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// attach registers sess as a peer. Sessions already closed are recorded
// as lost.
func (s *Scheduler) attach(sess peer.Session) *peerState {
	p := newPeerState(sess)
	if old, ok := s.byID[p.id]; ok && old.liveness == live {
		s.log.Debug("Peer already attached", "peer", p.id)
		return nil
	}
	s.peers = append(s.peers, p)
	s.byID[p.id] = p

	sess.OnMessage(func(msg *transfer.Message) {
		s.push(evMessage{session: sess, msg: msg})
	})
	// a close may be fired from inside Send on the loop goroutine itself
	sess.OnClose(func() {
		go s.push(evClosed{session: sess})
	})
	if sess.State() != peer.StateOpen {
		p.liveness = lost
	}
	s.syncPeers()
	return p
}

func (s *Scheduler) peerFor(sess peer.Session) (*peerState, bool) {
	p, ok := s.byID[sess.PeerID()]
	if !ok || p.session != sess {
		return nil, false
	}
	return p, true
}

func (s *Scheduler) livePeers() []*peerState {
	return lo.Filter(s.peers, func(p *peerState, _ int) bool {
		return p.liveness == live
	})
}

func (s *Scheduler) onMessage(e evMessage) {
	msg := e.msg
	switch msg.Type {
	case transfer.ChunkResponse:
	case transfer.HaveChunk:
		s.log.Debug("Peer has chunk", "peer", e.session.PeerID(), "chunk", msg.ChunkIndex)
		return
	default:
		return
	}
	if !s.addressed(msg) {
		s.log.Debug("Ignoring response for another file", "peer", e.session.PeerID(), "file", msg.Key())
		return
	}
	p, ok := s.peerFor(e.session)
	if !ok {
		return
	}
	index := msg.ChunkIndex
	if !s.desc.HasIndex(index) {
		s.log.Warn("Ignoring response for chunk out of range", "peer", p.id, "chunk", index)
		return
	}

	_, requested := p.inflight[index]
	if requested {
		p.finish(index)
	}

	if !transfer.VerifyChunk(msg.Payload, s.desc.ChunkHashes[index]) {
		s.log.Warn("Chunk failed verification", "peer", p.id, "chunk", index, "requested", requested)
		if requested && p.liveness == live {
			s.failure(p, index, transfer.ErrChunkVerificationFailed)
			s.fill(p)
		}
		return
	}

	delete(p.attempts, index)
	s.accept(p, index, msg.Payload)
	if p.liveness == live {
		s.fill(p)
	}
}

func (s *Scheduler) addressed(msg *transfer.Message) bool {
	return (msg.FileHash != "" && msg.FileHash == s.desc.FileHash) ||
		(msg.FileID != "" && msg.FileID == s.desc.FileID)
}

// accept records a verified chunk. A duplicate is a no-op.
func (s *Scheduler) accept(from *peerState, index int, data []byte) {
	if _, dup := s.received[index]; dup {
		s.log.Debug("Duplicate chunk", "peer", from.id, "chunk", index)
		return
	}
	if err := s.store.Put(s.key, index, data); err != nil {
		s.finishWith(s.fail(fmt.Errorf("failed to store chunk %d: %w", index, err)))
		return
	}
	s.received[index] = struct{}{}

	for _, p := range s.livePeers() {
		if p == from {
			continue
		}
		if err := p.session.Send(transfer.NewHaveChunk(s.key, index)); err != nil {
			s.log.Debug("Failed to gossip chunk", "peer", p.id, "chunk", index, "error", err)
		}
	}

	if len(s.received) == s.desc.TotalChunks {
		s.finishWith(s.complete())
		return
	}
	s.setStatus(StatusDownloading, nil)
}

func (s *Scheduler) onClosed(e evClosed) {
	p, ok := s.peerFor(e.session)
	if !ok || p.liveness == lost {
		return
	}
	s.log.Info("Peer session closed", "peer", p.id, "outstanding", len(p.outstanding()))
	work := p.release()
	p.liveness = lost
	s.syncPeers()
	s.reassign(work, transfer.ErrPeerSessionLost)
}

func (s *Scheduler) onTimeout(e evTimeout) {
	p, ok := s.byID[e.peerID]
	if !ok || p.liveness != live {
		return
	}
	req, ok := p.inflight[e.index]
	if !ok || req.seq != e.seq {
		return
	}
	p.finish(e.index)
	s.log.Warn("Chunk request timed out", "peer", p.id, "chunk", e.index)
	s.failure(p, e.index, errRequestTimeout)
	s.fill(p)
}

func (s *Scheduler) onRetry(e evRetry) {
	p, ok := s.byID[e.peerID]
	if !ok || p.liveness != live {
		return
	}
	if _, ok := p.retrying[e.index]; !ok {
		return
	}
	delete(p.retrying, e.index)
	if _, done := s.received[e.index]; done {
		return
	}
	p.queue = append([]int{e.index}, p.queue...)
	s.fill(p)
}

func (s *Scheduler) onAddPeer(e evAddPeer) {
	p := s.attach(e.session)
	if p == nil || p.liveness != live {
		return
	}
	s.log.Info("Peer joined download", "peer", p.id)

	live := s.livePeers()
	var queued []int
	for _, lp := range live {
		queued = append(queued, lp.queue...)
		lp.queue = nil
	}
	slices.Sort(queued)
	for _, i := range queued {
		target := live[i%len(live)]
		target.queue = append(target.queue, i)
	}
	for _, lp := range live {
		s.fill(lp)
	}
}

// failure counts a failed attempt of index on p. Within the retry budget
// the index is re-requested from p after a backoff; beyond it p is given
// up on and all of its work moves to the remaining peers.
func (s *Scheduler) failure(p *peerState, index int, cause error) {
	p.attempts[index]++
	policy := s.cfg.RetryPolicy
	if policy.ShouldRetry(p.attempts[index] - 1) {
		delay := policy.GetRetryDelay(p.attempts[index] - 1)
		s.log.Debug("Retrying chunk", "peer", p.id, "chunk", index, "attempt", p.attempts[index], "delay", delay)
		peerID := p.id
		p.retrying[index] = time.AfterFunc(delay, func() {
			s.push(evRetry{peerID: peerID, index: index})
		})
		return
	}

	s.log.Warn("Peer exhausted retries, marking unreliable", "peer", p.id, "chunk", index, "error", cause)
	work := append(p.release(), index)
	p.liveness = unreliable
	s.syncPeers()
	if errors.Is(cause, errRequestTimeout) {
		cause = transfer.ErrPeerSessionLost
	}
	s.reassign(work, cause)
}

// reassign stripes work over the remaining live peers by index modulo
// their count. With no live peer left the download fails with cause.
func (s *Scheduler) reassign(work []int, cause error) {
	if s.result != nil {
		return
	}
	live := s.livePeers()
	if len(live) == 0 {
		s.finishWith(s.fail(fmt.Errorf("%w: %d of %d chunks received", cause, len(s.received), s.desc.TotalChunks)))
		return
	}
	slices.Sort(work)
	for _, i := range work {
		if _, done := s.received[i]; done {
			continue
		}
		target := live[i%len(live)]
		target.queue = append(target.queue, i)
	}
	for _, p := range live {
		s.fill(p)
	}
}

// fill sends requests from p's queue until its in-flight window is full.
func (s *Scheduler) fill(p *peerState) {
	for s.result == nil && p.liveness == live && len(p.inflight) < s.cfg.MaxInflightPerPeer && len(p.queue) > 0 {
		index := p.queue[0]
		p.queue = p.queue[1:]
		if _, done := s.received[index]; done {
			continue
		}

		if err := p.session.Send(transfer.NewChunkRequest(s.desc, index)); err != nil {
			if p.session.State().IsTerminal() {
				// the close event reassigns it
				p.queue = append([]int{index}, p.queue...)
				return
			}
			s.log.Warn("Failed to send chunk request", "peer", p.id, "chunk", index, "error", err)
			s.failure(p, index, err)
			continue
		}

		s.seq++
		req := &request{seq: s.seq, sentAt: time.Now()}
		if timeout := s.cfg.RequestTimeout; timeout > 0 {
			ev := evTimeout{peerID: p.id, index: index, seq: req.seq}
			req.timer = time.AfterFunc(timeout, func() { s.push(ev) })
		}
		p.inflight[index] = req
	}
}

func (s *Scheduler) complete() error {
	s.setStatus(StatusCompleted, nil)
	s.log.Info("Download completed", "chunks", s.desc.TotalChunks, "bytes", s.desc.FileSize)
	return errCompleted
}

func (s *Scheduler) fail(err error) error {
	s.setStatus(StatusFailed, err)
	s.log.Warn("Download failed", "error", err)
	return err
}

// finishWith ends the loop with result.
func (s *Scheduler) finishWith(result error) {
	if s.result == nil {
		s.result = result
	}
}

func (s *Scheduler) stopTimers() {
	for _, p := range s.peers {
		p.release()
	}
}

func (s *Scheduler) syncPeers() {
	ids := lo.Map(s.livePeers(), func(p *peerState, _ int) string { return p.id })
	s.mu.Lock()
	s.state.Peers = ids
	s.mu.Unlock()
}

func (s *Scheduler) setStatus(status Status, err error) {
	s.mu.Lock()
	if s.state.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.state.Status = status
	s.state.Err = err
	s.state.Received = len(s.received)
	if s.desc.TotalChunks > 0 {
		s.state.Progress = float64(len(s.received)) / float64(s.desc.TotalChunks)
	} else if status == StatusCompleted {
		s.state.Progress = 1
	}
	s.mu.Unlock()
	s.publish()
}

// publish sends the current state without blocking the loop.
func (s *Scheduler) publish() {
	st := s.State()
	u := Update{
		Key:      st.Key,
		Status:   st.Status,
		Received: st.Received,
		Total:    s.desc.TotalChunks,
		Progress: st.Progress,
		Err:      st.Err,
	}
	for {
		select {
		case s.updates <- u:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}
