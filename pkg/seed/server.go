package seed

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rescp17/swarmshare/pkg/peer"
	"github.com/rescp17/swarmshare/pkg/transfer"
)

var ErrNoSource = errors.New("entry needs retained chunks or a source")

// Entry is one file this process offers. It is read-only once shared.
type Entry struct {
	Descriptor *transfer.FileDescriptor

	source   io.ReaderAt
	retained map[int][]byte
}

// chunk returns the bytes of index, from memory when retained.
func (e *Entry) chunk(index int) ([]byte, error) {
	if data, ok := e.retained[index]; ok {
		return data, nil
	}
	if e.source == nil {
		return nil, fmt.Errorf("chunk %d is not retained", index)
	}
	return transfer.ReadChunk(e.source, e.Descriptor, index)
}

// Server answers chunk requests for every shared file on every attached
// session.
type Server struct {
	cfg *transfer.Config
	log *slog.Logger

	mu       sync.RWMutex
	entries  map[string]*Entry
	ids      map[string]string // fileId -> key
	sessions map[string]map[peer.Session]struct{}
	haves    map[string]map[string]int

	onAnnounce func(peerID string, desc *transfer.FileDescriptor)
}

func NewServer(cfg *transfer.Config, log *slog.Logger) *Server {
	if cfg == nil {
		cfg = transfer.DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		log:      log.With("component", "seed"),
		entries:  make(map[string]*Entry),
		ids:      make(map[string]string),
		sessions: make(map[string]map[peer.Session]struct{}),
		haves:    make(map[string]map[string]int),
	}
}

// OnAnnounce registers a callback for file-announce messages received from
// attached peers.
func (s *Server) OnAnnounce(f func(peerID string, desc *transfer.FileDescriptor)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAnnounce = f
}

// Share registers desc. Chunks with Data set are served from memory; any
// other chunk is re-read from source on request.
func (s *Server) Share(desc *transfer.FileDescriptor, source io.ReaderAt, retained []transfer.Chunk) (*Entry, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	entry := &Entry{Descriptor: desc, source: source, retained: make(map[int][]byte)}
	for _, c := range retained {
		if c.Data != nil && desc.HasIndex(c.Index) {
			entry.retained[c.Index] = c.Data
		}
	}
	if source == nil && len(entry.retained) != desc.TotalChunks {
		return nil, ErrNoSource
	}

	key := desc.Key()
	s.mu.Lock()
	s.entries[key] = entry
	if desc.FileID != "" {
		s.ids[desc.FileID] = key
	}
	s.mu.Unlock()

	s.log.Info("Sharing file", "file", key, "name", desc.FileName, "chunks", desc.TotalChunks, "retained", len(entry.retained))
	return entry, nil
}

// Entries returns the descriptors of every shared file.
func (s *Server) Entries() []*transfer.FileDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*transfer.FileDescriptor, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Descriptor)
	}
	return out
}

// Lookup resolves a file hash or file id.
func (s *Server) Lookup(key string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(key)
}

func (s *Server) lookupLocked(key string) (*Entry, bool) {
	if e, ok := s.entries[key]; ok {
		return e, true
	}
	if k, ok := s.ids[key]; ok {
		e, ok := s.entries[k]
		return e, ok
	}
	return nil, false
}

// StopSharing discards the entry and closes every session it was announced
// on or fetched from. Requesters observe the closed-session path.
func (s *Server) StopSharing(key string) bool {
	s.mu.Lock()
	entry, ok := s.lookupLocked(key)
	if !ok {
		s.mu.Unlock()
		return false
	}
	key = entry.Descriptor.Key()
	delete(s.entries, key)
	if id := entry.Descriptor.FileID; id != "" {
		delete(s.ids, id)
	}
	sessions := s.sessions[key]
	delete(s.sessions, key)
	delete(s.haves, key)
	s.mu.Unlock()

	for sess := range sessions {
		if err := sess.Close(); err != nil {
			s.log.Warn("Failed to close session", "peer", sess.PeerID(), "error", err)
		}
	}
	if c, ok := entry.source.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.log.Warn("Failed to close source", "file", key, "error", err)
		}
	}
	s.log.Info("Stopped sharing file", "file", key, "sessions", len(sessions))
	return true
}

// Haves reports, per peer, how many have-chunk messages were received for key.
func (s *Server) Haves(key string) map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.haves[key]))
	for p, n := range s.haves[key] {
		out[p] = n
	}
	return out
}

// Serve attaches sess: every shared file is announced on it and its chunk
// requests are answered until it closes.
func (s *Server) Serve(sess peer.Session) {
	log := s.log.With("peer", sess.PeerID())
	p := &pacer{delay: s.cfg.PacingDelay}

	sess.OnClose(func() { s.detach(sess) })
	sess.OnMessage(func(msg *transfer.Message) {
		s.handle(sess, p, log, msg)
	})

	for _, desc := range s.Entries() {
		s.associate(desc.Key(), sess)
		p.wait()
		if err := sess.Send(transfer.NewAnnounce(desc)); err != nil {
			log.Warn("Failed to announce file", "file", desc.Key(), "error", err)
			return
		}
	}
}

func (s *Server) handle(sess peer.Session, p *pacer, log *slog.Logger, msg *transfer.Message) {
	switch msg.Type {
	case transfer.ChunkRequest:
		s.answer(sess, p, log, msg)
	case transfer.HaveChunk:
		s.recordHave(sess.PeerID(), msg)
	case transfer.FileAnnounce:
		s.mu.RLock()
		f := s.onAnnounce
		s.mu.RUnlock()
		if f != nil && msg.Metadata != nil {
			f(sess.PeerID(), msg.Metadata)
		}
	default:
		log.Debug("Ignoring message", "type", msg.Type)
	}
}

func (s *Server) answer(sess peer.Session, p *pacer, log *slog.Logger, req *transfer.Message) {
	entry, ok := s.Lookup(req.Key())
	if ok {
		s.associate(entry.Descriptor.Key(), sess)
	}
	if !ok {
		log.Debug("Ignoring request for unknown file", "file", req.Key(), "chunk", req.ChunkIndex)
		return
	}
	desc := entry.Descriptor
	if !desc.HasIndex(req.ChunkIndex) {
		log.Warn("Ignoring request for chunk out of range", "file", desc.Key(), "chunk", req.ChunkIndex)
		return
	}
	data, err := entry.chunk(req.ChunkIndex)
	if err != nil {
		log.Warn("Failed to read chunk", "file", desc.Key(), "chunk", req.ChunkIndex, "error", err)
		return
	}

	p.wait()
	if err := sess.Send(transfer.NewChunkResponse(req, desc.ChunkHashes[req.ChunkIndex], data)); err != nil {
		log.Warn("Failed to send chunk", "file", desc.Key(), "chunk", req.ChunkIndex, "error", err)
	}
}

func (s *Server) recordHave(peerID string, msg *transfer.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.lookupLocked(msg.Key())
	if !ok {
		return
	}
	key := entry.Descriptor.Key()
	if s.haves[key] == nil {
		s.haves[key] = make(map[string]int)
	}
	s.haves[key][peerID]++
}

// associate ties sess to the shared file key so that stopping the file
// closes it.
func (s *Server) associate(key string, sess peer.Session) {
	if sess.State().IsTerminal() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return
	}
	if s.sessions[key] == nil {
		s.sessions[key] = make(map[peer.Session]struct{})
	}
	s.sessions[key][sess] = struct{}{}
}

func (s *Server) detach(sess peer.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, set := range s.sessions {
		delete(set, sess)
	}
}

// pacer spaces consecutive sends on one session by delay.
type pacer struct {
	mu    sync.Mutex
	delay time.Duration
	last  time.Time
}

func (p *pacer) wait() {
	if p.delay <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if wait := p.delay - time.Since(p.last); wait > 0 {
		time.Sleep(wait)
	}
	p.last = time.Now()
}
