package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rescp17/swarmshare/pkg/concurrency"
	"github.com/rescp17/swarmshare/pkg/download"
	"github.com/rescp17/swarmshare/pkg/peer"
	"github.com/rescp17/swarmshare/pkg/seed"
	"github.com/rescp17/swarmshare/pkg/signaling"
	"github.com/rescp17/swarmshare/pkg/store"
	"github.com/rescp17/swarmshare/pkg/transfer"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const (
	dialTimeout     = 30 * time.Second
	maxParallelDial = 4
)

var ErrNotShared = errors.New("file is not shared")

// signalHandler is implemented by connectors that negotiate over the relay.
type signalHandler interface {
	HandleSignal(ctx context.Context, sig signaling.Signal) bool
}

// Options configures a Node. An empty Room selects direct mode, where
// shares are broadcast to every peer on the relay.
type Options struct {
	Room   string
	Config *transfer.Config
	Store  store.ChunkStore
	Logger *slog.Logger
}

// Offer is a file announced by other peers.
type Offer struct {
	Descriptor *transfer.FileDescriptor
	Peers      []string
}

type offer struct {
	desc  *transfer.FileDescriptor
	peers map[string]struct{}
}

// activeDownload tracks the sessions of a running scheduler so peers
// announcing mid-download can join it.
type activeDownload struct {
	sched    *download.Scheduler
	peers    map[string]struct{}
	sessions []peer.Session
}

// Node seeds local files and downloads files announced on the relay.
type Node struct {
	relay     signaling.Relay
	connector peer.Connector
	room      string
	cfg       *transfer.Config
	chunks    store.ChunkStore
	log       *slog.Logger

	seed  *seed.Server
	guard *concurrency.Guard

	mu     sync.Mutex
	offers map[string]*offer
	active map[string]*activeDownload
}

func New(relay signaling.Relay, connector peer.Connector, opts Options) *Node {
	cfg := opts.Config
	if cfg == nil {
		cfg = transfer.DefaultConfig()
	}
	chunks := opts.Store
	if chunks == nil {
		chunks = store.NewMemoryStore()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("node", relay.ID())

	n := &Node{
		relay:     relay,
		connector: connector,
		room:      opts.Room,
		cfg:       cfg,
		chunks:    chunks,
		log:       log,
		seed:      seed.NewServer(cfg, log),
		guard:     concurrency.NewGuard(),
		offers:    make(map[string]*offer),
		active:    make(map[string]*activeDownload),
	}
	n.seed.OnAnnounce(n.recordOffer)
	connector.OnSession(n.seed.Serve)
	return n
}

func (n *Node) ID() string { return n.relay.ID() }

// Run consumes relay signals until ctx is done. It first joins the room,
// or in direct mode broadcasts a roomless join, so that peers already
// sharing announce their files to this node.
func (n *Node) Run(ctx context.Context) error {
	if n.room != "" {
		if err := n.relay.Join(ctx, n.room); err != nil {
			return fmt.Errorf("failed to join room %s: %w", n.room, err)
		}
		n.log.Info("Joined room", "room", n.room)
	} else if err := n.relay.Send(ctx, signaling.Signal{Kind: signaling.Join}); err != nil {
		return fmt.Errorf("failed to greet peers: %w", err)
	}

	handler, _ := n.connector.(signalHandler)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-n.relay.Signals():
			if !ok {
				return signaling.ErrClosed
			}
			if handler != nil && handler.HandleSignal(ctx, sig) {
				continue
			}
			n.onSignal(ctx, sig)
		}
	}
}

func (n *Node) onSignal(ctx context.Context, sig signaling.Signal) {
	switch sig.Kind {
	case signaling.FileShareAnnounce, signaling.FileAnnounce:
		if sig.Metadata == nil {
			n.log.Warn("Dropping announcement without metadata", "from", sig.From)
			return
		}
		if err := sig.Metadata.Validate(); err != nil {
			n.log.Warn("Dropping invalid announcement", "from", sig.From, "error", err)
			return
		}
		n.recordOffer(sig.From, sig.Metadata)
		go n.joinDownload(ctx, sig.Metadata.Key(), sig.From)
	case signaling.FileShareStop:
		n.forget(sig.From, sig.FileID)
	case signaling.Join:
		if sig.Room != n.room {
			return
		}
		for _, desc := range n.seed.Entries() {
			if err := n.announce(ctx, desc, sig.From); err != nil {
				n.log.Warn("Failed to announce file to joining peer", "peer", sig.From, "file", desc.Key(), "error", err)
			}
		}
	case signaling.Leave:
		n.forget(sig.From, "")
	default:
		n.log.Debug("Ignoring signal", "kind", sig.Kind, "from", sig.From)
	}
}

func (n *Node) recordOffer(peerID string, desc *transfer.FileDescriptor) {
	if peerID == "" || peerID == n.ID() {
		return
	}
	key := desc.Key()
	n.mu.Lock()
	defer n.mu.Unlock()
	o, ok := n.offers[key]
	if !ok {
		o = &offer{desc: desc, peers: make(map[string]struct{})}
		n.offers[key] = o
		n.log.Info("File available", "file", key, "name", desc.FileName, "peer", peerID)
	}
	o.peers[peerID] = struct{}{}
}

// forget withdraws peerID from the offer for fileID, or from every offer
// when fileID is empty.
func (n *Node) forget(peerID, fileID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for key, o := range n.offers {
		if fileID != "" && fileID != key && fileID != o.desc.FileID {
			continue
		}
		delete(o.peers, peerID)
		if len(o.peers) == 0 {
			delete(n.offers, key)
			n.log.Info("File no longer available", "file", key)
		}
	}
}

func (n *Node) lookupOffer(key string) (*transfer.FileDescriptor, []string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	o, ok := n.offers[key]
	if !ok {
		o, ok = lo.Find(lo.Values(n.offers), func(o *offer) bool {
			return o.desc.FileID == key
		})
	}
	if !ok {
		return nil, nil, false
	}
	peers := lo.Keys(o.peers)
	slices.Sort(peers)
	return o.desc, peers, true
}

// Available lists the files announced by other peers, by name.
func (n *Node) Available() []Offer {
	n.mu.Lock()
	out := make([]Offer, 0, len(n.offers))
	for _, o := range n.offers {
		peers := lo.Keys(o.peers)
		slices.Sort(peers)
		out = append(out, Offer{Descriptor: o.desc, Peers: peers})
	}
	n.mu.Unlock()

	slices.SortFunc(out, func(a, b Offer) int {
		if c := strings.Compare(a.Descriptor.FileName, b.Descriptor.FileName); c != 0 {
			return c
		}
		return strings.Compare(a.Descriptor.Key(), b.Descriptor.Key())
	})
	return out
}

// Shared lists the descriptors of the files this node seeds.
func (n *Node) Shared() []*transfer.FileDescriptor {
	return n.seed.Entries()
}

// Share chunks the file at path, seeds it and announces it. An empty
// fileID is replaced by a generated one. progress, if set, receives the
// hashed fraction.
func (n *Node) Share(ctx context.Context, path, fileID string, progress func(float64)) (*transfer.FileDescriptor, error) {
	if fileID == "" {
		fileID = uuid.NewString()
	}
	desc, _, err := transfer.ChunkPath(ctx, path, n.cfg.MaxFileSize, transfer.ChunkOptions{
		FileID:    fileID,
		ChunkSize: n.cfg.ChunkSize,
		BatchSize: n.cfg.BatchSize,
	}, progress)
	if err != nil {
		return nil, fmt.Errorf("failed to chunk %s: %w", path, err)
	}

	if entry, ok := n.seed.Lookup(desc.Key()); ok {
		n.log.Info("File already shared", "file", desc.Key(), "path", path)
		return entry.Descriptor, n.announce(ctx, entry.Descriptor, "")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := n.seed.Share(desc, file, nil); err != nil {
		file.Close()
		return nil, err
	}
	if err := n.announce(ctx, desc, ""); err != nil {
		return desc, fmt.Errorf("failed to announce %s: %w", desc.FileName, err)
	}
	return desc, nil
}

// Reannounce repeats the announcement of every shared file.
func (n *Node) Reannounce(ctx context.Context) error {
	var errs []error
	for _, desc := range n.seed.Entries() {
		errs = append(errs, n.announce(ctx, desc, ""))
	}
	return errors.Join(errs...)
}

// announce publishes desc: to the room in room mode, to every peer in
// direct mode, or only to the peer named to.
func (n *Node) announce(ctx context.Context, desc *transfer.FileDescriptor, to string) error {
	sig := signaling.Signal{
		Kind:     signaling.FileShareAnnounce,
		To:       to,
		FileID:   desc.FileID,
		Metadata: desc,
	}
	if n.room != "" {
		sig.Kind = signaling.FileAnnounce
		sig.Room = n.room
	}
	return n.relay.Send(ctx, sig)
}

// StopSharing stops seeding key and withdraws its announcement. Sessions
// fetching the file are closed.
func (n *Node) StopSharing(ctx context.Context, key string) error {
	entry, ok := n.seed.Lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotShared, key)
	}
	desc := entry.Descriptor
	n.seed.StopSharing(desc.Key())

	sig := signaling.Signal{Kind: signaling.FileShareStop, FileID: desc.Key(), Room: n.room}
	return n.relay.Send(ctx, sig)
}

// Download fetches the file announced under key (file hash or file id)
// from every peer offering it and streams it to w. onUpdate, if set,
// receives the scheduler's progress updates.
func (n *Node) Download(ctx context.Context, key string, w io.Writer, onUpdate func(download.Update)) (int64, error) {
	desc, peers, ok := n.lookupOffer(key)
	if !ok || len(peers) == 0 {
		return 0, fmt.Errorf("%w: %s", transfer.ErrNoSeedersAvailable, key)
	}
	key = desc.Key()

	var written int64
	err := n.guard.Execute(key, func() error {
		var err error
		written, err = n.download(ctx, desc, peers, w, onUpdate)
		return err
	})
	if errors.Is(err, concurrency.ErrBusy) {
		return 0, fmt.Errorf("%w: %s", transfer.ErrDownloadInProgress, key)
	}
	return written, err
}

func (n *Node) download(ctx context.Context, desc *transfer.FileDescriptor, peers []string, w io.Writer, onUpdate func(download.Update)) (int64, error) {
	key := desc.Key()
	log := n.log.With("file", key)

	sessions, err := n.dialAll(ctx, peers)
	if err != nil {
		return 0, err
	}

	sched := download.New(desc, sessions, n.chunks, n.cfg, n.log)
	ad := &activeDownload{
		sched:    sched,
		peers:    lo.SliceToMap(peers, func(p string) (string, struct{}) { return p, struct{}{} }),
		sessions: sessions,
	}
	n.mu.Lock()
	n.active[key] = ad
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.active, key)
		sessions := ad.sessions
		n.mu.Unlock()
		for _, sess := range sessions {
			sess.Close()
		}
		if err := n.chunks.Drop(key); err != nil {
			log.Warn("Failed to drop downloaded chunks", "error", err)
		}
	}()

	updatesDone := make(chan struct{})
	go func() {
		defer close(updatesDone)
		for u := range sched.Updates() {
			if onUpdate != nil {
				onUpdate(u)
			}
		}
	}()

	log.Info("Downloading file", "name", desc.FileName, "peers", len(sessions))
	written, err := sched.RunTo(ctx, w)
	<-updatesDone
	if err != nil {
		log.Warn("Download failed", "error", err)
		return written, err
	}
	log.Info("Download completed", "bytes", written)
	return written, nil
}

// dialAll opens sessions to every peer in parallel. It fails only when no
// session could be opened. Sessions are ordered by peer id so a given peer
// set always gets the same stripes.
func (n *Node) dialAll(ctx context.Context, peers []string) ([]peer.Session, error) {
	var (
		mu       sync.Mutex
		sessions []peer.Session
		errs     []error
	)
	var g errgroup.Group
	g.SetLimit(maxParallelDial)
	for _, id := range peers {
		g.Go(func() error {
			sess, err := n.dial(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			sessions = append(sessions, sess)
			return nil
		})
	}
	g.Wait()

	if len(sessions) == 0 {
		return nil, errors.Join(append([]error{transfer.ErrNoSeedersAvailable}, errs...)...)
	}
	slices.SortFunc(sessions, func(a, b peer.Session) int {
		return strings.Compare(a.PeerID(), b.PeerID())
	})
	return sessions, nil
}

func (n *Node) dial(ctx context.Context, peerID string) (peer.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	sess, err := n.connector.Dial(ctx, peerID)
	if err != nil {
		n.log.Warn("Failed to connect to peer", "peer", peerID, "error", err)
		return nil, fmt.Errorf("peer %s: %w", peerID, err)
	}
	return sess, nil
}

// joinDownload adds peerID to the running download of key, if any.
func (n *Node) joinDownload(ctx context.Context, key, peerID string) {
	n.mu.Lock()
	ad, ok := n.active[key]
	if !ok {
		n.mu.Unlock()
		return
	}
	if _, known := ad.peers[peerID]; known {
		n.mu.Unlock()
		return
	}
	ad.peers[peerID] = struct{}{}
	n.mu.Unlock()

	sess, err := n.dial(ctx, peerID)
	if err != nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active[key] != ad {
		sess.Close()
		return
	}
	ad.sessions = append(ad.sessions, sess)
	ad.sched.AddPeer(sess)
	n.log.Info("Peer joined download", "file", key, "peer", peerID)
}

// Close stops seeding every file and closes the connector when it owns
// sessions. The relay is left to the caller.
func (n *Node) Close() error {
	for _, desc := range n.seed.Entries() {
		n.seed.StopSharing(desc.Key())
	}
	if c, ok := n.connector.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
