package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"

	"github.com/rescp17/swarmshare/pkg/discovery"
	"github.com/rescp17/swarmshare/pkg/node"
	"github.com/rescp17/swarmshare/pkg/signaling"
	"github.com/rescp17/swarmshare/pkg/store"
	"github.com/rescp17/swarmshare/pkg/webrtc"
)

const discoveryTimeout = 5 * time.Second

// session is a node connected to a relay, with everything it owns.
type session struct {
	node   *node.Node
	relay  *signaling.Client
	chunks store.ChunkStore
	done   chan error
}

func (s *session) Close() error {
	return errors.Join(s.node.Close(), s.relay.Close(), s.chunks.Close())
}

// relayURL returns the configured relay, or the first one found over mDNS.
func (a *app) relayURL(ctx context.Context) (string, error) {
	if a.cfg.RelayURL != "" {
		return a.cfg.RelayURL, nil
	}
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	a.log.Info("Looking for a relay over mDNS")
	url, err := discovery.FindRelay(ctx, &discovery.MDNSAdapter{Log: a.log})
	if err != nil {
		return "", fmt.Errorf("no --relay given and %w", err)
	}
	a.log.Info("Found relay", "url", url)
	return url, nil
}

// connect dials the relay and starts a node on it. The node runs until
// ctx is done; its result is delivered on session.done.
func (a *app) connect(ctx context.Context) (*session, error) {
	tc, err := a.cfg.Transfer()
	if err != nil {
		return nil, err
	}
	url, err := a.relayURL(ctx)
	if err != nil {
		return nil, err
	}
	peerID := a.cfg.PeerID
	if peerID == "" {
		peerID = uuid.NewString()
	}

	chunks, err := a.openStore()
	if err != nil {
		return nil, err
	}
	relay, err := signaling.Dial(ctx, url, peerID, a.log)
	if err != nil {
		chunks.Close()
		return nil, err
	}

	var ice []pion.ICEServer
	if urls := a.cfg.ICEURLs(); len(urls) > 0 {
		ice = append(ice, pion.ICEServer{URLs: urls})
	}
	connector := webrtc.NewConnector(webrtc.NewAPI(), webrtc.Config{ICEServers: ice}, relay, a.log)

	n := node.New(relay, connector, node.Options{
		Room:   a.cfg.Room,
		Config: tc,
		Store:  chunks,
		Logger: a.log,
	})
	s := &session{node: n, relay: relay, chunks: chunks, done: make(chan error, 1)}
	go func() {
		s.done <- n.Run(ctx)
	}()
	a.log.Info("Connected to relay", "url", url, "peer", peerID, "room", a.cfg.Room)
	return s, nil
}

func (a *app) openStore() (store.ChunkStore, error) {
	if a.cfg.StoreDir == "" {
		return store.NewMemoryStore(), nil
	}
	db, err := store.OpenBadgerStore(a.cfg.StoreDir, a.log)
	if err != nil {
		return nil, err
	}
	return db, nil
}
