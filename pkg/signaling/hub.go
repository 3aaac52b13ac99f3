package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

const clientBufferSize = 256

// Hub is an in-process relay. HTTP relay servers and tests share it.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*HubClient
	rooms   map[string]map[string]struct{}
	log     *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients: make(map[string]*HubClient),
		rooms:   make(map[string]map[string]struct{}),
		log:     log,
	}
}

// Register attaches a peer to the hub. Registering an id twice replaces
// the previous client, which is closed.
func (h *Hub) Register(id string) *HubClient {
	client := &HubClient{
		id:      id,
		hub:     h,
		signals: make(chan Signal, clientBufferSize),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	old := h.clients[id]
	h.clients[id] = client
	h.mu.Unlock()

	if old != nil {
		h.log.Warn("Peer re-registered, closing previous client", "peer", id)
		old.closeLocal()
	}
	h.log.Info("Peer registered", "peer", id)
	return client
}

func (h *Hub) unregister(client *HubClient) {
	h.mu.Lock()
	if h.clients[client.id] != client {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.id)
	var left []string
	for room, members := range h.rooms {
		if _, ok := members[client.id]; ok {
			delete(members, client.id)
			left = append(left, room)
		}
	}
	h.mu.Unlock()

	for _, room := range left {
		h.route(context.Background(), Signal{Kind: Leave, From: client.id, Room: room})
	}
	h.log.Info("Peer unregistered", "peer", client.id)
}

func (h *Hub) join(ctx context.Context, id, room string) error {
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	members[id] = struct{}{}
	h.mu.Unlock()

	return h.route(ctx, Signal{Kind: Join, From: id, Room: room})
}

func (h *Hub) leave(ctx context.Context, id, room string) error {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()

	return h.route(ctx, Signal{Kind: Leave, From: id, Room: room})
}

// route delivers sig to its addressees, never back to the sender.
func (h *Hub) route(ctx context.Context, sig Signal) error {
	h.mu.RLock()
	var targets []*HubClient
	switch {
	case sig.To != "":
		client, ok := h.clients[sig.To]
		if !ok {
			h.mu.RUnlock()
			return fmt.Errorf("%w: %s", ErrUnknownPeer, sig.To)
		}
		targets = append(targets, client)
	case sig.Room != "":
		for id := range h.rooms[sig.Room] {
			if id != sig.From {
				targets = append(targets, h.clients[id])
			}
		}
	default:
		for id, client := range h.clients {
			if id != sig.From {
				targets = append(targets, client)
			}
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if client == nil {
			continue
		}
		if err := client.deliver(ctx, sig); err != nil {
			if sig.To != "" {
				return err
			}
			h.log.Warn("Dropped signal for peer", "peer", client.id, "kind", sig.Kind, "error", err)
		}
	}
	return nil
}

// HubClient is one peer's Relay endpoint on a Hub.
type HubClient struct {
	id      string
	hub     *Hub
	signals chan Signal

	// mu is held for reading by deliveries in flight; signals is closed
	// under the write lock once done is closed.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

func (c *HubClient) ID() string { return c.id }

// Signals is closed once the client is closed or replaced.
func (c *HubClient) Signals() <-chan Signal { return c.signals }

func (c *HubClient) Send(ctx context.Context, sig Signal) error {
	sig.From = c.id
	if err := sig.Validate(); err != nil {
		return fmt.Errorf("invalid signal: %w", err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.hub.route(ctx, sig)
}

func (c *HubClient) Join(ctx context.Context, room string) error {
	return c.hub.join(ctx, c.id, room)
}

func (c *HubClient) Leave(ctx context.Context, room string) error {
	return c.hub.leave(ctx, c.id, room)
}

func (c *HubClient) Close() error {
	c.hub.unregister(c)
	c.closeLocal()
	return nil
}

func (c *HubClient) closeLocal() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.closed = true
		close(c.signals)
		c.mu.Unlock()
	})
}

// Done is closed when the client is closed or replaced.
func (c *HubClient) Done() <-chan struct{} { return c.done }

func (c *HubClient) deliver(ctx context.Context, sig Signal) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.signals <- sig:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
