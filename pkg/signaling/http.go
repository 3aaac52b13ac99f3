package signaling

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Server exposes a Hub over HTTP. Each peer holds one Server-Sent Events
// stream for inbound signals and posts outbound ones.
//
//	GET  /signals?peer=ID            SSE stream, event "signal"
//	POST /signal?peer=ID             JSON Signal
//	POST /rooms/{room}/join?peer=ID
//	POST /rooms/{room}/leave?peer=ID
type Server struct {
	hub *Hub
	mux *http.ServeMux
	log *slog.Logger

	mu      sync.Mutex
	streams map[string]*HubClient
}

func NewServer(hub *Hub, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		hub:     hub,
		mux:     http.NewServeMux(),
		log:     log,
		streams: make(map[string]*HubClient),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP allows the Server struct to satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /signals", s.streamHandler)
	s.mux.HandleFunc("POST /signal", s.signalHandler)
	s.mux.HandleFunc("POST /rooms/{room}/join", s.roomHandler(true))
	s.mux.HandleFunc("POST /rooms/{room}/leave", s.roomHandler(false))
}

func (s *Server) client(peerID string) (*HubClient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.streams[peerID]
	return c, ok
}

func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer")
	if peerID == "" {
		http.Error(w, "missing peer", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	client := s.hub.Register(peerID)
	s.mu.Lock()
	s.streams[peerID] = client
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.streams[peerID] == client {
			delete(s.streams, peerID)
		}
		s.mu.Unlock()
		client.Close()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: ready\ndata: {}\n\n")
	flusher.Flush()
	s.log.Info("SSE connected", "peer", peerID)

	for {
		select {
		case <-r.Context().Done():
			s.log.Info("SSE client connection closed", "peer", peerID)
			return
		case <-client.Done():
			return
		case sig, ok := <-client.Signals():
			if !ok {
				return
			}
			data, err := json.Marshal(sig)
			if err != nil {
				s.log.Error("Failed to marshal signal, skipping", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: signal\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) signalHandler(w http.ResponseWriter, r *http.Request) {
	client, ok := s.client(r.URL.Query().Get("peer"))
	if !ok {
		http.Error(w, "peer has no open stream", http.StatusPreconditionFailed)
		return
	}
	var sig Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		http.Error(w, "Invalid signal payload", http.StatusBadRequest)
		return
	}
	if err := client.Send(r.Context(), sig); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrUnknownPeer) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) roomHandler(join bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, ok := s.client(r.URL.Query().Get("peer"))
		if !ok {
			http.Error(w, "peer has no open stream", http.StatusPreconditionFailed)
			return
		}
		room := r.PathValue("room")
		var err error
		if join {
			err = client.Join(r.Context(), room)
		} else {
			err = client.Leave(r.Context(), room)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// Client is the Relay implementation talking to a Server.
type Client struct {
	id         string
	baseURL    string
	httpClient *http.Client
	signals    chan Signal
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial opens the inbound signal stream and returns once the server has
// acknowledged it.
func Dial(ctx context.Context, baseURL, peerID string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:         peerID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		signals:    make(chan Signal, clientBufferSize),
		log:        log,
		ctx:        streamCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.url("/signals"), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create /signals request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	type result struct {
		resp *http.Response
		err  error
	}
	ready := make(chan result, 1)
	go func() {
		resp, err := c.httpClient.Do(req)
		ready <- result{resp, err}
	}()

	select {
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case res := <-ready:
		if res.err != nil {
			cancel()
			return nil, fmt.Errorf("failed to connect to relay: %w", res.err)
		}
		if res.resp.StatusCode != http.StatusOK {
			res.resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("relay refused stream: %s", res.resp.Status)
		}
		// Do not close the body here. The goroutine owns the stream.
		go c.listenToSSEResponse(res.resp)
		return c, nil
	}
}

func (c *Client) url(path string) string {
	return c.baseURL + path + "?peer=" + url.QueryEscape(c.id)
}

func (c *Client) ID() string { return c.id }

func (c *Client) Signals() <-chan Signal { return c.signals }

// Done is closed when the inbound stream ends, after Signals.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Send(ctx context.Context, sig Signal) error {
	sig.From = c.id
	if err := sig.Validate(); err != nil {
		return fmt.Errorf("invalid signal: %w", err)
	}
	body, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}
	return c.post(ctx, "/signal", body)
}

func (c *Client) Join(ctx context.Context, room string) error {
	return c.post(ctx, "/rooms/"+url.PathEscape(room)+"/join", nil)
}

func (c *Client) Leave(ctx context.Context, room string) error {
	return c.post(ctx, "/rooms/"+url.PathEscape(room)+"/leave", nil)
}

func (c *Client) Close() error {
	c.cancel()
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay request %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrUnknownPeer
	default:
		return fmt.Errorf("relay request %s failed: %s", path, resp.Status)
	}
}

// listenToSSEResponse runs in a goroutine, processing events from the relay.
func (c *Client) listenToSSEResponse(resp *http.Response) {
	defer close(c.done)
	defer close(c.signals)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			c.routeEvent(currentEvent, data)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("Error reading SSE stream", "error", err)
	}
}

func (c *Client) routeEvent(event, data string) {
	switch event {
	case "ready":
		c.log.Debug("Relay stream ready", "peer", c.id)
	case "signal":
		var sig Signal
		if err := json.Unmarshal([]byte(data), &sig); err != nil {
			c.log.Error("Failed to unmarshal signal event", "error", err)
			return
		}
		select {
		case c.signals <- sig:
		case <-c.ctx.Done():
		}
	default:
		c.log.Warn("Received unknown SSE event", "event", event)
	}
}
