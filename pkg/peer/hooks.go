package peer

import "sync"

// Hooks holds the lifecycle callbacks of a session. Several components may
// observe one session, so every registration is kept. Registering OnOpen
// or OnClose after the event already happened runs the callback
// immediately.
type Hooks struct {
	mu      sync.Mutex
	onOpen  []func()
	onClose []func()
	onError []func(error)
	opened  bool
	closed  bool
}

func (h *Hooks) OnOpen(f func()) {
	if f == nil {
		return
	}
	h.mu.Lock()
	h.onOpen = append(h.onOpen, f)
	opened := h.opened && !h.closed
	h.mu.Unlock()
	if opened {
		f()
	}
}

func (h *Hooks) OnClose(f func()) {
	if f == nil {
		return
	}
	h.mu.Lock()
	h.onClose = append(h.onClose, f)
	closed := h.closed
	h.mu.Unlock()
	if closed {
		f()
	}
}

func (h *Hooks) OnError(f func(error)) {
	if f == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onError = append(h.onError, f)
}

func (h *Hooks) FireOpen() {
	h.mu.Lock()
	if h.opened || h.closed {
		h.mu.Unlock()
		return
	}
	h.opened = true
	fs := h.onOpen
	h.mu.Unlock()
	for _, f := range fs {
		f()
	}
}

// FireClose runs the close callbacks at most once.
func (h *Hooks) FireClose() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	fs := h.onClose
	h.mu.Unlock()
	for _, f := range fs {
		f()
	}
}

func (h *Hooks) FireError(err error) {
	h.mu.Lock()
	fs := h.onError
	h.mu.Unlock()
	for _, f := range fs {
		f(err)
	}
}
