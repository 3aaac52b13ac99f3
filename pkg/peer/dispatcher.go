package peer

import (
	"sync"

	"github.com/rescp17/swarmshare/pkg/transfer"
)

// Dispatcher delivers inbound messages to a session's message handler one
// at a time and in arrival order. Messages that arrive before a handler is
// registered are held until one is.
type Dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*transfer.Message
	handler func(*transfer.Message)
	closed  bool
	done    chan struct{}
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// Push enqueues msg. It never blocks on the handler.
func (d *Dispatcher) Push(msg *transfer.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, msg)
	d.cond.Signal()
}

func (d *Dispatcher) SetHandler(f func(*transfer.Message)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = f
	d.cond.Signal()
}

// Close drops pending messages and stops delivery. A handler call already
// in progress is not waited for, so Close is safe to call from a handler.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.queue = nil
	d.cond.Broadcast()
}

// Done is closed once the delivery goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for !d.closed && (len(d.queue) == 0 || d.handler == nil) {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		msg := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		handler := d.handler
		d.mu.Unlock()

		handler(msg)
	}
}
