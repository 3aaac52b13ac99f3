package peer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rescp17/swarmshare/pkg/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_Transitions(t *testing.T) {
	var sm StateMachine
	assert.Equal(t, StateNew, sm.Current())

	_, err := sm.Transition(StateOpen)
	assert.Error(t, err, "new -> open must go through connected")

	for _, next := range []State{StateConnecting, StateConnected, StateOpen, StateClosed} {
		_, err := sm.Transition(next)
		require.NoError(t, err, "transition to %s", next)
	}
	assert.True(t, sm.Current().IsTerminal())

	_, err = sm.Transition(StateOpen)
	assert.Error(t, err, "closed is terminal")
}

func TestPipe_OrderedDelivery(t *testing.T) {
	a, b := Pipe("alice", "bob")
	defer a.Close()

	assert.Equal(t, "bob", a.PeerID())
	assert.Equal(t, "alice", b.PeerID())
	assert.Equal(t, StateOpen, a.State())

	// sent before any handler exists; must be held, not dropped
	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, a.Send(&transfer.Message{Type: transfer.HaveChunk, FileHash: transfer.HashChunk(nil), ChunkIndex: i}))
	}

	received := make(chan int, n)
	b.OnMessage(func(msg *transfer.Message) { received <- msg.ChunkIndex })

	for i := 0; i < n; i++ {
		select {
		case got := <-received:
			assert.Equal(t, i, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestPipe_PayloadTravelsWithHeader(t *testing.T) {
	a, b := Pipe("alice", "bob")
	defer a.Close()

	got := make(chan *transfer.Message, 1)
	b.OnMessage(func(msg *transfer.Message) { got <- msg })

	req := &transfer.Message{Type: transfer.ChunkRequest, FileID: "f1", ChunkIndex: 3}
	require.NoError(t, a.Send(transfer.NewChunkResponse(req, transfer.HashChunk([]byte("xyz")), []byte("xyz"))))

	select {
	case msg := <-got:
		assert.Equal(t, "f1", msg.FileID)
		assert.Equal(t, 3, msg.ChunkIndex)
		assert.Equal(t, []byte("xyz"), msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestPipe_CloseFiresOnceOnBothEnds(t *testing.T) {
	a, b := Pipe("alice", "bob")

	var aClosed, bClosed atomic.Int32
	a.OnClose(func() { aClosed.Add(1) })
	b.OnClose(func() { bClosed.Add(1) })

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	assert.Equal(t, int32(1), aClosed.Load())
	assert.Equal(t, int32(1), bClosed.Load())
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Send(transfer.NewHaveChunk("", 0)), transfer.ErrNotOpen)

	// late registration still observes the close
	var late atomic.Bool
	a.OnClose(func() { late.Store(true) })
	assert.True(t, late.Load())
}

func TestPipe_FailReportsError(t *testing.T) {
	a, b := Pipe("alice", "bob")

	var gotErr error
	var mu sync.Mutex
	a.OnError(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		gotErr = err
	})
	closed := make(chan struct{})
	b.OnClose(func() { close(closed) })

	boom := errors.New("ice failed")
	a.Fail(boom)

	mu.Lock()
	assert.Equal(t, boom, gotErr)
	mu.Unlock()
	assert.Equal(t, StateFailed, a.State())
	assert.Equal(t, StateClosed, b.State())
	<-closed
}

func TestMemoryNetwork_Dial(t *testing.T) {
	network := NewMemoryNetwork()
	seeder := network.Connector("seeder")
	leecher := network.Connector("leecher")

	accepted := make(chan Session, 1)
	seeder.OnSession(func(s Session) { accepted <- s })

	session, err := leecher.Dial(context.Background(), "seeder")
	require.NoError(t, err)
	defer session.Close()
	assert.Equal(t, "seeder", session.PeerID())

	remote := <-accepted
	assert.Equal(t, "leecher", remote.PeerID())

	_, err = leecher.Dial(context.Background(), "nobody")
	assert.ErrorIs(t, err, transfer.ErrTransportSetupFailed)

	_, err = seeder.Dial(context.Background(), "leecher")
	assert.ErrorIs(t, err, transfer.ErrTransportSetupFailed, "leecher never registered OnSession")
}

func TestHooks_EveryObserverRuns(t *testing.T) {
	var h Hooks
	var opens, closes atomic.Int32
	h.OnOpen(func() { opens.Add(1) })
	h.OnOpen(func() { opens.Add(1) })
	h.OnClose(func() { closes.Add(1) })

	h.FireOpen()
	h.FireOpen()
	assert.Equal(t, int32(2), opens.Load())

	h.FireClose()
	h.OnClose(func() { closes.Add(1) })
	assert.Equal(t, int32(2), closes.Load())

	h.OnOpen(func() { opens.Add(1) })
	assert.Equal(t, int32(2), opens.Load(), "open hooks registered after close never run")
}
