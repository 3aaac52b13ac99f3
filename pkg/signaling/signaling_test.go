package signaling

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rescp17/swarmshare/pkg/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Signal) Signal {
	t.Helper()
	select {
	case sig := <-ch:
		return sig
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for signal")
		return Signal{}
	}
}

func assertSilent(t *testing.T, ch <-chan Signal) {
	t.Helper()
	select {
	case sig := <-ch:
		t.Fatalf("unexpected signal %+v", sig)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_DirectDelivery(t *testing.T) {
	hub := NewHub(nil)
	alice := hub.Register("alice")
	bob := hub.Register("bob")
	ctx := context.Background()

	require.NoError(t, alice.Send(ctx, Signal{Kind: Offer, To: "bob", Payload: []byte(`{"sdp":"x"}`)}))

	sig := receive(t, bob.Signals())
	assert.Equal(t, Offer, sig.Kind)
	assert.Equal(t, "alice", sig.From, "sender identity is stamped by the relay")
	assert.JSONEq(t, `{"sdp":"x"}`, string(sig.Payload))

	err := alice.Send(ctx, Signal{Kind: Answer, To: "carol"})
	assert.ErrorIs(t, err, ErrUnknownPeer)

	err = alice.Send(ctx, Signal{Kind: "bogus", To: "bob"})
	assert.Error(t, err)
}

func TestHub_RoomsAndBroadcast(t *testing.T) {
	hub := NewHub(nil)
	alice := hub.Register("alice")
	bob := hub.Register("bob")
	carol := hub.Register("carol")
	ctx := context.Background()

	require.NoError(t, alice.Join(ctx, "room-1"))
	require.NoError(t, bob.Join(ctx, "room-1"))

	joined := receive(t, alice.Signals())
	assert.Equal(t, Join, joined.Kind)
	assert.Equal(t, "bob", joined.From)

	desc := &transfer.FileDescriptor{FileID: "f1", FileName: "a.txt", ChunkSize: 4}
	require.NoError(t, alice.Send(ctx, Signal{Kind: FileAnnounce, Room: "room-1", Metadata: desc}))

	announce := receive(t, bob.Signals())
	assert.Equal(t, FileAnnounce, announce.Kind)
	assert.Equal(t, "f1", announce.Metadata.FileID)
	assertSilent(t, carol.Signals())
	assertSilent(t, alice.Signals())

	require.NoError(t, carol.Send(ctx, Signal{Kind: FileShareAnnounce, FileID: "f2"}))
	assert.Equal(t, "f2", receive(t, alice.Signals()).FileID)
	assert.Equal(t, "f2", receive(t, bob.Signals()).FileID)

	require.NoError(t, bob.Close())
	left := receive(t, alice.Signals())
	assert.Equal(t, Leave, left.Kind)
	assert.Equal(t, "bob", left.From)
}

func TestHTTPRelay_EndToEnd(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(NewServer(hub, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice, err := Dial(ctx, srv.URL, "alice", nil)
	require.NoError(t, err)
	defer alice.Close()
	bob, err := Dial(ctx, srv.URL, "bob", nil)
	require.NoError(t, err)
	defer bob.Close()

	require.NoError(t, alice.Join(ctx, "lobby"))
	require.NoError(t, bob.Join(ctx, "lobby"))
	assert.Equal(t, Join, receive(t, alice.Signals()).Kind)

	require.NoError(t, bob.Send(ctx, Signal{Kind: ICECandidate, To: "alice", Payload: []byte(`{"candidate":"c"}`)}))
	sig := receive(t, alice.Signals())
	assert.Equal(t, ICECandidate, sig.Kind)
	assert.Equal(t, "bob", sig.From)

	err = bob.Send(ctx, Signal{Kind: Offer, To: "nobody"})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func assertClosed(t *testing.T, ch <-chan Signal) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("signal channel was not closed")
		}
	}
}

func TestHub_CloseEndsSignals(t *testing.T) {
	hub := NewHub(nil)
	alice := hub.Register("alice")
	bob := hub.Register("bob")
	ctx := context.Background()

	require.NoError(t, alice.Send(ctx, Signal{Kind: Offer, To: "bob"}))
	require.NoError(t, bob.Close())
	assertClosed(t, bob.Signals())

	err := alice.Send(ctx, Signal{Kind: Offer, To: "bob"})
	assert.ErrorIs(t, err, ErrUnknownPeer)

	// re-registering replaces the old client and ends its stream
	replaced := hub.Register("alice")
	assertClosed(t, alice.Signals())
	require.NoError(t, replaced.Close())
}

func TestHTTPRelay_StreamDropEndsSignals(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(NewServer(hub, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	alice, err := Dial(ctx, srv.URL, "alice", nil)
	require.NoError(t, err)
	defer alice.Close()

	srv.CloseClientConnections()
	assertClosed(t, alice.Signals())
	select {
	case <-alice.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client not done after its stream dropped")
	}
}
