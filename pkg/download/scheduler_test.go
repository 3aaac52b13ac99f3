package download

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rescp17/swarmshare/pkg/peer"
	"github.com/rescp17/swarmshare/pkg/seed"
	"github.com/rescp17/swarmshare/pkg/store"
	"github.com/rescp17/swarmshare/pkg/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeFile(t *testing.T, size int, chunkSize int32) ([]byte, *transfer.FileDescriptor, []transfer.Chunk) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	desc, chunks, err := transfer.ChunkFile(context.Background(), bytes.NewReader(data), int64(size), transfer.ChunkOptions{
		FileID:    "file-1",
		FileName:  "payload.bin",
		FileType:  "application/octet-stream",
		ChunkSize: chunkSize,
		Retain:    true,
	}, nil)
	require.NoError(t, err)
	return data, desc, chunks
}

func testConfig() *transfer.Config {
	cfg := transfer.DefaultConfig()
	cfg.RequestTimeout = 5 * time.Second
	cfg.RetryPolicy.InitialDelay = time.Millisecond
	cfg.RetryPolicy.MaxDelay = 10 * time.Millisecond
	return cfg
}

// seeder starts a seed server for one file and returns the downloader's
// end of a session to it together with the seeder's end.
func seeder(t *testing.T, id string, desc *transfer.FileDescriptor, chunks []transfer.Chunk) (local, remote *peer.MemorySession) {
	t.Helper()
	srv := seed.NewServer(transfer.DefaultConfig(), nil)
	_, err := srv.Share(desc, nil, chunks)
	require.NoError(t, err)

	local, remote = peer.Pipe("leecher", id)
	srv.Serve(remote)
	t.Cleanup(func() { local.Close() })
	return local, remote
}

// requestLog records the chunk requests sent on each session.
type requestLog struct {
	mu   sync.Mutex
	byID map[string][]int
}

func (l *requestLog) watch(s *peer.MemorySession) {
	s.SetIntercept(func(msg *transfer.Message) *transfer.Message {
		if msg.Type == transfer.ChunkRequest {
			l.mu.Lock()
			if l.byID == nil {
				l.byID = make(map[string][]int)
			}
			l.byID[s.PeerID()] = append(l.byID[s.PeerID()], msg.ChunkIndex)
			l.mu.Unlock()
		}
		return msg
	})
}

func (l *requestLog) get(id string) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.byID[id]...)
}

func corrupt(msg *transfer.Message) *transfer.Message {
	bad := *msg
	bad.Payload = append([]byte(nil), msg.Payload...)
	bad.Payload[0] ^= 0xff
	return &bad
}

func dropResponses(msg *transfer.Message) *transfer.Message {
	if msg.Type == transfer.ChunkResponse {
		return nil
	}
	return msg
}

func runCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStripe(t *testing.T) {
	tests := []struct {
		name  string
		total int
		peers int
		want  [][]int
	}{
		{"single peer is sequential", 4, 1, [][]int{{0, 1, 2, 3}}},
		{"two peers", 5, 2, [][]int{{0, 2, 4}, {1, 3}}},
		{"more peers than chunks", 2, 3, [][]int{{0}, {1}, nil}},
		{"no peers", 3, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Stripe(tt.total, tt.peers))
		})
	}
}

func TestStripe_CoversEveryIndexOnce(t *testing.T) {
	for peers := 1; peers <= 7; peers++ {
		seen := make(map[int]int)
		for _, indices := range Stripe(50, peers) {
			for _, i := range indices {
				seen[i]++
			}
		}
		require.Len(t, seen, 50, "peers=%d", peers)
		for i, n := range seen {
			assert.Equal(t, 1, n, "index %d with %d peers", i, peers)
		}
	}
}

func TestScheduler_TwoPeersStripeAndComplete(t *testing.T) {
	data, desc, chunks := makeFile(t, 300000, 256*1024)
	require.Equal(t, 2, desc.TotalChunks)

	a, _ := seeder(t, "peer-a", desc, chunks)
	b, _ := seeder(t, "peer-b", desc, chunks)
	var log requestLog
	log.watch(a)
	log.watch(b)

	s := New(desc, []peer.Session{a, b}, store.NewMemoryStore(), testConfig(), nil)
	artifact, err := s.Run(runCtx(t))
	require.NoError(t, err)

	assert.Equal(t, []int{0}, log.get("peer-a"))
	assert.Equal(t, []int{1}, log.get("peer-b"))
	assert.Equal(t, data, artifact.Data)
	assert.Equal(t, "payload.bin", artifact.Name)
	assert.Equal(t, "application/octet-stream", artifact.Type)

	st := s.State()
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 2, st.Received)
	assert.Equal(t, 1.0, st.Progress)
	assert.NoError(t, st.Err)
}

func TestScheduler_SinglePeerRequestsSequentially(t *testing.T) {
	data, desc, chunks := makeFile(t, 20*1024+5, 1024)
	a, _ := seeder(t, "peer-a", desc, chunks)
	var log requestLog
	log.watch(a)

	cfg := testConfig()
	cfg.MaxInflightPerPeer = 1
	artifact, err := New(desc, []peer.Session{a}, nil, cfg, nil).Run(runCtx(t))
	require.NoError(t, err)
	assert.Equal(t, data, artifact.Data)

	want := make([]int, desc.TotalChunks)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, log.get("peer-a"))
}

func TestScheduler_NoPeersFailsImmediately(t *testing.T) {
	_, desc, _ := makeFile(t, 4096, 1024)

	s := New(desc, nil, nil, testConfig(), nil)
	start := time.Now()
	_, err := s.Run(runCtx(t))
	assert.ErrorIs(t, err, transfer.ErrNoSeedersAvailable)
	assert.Less(t, time.Since(start), time.Second)

	st := s.State()
	assert.Equal(t, StatusFailed, st.Status)
	assert.ErrorIs(t, st.Err, transfer.ErrNoSeedersAvailable)
	assert.Zero(t, st.Received)
}

func TestScheduler_EmptyFileCompletesWithoutRequests(t *testing.T) {
	_, desc, chunks := makeFile(t, 0, 1024)
	a, _ := seeder(t, "peer-a", desc, chunks)
	var log requestLog
	log.watch(a)

	artifact, err := New(desc, []peer.Session{a}, nil, testConfig(), nil).Run(runCtx(t))
	require.NoError(t, err)
	assert.Empty(t, artifact.Data)
	assert.Empty(t, log.get("peer-a"))
}

func TestScheduler_DuplicateDeliveryCountsOnce(t *testing.T) {
	_, desc, chunks := makeFile(t, 2048, 1024)

	// a hand-rolled peer answering chunk 0 twice and never chunk 1
	local, remote := peer.Pipe("leecher", "dup")
	defer local.Close()
	remote.OnMessage(func(msg *transfer.Message) {
		if msg.Type == transfer.ChunkRequest && msg.ChunkIndex == 0 {
			resp := transfer.NewChunkResponse(msg, desc.ChunkHashes[0], chunks[0].Data)
			remote.Send(resp)
			remote.Send(resp)
		}
	})

	s := New(desc, []peer.Session{local}, nil, testConfig(), nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool { return s.State().Received == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return s.State().Received > 1 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, StatusDownloading, s.State().Status)
	assert.Equal(t, 0.5, s.State().Progress)

	s.Cancel()
	assert.ErrorIs(t, <-errCh, transfer.ErrDownloadCancelled)
}

func TestScheduler_RetriesCorruptedChunk(t *testing.T) {
	data, desc, chunks := makeFile(t, 4*1024, 1024)
	a, seedSide := seeder(t, "peer-a", desc, chunks)

	var mu sync.Mutex
	corrupted := 0
	seedSide.SetIntercept(func(msg *transfer.Message) *transfer.Message {
		mu.Lock()
		defer mu.Unlock()
		if msg.Type == transfer.ChunkResponse && msg.ChunkIndex == 2 && corrupted < 2 {
			corrupted++
			return corrupt(msg)
		}
		return msg
	})
	var log requestLog
	log.watch(a)

	artifact, err := New(desc, []peer.Session{a}, nil, testConfig(), nil).Run(runCtx(t))
	require.NoError(t, err)
	assert.Equal(t, data, artifact.Data)

	requests := log.get("peer-a")
	count := 0
	for _, i := range requests {
		if i == 2 {
			count++
		}
	}
	assert.Equal(t, 3, count, "chunk 2 is requested once and retried twice")
}

func TestScheduler_UnreliablePeerWorkIsReassigned(t *testing.T) {
	data, desc, chunks := makeFile(t, 10*1024, 1024)
	good, _ := seeder(t, "good", desc, chunks)
	bad, badSeed := seeder(t, "bad", desc, chunks)
	badSeed.SetIntercept(func(msg *transfer.Message) *transfer.Message {
		if msg.Type == transfer.ChunkResponse {
			return corrupt(msg)
		}
		return msg
	})

	s := New(desc, []peer.Session{good, bad}, nil, testConfig(), nil)
	artifact, err := s.Run(runCtx(t))
	require.NoError(t, err)
	assert.Equal(t, data, artifact.Data)
	assert.Equal(t, []string{"good"}, s.State().Peers)
}

func TestScheduler_FailsWhenEveryPeerIsUnreliable(t *testing.T) {
	_, desc, chunks := makeFile(t, 3*1024, 1024)
	bad, badSeed := seeder(t, "bad", desc, chunks)
	badSeed.SetIntercept(func(msg *transfer.Message) *transfer.Message {
		if msg.Type == transfer.ChunkResponse {
			return corrupt(msg)
		}
		return msg
	})

	s := New(desc, []peer.Session{bad}, nil, testConfig(), nil)
	_, err := s.Run(runCtx(t))
	assert.ErrorIs(t, err, transfer.ErrChunkVerificationFailed)
	assert.Equal(t, StatusFailed, s.State().Status)
	assert.Zero(t, s.State().Received, "a chunk failing verification is never received")
}

func TestScheduler_PeerLossReassignsOutstandingChunks(t *testing.T) {
	data, desc, chunks := makeFile(t, 12*1024, 1024)
	a, _ := seeder(t, "peer-a", desc, chunks)
	b, bSeed := seeder(t, "peer-b", desc, chunks)
	bSeed.SetIntercept(dropResponses)

	var log requestLog
	log.watch(a)
	requested := make(chan struct{})
	var once sync.Once
	b.SetIntercept(func(msg *transfer.Message) *transfer.Message {
		once.Do(func() { close(requested) })
		return msg
	})
	go func() {
		<-requested
		b.Close()
	}()

	s := New(desc, []peer.Session{a, b}, nil, testConfig(), nil)
	artifact, err := s.Run(runCtx(t))
	require.NoError(t, err)
	assert.Equal(t, data, artifact.Data)
	assert.Equal(t, []string{"peer-a"}, s.State().Peers)

	// peer-a ends up with every index, its own stripe plus the lost one
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, log.get("peer-a"))
}

func TestScheduler_FailsWhenAllSessionsAreLost(t *testing.T) {
	_, desc, chunks := makeFile(t, 4*1024, 1024)
	a, aSeed := seeder(t, "peer-a", desc, chunks)
	aSeed.SetIntercept(dropResponses)

	s := New(desc, []peer.Session{a}, nil, testConfig(), nil)
	ctx := runCtx(t)
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Run(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	aSeed.Fail(assert.AnError)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, transfer.ErrPeerSessionLost)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not fail")
	}
	assert.Equal(t, StatusFailed, s.State().Status)
}

func TestScheduler_RequestTimeoutMovesWorkToAnotherPeer(t *testing.T) {
	data, desc, chunks := makeFile(t, 6*1024, 1024)
	good, _ := seeder(t, "good", desc, chunks)
	silent, silentSeed := seeder(t, "silent", desc, chunks)
	silentSeed.SetIntercept(dropResponses)

	cfg := testConfig()
	cfg.RequestTimeout = 100 * time.Millisecond
	cfg.RetryPolicy.MaxRetries = 0

	s := New(desc, []peer.Session{good, silent}, nil, cfg, nil)
	artifact, err := s.Run(runCtx(t))
	require.NoError(t, err)
	assert.Equal(t, data, artifact.Data)
	assert.Equal(t, []string{"good"}, s.State().Peers)
}

func TestScheduler_CancelStopsDownload(t *testing.T) {
	_, desc, chunks := makeFile(t, 4*1024, 1024)
	a, aSeed := seeder(t, "peer-a", desc, chunks)

	release := make(chan struct{})
	aSeed.SetIntercept(func(msg *transfer.Message) *transfer.Message {
		if msg.Type == transfer.ChunkResponse {
			<-release
		}
		return msg
	})

	s := New(desc, []peer.Session{a}, nil, testConfig(), nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, transfer.ErrDownloadCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not stop the download")
	}

	// responses after cancellation are discarded
	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusFailed, s.State().Status)
	assert.Zero(t, s.State().Received)
}

func TestScheduler_ContextCancellation(t *testing.T) {
	_, desc, chunks := makeFile(t, 4*1024, 1024)
	a, aSeed := seeder(t, "peer-a", desc, chunks)
	aSeed.SetIntercept(dropResponses)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(desc, []peer.Session{a}, nil, testConfig(), nil).Run(ctx)
	assert.ErrorIs(t, err, transfer.ErrDownloadCancelled)
}

func TestScheduler_AddPeerTakesQueuedWork(t *testing.T) {
	data, desc, chunks := makeFile(t, 16*1024, 1024)
	a, _ := seeder(t, "peer-a", desc, chunks)
	b, _ := seeder(t, "peer-b", desc, chunks)
	var log requestLog
	log.watch(a)
	log.watch(b)

	cfg := testConfig()
	cfg.MaxInflightPerPeer = 1
	s := New(desc, []peer.Session{a}, nil, cfg, nil)
	s.AddPeer(b)

	artifact, err := s.Run(runCtx(t))
	require.NoError(t, err)
	assert.Equal(t, data, artifact.Data)
	assert.NotEmpty(t, log.get("peer-b"))
	assert.Len(t, append(log.get("peer-a"), log.get("peer-b")...), desc.TotalChunks)
}

func TestScheduler_GossipsHaveChunk(t *testing.T) {
	_, desc, chunks := makeFile(t, 2*1024, 1024)
	a, _ := seeder(t, "peer-a", desc, chunks)
	b, _ := seeder(t, "peer-b", desc, chunks)

	var mu sync.Mutex
	haves := make(map[string][]int)
	for _, sess := range []*peer.MemorySession{a, b} {
		sess.SetIntercept(func(msg *transfer.Message) *transfer.Message {
			if msg.Type == transfer.HaveChunk {
				mu.Lock()
				haves[sess.PeerID()] = append(haves[sess.PeerID()], msg.ChunkIndex)
				mu.Unlock()
			}
			return msg
		})
	}

	_, err := New(desc, []peer.Session{a, b}, nil, testConfig(), nil).Run(runCtx(t))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	// each chunk is gossiped to the peer that did not send it
	assert.Equal(t, []int{1}, haves["peer-a"])
	assert.Equal(t, []int{0}, haves["peer-b"])
}

func TestScheduler_RunToStreamsFromBadger(t *testing.T) {
	data, desc, chunks := makeFile(t, 9*1024+1, 1024)
	a, _ := seeder(t, "peer-a", desc, chunks)
	b, _ := seeder(t, "peer-b", desc, chunks)

	chunkStore, err := store.OpenBadgerStore("", nil)
	require.NoError(t, err)
	defer chunkStore.Close()

	var out bytes.Buffer
	n, err := New(desc, []peer.Session{a, b}, chunkStore, testConfig(), nil).RunTo(runCtx(t), &out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, out.Bytes())
	assert.Equal(t, desc.TotalChunks, chunkStore.Len(desc.Key()))
}

func TestScheduler_UpdatesEndWithCompletion(t *testing.T) {
	_, desc, chunks := makeFile(t, 5*1024, 1024)
	a, _ := seeder(t, "peer-a", desc, chunks)

	cfg := testConfig()
	s := New(desc, []peer.Session{a}, nil, cfg, nil)

	var updates []Update
	done := make(chan struct{})
	go func() {
		defer close(done)
		for u := range s.Updates() {
			updates = append(updates, u)
		}
	}()

	_, err := s.Run(runCtx(t))
	require.NoError(t, err)
	<-done

	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, StatusCompleted, last.Status)
	assert.Equal(t, 1.0, last.Progress)
	assert.Equal(t, desc.TotalChunks, last.Total)

	prev := -1
	for _, u := range updates {
		assert.GreaterOrEqual(t, u.Received, prev, "received never shrinks")
		prev = u.Received
	}
}

func TestScheduler_RunTwice(t *testing.T) {
	_, desc, _ := makeFile(t, 1024, 1024)
	s := New(desc, nil, nil, testConfig(), nil)
	_, err := s.Run(runCtx(t))
	require.ErrorIs(t, err, transfer.ErrNoSeedersAvailable)
	_, err = s.Run(runCtx(t))
	assert.Error(t, err)
}
