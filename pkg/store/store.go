package store

import (
	"errors"
	"sync"
)

var ErrChunkNotFound = errors.New("chunk not found")

// ChunkStore holds the verified chunks of downloads, keyed by file key and
// chunk index. A download's store is written only by its scheduler.
type ChunkStore interface {
	Put(fileKey string, index int, data []byte) error
	Get(fileKey string, index int) ([]byte, error)
	Has(fileKey string, index int) bool
	Len(fileKey string) int
	// Drop discards every chunk of fileKey.
	Drop(fileKey string) error
	Close() error
}

// MemoryStore keeps chunks in a map. Suitable for files that fit in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[string]map[int][]byte
}

var _ ChunkStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[string]map[int][]byte)}
}

func (m *MemoryStore) Put(fileKey string, index int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.chunks[fileKey]
	if !ok {
		file = make(map[int][]byte)
		m.chunks[fileKey] = file
	}
	file[index] = data
	return nil
}

func (m *MemoryStore) Get(fileKey string, index int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.chunks[fileKey][index]
	if !ok {
		return nil, ErrChunkNotFound
	}
	return data, nil
}

func (m *MemoryStore) Has(fileKey string, index int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.chunks[fileKey][index]
	return ok
}

func (m *MemoryStore) Len(fileKey string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks[fileKey])
}

func (m *MemoryStore) Drop(fileKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, fileKey)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
