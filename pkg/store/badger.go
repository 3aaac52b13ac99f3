package store

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore keeps chunks on disk so a large download holds at most the
// in-flight window in memory.
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
}

var _ ChunkStore = (*BadgerStore)(nil)

func NewBadgerStore(db *badger.DB, log *slog.Logger) *BadgerStore {
	if log == nil {
		log = slog.Default()
	}
	return &BadgerStore{
		db:  db,
		log: log,
	}
}

// OpenBadgerStore opens a store in dir. An empty dir keeps the database in
// memory.
func OpenBadgerStore(dir string, log *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk store: %w", err)
	}
	return NewBadgerStore(db, log), nil
}

func filePrefix(fileKey string) []byte {
	return []byte("chunk:" + fileKey + ":")
}

func chunkKey(fileKey string, index int) []byte {
	return strconv.AppendInt(filePrefix(fileKey), int64(index), 10)
}

func (b *BadgerStore) Put(fileKey string, index int, data []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(fileKey, index), data)
	})
}

func (b *BadgerStore) Get(fileKey string, index int) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(fileKey, index))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %d: %w", index, err)
	}
	return data, nil
}

func (b *BadgerStore) Has(fileKey string, index int) bool {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(chunkKey(fileKey, index))
		return err
	})
	return err == nil
}

func (b *BadgerStore) Len(fileKey string) int {
	n := 0
	prefix := filePrefix(fileKey)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		b.log.Warn("Failed to count chunks", "file", fileKey, "error", err)
	}
	return n
}

func (b *BadgerStore) Drop(fileKey string) error {
	if err := b.db.DropPrefix(filePrefix(fileKey)); err != nil {
		return fmt.Errorf("failed to drop chunks of %s: %w", fileKey, err)
	}
	return nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}
