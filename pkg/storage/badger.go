package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/skanga/veccy/pkg/math/vector"
)

// Key prefix for record entries. Single-byte prefix keeps keys compact.
const prefixRecord = byte(0x01)

// BadgerBackend provides persistent record storage using BadgerDB.
//
// Records are stored under 0x01 + id using the same binary payload as the
// file-backed log, so the two persistent backends speak one on-disk
// dialect. Badger supplies ACID transactions, crash recovery, and value
// log garbage collection; there is no tombstone bookkeeping to do here.
//
// Example:
//
//	backend, err := storage.NewBadgerBackend(128, storage.BadgerOptions{
//		DataDir: "./data/veccy",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer backend.Close()
type BadgerBackend struct {
	db         *badger.DB
	dimensions int
	mu         sync.RWMutex
	closed     bool
}

// BadgerOptions configures the badger backend.
type BadgerOptions struct {
	// DataDir is the directory for data files. Required unless InMemory.
	DataDir string
	// InMemory runs badger without disk persistence. Useful for tests.
	InMemory bool
	// SyncWrites forces fsync after each write.
	SyncWrites bool
}

// NewBadgerBackend opens a badger-backed record store.
func NewBadgerBackend(dimensions int, opts BadgerOptions) (*BadgerBackend, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	badgerOpts = badgerOpts.WithInMemory(opts.InMemory)
	badgerOpts = badgerOpts.WithSyncWrites(opts.SyncWrites)
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger: %w", err)
	}
	return &BadgerBackend{db: db, dimensions: dimensions}, nil
}

func recordKey(id string) []byte {
	key := make([]byte, 0, len(id)+1)
	key = append(key, prefixRecord)
	return append(key, id...)
}

// Put writes or overwrites a record in one transaction.
func (b *BadgerBackend) Put(rec *Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if err := vector.Validate(rec.Vector, b.dimensions); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if b.isClosed() {
		return ErrClosed
	}
	payload, err := encodeRecordPayload(rec, false)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.ID), payload)
	})
}

// Get returns the record for id, or ErrNotFound.
func (b *BadgerBackend) Get(id string) (*Record, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	var rec *Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("storage: badger get: %w", err)
		}
		return item.Value(func(val []byte) error {
			decoded, _, err := decodeRecordPayload(val)
			if err != nil {
				return err
			}
			rec = decoded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes a record, reporting whether it existed.
func (b *BadgerBackend) Delete(id string) (bool, error) {
	if b.isClosed() {
		return false, ErrClosed
	}
	existed := false
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(recordKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("storage: badger get: %w", err)
		}
		existed = true
		return txn.Delete(recordKey(id))
	})
	return existed, err
}

// Contains reports whether a record exists for id.
func (b *BadgerBackend) Contains(id string) bool {
	if b.isClosed() {
		return false
	}
	found := false
	b.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(recordKey(id)); err == nil {
			found = true
		}
		return nil
	})
	return found
}

// List returns up to limit ids. Badger iterates keys in sorted order, so
// the listing is lexicographic like the other backends.
func (b *BadgerBackend) List(limit int) ([]string, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	var ids []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefixRecord}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(ids) >= limit {
				break
			}
			ids = append(ids, string(it.Item().Key()[1:]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListPaginated returns one page of ids. The cursor is the last id of the
// previous page; badger seeks past it directly.
func (b *BadgerBackend) ListPaginated(pageSize int, cursor string) (*Page, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("%w: page size %d", ErrInvalidCursor, pageSize)
	}
	if b.isClosed() {
		return nil, ErrClosed
	}

	var seekAfter []byte
	if cursor != "" {
		lastID, err := DecodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		seekAfter = recordKey(lastID)
	}

	page := &Page{}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefixRecord}
		it := txn.NewIterator(opts)
		defer it.Close()

		if seekAfter != nil {
			it.Seek(seekAfter)
			if it.Valid() && bytes.Equal(it.Item().Key(), seekAfter) {
				it.Next()
			}
		} else {
			it.Rewind()
		}

		for ; it.Valid(); it.Next() {
			if len(page.IDs) == pageSize {
				page.NextCursor = EncodeCursor(page.IDs[len(page.IDs)-1])
				return nil
			}
			page.IDs = append(page.IDs, string(it.Item().Key()[1:]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// Stream returns a lazy id iterator. The caller must Close it.
func (b *BadgerBackend) Stream() (*IDStream, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	return newIDStream(b.ListPaginated), nil
}

// Stats reports record count and on-disk size.
func (b *BadgerBackend) Stats() Stats {
	stats := Stats{Dimensions: b.dimensions, Kind: "badger"}
	if b.isClosed() {
		return stats
	}
	b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefixRecord}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			stats.Count++
		}
		return nil
	})
	lsm, vlog := b.db.Size()
	stats.EstimatedBytes = lsm + vlog
	return stats
}

// Compact runs badger value-log garbage collection.
func (b *BadgerBackend) Compact() error {
	if b.isClosed() {
		return ErrClosed
	}
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil // nothing worth rewriting
	}
	return err
}

func (b *BadgerBackend) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close releases the backend. Close is idempotent.
func (b *BadgerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
