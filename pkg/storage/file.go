package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/skanga/veccy/pkg/math/vector"
)

// FsyncPolicy controls when log writes are synced to disk.
type FsyncPolicy string

const (
	// FsyncNever leaves syncing to the OS (fastest, data loss on crash).
	FsyncNever FsyncPolicy = "never"
	// FsyncPerWrite syncs after every write (safest, slowest).
	FsyncPerWrite FsyncPolicy = "per_write"
	// FsyncPeriodic syncs on a background ticker.
	FsyncPeriodic FsyncPolicy = "periodic"
)

// FileConfig configures the file-backed storage backend.
type FileConfig struct {
	// Path is the log file location. The parent directory must exist.
	Path string
	// Fsync selects the durability/throughput trade-off.
	Fsync FsyncPolicy
	// FsyncInterval applies when Fsync is FsyncPeriodic.
	FsyncInterval time.Duration
	// CacheSize bounds the decoded-record read cache (entries).
	CacheSize int
}

// DefaultFileConfig returns sensible defaults for the file backend.
func DefaultFileConfig(path string) FileConfig {
	return FileConfig{
		Path:          path,
		Fsync:         FsyncPeriodic,
		FsyncInterval: 100 * time.Millisecond,
		CacheSize:     1024,
	}
}

// recordLocation points at an encoded record inside the log file.
type recordLocation struct {
	offset int64
	length int64
}

// FileBackend stores records in an append-only log file with an in-memory
// index mapping id to (offset, length). Deletes append a tombstone entry.
// Each log entry carries an xxhash checksum; entries that fail the check
// on open terminate the scan, which truncates torn tails after a crash.
//
// Log entry framing (little-endian):
//
//	payload_len  u32
//	checksum     u64   xxhash64 of payload
//	payload      see encoding.go
type FileBackend struct {
	mu         sync.RWMutex
	config     FileConfig
	dimensions int

	file   *os.File
	writer *bufio.Writer
	offset int64
	index  map[string]recordLocation
	cache  *lru.Cache[string, *Record]

	syncTicker *time.Ticker
	stopSync   chan struct{}
	closed     bool
}

// NewFileBackend opens (or creates) a log file and rebuilds the id index
// by scanning it.
func NewFileBackend(dimensions int, cfg FileConfig) (*FileBackend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidRecord)
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open log: %w", err)
	}

	cache, _ := lru.New[string, *Record](cfg.CacheSize)
	f := &FileBackend{
		config:     cfg,
		dimensions: dimensions,
		file:       file,
		writer:     bufio.NewWriterSize(file, 64*1024),
		index:      make(map[string]recordLocation),
		cache:      cache,
		stopSync:   make(chan struct{}),
	}
	if err := f.rebuildIndex(); err != nil {
		file.Close()
		return nil, err
	}

	if cfg.Fsync == FsyncPeriodic && cfg.FsyncInterval > 0 {
		f.syncTicker = time.NewTicker(cfg.FsyncInterval)
		go f.periodicSyncLoop()
	}
	return f, nil
}

// rebuildIndex scans the log from the start, replaying puts and
// tombstones. A checksum mismatch or short read ends the scan at the last
// valid entry.
func (f *FileBackend) rebuildIndex() error {
	if _, err := f.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("storage: seek log: %w", err)
	}
	reader := bufio.NewReaderSize(f.file, 64*1024)

	var offset int64
	header := make([]byte, 12)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			break // clean EOF or torn header: stop at last valid entry
		}
		payloadLen := int64(binary.LittleEndian.Uint32(header))
		checksum := binary.LittleEndian.Uint64(header[4:])

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(reader, payload); err != nil {
			break
		}
		if xxhash.Sum64(payload) != checksum {
			break
		}
		rec, tombstone, err := decodeRecordPayload(payload)
		if err != nil {
			break
		}
		entryLen := int64(len(header)) + payloadLen
		if tombstone {
			delete(f.index, rec.ID)
		} else {
			f.index[rec.ID] = recordLocation{offset: offset, length: entryLen}
		}
		offset += entryLen
	}

	f.offset = offset
	if err := f.file.Truncate(offset); err != nil {
		return fmt.Errorf("storage: truncate torn tail: %w", err)
	}
	if _, err := f.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("storage: seek log end: %w", err)
	}
	return nil
}

func (f *FileBackend) periodicSyncLoop() {
	for {
		select {
		case <-f.syncTicker.C:
			f.Sync()
		case <-f.stopSync:
			return
		}
	}
}

// appendEntry writes a framed payload and returns its location.
// Caller holds the write lock.
func (f *FileBackend) appendEntry(payload []byte) (recordLocation, error) {
	header := make([]byte, 12)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))
	binary.LittleEndian.PutUint64(header[4:], xxhash.Sum64(payload))

	loc := recordLocation{offset: f.offset, length: int64(len(header) + len(payload))}
	if _, err := f.writer.Write(header); err != nil {
		return loc, fmt.Errorf("storage: append: %w", err)
	}
	if _, err := f.writer.Write(payload); err != nil {
		return loc, fmt.Errorf("storage: append: %w", err)
	}
	f.offset += loc.length

	if f.config.Fsync == FsyncPerWrite {
		if err := f.flushAndSyncLocked(); err != nil {
			return loc, err
		}
	}
	return loc, nil
}

func (f *FileBackend) flushAndSyncLocked() error {
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("storage: flush: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	return nil
}

// Sync flushes buffered writes and fsyncs the log.
func (f *FileBackend) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return f.flushAndSyncLocked()
}

// Put appends a record to the log and updates the index.
func (f *FileBackend) Put(rec *Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if err := vector.Validate(rec.Vector, f.dimensions); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	payload, err := encodeRecordPayload(rec, false)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	loc, err := f.appendEntry(payload)
	if err != nil {
		return err
	}
	f.index[rec.ID] = loc
	f.cache.Remove(rec.ID)
	return nil
}

// Get reads the record for id, consulting the LRU cache first.
func (f *FileBackend) Get(id string) (*Record, error) {
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return nil, ErrClosed
	}
	if rec, ok := f.cache.Get(id); ok {
		f.mu.RUnlock()
		return rec.Clone(), nil
	}
	f.mu.RUnlock()

	// Reads go through the write path's buffer only after a flush, so
	// take the write lock, flush, and re-check the index under it.
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	loc, ok := f.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := f.writer.Flush(); err != nil {
		return nil, fmt.Errorf("storage: flush before read: %w", err)
	}
	rec, err := f.readAt(loc)
	if err != nil {
		return nil, err
	}
	f.cache.Add(id, rec.Clone())
	return rec, nil
}

// readAt decodes the framed entry at loc.
func (f *FileBackend) readAt(loc recordLocation) (*Record, error) {
	buf := make([]byte, loc.length)
	if _, err := f.file.ReadAt(buf, loc.offset); err != nil {
		return nil, fmt.Errorf("storage: read record: %w", err)
	}
	payloadLen := binary.LittleEndian.Uint32(buf)
	checksum := binary.LittleEndian.Uint64(buf[4:])
	payload := buf[12 : 12+payloadLen]
	if xxhash.Sum64(payload) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch at offset %d", ErrCorruptedLog, loc.offset)
	}
	rec, tombstone, err := decodeRecordPayload(payload)
	if err != nil {
		return nil, err
	}
	if tombstone {
		return nil, fmt.Errorf("%w: tombstone at offset %d", ErrCorruptedLog, loc.offset)
	}
	return rec, nil
}

// Delete appends a tombstone entry and drops the id from the index.
func (f *FileBackend) Delete(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, ErrClosed
	}
	if _, ok := f.index[id]; !ok {
		return false, nil
	}
	payload, err := encodeRecordPayload(&Record{ID: id}, true)
	if err != nil {
		return false, err
	}
	if _, err := f.appendEntry(payload); err != nil {
		return false, err
	}
	delete(f.index, id)
	f.cache.Remove(id)
	return true, nil
}

// Contains reports whether a live record exists for id.
func (f *FileBackend) Contains(id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.index[id]
	return ok
}

// List returns up to limit ids in lexicographic order.
func (f *FileBackend) List(limit int) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	ids := sortedIDs(f.index)
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids, nil
}

// ListPaginated returns one page of ids ordered lexicographically.
func (f *FileBackend) ListPaginated(pageSize int, cursor string) (*Page, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	return paginate(sortedIDs(f.index), pageSize, cursor)
}

// Stream returns a lazy id iterator. The caller must Close it.
func (f *FileBackend) Stream() (*IDStream, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	return newIDStream(f.ListPaginated), nil
}

// Stats reports live record count and log size on disk.
func (f *FileBackend) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Stats{
		Count:          int64(len(f.index)),
		Dimensions:     f.dimensions,
		EstimatedBytes: f.offset,
		Kind:           "file",
	}
}

// Compact rewrites the log keeping only live records, then atomically
// swaps it into place. Reclaims space held by tombstones and overwrites.
func (f *FileBackend) Compact() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("storage: flush before compact: %w", err)
	}

	tmpPath := f.config.Path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("storage: compact: %w", err)
	}
	defer os.Remove(tmpPath)

	tmpWriter := bufio.NewWriterSize(tmp, 64*1024)
	newIndex := make(map[string]recordLocation, len(f.index))
	var newOffset int64

	for _, id := range sortedIDs(f.index) {
		rec, err := f.readAt(f.index[id])
		if err != nil {
			tmp.Close()
			return err
		}
		payload, err := encodeRecordPayload(rec, false)
		if err != nil {
			tmp.Close()
			return err
		}
		header := make([]byte, 12)
		binary.LittleEndian.PutUint32(header, uint32(len(payload)))
		binary.LittleEndian.PutUint64(header[4:], xxhash.Sum64(payload))
		if _, err := tmpWriter.Write(header); err != nil {
			tmp.Close()
			return fmt.Errorf("storage: compact write: %w", err)
		}
		if _, err := tmpWriter.Write(payload); err != nil {
			tmp.Close()
			return fmt.Errorf("storage: compact write: %w", err)
		}
		entryLen := int64(len(header) + len(payload))
		newIndex[id] = recordLocation{offset: newOffset, length: entryLen}
		newOffset += entryLen
	}

	if err := tmpWriter.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: compact flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: compact fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: compact close: %w", err)
	}

	if err := f.file.Close(); err != nil {
		return fmt.Errorf("storage: compact swap: %w", err)
	}
	if err := os.Rename(tmpPath, f.config.Path); err != nil {
		return fmt.Errorf("storage: compact rename: %w", err)
	}
	if dir, err := os.Open(filepath.Dir(f.config.Path)); err == nil {
		dir.Sync()
		dir.Close()
	}

	file, err := os.OpenFile(f.config.Path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("storage: compact reopen: %w", err)
	}
	f.file = file
	f.writer = bufio.NewWriterSize(file, 64*1024)
	f.index = newIndex
	f.offset = newOffset
	f.cache.Purge()
	return nil
}

// Close flushes, syncs, and releases the backend. Close is idempotent.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.syncTicker != nil {
		f.syncTicker.Stop()
		close(f.stopSync)
	}

	var errs []error
	if err := f.writer.Flush(); err != nil {
		errs = append(errs, err)
	}
	if err := f.file.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := f.file.Close(); err != nil {
		errs = append(errs, err)
	}
	f.index = nil
	f.cache.Purge()
	return errors.Join(errs...)
}
