package index

import (
	"fmt"
	"io"
)

// Flat index file format, version 1: just a magic marker. The flat index
// has no structure of its own; everything it needs is rebuilt from the
// snapshot's vectors file on restore.
var flatMagic = [4]byte{'F', 'L', 'T', '1'}

// WriteSnapshot writes the flat index marker.
func (f *Flat) WriteSnapshot(w io.Writer) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrClosed
	}
	_, err := w.Write(flatMagic[:])
	return err
}

// ReadSnapshot verifies the marker and, when a quantizer is attached,
// re-encodes every stored vector so the code table matches storage.
func (f *Flat) ReadSnapshot(r io.Reader) error {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if magic != flatMagic {
		return fmt.Errorf("%w: bad magic %q", ErrSnapshotCorrupt, magic[:])
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.quant == nil {
		return nil
	}

	f.codes = make(map[string][]byte)
	stream, err := f.backend.Stream()
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		id, ok := stream.Next()
		if !ok {
			break
		}
		rec, err := f.backend.Get(id)
		if err != nil {
			return err
		}
		code, err := f.quant.Encode(rec.Vector)
		if err != nil {
			return fmt.Errorf("index: re-encode %s: %w", id, err)
		}
		f.codes[id] = code
	}
	return stream.Err()
}

var _ Snapshotter = (*Flat)(nil)
