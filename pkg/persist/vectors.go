package persist

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/skanga/veccy/pkg/storage"
)

// Vectors file format, version 1 (all integers little-endian):
//
//	magic      "VECC"
//	version    u32
//	elem_size  u32   4 for float32 payloads
//	per record:
//	  id_len   u16
//	  id       id_len bytes
//	  vec_len  u32   number of components
//	  vec      vec_len * elem_size bytes
//	  meta_len u32
//	  meta     meta_len bytes of JSON

var vectorsMagic = [4]byte{'V', 'E', 'C', 'C'}

const (
	vectorsVersion = 1
	elemSizeF32    = 4
)

// writeVectors streams every record of the backend into w.
func writeVectors(w io.Writer, backend storage.Backend) error {
	bw := bufio.NewWriterSize(w, 64*1024)
	if _, err := bw.Write(vectorsMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(vectorsVersion)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(elemSizeF32)); err != nil {
		return err
	}

	stream, err := backend.Stream()
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		id, ok := stream.Next()
		if !ok {
			break
		}
		rec, err := backend.Get(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue // deleted mid-stream
			}
			return err
		}
		if err := writeVectorRecord(bw, rec); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return bw.Flush()
}

func writeVectorRecord(w *bufio.Writer, rec *storage.Record) error {
	var meta []byte
	if len(rec.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("persist: metadata for %s: %w", rec.ID, err)
		}
	}
	if len(rec.ID) > math.MaxUint16 {
		return fmt.Errorf("persist: id too long: %s", rec.ID)
	}

	if err := binary.Write(w, binary.LittleEndian, uint16(len(rec.ID))); err != nil {
		return err
	}
	if _, err := w.WriteString(rec.ID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(rec.Vector))); err != nil {
		return err
	}
	for _, v := range rec.Vector {
		if err := binary.Write(w, binary.LittleEndian, math.Float32bits(v)); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(meta))); err != nil {
		return err
	}
	_, err := w.Write(meta)
	return err
}

// readVectors loads every record from r into the backend.
func readVectors(r io.Reader, backend storage.Backend) error {
	br := bufio.NewReaderSize(r, 64*1024)

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if magic != vectorsMagic {
		return fmt.Errorf("%w: bad vectors magic %q", ErrCorrupt, magic[:])
	}
	var version, elemSize uint32
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if version != vectorsVersion {
		return fmt.Errorf("%w: unsupported vectors version %d", ErrCorrupt, version)
	}
	if err := binary.Read(br, binary.LittleEndian, &elemSize); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if elemSize != elemSizeF32 {
		return fmt.Errorf("%w: unsupported element size %d", ErrCorrupt, elemSize)
	}

	for {
		rec, err := readVectorRecord(br)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := backend.Put(rec); err != nil {
			return err
		}
	}
}

func readVectorRecord(br *bufio.Reader) (*storage.Record, error) {
	var idLen uint16
	if err := binary.Read(br, binary.LittleEndian, &idLen); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	idBuf := make([]byte, idLen)
	if _, err := io.ReadFull(br, idBuf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	rec := &storage.Record{ID: string(idBuf)}

	var vecLen uint32
	if err := binary.Read(br, binary.LittleEndian, &vecLen); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	rec.Vector = make([]float32, vecLen)
	for i := range rec.Vector {
		var bits uint32
		if err := binary.Read(br, binary.LittleEndian, &bits); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		rec.Vector[i] = math.Float32frombits(bits)
	}

	var metaLen uint32
	if err := binary.Read(br, binary.LittleEndian, &metaLen); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if metaLen > 0 {
		metaBuf := make([]byte, metaLen)
		if _, err := io.ReadFull(br, metaBuf); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if err := json.Unmarshal(metaBuf, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrCorrupt, err)
		}
	}
	return rec, nil
}
