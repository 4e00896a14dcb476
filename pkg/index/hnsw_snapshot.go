package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

// HNSW index file format, version 1 (all integers little-endian):
//
//	magic            "HNS1"
//	node_count       u64
//	entry_point      u16 length + bytes (empty when the graph is empty)
//	per node:
//	  id             u16 length + bytes
//	  level          u8
//	  per level 0..level:
//	    neighbor_count u32
//	    neighbor ids   u16 length + bytes each
//	tombstone_count  u64
//	tombstone ids    u16 length + bytes each

var hnswMagic = [4]byte{'H', 'N', 'S', '1'}

// ErrSnapshotCorrupt reports a malformed index file.
var ErrSnapshotCorrupt = errors.New("index: corrupt snapshot")

const maxSnapshotID = 1 << 16

func writeSnapshotString(w io.Writer, s string) error {
	if len(s) >= maxSnapshotID {
		return fmt.Errorf("%w: id too long", ErrSnapshotCorrupt)
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readSnapshotString(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteSnapshot serializes the graph structure. Vectors are not included;
// they live in the snapshot's vectors file, owned by storage.
func (h *HNSW) WriteSnapshot(w io.Writer) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}

	bw := bufio.NewWriterSize(w, 64*1024)
	if _, err := bw.Write(hnswMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(h.nodes))); err != nil {
		return err
	}
	if err := writeSnapshotString(bw, h.entryPoint); err != nil {
		return err
	}

	// Sorted id order keeps snapshots byte-stable for identical graphs.
	ids := sortedNodeIDs(h.nodes)
	for _, id := range ids {
		node := h.nodes[id]
		if err := writeSnapshotString(bw, id); err != nil {
			return err
		}
		if node.level > 255 {
			return fmt.Errorf("%w: level %d", ErrSnapshotCorrupt, node.level)
		}
		if err := bw.WriteByte(byte(node.level)); err != nil {
			return err
		}
		for l := 0; l <= node.level; l++ {
			if err := binary.Write(bw, binary.LittleEndian, uint32(len(node.neighbors[l]))); err != nil {
				return err
			}
			for _, nid := range node.neighbors[l] {
				if err := writeSnapshotString(bw, nid); err != nil {
					return err
				}
			}
		}
	}

	if err := binary.Write(bw, binary.LittleEndian, uint64(len(h.deleted))); err != nil {
		return err
	}
	tombstones := make([]string, 0, len(h.deleted))
	for id := range h.deleted {
		tombstones = append(tombstones, id)
	}
	sort.Strings(tombstones)
	for _, id := range tombstones {
		if err := writeSnapshotString(bw, id); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadSnapshot restores the graph structure and rehydrates node vectors
// from the storage backend, which must already hold the snapshot's
// records. Tombstoned nodes have no stored vector left, so they are
// physically unlinked instead of re-tombstoned; the recorded tombstone
// set is consumed purely for that purpose.
func (h *HNSW) ReadSnapshot(r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if magic != hnswMagic {
		return fmt.Errorf("%w: bad magic %q", ErrSnapshotCorrupt, magic[:])
	}

	var nodeCount uint64
	if err := binary.Read(br, binary.LittleEndian, &nodeCount); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	entryPoint, err := readSnapshotString(br)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}

	nodes := make(map[string]*hnswNode, nodeCount)
	maxLevel := 0
	for i := uint64(0); i < nodeCount; i++ {
		id, err := readSnapshotString(br)
		if err != nil {
			return fmt.Errorf("%w: node %d: %v", ErrSnapshotCorrupt, i, err)
		}
		levelByte, err := br.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: node %d: %v", ErrSnapshotCorrupt, i, err)
		}
		level := int(levelByte)
		node := &hnswNode{id: id, level: level, neighbors: make([][]string, level+1)}
		for l := 0; l <= level; l++ {
			var count uint32
			if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
				return fmt.Errorf("%w: node %s level %d: %v", ErrSnapshotCorrupt, id, l, err)
			}
			node.neighbors[l] = make([]string, 0, count)
			for j := uint32(0); j < count; j++ {
				nid, err := readSnapshotString(br)
				if err != nil {
					return fmt.Errorf("%w: node %s level %d: %v", ErrSnapshotCorrupt, id, l, err)
				}
				node.neighbors[l] = append(node.neighbors[l], nid)
			}
		}
		nodes[id] = node
		if level > maxLevel {
			maxLevel = level
		}
	}

	var tombstoneCount uint64
	if err := binary.Read(br, binary.LittleEndian, &tombstoneCount); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	tombstoned := make(map[string]struct{}, tombstoneCount)
	for i := uint64(0); i < tombstoneCount; i++ {
		id, err := readSnapshotString(br)
		if err != nil {
			return fmt.Errorf("%w: tombstone %d: %v", ErrSnapshotCorrupt, i, err)
		}
		tombstoned[id] = struct{}{}
	}

	// Every neighbor reference must resolve before the graph is adopted.
	for id, node := range nodes {
		for l := range node.neighbors {
			for _, nid := range node.neighbors[l] {
				if _, ok := nodes[nid]; !ok {
					return fmt.Errorf("%w: node %s references unknown id %s", ErrSnapshotCorrupt, id, nid)
				}
			}
		}
	}
	if entryPoint != "" {
		if _, ok := nodes[entryPoint]; !ok {
			return fmt.Errorf("%w: unknown entry point %s", ErrSnapshotCorrupt, entryPoint)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	// Rehydrate vectors from storage.
	for id, node := range nodes {
		if _, dead := tombstoned[id]; dead {
			continue
		}
		rec, err := h.backend.Get(id)
		if err != nil {
			return fmt.Errorf("%w: vector for %s: %v", ErrSnapshotCorrupt, id, err)
		}
		node.vec = rec.Vector
		if h.quant != nil {
			code, err := h.quant.Encode(rec.Vector)
			if err != nil {
				return fmt.Errorf("index: re-encode %s: %w", id, err)
			}
			node.code = code
		}
	}

	h.nodes = nodes
	h.deleted = make(map[string]struct{})
	h.entryPoint = entryPoint
	h.maxLevel = maxLevel

	// Tombstoned nodes carry no vector; unlink them instead of keeping
	// unscorable graph mass.
	for id := range tombstoned {
		h.unlinkLocked(id)
	}
	if h.entryPoint != "" {
		if ep, ok := h.nodes[h.entryPoint]; ok {
			h.maxLevel = ep.level
		}
	}
	return nil
}

func sortedNodeIDs(nodes map[string]*hnswNode) []string {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var _ Snapshotter = (*HNSW)(nil)
