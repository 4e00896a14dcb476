package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Binary record payload layout (all integers little-endian):
//
//	flags     u8   bit 0 = tombstone
//	id_len    u16
//	id        id_len bytes
//	vec_len   u32   number of float32 components
//	vec       vec_len * 4 bytes
//	meta_len  u32
//	meta      meta_len bytes of JSON
//
// Shared by the file-backed log and the badger backend so both speak the
// same on-disk dialect.

const recFlagTombstone = 0x01

func encodeRecordPayload(rec *Record, tombstone bool) ([]byte, error) {
	var meta []byte
	if !tombstone && len(rec.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidRecord, err)
		}
	}
	if len(rec.ID) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: id too long", ErrInvalidRecord)
	}

	size := 1 + 2 + len(rec.ID) + 4 + len(rec.Vector)*4 + 4 + len(meta)
	buf := make([]byte, 0, size)

	var flags byte
	if tombstone {
		flags |= recFlagTombstone
	}
	buf = append(buf, flags)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(rec.ID)))
	buf = append(buf, rec.ID...)
	if tombstone {
		buf = binary.LittleEndian.AppendUint32(buf, 0)
		buf = binary.LittleEndian.AppendUint32(buf, 0)
		return buf, nil
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Vector)))
	for _, v := range rec.Vector {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(meta)))
	buf = append(buf, meta...)
	return buf, nil
}

func decodeRecordPayload(payload []byte) (rec *Record, tombstone bool, err error) {
	if len(payload) < 7 {
		return nil, false, fmt.Errorf("%w: short payload", ErrCorruptedLog)
	}
	flags := payload[0]
	tombstone = flags&recFlagTombstone != 0
	pos := 1

	idLen := int(binary.LittleEndian.Uint16(payload[pos:]))
	pos += 2
	if pos+idLen > len(payload) {
		return nil, false, fmt.Errorf("%w: truncated id", ErrCorruptedLog)
	}
	rec = &Record{ID: string(payload[pos : pos+idLen])}
	pos += idLen

	if pos+4 > len(payload) {
		return nil, false, fmt.Errorf("%w: truncated vector length", ErrCorruptedLog)
	}
	vecLen := int(binary.LittleEndian.Uint32(payload[pos:]))
	pos += 4
	if pos+vecLen*4 > len(payload) {
		return nil, false, fmt.Errorf("%w: truncated vector", ErrCorruptedLog)
	}
	if vecLen > 0 {
		rec.Vector = make([]float32, vecLen)
		for i := 0; i < vecLen; i++ {
			rec.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[pos:]))
			pos += 4
		}
	}

	if pos+4 > len(payload) {
		return nil, false, fmt.Errorf("%w: truncated metadata length", ErrCorruptedLog)
	}
	metaLen := int(binary.LittleEndian.Uint32(payload[pos:]))
	pos += 4
	if pos+metaLen > len(payload) {
		return nil, false, fmt.Errorf("%w: truncated metadata", ErrCorruptedLog)
	}
	if metaLen > 0 {
		if err := json.Unmarshal(payload[pos:pos+metaLen], &rec.Metadata); err != nil {
			return nil, false, fmt.Errorf("%w: metadata: %v", ErrCorruptedLog, err)
		}
	}
	return rec, tombstone, nil
}
