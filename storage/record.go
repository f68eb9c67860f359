package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
)

// Record is one entry in a shard's append-only log: an offset assigned by
// the storage engine, a small metadata envelope, and the payload bytes.
type Record struct {
	Offset    uint64
	Shard     string
	Key       string
	Tags      []string
	Timestamp int64
	Payload   []byte
	CRC32     uint32
}

// metaWire is the JSON-encoded form of everything but Offset/Payload/CRC32,
// which are framed separately in the segment's binary layout. JSON is used
// here (rather than a binary struct codec) because the metadata is small,
// rarely on a hot read path by itself, and self-describing across schema
// additions; the wire protocol itself (packet/) stays on the exact binary
// layout the MQTT spec mandates.
type metaWire struct {
	Shard     string   `json:"shard"`
	Key       string   `json:"key,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// encode serialises r into the on-disk segment layout:
//
//	offset(u64 BE) | total_len(u32 BE) | meta_len(u32 BE) | meta | data_len(u32 BE) | data
func (r Record) encode() ([]byte, error) {
	meta, err := json.Marshal(metaWire{Shard: r.Shard, Key: r.Key, Tags: r.Tags, Timestamp: r.Timestamp})
	if err != nil {
		return nil, err
	}
	crc := crc32.ChecksumIEEE(r.Payload)
	totalLen := uint32(len(meta)) + uint32(len(r.Payload))

	buf := make([]byte, 0, 20+totalLen)
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:8], r.Offset)
	buf = append(buf, scratch[:8]...)
	binary.BigEndian.PutUint32(scratch[:4], totalLen)
	buf = append(buf, scratch[:4]...)
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(meta)))
	buf = append(buf, scratch[:4]...)
	buf = append(buf, meta...)
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(r.Payload)))
	buf = append(buf, scratch[:4]...)
	buf = append(buf, r.Payload...)
	r.CRC32 = crc
	return buf, nil
}

// headerSize is the fixed portion of the on-disk layout that precedes the
// metadata bytes: offset(8) + total_len(4) + meta_len(4).
const headerSize = 16

// decodeAt decodes one record from b starting at offset 0, returning the
// record and the number of bytes consumed. b must contain at least one
// full record.
func decodeAt(b []byte) (Record, int, error) {
	if len(b) < headerSize+4 {
		return Record{}, 0, fmt.Errorf("storage: short record header: have %d bytes", len(b))
	}
	offset := binary.BigEndian.Uint64(b[0:8])
	totalLen := binary.BigEndian.Uint32(b[8:12])
	metaLen := binary.BigEndian.Uint32(b[12:16])
	pos := 16
	if uint32(len(b)-pos) < metaLen {
		return Record{}, 0, fmt.Errorf("storage: truncated metadata")
	}
	meta := b[pos : pos+int(metaLen)]
	pos += int(metaLen)
	if len(b)-pos < 4 {
		return Record{}, 0, fmt.Errorf("storage: truncated data length")
	}
	dataLen := binary.BigEndian.Uint32(b[pos : pos+4])
	pos += 4
	if uint32(len(b)-pos) < dataLen {
		return Record{}, 0, fmt.Errorf("storage: truncated payload")
	}
	payload := bytes.Clone(b[pos : pos+int(dataLen)])
	pos += int(dataLen)

	if metaLen+dataLen != totalLen {
		return Record{}, 0, fmt.Errorf("storage: total_len mismatch: meta=%d data=%d total=%d", metaLen, dataLen, totalLen)
	}

	var mw metaWire
	if err := json.Unmarshal(meta, &mw); err != nil {
		return Record{}, 0, fmt.Errorf("storage: decode metadata: %w", err)
	}
	rec := Record{
		Offset:    offset,
		Shard:     mw.Shard,
		Key:       mw.Key,
		Tags:      mw.Tags,
		Timestamp: mw.Timestamp,
		Payload:   payload,
		CRC32:     crc32.ChecksumIEEE(payload),
	}
	return rec, pos, nil
}

// recordSize reports the on-disk size of r once encoded, used by callers
// computing offset->byte-position maps without a full re-encode.
func recordSize(meta, payload []byte) int {
	return headerSize + len(meta) + 4 + len(payload)
}

// IndexInfo is the value stored for key/tag/timestamp index entries: a
// pointer back to the record's shard and offset plus the time the index
// entry itself was written.
type IndexInfo struct {
	Shard   string `json:"shard"`
	Offset  uint64 `json:"offset"`
	Written int64  `json:"written"`
}

func (i IndexInfo) encode() ([]byte, error) { return json.Marshal(i) }

func decodeIndexInfo(b []byte) (IndexInfo, error) {
	var i IndexInfo
	err := json.Unmarshal(b, &i)
	return i, err
}

// PadOffset zero-pads offset to 20 decimal digits so lexical key order
// matches numeric order, per the storage key layout.
func PadOffset(offset uint64) string {
	return fmt.Sprintf("%020d", offset)
}

// PadTimestamp zero-pads a (non-negative) timestamp the same way.
func PadTimestamp(ts int64) string {
	if ts < 0 {
		ts = 0
	}
	return fmt.Sprintf("%020d", ts)
}
