package crdt

import (
	"encoding/binary"
	"errors"
)

// ErrCorruptSnapshot is returned by ValidateSnapshot when data cannot be
// parsed as a sequence of length-prefixed update blobs: a truncated length
// header, or a length header claiming more bytes than remain.
var ErrCorruptSnapshot = errors.New("crdt: corrupt snapshot")

// LogDoc is the reference Doc used by tests and by the in-tree reference
// deployment when no production CRDT library is wired in. It represents the
// document as the ordered list of updates applied to it, length-prefixed the
// same way the original system's compaction step packed multiple updates
// into one merged snapshot blob. Merge is append-only: re-merging an
// already-applied update appends it again, so Snapshot and StateVector grow
// and LogDoc is not idempotent under Merge in the strict sense Doc
// describes. Merge also stores a Snapshot() blob as one nested entry rather
// than splitting it back into its updates; NewLogDoc(seed) is what splits a
// snapshot.
type LogDoc struct {
	updates [][]byte
}

// NewLogDoc returns an empty LogDoc, optionally seeded from a previously
// persisted Snapshot().
func NewLogDoc(seed []byte) *LogDoc {
	d := &LogDoc{}
	if len(seed) > 0 {
		d.updates = splitLengthPrefixed(seed)
	}
	return d
}

// NewLogDocFactory adapts NewLogDoc to the Factory signature.
func NewLogDocFactory() Factory {
	return func() Doc { return NewLogDoc(nil) }
}

func (d *LogDoc) Merge(updates ...[]byte) error {
	for _, u := range updates {
		if len(u) == 0 {
			continue
		}
		cp := make([]byte, len(u))
		copy(cp, u)
		d.updates = append(d.updates, cp)
	}
	return nil
}

// StateVector encodes the number of updates this replica has observed. It is
// intentionally minimal: the reference implementation does not need to
// express per-origin clocks to satisfy this system's contract.
func (d *LogDoc) StateVector() []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, uint64(len(d.updates)))
	return buf[:n]
}

// Diff returns every update beyond the count encoded in sinceStateVector.
func (d *LogDoc) Diff(sinceStateVector []byte) []byte {
	seen, _ := binary.Uvarint(sinceStateVector)
	if seen >= uint64(len(d.updates)) {
		return nil
	}
	return joinLengthPrefixed(d.updates[seen:])
}

func (d *LogDoc) Snapshot() []byte {
	return joinLengthPrefixed(d.updates)
}

func joinLengthPrefixed(updates [][]byte) []byte {
	size := 0
	for _, u := range updates {
		size += 4 + len(u)
	}
	out := make([]byte, 0, size)
	for _, u := range updates {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(u)))
		out = append(out, lenBuf[:]...)
		out = append(out, u...)
	}
	return out
}

func splitLengthPrefixed(merged []byte) [][]byte {
	updates, _ := splitLengthPrefixedStrict(merged)
	return updates
}

// splitLengthPrefixedStrict parses the same framing as splitLengthPrefixed
// but, rather than silently stopping at the first malformed header, reports
// whether it consumed the entire buffer cleanly.
func splitLengthPrefixedStrict(merged []byte) ([][]byte, bool) {
	var updates [][]byte
	offset := 0
	for offset < len(merged) {
		if offset+4 > len(merged) {
			return updates, false
		}
		length := binary.BigEndian.Uint32(merged[offset : offset+4])
		offset += 4
		if offset+int(length) > len(merged) {
			return updates, false
		}
		u := make([]byte, length)
		copy(u, merged[offset:offset+int(length)])
		updates = append(updates, u)
		offset += int(length)
	}
	return updates, true
}

// ValidateSnapshot reports whether data parses cleanly as a sequence of
// length-prefixed update blobs, the framing LogDoc's Snapshot produces. A
// non-empty snapshot blob that is present but undecodable (truncated length
// header, or a length header overrunning the buffer) indicates the object
// storage layer returned a corrupt or foreign-format snapshot; callers use
// this to distinguish that case from an ordinary merge failure.
func ValidateSnapshot(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, ok := splitLengthPrefixedStrict(data); !ok {
		return ErrCorruptSnapshot
	}
	return nil
}
