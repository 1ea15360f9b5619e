package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Storage backed by a map: a mutex-guarded map of
// slices, with callers always handed copies so they cannot observe or
// corrupt internal state through an aliased slice.
type Memory struct {
	mu         sync.RWMutex
	refs       map[string][]memoryBlob
	quarantine map[string]string
}

type memoryBlob struct {
	key  string
	data []byte
}

// NewMemory returns an empty in-memory store, suitable for tests and single-
// process demos.
func NewMemory() *Memory {
	return &Memory{refs: make(map[string][]memoryBlob), quarantine: make(map[string]string)}
}

func docKey(room, docid string) string { return room + "\x00" + docid }

func (m *Memory) PersistDoc(_ context.Context, room, docid string, merged []byte) (Reference, error) {
	key := uuid.NewString()
	cp := make([]byte, len(merged))
	copy(cp, merged)

	m.mu.Lock()
	dk := docKey(room, docid)
	m.refs[dk] = append(m.refs[dk], memoryBlob{key: key, data: cp})
	m.mu.Unlock()

	return Reference{Room: room, Docid: docid, Key: key}, nil
}

func (m *Memory) RetrieveDoc(_ context.Context, room, docid string) (*RetrievedDoc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blobs := m.refs[docKey(room, docid)]
	if len(blobs) == 0 {
		return nil, nil
	}

	out := &RetrievedDoc{References: make([]Reference, len(blobs))}
	for i, b := range blobs {
		out.Merged = append(out.Merged, b.data...)
		out.References[i] = Reference{Room: room, Docid: docid, Key: b.key}
	}
	return out, nil
}

func (m *Memory) RetrieveStateVector(_ context.Context, _, _ string) ([]byte, error) {
	// No cheaper path than a full RetrieveDoc exists for this driver; the
	// API client falls back to diffing the merged doc against an empty
	// state vector.
	return nil, nil
}

func (m *Memory) DeleteReferences(_ context.Context, room, docid string, refs []Reference) error {
	wanted := make(map[string]bool, len(refs))
	for _, r := range refs {
		wanted[r.Key] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dk := docKey(room, docid)
	kept := m.refs[dk][:0]
	for _, b := range m.refs[dk] {
		if !wanted[b.key] {
			kept = append(kept, b)
		}
	}
	if len(kept) == 0 {
		delete(m.refs, dk)
	} else {
		m.refs[dk] = kept
	}
	return nil
}

func (m *Memory) WriteQuarantineMarker(_ context.Context, room, docid, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quarantine[docKey(room, docid)] = reason
	return nil
}

func (m *Memory) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs = make(map[string][]memoryBlob)
	m.quarantine = make(map[string]string)
	return nil
}
