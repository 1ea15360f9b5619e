// Package storage declares the durable-snapshot contract every gateway and
// worker depends on, plus reference drivers. Production drivers (S3, Azure
// Blob, Postgres large objects, ...) implement the same interface out of
// tree; this package ships the drivers suitable for a self-hosted or
// single-node deployment and for tests.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is available to drivers for an operation that names a
// reference that no longer exists. The drivers in this package do not
// return it: their DeleteReferences skips a missing reference as already
// deleted.
var ErrNotFound = errors.New("storage: reference not found")

// Reference is an opaque handle a driver returns from PersistDoc and
// consumes in DeleteReferences. Room may have several live references
// during a worker handoff; only the driver understands the Key's format.
type Reference struct {
	Room  string
	Docid string
	Key   string
}

// RetrievedDoc is the result of RetrieveDoc: the CRDT-merge of every live
// snapshot for (room, docid), plus the list of references that contributed
// to it so a caller can request their deletion once superseded.
type RetrievedDoc struct {
	Merged     []byte
	References []Reference
}

// Storage is the durable-snapshot capability contract. All operations are
// idempotent on the (room, docid) key space.
type Storage interface {
	// PersistDoc writes a new snapshot blob and returns its reference. It
	// MUST be durable before returning.
	PersistDoc(ctx context.Context, room, docid string, merged []byte) (Reference, error)
	// RetrieveDoc reads every live snapshot for (room, docid) and merges
	// them. It returns (nil, nil) when none exist.
	RetrieveDoc(ctx context.Context, room, docid string) (*RetrievedDoc, error)
	// RetrieveStateVector returns a state vector for (room, docid), or nil
	// if none can be produced more cheaply than a full RetrieveDoc.
	RetrieveStateVector(ctx context.Context, room, docid string) ([]byte, error)
	// DeleteReferences removes the given references. Best-effort: callers
	// log and retry on the next compaction pass rather than fail hard.
	DeleteReferences(ctx context.Context, room, docid string, refs []Reference) error
	// WriteQuarantineMarker records that (room, docid) failed a data
	// invariant check (a present-but-undecodable snapshot) and must not be
	// compacted further until a human clears it. Idempotent: writing a
	// second marker for the same key only needs to preserve that one
	// exists, not accumulate history.
	WriteQuarantineMarker(ctx context.Context, room, docid, reason string) error
	// Destroy releases driver resources (connections, file handles, ...).
	Destroy() error
}
