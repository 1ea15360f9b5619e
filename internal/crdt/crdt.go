// Package crdt defines the boundary to the CRDT algebra. The algebra itself
// is out of scope for this system (spec treats it as an opaque
// merge/diff module); this package only declares the contract every other
// package depends on and ships one concrete implementation so the rest of
// the system has something real to run against in tests and in the
// reference deployment.
package crdt

// Doc is a mutable, mergeable replica of one document. Implementations must
// be associative, commutative, and idempotent under Merge: merging the same
// update any number of times, in any order, converges to the same state.
type Doc interface {
	// Merge folds one or more opaque updates into the document.
	Merge(updates ...[]byte) error
	// StateVector returns a compact summary of what this replica has seen.
	StateVector() []byte
	// Diff returns the minimal update a peer holding sinceStateVector would
	// need to converge with this replica.
	Diff(sinceStateVector []byte) []byte
	// Snapshot returns a durable encoding of the whole document, suitable
	// for storage.Storage.PersistDoc and for reconstruction via Merge.
	Snapshot() []byte
}

// Factory constructs an empty Doc. Gateways and workers hold one Factory,
// selected at process start, and never inspect Doc internals directly.
type Factory func() Doc
