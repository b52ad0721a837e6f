package streamstore

import "errors"

// Sentinel errors surfaced by the core, per the error kinds enumerated for
// the Repository and its collaborators. Callers should compare against
// these with errors.Is; wrapping with fmt.Errorf("...: %w", ...) preserves
// that.
var (
	// ErrStreamNotFound is raised when no genesis commit for a stream can be
	// retrieved from memory, the local store, or the network.
	ErrStreamNotFound = errors.New("streamstore: stream not found")

	// ErrInvalidSyncOption is raised when a Load call carries a sync mode the
	// Repository does not recognize.
	ErrInvalidSyncOption = errors.New("streamstore: invalid sync option")

	// ErrCannotUnpinIndexed is raised by Unpin when the stream carries an
	// indexing model and therefore must remain pinned.
	ErrCannotUnpinIndexed = errors.New("streamstore: cannot unpin an indexed stream")

	// ErrPinStoreContractViolation is raised when a collaborator returns data
	// that violates its documented contract (e.g. RandomPinnedStreamState
	// returning more than one id).
	ErrPinStoreContractViolation = errors.New("streamstore: pin store contract violation")

	// ErrQueueClosed is raised by an ExecutionQueue (and, transitively, the
	// Repository) once Close has been called.
	ErrQueueClosed = errors.New("streamstore: queue closed")

	// ErrCommitNotInLog is raised by LoadAtCommit when the requested commit
	// cannot be found in, or resolved into, the stream's canonical history.
	ErrCommitNotInLog = errors.New("streamstore: commit not in log")

	// ErrCapabilityExpired is raised whenever a deferred capability
	// expiration check fails on the final, synced or replayed state.
	ErrCapabilityExpired = errors.New("streamstore: capability expired")
)
