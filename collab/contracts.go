// Package collab declares the interfaces the core consumes from its
// external collaborators: the network dispatcher, the per-type commit
// handlers, the anchor service, conflict resolution, the pin/anchor-request
// stores, the indexing API, and the raw key-value store those stores sit
// on. None of these are implemented here — the core only depends on the
// contracts; see streamstore/fakes for in-memory reference implementations
// used by tests and the demo daemon.
package collab

import (
	"context"
	"time"

	"github.com/streamstore/streamstore"
)

// Dispatcher fetches commits and tips from, and publishes tips to, the
// network. Network unavailability is reported as (nil, nil) rather than an
// error, matching the spec's "unavailable maps to null, not error".
type Dispatcher interface {
	FetchCommit(ctx context.Context, cid streamstore.CommitID) (*streamstore.Commit, error)
	FetchTip(ctx context.Context, id streamstore.StreamID) (*streamstore.CommitID, error)
	PublishTip(ctx context.Context, id streamstore.StreamID, cid streamstore.CommitID) error
}

// CommitData is what a Handler receives to compute a state transition.
type CommitData struct {
	CID      streamstore.CommitID
	Payload  []byte
	Envelope []byte
	// DisableTimecheck defers capability-expiration checking; see spec §4.4.
	DisableTimecheck bool
}

// Handler is a pure, per-stream-type function from (commit data, previous
// state) to next state. It must perform no I/O beyond what ctx offers.
type Handler interface {
	ApplyCommit(ctx context.Context, data CommitData, previous *streamstore.StreamState) (streamstore.StreamState, error)
}

// AnchorStatusUpdate is one step of an anchor request's progress.
type AnchorStatusUpdate struct {
	Status streamstore.AnchorStatus
	CID    streamstore.CommitID
	Err    error
}

// AnchorService requests and confirms anchors for a stream's tip. Updates
// are delivered on the returned channel, which the service closes when the
// request reaches a terminal status (ANCHORED or FAILED) or ctx is done.
type AnchorService interface {
	RequestAnchor(ctx context.Context, state streamstore.StreamState) (<-chan AnchorStatusUpdate, error)
	Confirm(ctx context.Context, state streamstore.StreamState, cid streamstore.CommitID) (<-chan AnchorStatusUpdate, error)
	SupportedChains() []string
}

// ConflictResolution picks a canonical state between two competing
// candidates for the same stream. It must be deterministic and total: two
// calls with the same pair (in either order, with current/candidate
// swapped accordingly) choose the same winner.
type ConflictResolution interface {
	Resolve(ctx context.Context, current, candidate streamstore.StreamState) (streamstore.StreamState, error)
}

// KVStore is the byte-granular key-value store PinStore and
// AnchorRequestStore are built on. Durability and atomicity are the
// implementation's concern; the core only ever calls through the narrower
// PinStore/AnchorRequestStore/StateStore contracts above it.
type KVStore interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key, value []byte) error
	Del(ctx context.Context, key []byte) error
	Iterate(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error
}

// StateStore is the durable key-value projection of pinned stream state.
type StateStore interface {
	Load(ctx context.Context, id streamstore.StreamID) (*streamstore.StreamState, error)
	Save(ctx context.Context, state streamstore.StreamState) error
	ListStoredStreamIDs(ctx context.Context, cursor string, limit int) ([]string, error)
}

// PinStore tracks which streams are pinned, backed by a StateStore for the
// actual state bytes.
type PinStore interface {
	Open(ctx context.Context, kv KVStore) error
	Add(ctx context.Context, state streamstore.StreamState, force bool) error
	Remove(ctx context.Context, state streamstore.StreamState) error
	List(ctx context.Context, id *streamstore.StreamID) ([]string, error)
	Close(ctx context.Context) error
	StateStore() StateStore
}

// AnchorRequestRecord is a persisted, outstanding anchor request.
type AnchorRequestRecord struct {
	StreamID  streamstore.StreamID
	CommitCID streamstore.CommitID
	CreatedAt time.Time
}

// AnchorRequestStore persists outstanding anchor requests so that they
// survive process restarts.
type AnchorRequestStore interface {
	Open(ctx context.Context, kv KVStore) error
	Load(ctx context.Context, id streamstore.StreamID) (*AnchorRequestRecord, error)
	Save(ctx context.Context, id streamstore.StreamID, record AnchorRequestRecord) error
	Delete(ctx context.Context, id streamstore.StreamID) error
}

// IndexingAPI decides whether a stream should be indexed and, if so,
// records it.
type IndexingAPI interface {
	Init(ctx context.Context) error
	Close(ctx context.Context) error
	ShouldIndexStream(model string) bool
	IndexStream(ctx context.Context, state streamstore.StreamState) error
}
