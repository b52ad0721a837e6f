package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamstore/streamstore"
	"github.com/streamstore/streamstore/collab"
	"github.com/streamstore/streamstore/fakes"
)

const streamType = "demo"

func genesisHash(tag byte) [32]byte {
	var h [32]byte
	h[0] = tag
	return h
}

func genesisID(tag byte) streamstore.StreamID {
	return streamstore.StreamID{Type: streamType, Hash: genesisHash(tag)}
}

func genesisCommit(tag byte) streamstore.Commit {
	id := genesisID(tag)
	return streamstore.Commit{
		CID:  streamstore.CommitID{Stream: id, Hash: id.Hash},
		Type: streamstore.CommitGenesis,
	}
}

type harness struct {
	repo           *Repository
	dispatcher     *fakes.Dispatcher
	pinStore       *fakes.PinStore
	indexing       *fakes.IndexingAPI
	anchors        collab.AnchorService
	anchorRequests *fakes.AnchorRequestStore
	kv             *fakes.KVStore
}

func newHarnessWithDeps(t *testing.T, cacheLimit int, anchors collab.AnchorService, indexedModels ...string) *harness {
	t.Helper()
	repo := New(Config{CacheLimit: cacheLimit, QueueConcurrency: 8, DefaultTimeout: time.Second})
	dispatcher := fakes.NewDispatcher()
	stateStore := fakes.NewStateStore()
	pinStore := fakes.NewPinStore(stateStore)
	indexing := fakes.NewIndexingAPI(indexedModels...)
	anchorRequests := fakes.NewAnchorRequestStore()
	kv := fakes.NewKVStore()

	err := repo.SetDeps(context.Background(), Deps{
		Handlers:       map[string]collab.Handler{streamType: fakes.Handler{}},
		Dispatcher:     dispatcher,
		Conflict:       fakes.ConflictResolution{},
		Anchors:        anchors,
		KV:             kv,
		PinStore:       pinStore,
		AnchorRequests: anchorRequests,
		Indexing:       indexing,
	})
	require.NoError(t, err)

	return &harness{
		repo:           repo,
		dispatcher:     dispatcher,
		pinStore:       pinStore,
		indexing:       indexing,
		anchors:        anchors,
		anchorRequests: anchorRequests,
		kv:             kv,
	}
}

func newHarness(t *testing.T, cacheLimit int, indexedModels ...string) *harness {
	t.Helper()
	return newHarnessWithDeps(t, cacheLimit, fakes.AnchorService{}, indexedModels...)
}

func (h *harness) seedGenesis(tag byte) streamstore.StreamID {
	h.dispatcher.Seed(genesisCommit(tag))
	return genesisID(tag)
}

func TestApplyCreateOptsDefaultsToPinned(t *testing.T) {
	h := newHarness(t, 8)
	id := h.seedGenesis(1)

	rs, err := h.repo.ApplyCreateOpts(context.Background(), id, WriteOpts{})
	require.NoError(t, err)
	assert.True(t, rs.IsPinned())
}

func TestApplyCreateOptsWithExplicitPinFalseDoesNotPin(t *testing.T) {
	h := newHarness(t, 8)
	id := h.seedGenesis(1)
	no := false

	rs, err := h.repo.ApplyCreateOpts(context.Background(), id, WriteOpts{Pin: &no})
	require.NoError(t, err)
	assert.False(t, rs.IsPinned())
}

func TestApplyCommitOnPinnedStreamIgnoresPinFalse(t *testing.T) {
	h := newHarness(t, 8)
	id := h.seedGenesis(1)

	_, err := h.repo.ApplyCreateOpts(context.Background(), id, WriteOpts{})
	require.NoError(t, err)

	no := false
	commit := streamstore.Commit{CID: streamstore.CommitID{Stream: id, Hash: genesisHash(2)}, Type: streamstore.CommitSigned}
	rs, err := h.repo.ApplyCommit(context.Background(), id, commit, WriteOpts{Pin: &no})
	require.NoError(t, err)
	assert.True(t, rs.IsPinned(), "pin state must not change on a non-create operation")
}

// modeledHandler tags every applied state with a fixed model, to exercise
// the indexed-implies-pinned pin policy branch.
type modeledHandler struct {
	model string
}

func (m modeledHandler) ApplyCommit(ctx context.Context, data collab.CommitData, previous *streamstore.StreamState) (streamstore.StreamState, error) {
	next, err := (fakes.Handler{}).ApplyCommit(ctx, data, previous)
	if err != nil {
		return next, err
	}
	next.Metadata.Model = m.model
	return next, nil
}

func TestIndexedStreamIsPinnedRegardlessOfOptsPin(t *testing.T) {
	h := newHarness(t, 8, "indexed-model")
	h.repo.deps.Handlers[streamType] = modeledHandler{model: "indexed-model"}
	id := h.seedGenesis(1)

	no := false
	rs, err := h.repo.ApplyCreateOpts(context.Background(), id, WriteOpts{Pin: &no})
	require.NoError(t, err)

	assert.True(t, rs.IsPinned(), "indexed stream must be pinned regardless of opts.Pin")
}

func TestUnpinForbidsIndexedStream(t *testing.T) {
	h := newHarness(t, 8)
	id := h.seedGenesis(1)

	rs, err := h.repo.ApplyCreateOpts(context.Background(), id, WriteOpts{})
	require.NoError(t, err)

	current := rs.Current()
	current.Metadata.Model = "some-model"
	rs.Next(streamstore.StreamState{
		Type:     current.Type,
		Log:      append(current.Log, streamstore.LogEntry{CID: streamstore.CommitID{Stream: id, Hash: genesisHash(3)}}),
		Metadata: current.Metadata,
		Tip:      streamstore.CommitID{Stream: id, Hash: genesisHash(3)},
	})

	err = h.repo.Unpin(context.Background(), rs, false)
	assert.ErrorIs(t, err, streamstore.ErrCannotUnpinIndexed)
}

func TestUnpinNonIndexedRemovesFromPinStoreAndPublishes(t *testing.T) {
	h := newHarness(t, 8)
	id := h.seedGenesis(1)

	rs, err := h.repo.ApplyCreateOpts(context.Background(), id, WriteOpts{})
	require.NoError(t, err)

	h.dispatcher.SetTip(id, streamstore.CommitID{Stream: id, Hash: genesisHash(9)})

	err = h.repo.Unpin(context.Background(), rs, true)
	require.NoError(t, err)
	assert.False(t, rs.IsPinned())

	pinned, err := h.pinStore.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, pinned)

	tip, err := h.dispatcher.FetchTip(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, tip)
	assert.Equal(t, rs.Current().Tip, *tip, "unpin with publish must publish the current tip")
}

func TestLoadReturnsSingleRunningStateAcrossSubscribers(t *testing.T) {
	h := newHarness(t, 8)
	id := h.seedGenesis(1)

	rs1, err := h.repo.Load(context.Background(), id, LoadOpts{Sync: SyncNever})
	require.NoError(t, err)
	rs2, err := h.repo.Load(context.Background(), id, LoadOpts{Sync: SyncNever})
	require.NoError(t, err)

	assert.Same(t, rs1, rs2)
}

func TestEvictedPinnedStreamRehydratesFromPinStore(t *testing.T) {
	h := newHarness(t, 1)
	idA := h.seedGenesis(1)
	idB := h.seedGenesis(2)

	_, err := h.repo.ApplyCreateOpts(context.Background(), idA, WriteOpts{})
	require.NoError(t, err)

	_, err = h.repo.ApplyCreateOpts(context.Background(), idB, WriteOpts{})
	require.NoError(t, err)

	rsA, err := h.repo.Load(context.Background(), idA, LoadOpts{Sync: SyncNever})
	require.NoError(t, err)
	assert.Equal(t, 1, len(rsA.Current().Log))
}

func TestCloseIsIdempotentAndRejectsSubsequentOps(t *testing.T) {
	h := newHarness(t, 8)
	id := h.seedGenesis(1)

	require.NoError(t, h.repo.Close(context.Background()))
	require.NoError(t, h.repo.Close(context.Background()))

	_, err := h.repo.Load(context.Background(), id, LoadOpts{Sync: SyncNever})
	assert.ErrorIs(t, err, streamstore.ErrQueueClosed)
}

func TestInvalidSyncOptionIsRejected(t *testing.T) {
	h := newHarness(t, 8)
	id := h.seedGenesis(1)

	_, err := h.repo.Load(context.Background(), id, LoadOpts{Sync: "BOGUS"})
	assert.ErrorIs(t, err, streamstore.ErrInvalidSyncOption)
}

func TestUpdatesEnduresAcrossCachePressure(t *testing.T) {
	h := newHarness(t, 1)
	idA := h.seedGenesis(1)

	rsA, err := h.repo.Load(context.Background(), idA, LoadOpts{Sync: SyncNever})
	require.NoError(t, err)

	events, unsubscribe, err := h.repo.Updates(context.Background(), rsA.Current())
	require.NoError(t, err)
	<-events
	defer unsubscribe()

	for i := byte(2); i < 6; i++ {
		id := h.seedGenesis(i)
		_, err := h.repo.ApplyCreateOpts(context.Background(), id, WriteOpts{})
		require.NoError(t, err)
	}

	got, ok := h.repo.StreamState(idA)
	require.True(t, ok, "endured stream must survive cache pressure from other streams")
	assert.Equal(t, rsA.Current().Tip, got.Tip)
}

func TestSyncAlwaysSyncsEvenWhenAlreadyCached(t *testing.T) {
	h := newHarness(t, 8)
	id := h.seedGenesis(1)

	rs, err := h.repo.Load(context.Background(), id, LoadOpts{Sync: SyncNever})
	require.NoError(t, err)
	require.Equal(t, 1, len(rs.Current().Log))

	next := streamstore.CommitID{Stream: id, Hash: genesisHash(2)}
	h.dispatcher.Seed(streamstore.Commit{CID: next, Type: streamstore.CommitSigned})
	h.dispatcher.SetTip(id, next)

	cached, err := h.repo.Load(context.Background(), id, LoadOpts{Sync: SyncPreferCache})
	require.NoError(t, err)
	assert.Equal(t, 1, len(cached.Current().Log), "PREFER_CACHE must not sync a stream already resident in memory")

	synced, err := h.repo.Load(context.Background(), id, LoadOpts{Sync: SyncAlways})
	require.NoError(t, err)
	assert.Same(t, rs, synced, "SYNC_ALWAYS must update the existing RunningState in place")
	assert.Equal(t, 2, len(synced.Current().Log), "SYNC_ALWAYS must sync against the network even though the stream was already cached")
	assert.Equal(t, next, synced.Current().Tip)
}

// expiringHandler tags every applied state with a fixed, already-past
// capability expiry, to exercise the capability-expiration checks without
// needing a real capability codec.
type expiringHandler struct {
	expiry time.Time
}

func (h expiringHandler) ApplyCommit(ctx context.Context, data collab.CommitData, previous *streamstore.StreamState) (streamstore.StreamState, error) {
	next, err := (fakes.Handler{}).ApplyCommit(ctx, data, previous)
	if err != nil {
		return next, err
	}
	expiry := h.expiry
	next.Metadata.CapabilityExpiry = &expiry
	return next, nil
}

func TestLoadRejectsExpiredCapability(t *testing.T) {
	h := newHarness(t, 8)
	h.repo.deps.Handlers[streamType] = expiringHandler{expiry: time.Now().Add(-time.Hour)}
	id := h.seedGenesis(1)

	_, err := h.repo.Load(context.Background(), id, LoadOpts{Sync: SyncNever})
	assert.ErrorIs(t, err, streamstore.ErrCapabilityExpired)
}

func TestLoadWithSkipCacaoExpirationChecksDefersCapabilityCheck(t *testing.T) {
	h := newHarness(t, 8)
	h.repo.deps.Handlers[streamType] = expiringHandler{expiry: time.Now().Add(-time.Hour)}
	id := h.seedGenesis(1)

	rs, err := h.repo.Load(context.Background(), id, LoadOpts{Sync: SyncNever, SkipCacaoExpirationChecks: true})
	require.NoError(t, err)
	assert.True(t, rs.Current().CapabilityExpired(time.Now()), "the underlying state is still expired; only the Repository-level check was deferred")
}

func TestLoadAtCommitDefersThenEnforcesCapabilityExpiryOnReplayedSnapshot(t *testing.T) {
	h := newHarness(t, 8)
	h.repo.deps.Handlers[streamType] = expiringHandler{expiry: time.Now().Add(-time.Hour)}
	id := h.seedGenesis(1)
	genesisCID := streamstore.CommitID{Stream: id, Hash: id.Hash}

	// LoadAtCommit's own base Load forces SkipCacaoExpirationChecks, so it
	// does not fail before the historical snapshot is even computed.
	_, err := h.repo.LoadAtCommit(context.Background(), id, genesisCID, LoadOpts{Sync: SyncNever})
	assert.ErrorIs(t, err, streamstore.ErrCapabilityExpired, "LoadAtCommit must still enforce expiry against the replayed snapshot itself")
}

// pendingAnchorService reports PENDING and never advances further on its
// own, modelling an anchor service whose confirmation arrives only via a
// later explicit Confirm call (e.g. after a process restart).
type pendingAnchorService struct{}

func (pendingAnchorService) RequestAnchor(ctx context.Context, state streamstore.StreamState) (<-chan collab.AnchorStatusUpdate, error) {
	ch := make(chan collab.AnchorStatusUpdate, 1)
	ch <- collab.AnchorStatusUpdate{Status: streamstore.AnchorPending, CID: state.Tip}
	return ch, nil
}

func (pendingAnchorService) Confirm(ctx context.Context, state streamstore.StreamState, cid streamstore.CommitID) (<-chan collab.AnchorStatusUpdate, error) {
	ch := make(chan collab.AnchorStatusUpdate, 1)
	ch <- collab.AnchorStatusUpdate{Status: streamstore.AnchorAnchored, CID: cid}
	close(ch)
	return ch, nil
}

func (pendingAnchorService) SupportedChains() []string { return []string{"fake:testnet"} }

func TestAnchorRequestRehydratesAndResolvesAfterRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarnessWithDeps(t, 8, pendingAnchorService{})
	id := h.seedGenesis(1)

	_, err := h.repo.ApplyCreateOpts(ctx, id, WriteOpts{})
	require.NoError(t, err)

	commit := streamstore.Commit{CID: streamstore.CommitID{Stream: id, Hash: genesisHash(2)}, Type: streamstore.CommitSigned}
	_, err = h.repo.ApplyCommit(ctx, id, commit, WriteOpts{Anchor: true})
	require.NoError(t, err)

	record, err := h.anchorRequests.Load(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, record, "requesting an anchor must persist an outstanding anchor request record")
	assert.Equal(t, commit.CID, record.CommitCID)

	require.NoError(t, h.repo.Close(ctx))

	// Simulate a process restart: a fresh Repository, sharing only the
	// durable stores (state store, anchor request store, kv), with nothing
	// resident in memory.
	repo2 := New(Config{CacheLimit: 8, QueueConcurrency: 8, DefaultTimeout: time.Second})
	pinStore2 := fakes.NewPinStore(h.pinStore.StateStore().(*fakes.StateStore))
	require.NoError(t, repo2.SetDeps(ctx, Deps{
		Handlers:       map[string]collab.Handler{streamType: fakes.Handler{}},
		Dispatcher:     fakes.NewDispatcher(),
		Conflict:       fakes.ConflictResolution{},
		Anchors:        pendingAnchorService{},
		KV:             h.kv,
		PinStore:       pinStore2,
		AnchorRequests: h.anchorRequests,
		Indexing:       fakes.NewIndexingAPI(),
	}))
	defer repo2.Close(ctx)

	rs, err := repo2.Load(ctx, id, LoadOpts{Sync: SyncNever})
	require.NoError(t, err)
	require.Equal(t, 2, len(rs.Current().Log), "rehydrated state must come from the durable store, not a fresh genesis")

	assert.Eventually(t, func() bool {
		return rs.Current().AnchorStatus == streamstore.AnchorAnchored
	}, time.Second, time.Millisecond, "anchor confirmation must be reattached to the rehydrated running state")

	assert.Eventually(t, func() bool {
		rec, err := h.anchorRequests.Load(ctx, id)
		return err == nil && rec == nil
	}, time.Second, time.Millisecond, "the anchor request record must be cleared once it reaches a terminal status")
}
