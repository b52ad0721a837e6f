// Package repository implements Repository, the top-level façade: tiered
// load (memory, local store, network), pin/index policy, and the
// subscription surface, built on top of queue.Queue, cache.StateCache, and
// statemanager.StateManager. Its two-phase construction (New then SetDeps)
// is grounded on the teacher's controller/api/server.go pattern of building
// a struct with nil collaborators and wiring them once everything else
// exists, here used instead to break the Repository/StateManager
// construction cycle the design calls for.
package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/streamstore/streamstore"
	"github.com/streamstore/streamstore/cache"
	"github.com/streamstore/streamstore/collab"
	"github.com/streamstore/streamstore/queue"
	"github.com/streamstore/streamstore/state"
	"github.com/streamstore/streamstore/statemanager"
)

// SyncOption selects how load reconciles against the network.
type SyncOption string

const (
	SyncPreferCache SyncOption = "PREFER_CACHE"
	SyncOnError     SyncOption = "SYNC_ON_ERROR"
	SyncNever       SyncOption = "NEVER_SYNC"
	SyncAlways      SyncOption = "SYNC_ALWAYS"
)

// OpType classifies a write for pin-policy purposes.
type OpType string

const (
	OpCreate OpType = "CREATE"
	OpUpdate OpType = "UPDATE"
	OpLoad   OpType = "LOAD"
)

// LoadOpts parametrizes Load and the loadAt* variants.
type LoadOpts struct {
	Sync                      SyncOption
	Timeout                   time.Duration
	SkipCacaoExpirationChecks bool
}

// WriteOpts parametrizes ApplyCommit and ApplyCreateOpts.
type WriteOpts struct {
	Pin     *bool
	Publish bool
	Anchor  bool
	Sync    SyncOption
	Timeout time.Duration
}

// Deps are the collaborators wired in after construction via SetDeps.
type Deps struct {
	Handlers       map[string]collab.Handler
	Dispatcher     collab.Dispatcher
	Conflict       collab.ConflictResolution
	Anchors        collab.AnchorService
	KV             collab.KVStore
	PinStore       collab.PinStore
	AnchorRequests collab.AnchorRequestStore
	Indexing       collab.IndexingAPI
}

// Config holds the Repository's static tuning knobs.
type Config struct {
	CacheLimit       int
	QueueConcurrency int64
	DefaultTimeout   time.Duration
}

// Repository is the tiered-cache, execution-serialized façade described in
// the system overview: load/apply/pin operations are routed through
// per-stream execution queues, consult a StateCache of RunningStates, and
// delegate state transitions to a StateManager.
type Repository struct {
	cfg Config
	log *log.Entry

	loadingQ   *queue.Queue
	executionQ *queue.Queue
	cache      *cache.StateCache
	manager    *statemanager.StateManager

	depsMu sync.RWMutex
	deps   Deps
	ready  bool

	closeMu sync.Mutex
	closed  bool
}

// New constructs a Repository with its internal scaffolding but no
// collaborators wired. Call SetDeps before using it.
func New(cfg Config) *Repository {
	if cfg.CacheLimit <= 0 {
		cfg.CacheLimit = 1024
	}
	if cfg.QueueConcurrency <= 0 {
		cfg.QueueConcurrency = 16
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}

	r := &Repository{
		cfg:        cfg,
		log:        log.WithField("component", "repository"),
		loadingQ:   queue.New("loading", cfg.QueueConcurrency),
		executionQ: queue.New("execution", cfg.QueueConcurrency),
	}
	r.cache = cache.New(cfg.CacheLimit, r.onEvict)
	return r
}

// SetDeps opens the PinStore and AnchorRequestStore against deps.KV,
// initializes the indexing API, wires the collaborators, and constructs the
// bound StateManager. It must be called exactly once, before any other
// method.
func (r *Repository) SetDeps(ctx context.Context, deps Deps) error {
	if deps.PinStore != nil {
		if err := deps.PinStore.Open(ctx, deps.KV); err != nil {
			return fmt.Errorf("repository: open pin store: %w", err)
		}
	}
	if deps.AnchorRequests != nil {
		if err := deps.AnchorRequests.Open(ctx, deps.KV); err != nil {
			return fmt.Errorf("repository: open anchor request store: %w", err)
		}
	}
	if deps.Indexing != nil {
		if err := deps.Indexing.Init(ctx); err != nil {
			return fmt.Errorf("repository: init indexing API: %w", err)
		}
	}

	r.depsMu.Lock()
	defer r.depsMu.Unlock()
	r.deps = deps
	r.manager = statemanager.New(statemanager.Deps{
		Handlers:       deps.Handlers,
		Conflict:       deps.Conflict,
		Anchors:        deps.Anchors,
		Dispatcher:     deps.Dispatcher,
		AnchorRequests: deps.AnchorRequests,
		PinStore:       deps.PinStore,
	})
	r.ready = true
	return nil
}

func (r *Repository) onEvict(id streamstore.StreamID, rs *state.RunningState) {
	r.log.WithField("stream_id", id.String()).Debug("evicted running state from cache")
}

func (r *Repository) requireDeps() (Deps, *statemanager.StateManager, error) {
	r.depsMu.RLock()
	defer r.depsMu.RUnlock()
	if !r.ready {
		return Deps{}, nil, fmt.Errorf("repository: SetDeps has not been called")
	}
	return r.deps, r.manager, nil
}

func (r *Repository) isClosed() bool {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	return r.closed
}

// Load materialises or refreshes streamId's RunningState according to
// opts.Sync, routed through loadingQ[streamId].
func (r *Repository) Load(ctx context.Context, id streamstore.StreamID, opts LoadOpts) (*state.RunningState, error) {
	if r.isClosed() {
		return nil, streamstore.ErrQueueClosed
	}
	deps, mgr, err := r.requireDeps()
	if err != nil {
		return nil, err
	}

	v, err := r.loadingQ.Submit(ctx, id, func(ctx context.Context) (interface{}, error) {
		return r.loadLocked(ctx, id, opts, deps, mgr)
	})
	if err != nil {
		return nil, err
	}
	return v.(*state.RunningState), nil
}

func (r *Repository) loadLocked(ctx context.Context, id streamstore.StreamID, opts LoadOpts, deps Deps, mgr *statemanager.StateManager) (*state.RunningState, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	var rs *state.RunningState
	var err error

	switch opts.Sync {
	case SyncPreferCache, SyncOnError, "":
		var synced bool
		rs, synced, err = r.loadGenesis(ctx, id, deps, mgr)
		if err != nil {
			return nil, err
		}
		if !synced {
			if err := mgr.Sync(ctx, rs, timeout, nil); err != nil {
				return nil, err
			}
		}

	case SyncNever:
		rs, _, err = r.loadGenesis(ctx, id, deps, mgr)
		if err != nil {
			return nil, err
		}

	case SyncAlways:
		rs, err = r.loadSyncAlways(ctx, id, timeout, deps, mgr)
		if err != nil {
			return nil, err
		}

	default:
		return nil, streamstore.ErrInvalidSyncOption
	}

	if !opts.SkipCacaoExpirationChecks {
		if rs.Current().CapabilityExpired(now()) {
			return nil, streamstore.ErrCapabilityExpired
		}
	}
	if rs.IsPinned() {
		mgr.MarkPinnedAndSynced(id)
	}
	return rs, nil
}

func now() time.Time {
	return time.Now()
}

func (r *Repository) loadSyncAlways(ctx context.Context, id streamstore.StreamID, timeout time.Duration, deps Deps, mgr *statemanager.StateManager) (*state.RunningState, error) {
	local, _, err := r.loadGenesis(ctx, id, deps, mgr)
	if err != nil {
		return nil, err
	}
	localTip := local.Current().Tip

	if err := mgr.Sync(ctx, local, timeout, &localTip); err != nil {
		return nil, err
	}
	return local, nil
}

// loadGenesis resolves id's RunningState by probing memory, then the local
// store, then the network, in that order. Callers must hold loadingQ[id].
func (r *Repository) loadGenesis(ctx context.Context, id streamstore.StreamID, deps Deps, mgr *statemanager.StateManager) (*state.RunningState, bool, error) {
	if rs, ok := r.cache.Get(id); ok {
		return rs, true, nil
	}

	if deps.PinStore != nil {
		stored, err := deps.PinStore.StateStore().Load(ctx, id)
		if err != nil {
			r.log.WithError(err).WithField("stream_id", id.String()).Warn("local store load failed, falling back to network")
		} else if stored != nil {
			rs := state.New(id, *stored, true)
			r.cache.Set(id, rs)
			if err := r.rehydrateAnchorRequest(ctx, id, rs, deps, mgr); err != nil {
				r.log.WithError(err).WithField("stream_id", id.String()).Warn("failed to rehydrate anchor request")
			}
			return rs, mgr.WasPinnedStreamSynced(id), nil
		}
	}

	if deps.Dispatcher == nil {
		return nil, false, streamstore.ErrStreamNotFound
	}
	genesis, err := fetchGenesis(ctx, deps.Dispatcher, id)
	if err != nil {
		return nil, false, err
	}
	if genesis == nil {
		return nil, false, streamstore.ErrStreamNotFound
	}

	handler, ok := deps.Handlers[id.Type]
	if !ok {
		return nil, false, fmt.Errorf("repository: no handler registered for stream type %q", id.Type)
	}
	initial, err := handler.ApplyCommit(ctx, collab.CommitData{
		CID:              genesis.CID,
		Payload:          genesis.Payload,
		DisableTimecheck: true,
	}, nil)
	if err != nil {
		return nil, false, fmt.Errorf("repository: apply genesis commit for %s: %w", id, err)
	}

	rs := state.New(id, initial, false)
	r.cache.Set(id, rs)
	return rs, false, nil
}

func fetchGenesis(ctx context.Context, d collab.Dispatcher, id streamstore.StreamID) (*streamstore.Commit, error) {
	tip, err := d.FetchTip(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("repository: fetch tip for %s: %w", id, err)
	}
	if tip == nil {
		return nil, nil
	}
	return d.FetchCommit(ctx, streamstore.CommitID{Stream: id, Hash: id.Hash})
}

func (r *Repository) rehydrateAnchorRequest(ctx context.Context, id streamstore.StreamID, rs *state.RunningState, deps Deps, mgr *statemanager.StateManager) error {
	if deps.AnchorRequests == nil {
		return nil
	}
	record, err := deps.AnchorRequests.Load(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}
	return mgr.ConfirmAnchorResponse(ctx, rs, record.CommitCID)
}

// LoadAtCommit replays id's base stream (with capability checks deferred)
// up to commitID, then enforces capability expiration on the result.
func (r *Repository) LoadAtCommit(ctx context.Context, id streamstore.StreamID, commitID streamstore.CommitID, opts LoadOpts) (streamstore.StreamState, error) {
	opts.SkipCacaoExpirationChecks = true
	base, err := r.Load(ctx, id, opts)
	if err != nil {
		return streamstore.StreamState{}, err
	}
	_, mgr, err := r.requireDeps()
	if err != nil {
		return streamstore.StreamState{}, err
	}
	snap, err := mgr.AtCommit(ctx, base.Current(), commitID)
	if err != nil {
		return streamstore.StreamState{}, err
	}
	if snap.CapabilityExpired(now()) {
		return streamstore.StreamState{}, streamstore.ErrCapabilityExpired
	}
	return snap, nil
}

// LoadAtTime replays id's base stream up to the latest anchor commit at or
// before atTime.
func (r *Repository) LoadAtTime(ctx context.Context, id streamstore.StreamID, atTime time.Time, opts LoadOpts) (streamstore.StreamState, error) {
	base, err := r.Load(ctx, id, opts)
	if err != nil {
		return streamstore.StreamState{}, err
	}
	_, mgr, err := r.requireDeps()
	if err != nil {
		return streamstore.StreamState{}, err
	}
	return mgr.AtTime(ctx, base.Current(), atTime)
}

// ApplyCommit applies commit to id's stream via executionQ, then applies
// write options (pin/anchor/publish policy).
func (r *Repository) ApplyCommit(ctx context.Context, id streamstore.StreamID, commit streamstore.Commit, opts WriteOpts) (*state.RunningState, error) {
	if r.isClosed() {
		return nil, streamstore.ErrQueueClosed
	}
	deps, mgr, err := r.requireDeps()
	if err != nil {
		return nil, err
	}

	v, err := r.executionQ.Submit(ctx, id, func(ctx context.Context) (interface{}, error) {
		rs, ok := r.cache.Get(id)
		if !ok {
			return nil, streamstore.ErrStreamNotFound
		}
		if err := mgr.ApplyCommit(ctx, rs, commit, statemanager.ApplyOpts{Publish: opts.Publish, Anchor: opts.Anchor}); err != nil {
			return nil, err
		}
		return rs, nil
	})
	if err != nil {
		return nil, err
	}
	rs := v.(*state.RunningState)

	opType := OpUpdate
	r.applyWriteOpts(ctx, rs, opts, opType, deps)
	return rs, nil
}

// ApplyCreateOpts loads id (creating it if necessary) and applies write
// options, classifying the operation as CREATE or LOAD by the resulting
// log length.
func (r *Repository) ApplyCreateOpts(ctx context.Context, id streamstore.StreamID, opts WriteOpts) (*state.RunningState, error) {
	if r.isClosed() {
		return nil, streamstore.ErrQueueClosed
	}
	deps, _, err := r.requireDeps()
	if err != nil {
		return nil, err
	}

	rs, err := r.Load(ctx, id, LoadOpts{Sync: opts.Sync, Timeout: opts.Timeout})
	if err != nil {
		return nil, err
	}

	opType := OpCreate
	if len(rs.Current().Log) != 1 {
		opType = OpLoad
	}
	r.applyWriteOpts(ctx, rs, opts, opType, deps)
	return rs, nil
}

func (r *Repository) applyWriteOpts(ctx context.Context, rs *state.RunningState, opts WriteOpts, opType OpType, deps Deps) {
	r.handlePinOpts(ctx, rs, opts, opType, deps)
}

// handlePinOpts implements the pin-policy truth table from the design: an
// explicit pin decision is only honoured at CREATE; UPDATE/LOAD may only
// pin implicitly via indexing, and any explicit opts.Pin there is a no-op,
// logged as a warning.
func (r *Repository) handlePinOpts(ctx context.Context, rs *state.RunningState, opts WriteOpts, opType OpType, deps Deps) {
	current := rs.Current()
	shouldIndex := deps.Indexing != nil && current.Metadata.IsIndexed() && deps.Indexing.ShouldIndexStream(current.Metadata.Model)

	var pin bool
	switch opType {
	case OpCreate:
		switch {
		case shouldIndex:
			// Indexed streams require durable state regardless of the
			// caller's pin preference; this takes priority over an
			// explicit opts.Pin=false at create time.
			pin = true
		case opts.Pin == nil || *opts.Pin:
			pin = true
		default:
			return
		}
	default: // OpUpdate, OpLoad
		if opts.Pin != nil {
			r.log.WithField("stream_id", rs.StreamID().String()).
				Warn("pin change requested on a non-create operation; ignoring per pin policy")
			return
		}
		if !shouldIndex {
			return
		}
		pin = true
	}

	if !pin {
		return
	}

	rs.SetPinned(true)
	if deps.PinStore != nil {
		if err := deps.PinStore.Add(ctx, current, false); err != nil {
			r.log.WithError(err).WithField("stream_id", rs.StreamID().String()).Warn("failed to persist pin")
		}
	}
	if shouldIndex && deps.Indexing != nil {
		if err := deps.Indexing.IndexStream(ctx, current); err != nil {
			r.log.WithError(err).WithField("stream_id", rs.StreamID().String()).Warn("failed to index stream")
		}
	}
}

// Updates subscribes to streamId's live state, constructing it from init if
// no RunningState yet exists, enduring the cache entry for the lifetime of
// the subscription.
func (r *Repository) Updates(ctx context.Context, init streamstore.StreamState) (<-chan streamstore.StreamState, func(), error) {
	if len(init.Log) == 0 {
		return nil, nil, fmt.Errorf("repository: init state has an empty log")
	}
	id := streamstore.StreamID{Type: init.Type, Hash: init.Log[0].CID.Hash}

	rs, ok := r.cache.Get(id)
	if !ok {
		rs = state.New(id, init, false)
		r.cache.Set(id, rs)
	}
	r.cache.Endure(id, rs)

	events, sub := rs.Subscribe(1)

	unsubscribe := func() {
		rs.Unsubscribe(sub)
		r.cache.Free(id)
	}
	return events, unsubscribe, nil
}

// Unpin removes id's stream from the pin store, publishing the tip first
// if requested. It fails with ErrCannotUnpinIndexed for indexed streams.
func (r *Repository) Unpin(ctx context.Context, rs *state.RunningState, publish bool) error {
	deps, mgr, err := r.requireDeps()
	if err != nil {
		return err
	}
	current := rs.Current()
	if current.Metadata.IsIndexed() {
		return streamstore.ErrCannotUnpinIndexed
	}

	if publish {
		if err := mgr.PublishTip(ctx, rs); err != nil {
			r.log.WithError(err).WithField("stream_id", rs.StreamID().String()).Warn("publish during unpin failed")
		}
	}

	rs.SetPinned(false)
	mgr.MarkUnpinned(rs.StreamID())
	if deps.PinStore != nil {
		if err := deps.PinStore.Remove(ctx, current); err != nil {
			return fmt.Errorf("repository: remove pin for %s: %w", rs.StreamID(), err)
		}
	}
	return nil
}

// RandomPinnedStreamState asks the pin store for at most one stored id.
func (r *Repository) RandomPinnedStreamState(ctx context.Context) (*string, error) {
	deps, _, err := r.requireDeps()
	if err != nil {
		return nil, err
	}
	if deps.PinStore == nil {
		return nil, nil
	}
	ids, err := deps.PinStore.StateStore().ListStoredStreamIDs(ctx, "", 1)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > 1 {
		return nil, streamstore.ErrPinStoreContractViolation
	}
	return &ids[0], nil
}

// ListPinned lists stored stream ids known to the pin store, optionally
// filtered to a single stream.
func (r *Repository) ListPinned(ctx context.Context, id *streamstore.StreamID) ([]string, error) {
	deps, _, err := r.requireDeps()
	if err != nil {
		return nil, err
	}
	if deps.PinStore == nil {
		return nil, nil
	}
	return deps.PinStore.List(ctx, id)
}

// StreamState returns a non-blocking snapshot of id's current state, if it
// is resident in the cache.
func (r *Repository) StreamState(id streamstore.StreamID) (streamstore.StreamState, bool) {
	rs, ok := r.cache.Get(id)
	if !ok {
		return streamstore.StreamState{}, false
	}
	return rs.Current(), true
}

// Close drains both execution queues, completes and evicts every cache
// entry, and closes the pin store and indexing API. Idempotent.
func (r *Repository) Close(ctx context.Context) error {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return nil
	}
	r.closed = true
	r.closeMu.Unlock()

	r.loadingQ.Close()
	r.executionQ.Close()

	var ids []streamstore.StreamID
	r.cache.Iterate(func(id streamstore.StreamID, rs *state.RunningState) bool {
		ids = append(ids, id)
		rs.Complete()
		return true
	})
	for _, id := range ids {
		r.cache.Delete(id)
	}

	deps, _, err := r.requireDeps()
	if err != nil {
		return nil
	}
	if deps.PinStore != nil {
		if err := deps.PinStore.Close(ctx); err != nil {
			r.log.WithError(err).Warn("failed to close pin store")
		}
	}
	if deps.Indexing != nil {
		if err := deps.Indexing.Close(ctx); err != nil {
			r.log.WithError(err).Warn("failed to close indexing API")
		}
	}
	r.log.Info("repository closed")
	return nil
}
