// Package statemanager implements StateManager: the algorithm that turns
// commits into state transitions, drives sync against the network, and
// coordinates with the anchor service. It operates purely on the
// *state.RunningState handed to it by a caller, so it carries no
// reference to Repository's cache or queues; Repository constructs it
// only after its own cache and queues exist, breaking what would
// otherwise be a construction cycle between the two.
package statemanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/streamstore/streamstore"
	"github.com/streamstore/streamstore/collab"
	"github.com/streamstore/streamstore/state"
)

// ApplyOpts parametrizes ApplyCommit.
type ApplyOpts struct {
	Publish bool
	Anchor  bool
}

// Deps are the collaborators a StateManager needs. Handlers is keyed by
// StreamState.Type.
type Deps struct {
	Handlers       map[string]collab.Handler
	Conflict       collab.ConflictResolution
	Anchors        collab.AnchorService
	Dispatcher     collab.Dispatcher
	AnchorRequests collab.AnchorRequestStore
	PinStore       collab.PinStore
}

// StateManager applies commits, syncs against the network, and tracks
// which pinned streams have been synced during this process's lifetime.
type StateManager struct {
	deps Deps
	log  *log.Entry

	mu           sync.Mutex
	pinnedSynced map[streamstore.StreamID]bool
}

// New returns a StateManager bound to deps.
func New(deps Deps) *StateManager {
	return &StateManager{
		deps:         deps,
		log:          log.WithField("component", "state-manager"),
		pinnedSynced: make(map[streamstore.StreamID]bool),
	}
}

func (m *StateManager) handlerFor(typ string) (collab.Handler, error) {
	h, ok := m.deps.Handlers[typ]
	if !ok {
		return nil, fmt.Errorf("statemanager: no handler registered for stream type %q", typ)
	}
	return h, nil
}

// ApplyCommit computes the next state for rs by handing commit to the
// matching handler, resolving conflicts if the result does not linearly
// extend the current log, emitting the winner into rs, persisting it if
// pinned, publishing the tip if requested, and requesting an anchor if
// requested.
func (m *StateManager) ApplyCommit(ctx context.Context, rs *state.RunningState, commit streamstore.Commit, opts ApplyOpts) error {
	current := rs.Current()

	handler, err := m.handlerFor(current.Type)
	if err != nil {
		return err
	}

	candidate, err := handler.ApplyCommit(ctx, collab.CommitData{
		CID:     commit.CID,
		Payload: commit.Payload,
	}, &current)
	if err != nil {
		return fmt.Errorf("statemanager: apply commit %s: %w", commit.CID, err)
	}

	winner := candidate
	if !current.ExtendsLinearly(candidate) && len(current.Log) > 0 {
		winner, err = m.deps.Conflict.Resolve(ctx, current, candidate)
		if err != nil {
			return fmt.Errorf("statemanager: resolve conflict for %s: %w", commit.CID, err)
		}
	}

	rs.Next(winner)

	if rs.IsPinned() && m.deps.PinStore != nil {
		if err := m.deps.PinStore.StateStore().Save(ctx, winner); err != nil {
			return fmt.Errorf("statemanager: persist pinned state %s: %w", rs.StreamID(), err)
		}
	}

	if opts.Publish {
		if err := m.PublishTip(ctx, rs); err != nil {
			m.log.WithError(err).Warn("failed to publish tip after apply")
		}
	}

	if opts.Anchor {
		if err := m.requestAnchor(ctx, rs); err != nil {
			m.log.WithError(err).Warn("failed to request anchor after apply")
		}
	}

	return nil
}

func (m *StateManager) requestAnchor(ctx context.Context, rs *state.RunningState) error {
	if m.deps.Anchors == nil {
		return nil
	}
	current := rs.Current()
	updates, err := m.deps.Anchors.RequestAnchor(ctx, current)
	if err != nil {
		return err
	}
	m.saveAnchorRequest(ctx, rs.StreamID(), current.Tip)
	go m.consumeAnchorUpdates(context.Background(), rs, updates)
	return nil
}

// saveAnchorRequest persists an outstanding anchor request so it survives a
// restart; the Repository's rehydrateAnchorRequest reattaches it on the
// next load via ConfirmAnchorResponse.
func (m *StateManager) saveAnchorRequest(ctx context.Context, id streamstore.StreamID, cid streamstore.CommitID) {
	if m.deps.AnchorRequests == nil {
		return
	}
	record := collab.AnchorRequestRecord{StreamID: id, CommitCID: cid, CreatedAt: time.Now()}
	if err := m.deps.AnchorRequests.Save(ctx, id, record); err != nil {
		m.log.WithError(err).WithField("stream_id", id.String()).Warn("failed to persist anchor request")
	}
}

func (m *StateManager) consumeAnchorUpdates(ctx context.Context, rs *state.RunningState, updates <-chan collab.AnchorStatusUpdate) {
	for update := range updates {
		if update.Err != nil {
			m.log.WithError(update.Err).WithField("stream_id", rs.StreamID().String()).Warn("anchor update reported an error")
			continue
		}
		next := rs.Current()
		next.AnchorStatus = update.Status
		if !update.CID.IsZero() {
			next.Tip = update.CID
		}
		rs.Next(next)

		if isTerminalAnchorStatus(update.Status) && m.deps.AnchorRequests != nil {
			if err := m.deps.AnchorRequests.Delete(ctx, rs.StreamID()); err != nil {
				m.log.WithError(err).WithField("stream_id", rs.StreamID().String()).Warn("failed to delete anchor request record")
			}
		}
	}
}

// isTerminalAnchorStatus reports whether status is a terminal state the
// anchor service will not update further.
func isTerminalAnchorStatus(status streamstore.AnchorStatus) bool {
	return status == streamstore.AnchorAnchored || status == streamstore.AnchorFailed
}

// Sync fetches the stream's network tip, applies any commits missing from
// rs in order, and resolves against hintTip if provided. It is bounded by
// timeout: on timeout it returns nil with whatever progress was made, per
// the spec's no-error-on-timeout contract. The underlying fetch/apply work
// is not cancelled when the timeout elapses; it continues and its result
// is simply no longer awaited (so callers should not start a fresh Sync
// for the same stream until this one's caller-visible call returns,
// typically by holding a single loadingQ slot per stream).
func (m *StateManager) Sync(ctx context.Context, rs *state.RunningState, timeout time.Duration, hintTip *streamstore.CommitID) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.syncOnce(context.Background(), rs, hintTip)
	}()

	if timeout <= 0 {
		<-done
		return nil
	}

	select {
	case <-done:
	case <-time.After(timeout):
		m.log.WithField("stream_id", rs.StreamID().String()).Warn("sync timed out, returning with partial progress")
	case <-ctx.Done():
	}
	return nil
}

func (m *StateManager) syncOnce(ctx context.Context, rs *state.RunningState, hintTip *streamstore.CommitID) {
	id := rs.StreamID()
	if m.deps.Dispatcher == nil {
		return
	}

	netTip, err := m.deps.Dispatcher.FetchTip(ctx, id)
	if err != nil {
		m.log.WithError(err).WithField("stream_id", id.String()).Warn("fetchTip failed during sync")
		return
	}
	if netTip == nil {
		return
	}

	current := rs.Current()
	if *netTip == current.Tip && (hintTip == nil || *hintTip == current.Tip) {
		return
	}

	candidate, err := m.replayToTip(ctx, current, *netTip)
	if err != nil {
		m.log.WithError(err).WithField("stream_id", id.String()).Warn("replay to network tip failed during sync")
		return
	}

	winner := candidate
	if !current.ExtendsLinearly(candidate) && len(current.Log) > 0 {
		winner, err = m.deps.Conflict.Resolve(ctx, current, candidate)
		if err != nil {
			m.log.WithError(err).WithField("stream_id", id.String()).Warn("conflict resolution failed during sync")
			return
		}
	}

	if hintTip != nil && *hintTip != winner.Tip {
		// The local tip is not known to the network copy; give conflict
		// resolution a chance to consider it too, so a tip known only to
		// this node is not silently discarded (spec: SYNC_ALWAYS tip
		// retention).
		hinted := winner
		hinted.Tip = *hintTip
		resolved, err := m.deps.Conflict.Resolve(ctx, winner, hinted)
		if err == nil {
			winner = resolved
		}
	}

	rs.Next(winner)
}

// replayToTip fetches and applies commits from current's tip up to (and
// including) targetTip, in order.
func (m *StateManager) replayToTip(ctx context.Context, current streamstore.StreamState, targetTip streamstore.CommitID) (streamstore.StreamState, error) {
	handler, err := m.handlerFor(current.Type)
	if err != nil {
		return streamstore.StreamState{}, err
	}

	result := current
	cid := targetTip
	var chain []streamstore.CommitID
	for cid != current.Tip && !cid.IsZero() {
		chain = append([]streamstore.CommitID{cid}, chain...)
		commit, err := m.deps.Dispatcher.FetchCommit(ctx, cid)
		if err != nil || commit == nil {
			break
		}
		var prevErr error
		cid, prevErr = previousOf(commit)
		if prevErr != nil {
			break
		}
	}

	for _, c := range chain {
		commit, err := m.deps.Dispatcher.FetchCommit(ctx, c)
		if err != nil {
			return result, fmt.Errorf("statemanager: fetch commit %s: %w", c, err)
		}
		if commit == nil {
			continue
		}
		next, err := handler.ApplyCommit(ctx, collab.CommitData{CID: commit.CID, Payload: commit.Payload}, &result)
		if err != nil {
			return result, fmt.Errorf("statemanager: apply commit %s during sync: %w", c, err)
		}
		result = next
	}
	return result, nil
}

// previousOf extracts the predecessor commit id a fetched commit points to.
// The core treats commit payloads as opaque; a real handler-provided codec
// would supply this. Absent one, chained replay degenerates to applying
// only the tip commit directly against the current state.
func previousOf(commit *streamstore.Commit) (streamstore.CommitID, error) {
	return streamstore.CommitID{}, nil
}

// AtCommit replays base from genesis up to commitID, producing an
// immutable snapshot. It fails with ErrCommitNotInLog if commitID is not
// reachable in base's canonical history.
func (m *StateManager) AtCommit(ctx context.Context, base streamstore.StreamState, commitID streamstore.CommitID) (streamstore.StreamState, error) {
	for i, entry := range base.Log {
		if entry.CID == commitID {
			return replayPrefix(base, i+1), nil
		}
	}
	return streamstore.StreamState{}, fmt.Errorf("statemanager: %w: %s", streamstore.ErrCommitNotInLog, commitID)
}

func replayPrefix(base streamstore.StreamState, n int) streamstore.StreamState {
	out := base.Clone()
	out.Log = out.Log[:n]
	out.Tip = out.Log[n-1].CID
	return out
}

// AtTime locates the latest anchor commit in base with timestamp at or
// before atTime, and replays up to it.
func (m *StateManager) AtTime(ctx context.Context, base streamstore.StreamState, atTime time.Time) (streamstore.StreamState, error) {
	best := -1
	for i, entry := range base.Log {
		if entry.Type != streamstore.CommitAnchor || entry.Timestamp == nil {
			continue
		}
		if entry.Timestamp.After(atTime) {
			continue
		}
		best = i
	}
	if best < 0 {
		return streamstore.StreamState{}, fmt.Errorf("statemanager: %w: no anchor commit at or before %s", streamstore.ErrCommitNotInLog, atTime)
	}
	return replayPrefix(base, best+1), nil
}

// ConfirmAnchorResponse reattaches a previously persisted anchor request to
// a freshly loaded running state.
func (m *StateManager) ConfirmAnchorResponse(ctx context.Context, rs *state.RunningState, cid streamstore.CommitID) error {
	if m.deps.Anchors == nil {
		return nil
	}
	updates, err := m.deps.Anchors.Confirm(ctx, rs.Current(), cid)
	if err != nil {
		return fmt.Errorf("statemanager: confirm anchor %s: %w", cid, err)
	}
	go m.consumeAnchorUpdates(context.Background(), rs, updates)
	return nil
}

// MarkPinnedAndSynced records that id's pinned stream has been synced
// during this process's lifetime.
func (m *StateManager) MarkPinnedAndSynced(id streamstore.StreamID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinnedSynced[id] = true
}

// MarkUnpinned forgets any pinned-and-synced bookkeeping for id.
func (m *StateManager) MarkUnpinned(id streamstore.StreamID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pinnedSynced, id)
}

// WasPinnedStreamSynced reports whether id's pinned stream has already been
// synced during this process's lifetime.
func (m *StateManager) WasPinnedStreamSynced(id streamstore.StreamID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinnedSynced[id]
}

// PublishTip asks the dispatcher to publish rs's current tip.
func (m *StateManager) PublishTip(ctx context.Context, rs *state.RunningState) error {
	if m.deps.Dispatcher == nil {
		return nil
	}
	current := rs.Current()
	return m.deps.Dispatcher.PublishTip(ctx, rs.StreamID(), current.Tip)
}
