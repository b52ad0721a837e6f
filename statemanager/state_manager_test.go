package statemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamstore/streamstore"
	"github.com/streamstore/streamstore/collab"
	"github.com/streamstore/streamstore/fakes"
	"github.com/streamstore/streamstore/state"
)

func cid(tag byte) streamstore.CommitID {
	var h [32]byte
	h[0] = tag
	return streamstore.CommitID{Stream: streamstore.StreamID{Type: "demo"}, Hash: h}
}

func genesisState() streamstore.StreamState {
	now := time.Now()
	g := cid(1)
	return streamstore.StreamState{
		Type: "demo",
		Log:  []streamstore.LogEntry{{CID: g, Type: streamstore.CommitGenesis, Timestamp: &now}},
		Tip:  g,
	}
}

func newManager(dispatcher collab.Dispatcher) *StateManager {
	return New(Deps{
		Handlers:   map[string]collab.Handler{"demo": fakes.Handler{}},
		Conflict:   fakes.ConflictResolution{},
		Anchors:    fakes.AnchorService{},
		Dispatcher: dispatcher,
	})
}

func TestApplyCommitExtendsLogAndEmits(t *testing.T) {
	m := newManager(nil)
	rs := state.New(streamstore.StreamID{Type: "demo"}, genesisState(), false)

	events, sub := rs.Subscribe(4)
	<-events
	defer rs.Unsubscribe(sub)

	commit := streamstore.Commit{CID: cid(2), Type: streamstore.CommitSigned}
	err := m.ApplyCommit(context.Background(), rs, commit, ApplyOpts{})
	require.NoError(t, err)

	assert.Len(t, rs.Current().Log, 2)
	select {
	case s := <-events:
		assert.Len(t, s.Log, 2)
	default:
		t.Fatal("expected an emission after ApplyCommit")
	}
}

func TestApplyCommitTwiceInOrderYieldsThreeLogEntries(t *testing.T) {
	m := newManager(nil)
	rs := state.New(streamstore.StreamID{Type: "demo"}, genesisState(), false)

	require.NoError(t, m.ApplyCommit(context.Background(), rs, streamstore.Commit{CID: cid(2)}, ApplyOpts{}))
	require.NoError(t, m.ApplyCommit(context.Background(), rs, streamstore.Commit{CID: cid(3)}, ApplyOpts{}))

	assert.Len(t, rs.Current().Log, 3)
}

func TestAtCommitReplaysToRequestedEntry(t *testing.T) {
	m := newManager(nil)
	base := genesisState()
	base.Log = append(base.Log, streamstore.LogEntry{CID: cid(2)})
	base.Tip = cid(2)

	snap, err := m.AtCommit(context.Background(), base, cid(1))
	require.NoError(t, err)
	assert.Len(t, snap.Log, 1)
	assert.Equal(t, cid(1), snap.Tip)
}

func TestAtCommitUnknownCommitFails(t *testing.T) {
	m := newManager(nil)
	_, err := m.AtCommit(context.Background(), genesisState(), cid(99))
	assert.ErrorIs(t, err, streamstore.ErrCommitNotInLog)
}

func TestMarkAndQueryPinnedSynced(t *testing.T) {
	m := newManager(nil)
	id := streamstore.StreamID{Type: "demo"}
	assert.False(t, m.WasPinnedStreamSynced(id))
	m.MarkPinnedAndSynced(id)
	assert.True(t, m.WasPinnedStreamSynced(id))
	m.MarkUnpinned(id)
	assert.False(t, m.WasPinnedStreamSynced(id))
}

func TestSyncWithNilDispatcherIsANoOp(t *testing.T) {
	m := newManager(nil)
	rs := state.New(streamstore.StreamID{Type: "demo"}, genesisState(), false)
	err := m.Sync(context.Background(), rs, time.Second, nil)
	assert.NoError(t, err)
}

func TestSyncFetchesAndAppliesMissingCommits(t *testing.T) {
	d := fakes.NewDispatcher()
	g := genesisState()
	d.Seed(streamstore.Commit{CID: g.Tip, Type: streamstore.CommitGenesis})
	tip := cid(2)
	d.SetTip(streamstore.StreamID{Type: "demo"}, tip)
	d.Seed(streamstore.Commit{CID: tip, Type: streamstore.CommitSigned})

	m := New(Deps{
		Handlers:   map[string]collab.Handler{"demo": fakes.Handler{}},
		Conflict:   fakes.ConflictResolution{},
		Dispatcher: d,
	})
	rs := state.New(streamstore.StreamID{Type: "demo"}, g, false)

	err := m.Sync(context.Background(), rs, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, tip, rs.Current().Tip)
}
