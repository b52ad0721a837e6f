// Package fakes provides in-memory reference implementations of every
// collaborator contract in streamstore/collab, for use by tests and the
// demo daemon. None of them are concurrency-hardened beyond a coarse
// mutex; they exist to exercise the core's own concurrency, not to model
// a production dispatcher or store.
package fakes

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/streamstore/streamstore"
	"github.com/streamstore/streamstore/collab"
)

// Dispatcher is an in-memory Dispatcher over a fixed commit graph and a
// mutable published-tip map.
type Dispatcher struct {
	mu      sync.Mutex
	commits map[streamstore.CommitID]streamstore.Commit
	tips    map[streamstore.StreamID]streamstore.CommitID
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		commits: make(map[streamstore.CommitID]streamstore.Commit),
		tips:    make(map[streamstore.StreamID]streamstore.CommitID),
	}
}

// Seed registers commit as retrievable and, if it is the stream's first
// commit, sets it as the stream's tip.
func (d *Dispatcher) Seed(commit streamstore.Commit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commits[commit.CID] = commit
	if _, ok := d.tips[commit.CID.Stream]; !ok {
		d.tips[commit.CID.Stream] = commit.CID
	}
}

// SetTip forces id's published tip to cid, regardless of commit presence.
func (d *Dispatcher) SetTip(id streamstore.StreamID, cid streamstore.CommitID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tips[id] = cid
}

func (d *Dispatcher) FetchCommit(ctx context.Context, cid streamstore.CommitID) (*streamstore.Commit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.commits[cid]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (d *Dispatcher) FetchTip(ctx context.Context, id streamstore.StreamID) (*streamstore.CommitID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cid, ok := d.tips[id]
	if !ok {
		return nil, nil
	}
	return &cid, nil
}

func (d *Dispatcher) PublishTip(ctx context.Context, id streamstore.StreamID, cid streamstore.CommitID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tips[id] = cid
	return nil
}

// Handler is a Handler that appends each applied commit to the log and
// sets content to the commit's payload, with no interpretation beyond
// that. It is registered once per stream type a test needs.
type Handler struct{}

func (Handler) ApplyCommit(ctx context.Context, data collab.CommitData, previous *streamstore.StreamState) (streamstore.StreamState, error) {
	var next streamstore.StreamState
	if previous != nil {
		next = previous.Clone()
	}
	now := time.Now()
	next.Type = data.CID.Stream.Type
	next.Log = append(next.Log, streamstore.LogEntry{
		CID:       data.CID,
		Timestamp: &now,
	})
	next.Content = data.Payload
	next.Tip = data.CID
	return next, nil
}

// ConflictResolution picks the candidate with the longer log, breaking
// ties by comparing tip commit hashes byte-wise — the deterministic
// tiebreak the contract requires.
type ConflictResolution struct{}

func (ConflictResolution) Resolve(ctx context.Context, current, candidate streamstore.StreamState) (streamstore.StreamState, error) {
	if len(candidate.Log) != len(current.Log) {
		if len(candidate.Log) > len(current.Log) {
			return candidate, nil
		}
		return current, nil
	}
	if string(candidate.Tip.Hash[:]) > string(current.Tip.Hash[:]) {
		return candidate, nil
	}
	return current, nil
}

// AnchorService immediately reports PENDING then ANCHORED for every
// RequestAnchor, and ANCHORED alone for every Confirm, on a buffered channel
// it closes right after.
type AnchorService struct{}

func (AnchorService) RequestAnchor(ctx context.Context, state streamstore.StreamState) (<-chan collab.AnchorStatusUpdate, error) {
	ch := make(chan collab.AnchorStatusUpdate, 2)
	ch <- collab.AnchorStatusUpdate{Status: streamstore.AnchorPending, CID: state.Tip}
	ch <- collab.AnchorStatusUpdate{Status: streamstore.AnchorAnchored, CID: state.Tip}
	close(ch)
	return ch, nil
}

func (AnchorService) Confirm(ctx context.Context, state streamstore.StreamState, cid streamstore.CommitID) (<-chan collab.AnchorStatusUpdate, error) {
	ch := make(chan collab.AnchorStatusUpdate, 1)
	ch <- collab.AnchorStatusUpdate{Status: streamstore.AnchorAnchored, CID: cid}
	close(ch)
	return ch, nil
}

func (AnchorService) SupportedChains() []string {
	return []string{"fake:testnet"}
}

// KVStore is an in-memory, byte-granular KVStore keyed on string(key).
type KVStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewKVStore returns an empty KVStore.
func NewKVStore() *KVStore {
	return &KVStore{values: make(map[string][]byte)}
}

func (k *KVStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.values[string(key)]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (k *KVStore) Put(ctx context.Context, key, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	k.values[string(key)] = v
	return nil
}

func (k *KVStore) Del(ctx context.Context, key []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.values, string(key))
	return nil
}

func (k *KVStore) Iterate(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error {
	k.mu.Lock()
	keys := make([]string, 0, len(k.values))
	for key := range k.values {
		if strings.HasPrefix(key, string(prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	values := make(map[string][]byte, len(keys))
	for _, key := range keys {
		values[key] = k.values[key]
	}
	k.mu.Unlock()

	for _, key := range keys {
		if !fn([]byte(key), values[key]) {
			return nil
		}
	}
	return nil
}

// StateStore is an in-memory keyed StateStore.
type StateStore struct {
	mu     sync.Mutex
	states map[streamstore.StreamID]streamstore.StreamState
}

// NewStateStore returns an empty StateStore.
func NewStateStore() *StateStore {
	return &StateStore{states: make(map[streamstore.StreamID]streamstore.StreamState)}
}

func (s *StateStore) Load(ctx context.Context, id streamstore.StreamID) (*streamstore.StreamState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return nil, nil
	}
	clone := st.Clone()
	return &clone, nil
}

func (s *StateStore) Save(ctx context.Context, state streamstore.StreamState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(state.Log) == 0 {
		return fmt.Errorf("fakes: cannot save a state with an empty log")
	}
	id := streamstore.StreamID{Type: state.Type, Hash: state.Log[0].CID.Hash}
	s.states[id] = state.Clone()
	return nil
}

func (s *StateStore) ListStoredStreamIDs(ctx context.Context, cursor string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id.String())
	}
	sort.Strings(ids)
	return ids, nil
}

// PinStore is an in-memory PinStore backed by a StateStore.
type PinStore struct {
	mu     sync.Mutex
	store  *StateStore
	kv     collab.KVStore
	pinned map[streamstore.StreamID]bool
	opened bool
	closed bool
}

// NewPinStore returns a PinStore backed by store.
func NewPinStore(store *StateStore) *PinStore {
	return &PinStore{store: store, pinned: make(map[streamstore.StreamID]bool)}
}

func (p *PinStore) Open(ctx context.Context, kv collab.KVStore) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kv = kv
	p.opened = true
	return nil
}

func (p *PinStore) Add(ctx context.Context, state streamstore.StreamState, force bool) error {
	if err := p.store.Save(ctx, state); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := streamstore.StreamID{Type: state.Type, Hash: state.Log[0].CID.Hash}
	p.pinned[id] = true
	return nil
}

func (p *PinStore) Remove(ctx context.Context, state streamstore.StreamState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := streamstore.StreamID{Type: state.Type, Hash: state.Log[0].CID.Hash}
	delete(p.pinned, id)
	return nil
}

func (p *PinStore) List(ctx context.Context, id *streamstore.StreamID) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for pid := range p.pinned {
		if id != nil && pid != *id {
			continue
		}
		out = append(out, pid.String())
	}
	sort.Strings(out)
	return out, nil
}

func (p *PinStore) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *PinStore) StateStore() collab.StateStore {
	return p.store
}

// AnchorRequestStore is an in-memory AnchorRequestStore.
type AnchorRequestStore struct {
	mu      sync.Mutex
	kv      collab.KVStore
	records map[streamstore.StreamID]collab.AnchorRequestRecord
}

// NewAnchorRequestStore returns an empty AnchorRequestStore.
func NewAnchorRequestStore() *AnchorRequestStore {
	return &AnchorRequestStore{records: make(map[streamstore.StreamID]collab.AnchorRequestRecord)}
}

func (a *AnchorRequestStore) Open(ctx context.Context, kv collab.KVStore) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kv = kv
	return nil
}

func (a *AnchorRequestStore) Load(ctx context.Context, id streamstore.StreamID) (*collab.AnchorRequestRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.records[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (a *AnchorRequestStore) Save(ctx context.Context, id streamstore.StreamID, record collab.AnchorRequestRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[id] = record
	return nil
}

func (a *AnchorRequestStore) Delete(ctx context.Context, id streamstore.StreamID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.records, id)
	return nil
}

// IndexingAPI indexes any stream whose model is in the allow-list given to
// NewIndexingAPI.
type IndexingAPI struct {
	mu      sync.Mutex
	allowed map[string]bool
	indexed map[streamstore.StreamID]streamstore.StreamState
}

// NewIndexingAPI returns an IndexingAPI that indexes exactly the given
// model names.
func NewIndexingAPI(models ...string) *IndexingAPI {
	allowed := make(map[string]bool, len(models))
	for _, m := range models {
		allowed[m] = true
	}
	return &IndexingAPI{allowed: allowed, indexed: make(map[streamstore.StreamID]streamstore.StreamState)}
}

func (i *IndexingAPI) Init(ctx context.Context) error { return nil }
func (i *IndexingAPI) Close(ctx context.Context) error {
	return nil
}

func (i *IndexingAPI) ShouldIndexStream(model string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.allowed[model]
}

func (i *IndexingAPI) IndexStream(ctx context.Context, state streamstore.StreamState) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	id := streamstore.StreamID{Type: state.Type, Hash: state.Log[0].CID.Hash}
	i.indexed[id] = state.Clone()
	return nil
}

// HashPayload derives a content-addressed hash for a genesis payload, for
// use building test StreamIDs/CommitIDs.
func HashPayload(payload []byte) [32]byte {
	return sha256.Sum256(payload)
}
