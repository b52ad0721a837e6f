// Package cache implements StateCache: a bounded LRU of RunningStates plus
// a non-evictable "endured" set with per-entry refcounts. The eviction side
// is grounded on github.com/hashicorp/golang-lru's Cache with an eviction
// callback (the same library the wider corpus's Ethereum clients use for
// their block/state caches); the endured side is a plain mutex-guarded map,
// per the spec's "model the cache as two collections" design note.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/streamstore/streamstore"
	"github.com/streamstore/streamstore/state"
)

var (
	evictableSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamstore_cache_evictable_size",
		Help: "Current number of evictable entries held in the state cache.",
	})
	enduredSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamstore_cache_endured_size",
		Help: "Current number of endured (non-evictable) entries held in the state cache.",
	})
	evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamstore_cache_evictions_total",
		Help: "Total number of entries evicted from the evictable set.",
	})
)

type enduredEntry struct {
	value    *state.RunningState
	refcount int
}

// StateCache is a bounded LRU of RunningStates plus an unbounded endured
// set. Eviction only ever touches the evictable set and never runs while
// its size is at or below the configured limit.
type StateCache struct {
	mu            sync.Mutex
	limit         int
	evictLRU      *lru.Cache
	endured       map[streamstore.StreamID]*enduredEntry
	onEvict       func(streamstore.StreamID, *state.RunningState)
	suppressEvict bool
	log           *log.Entry
}

// New returns a StateCache that evicts down to limit evictable entries,
// completing each RunningState it evicts and then invoking onEvict, if
// non-nil, for it.
func New(limit int, onEvict func(streamstore.StreamID, *state.RunningState)) *StateCache {
	c := &StateCache{
		limit:   limit,
		endured: make(map[streamstore.StreamID]*enduredEntry),
		onEvict: onEvict,
		log:     log.WithField("component", "state-cache"),
	}
	evictLRU, err := lru.NewWithEvict(limit, func(key, value interface{}) {
		c.handleEviction(key.(streamstore.StreamID), value.(*state.RunningState))
	})
	if err != nil {
		// Only returned by golang-lru when size <= 0; callers pass a static
		// configured limit, so fall back to a single-entry cache rather than
		// panicking on a misconfiguration.
		evictLRU, _ = lru.NewWithEvict(1, func(key, value interface{}) {
			c.handleEviction(key.(streamstore.StreamID), value.(*state.RunningState))
		})
	}
	c.evictLRU = evictLRU
	return c
}

func (c *StateCache) handleEviction(id streamstore.StreamID, rs *state.RunningState) {
	if c.suppressEvict {
		return
	}
	evictions.Inc()
	if n := rs.SubscriberCount(); n > 0 {
		c.log.WithField("stream_id", id.String()).
			Warnf("evicting running state with %d active subscriber(s); Updates should have endured it", n)
	}
	rs.Complete()
	if c.onEvict != nil {
		c.onEvict(id, rs)
	}
}

// Get returns the RunningState for id, from either the evictable or
// endured set, marking it most-recently-used if evictable.
func (c *StateCache) Get(id streamstore.StreamID) (*state.RunningState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.endured[id]; ok {
		return e.value, true
	}
	if v, ok := c.evictLRU.Get(id); ok {
		return v.(*state.RunningState), true
	}
	return nil, false
}

// Set inserts or refreshes an evictable entry. If id is already endured,
// its value is refreshed in place and its endured status is left
// untouched: Set never downgrades an endured entry.
func (c *StateCache) Set(id streamstore.StreamID, rs *state.RunningState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.endured[id]; ok {
		e.value = rs
		return
	}
	c.evictLRU.Add(id, rs)
	c.updateGauges()
}

// Endure moves id into the endured set, incrementing its refcount. If id
// was evictable it is promoted (removed from the LRU) with refcount 1; if
// already endured its refcount increases and its value is left as-is
// unless rs is non-nil, in which case it is refreshed.
func (c *StateCache) Endure(id streamstore.StreamID, rs *state.RunningState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.endured[id]; ok {
		e.refcount++
		if rs != nil {
			e.value = rs
		}
		return
	}

	if v, ok := c.evictLRU.Peek(id); ok {
		// Promotion is not an eviction: keep golang-lru's Remove from
		// completing the RunningState via handleEviction.
		c.suppressEvict = true
		c.evictLRU.Remove(id)
		c.suppressEvict = false
		value := v.(*state.RunningState)
		if rs != nil {
			value = rs
		}
		c.endured[id] = &enduredEntry{value: value, refcount: 1}
		c.updateGauges()
		return
	}

	if rs == nil {
		return
	}
	c.endured[id] = &enduredEntry{value: rs, refcount: 1}
	c.updateGauges()
}

// Free decrements id's endured refcount. At zero, the entry becomes
// evictable again (moved back into the LRU). Calling Free on a key that is
// not endured is a no-op.
func (c *StateCache) Free(id streamstore.StreamID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.endured[id]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount > 0 {
		return
	}
	delete(c.endured, id)
	c.evictLRU.Add(id, e.value)
	c.updateGauges()
}

// Delete removes id from both the evictable and endured sets without
// invoking the eviction callback or counting as an eviction.
func (c *StateCache) Delete(id streamstore.StreamID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.endured, id)
	c.suppressEvict = true
	c.evictLRU.Remove(id)
	c.suppressEvict = false
	c.updateGauges()
}

// Iterate calls fn for every entry in both the evictable and endured sets,
// stopping early if fn returns false.
func (c *StateCache) Iterate(fn func(streamstore.StreamID, *state.RunningState) bool) {
	c.mu.Lock()
	entries := make(map[streamstore.StreamID]*state.RunningState, len(c.endured)+c.evictLRU.Len())
	for id, e := range c.endured {
		entries[id] = e.value
	}
	for _, k := range c.evictLRU.Keys() {
		id := k.(streamstore.StreamID)
		if v, ok := c.evictLRU.Peek(id); ok {
			entries[id] = v.(*state.RunningState)
		}
	}
	c.mu.Unlock()

	for id, rs := range entries {
		if !fn(id, rs) {
			return
		}
	}
}

// updateGauges refreshes the cache-size metrics. Callers must hold c.mu.
func (c *StateCache) updateGauges() {
	evictableSize.Set(float64(c.evictLRU.Len()))
	enduredSize.Set(float64(len(c.endured)))
}
