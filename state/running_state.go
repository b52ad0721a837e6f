// Package state implements RunningState, the live observable wrapper
// around a stream's current StreamState. Its subscribe/publish shape is
// grounded on the teacher's endpoint_publisher.go: a last-value-caching
// broadcast to a set of subscriber channels, with no back-pressure beyond
// a per-subscriber buffer.
package state

import (
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/streamstore/streamstore"
)

// Subscription is the handle returned by Subscribe, passed back to
// Unsubscribe to stop receiving updates.
type Subscription struct {
	id uuid.UUID
}

// subscriber guards its own channel with its own mutex, independent of the
// owning RunningState's lock, so that a send in Next and a close in
// Unsubscribe/Complete can never race: both take sub.mu, and send checks
// closed before writing to events.
type subscriber struct {
	mu     sync.Mutex
	closed bool
	events chan streamstore.StreamState
}

func (s *subscriber) send(v streamstore.StreamState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- v
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// RunningState is the live, observable wrapper around one stream's current
// StreamState. At most one RunningState exists per StreamID across a
// Repository at any time; all subscribers of the same stream share the
// same instance.
type RunningState struct {
	mu          sync.RWMutex
	id          streamstore.StreamID
	current     streamstore.StreamState
	isPinned    bool
	completed   bool
	subscribers map[uuid.UUID]*subscriber
	log         *log.Entry
}

// New wraps initial as the current state of a freshly materialised stream.
func New(id streamstore.StreamID, initial streamstore.StreamState, pinned bool) *RunningState {
	return &RunningState{
		id:          id,
		current:     initial,
		isPinned:    pinned,
		subscribers: make(map[uuid.UUID]*subscriber),
		log: log.WithFields(log.Fields{
			"component": "running-state",
			"stream_id": id.String(),
		}),
	}
}

// StreamID returns the identifier this RunningState was created for.
func (rs *RunningState) StreamID() streamstore.StreamID {
	return rs.id
}

// Current returns a snapshot of the current StreamState.
func (rs *RunningState) Current() streamstore.StreamState {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.current
}

// IsPinned reports whether this running state is currently pinned.
func (rs *RunningState) IsPinned() bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.isPinned
}

// SetPinned updates the pinned flag. It does not itself touch any store;
// callers (the Repository) are responsible for keeping the pin store in
// sync.
func (rs *RunningState) SetPinned(pinned bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.isPinned = pinned
}

// IsComplete reports whether Complete has been called.
func (rs *RunningState) IsComplete() bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.completed
}

// SubscriberCount returns the number of live observers.
func (rs *RunningState) SubscriberCount() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.subscribers)
}

// Next atomically replaces the current state and emits it to every
// subscriber, provided newState is not observably equal to the current
// state (see StreamState.EqualObservable) and the RunningState has not
// completed. It reports whether an emission occurred.
func (rs *RunningState) Next(newState streamstore.StreamState) bool {
	rs.mu.Lock()
	if rs.completed {
		rs.mu.Unlock()
		return false
	}
	if rs.current.EqualObservable(newState) {
		rs.mu.Unlock()
		return false
	}
	rs.current = newState

	subs := make([]*subscriber, 0, len(rs.subscribers))
	for _, sub := range rs.subscribers {
		subs = append(subs, sub)
	}
	rs.mu.Unlock()

	for _, sub := range subs {
		sub.send(newState)
	}
	return true
}

// Subscribe registers a new observer and returns a channel that receives
// the current state immediately, then every subsequent emission. buffer
// controls how many pending states the subscriber channel will hold before
// a send blocks the publisher; callers that cannot guarantee prompt
// draining should pick a buffer large enough to absorb bursts.
func (rs *RunningState) Subscribe(buffer int) (<-chan streamstore.StreamState, Subscription) {
	if buffer <= 0 {
		buffer = 1
	}
	sub := &subscriber{events: make(chan streamstore.StreamState, buffer)}

	rs.mu.Lock()
	id := uuid.New()
	current := rs.current
	completed := rs.completed
	if !completed {
		rs.subscribers[id] = sub
	}
	rs.mu.Unlock()

	sub.send(current)
	if completed {
		sub.close()
	}

	return sub.events, Subscription{id: id}
}

// Unsubscribe removes a previously registered observer. It is safe to call
// more than once; subsequent calls are no-ops.
func (rs *RunningState) Unsubscribe(sub Subscription) {
	rs.mu.Lock()
	s, ok := rs.subscribers[sub.id]
	if ok {
		delete(rs.subscribers, sub.id)
	}
	rs.mu.Unlock()
	if ok {
		s.close()
	}
}

// Complete marks the RunningState terminal: no further emissions occur,
// and every current subscriber's channel is closed. Idempotent.
func (rs *RunningState) Complete() {
	rs.mu.Lock()
	if rs.completed {
		rs.mu.Unlock()
		return
	}
	rs.completed = true
	warn := len(rs.subscribers) > 0
	subs := make([]*subscriber, 0, len(rs.subscribers))
	for id, sub := range rs.subscribers {
		subs = append(subs, sub)
		delete(rs.subscribers, id)
	}
	rs.mu.Unlock()

	if warn {
		rs.log.Warn("completing running state with active subscribers")
	}
	for _, sub := range subs {
		sub.close()
	}
}
