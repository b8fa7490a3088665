// Package typing tracks which users are typing, expiring each entry after
// a fixed idle window unless it is refreshed.
package typing

import (
	"slices"
	"sync"
	"time"
)

// DefaultTTL is how long a typing indicator lives without a refresh.
const DefaultTTL = 3 * time.Second

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Tracker is a set of typing user ids with one cancellable timer per user.
type Tracker struct {
	ttl      time.Duration
	onChange func(active []int64)

	mu      sync.Mutex
	entries map[int64]*entry
	nextGen uint64
	closed  bool
}

// NewTracker creates a Tracker. onChange, if non-nil, is called outside the
// lock with the sorted active set after every change.
func NewTracker(ttl time.Duration, onChange func(active []int64)) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		ttl:      ttl,
		onChange: onChange,
		entries:  make(map[int64]*entry),
	}
}

// Touch marks userID as typing and restarts its expiry timer.
func (t *Tracker) Touch(userID int64) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	e, existed := t.entries[userID]
	if existed {
		e.timer.Stop()
	} else {
		e = &entry{}
		t.entries[userID] = e
	}
	t.nextGen++
	gen := t.nextGen
	e.gen = gen
	e.timer = time.AfterFunc(t.ttl, func() { t.expire(userID, gen) })
	active := t.activeLocked()
	t.mu.Unlock()

	if !existed {
		t.notify(active)
	}
}

// Remove clears userID immediately.
func (t *Tracker) Remove(userID int64) {
	t.mu.Lock()
	e, ok := t.entries[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(t.entries, userID)
	active := t.activeLocked()
	t.mu.Unlock()

	t.notify(active)
}

// expire drops userID if gen is still its current timer. A refresh bumps
// the generation, so a timer that lost the race to Stop does nothing.
func (t *Tracker) expire(userID int64, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[userID]
	if !ok || e.gen != gen || t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.entries, userID)
	active := t.activeLocked()
	t.mu.Unlock()

	t.notify(active)
}

// Active returns the typing user ids in ascending order.
func (t *Tracker) Active() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked()
}

// IsTyping reports whether userID is currently typing.
func (t *Tracker) IsTyping(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[userID]
	return ok
}

// Close stops every timer. The Tracker ignores further Touch calls.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, id)
	}
	t.closed = true
}

func (t *Tracker) activeLocked() []int64 {
	ids := make([]int64, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (t *Tracker) notify(active []int64) {
	if t.onChange != nil {
		t.onChange(active)
	}
}
