package engine

import (
	"slices"
	"sync"
)

// KeyLimiter serializes runs that share a concurrency key. At most one run
// holds a key at a time; other runs asking for it wait in FIFO order.
//
// The holder keeps the key across its own retries and gives it up only when
// it reaches a terminal state. Release hands the key straight to the next
// waiter so no newcomer can overtake it.
type KeyLimiter struct {
	mu      sync.Mutex
	holders map[string]string
	waiting map[string][]string
}

// NewKeyLimiter returns an empty limiter.
func NewKeyLimiter() *KeyLimiter {
	return &KeyLimiter{
		holders: make(map[string]string),
		waiting: make(map[string][]string),
	}
}

// Acquire grants key to runID if it is free or already held by runID.
// Otherwise runID is parked behind the current holder and false is
// returned. Parking the same run twice is a no-op.
func (l *KeyLimiter) Acquire(key, runID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	holder, held := l.holders[key]
	if !held || holder == runID {
		l.holders[key] = runID
		return true
	}
	if !slices.Contains(l.waiting[key], runID) {
		l.waiting[key] = append(l.waiting[key], runID)
	}
	return false
}

// Release gives up key if runID holds it. When another run is waiting, the
// key passes to it and its id is returned so the caller can schedule it.
// Releasing a key held by someone else only removes runID from the queue.
func (l *KeyLimiter) Release(key, runID string) (next string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holders[key] != runID {
		l.waiting[key] = slices.DeleteFunc(l.waiting[key], func(id string) bool { return id == runID })
		if len(l.waiting[key]) == 0 {
			delete(l.waiting, key)
		}
		return ""
	}

	queue := l.waiting[key]
	if len(queue) == 0 {
		delete(l.holders, key)
		delete(l.waiting, key)
		return ""
	}
	next = queue[0]
	l.holders[key] = next
	if len(queue) == 1 {
		delete(l.waiting, key)
	} else {
		l.waiting[key] = queue[1:]
	}
	return next
}

// Holder returns the run currently holding key.
func (l *KeyLimiter) Holder(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.holders[key]
	return h, ok
}

// Waiting returns the number of runs parked on key.
func (l *KeyLimiter) Waiting(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiting[key])
}
