// Package bucket implements the per-key capped accumulator the
// per-author strategies use to track how many events each author still
// needs before that author's latches can resolve.
package bucket

import "sync"

// State reports what an Add call did to a bucket.
type State int

const (
	// Open means the item was accepted and the bucket is still below cap.
	Open State = iota
	// Fulfilled means this insert reached the bucket's capacity.
	Fulfilled
	// Dropped means the key is unknown, or its bucket was already full.
	Dropped
)

type entry[T any] struct {
	ids   map[string]struct{}
	items []T
	done  bool
}

// Table is a per-key bounded accumulator. Every key shares the same
// capacity, set at construction.
type Table[T any] struct {
	mu      sync.Mutex
	cap     int
	idOf    func(T) string
	entries map[string]*entry[T]
}

// New builds a Table over keys, each capped at capPerKey items. idOf
// extracts a dedup id from an item so repeated inserts for the same
// item don't consume capacity twice.
func New[T any](keys []string, capPerKey int, idOf func(T) string) *Table[T] {
	t := &Table[T]{
		cap:     capPerKey,
		idOf:    idOf,
		entries: make(map[string]*entry[T], len(keys)),
	}
	for _, k := range keys {
		t.entries[k] = &entry[T]{ids: make(map[string]struct{})}
	}
	return t
}

// Add inserts item under key. Returns Fulfilled on the insert that
// reaches capacity (with the bucket's full contents), Open while still
// below it, and Dropped for an unknown key or one already at cap. A
// duplicate item (by idOf) is accepted without consuming capacity and
// reports Open.
func (t *Table[T]) Add(key string, item T) (State, []T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok || e.done {
		return Dropped, nil
	}

	id := t.idOf(item)
	if _, seen := e.ids[id]; seen {
		return Open, nil
	}
	e.ids[id] = struct{}{}
	e.items = append(e.items, item)

	if len(e.items) >= t.cap {
		e.done = true
		out := make([]T, len(e.items))
		copy(out, e.items)
		return Fulfilled, out
	}
	return Open, nil
}

// GetBucket returns key's current contents, or ok=false if key is unknown.
func (t *Table[T]) GetBucket(key string) (items []T, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	out := make([]T, len(e.items))
	copy(out, e.items)
	return out, true
}

// CalcKeysAndLimitForNextReq returns every not-yet-fulfilled key and the
// sum of remaining capacity across them — the authors and limit to use
// for the next REQ.
func (t *Table[T]) CalcKeysAndLimitForNextReq() (keys []string, limit int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, e := range t.entries {
		if e.done {
			continue
		}
		keys = append(keys, k)
		limit += t.cap - len(e.items)
	}
	return keys, limit
}

// AllFulfilled reports whether every key's bucket has reached capacity.
func (t *Table[T]) AllFulfilled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if !e.done {
			return false
		}
	}
	return true
}

// ResolveRemaining force-fulfills every not-yet-fulfilled key with its
// current contents and returns key -> contents for those keys. Used when
// a relay terminates early and its owned latches must still resolve.
func (t *Table[T]) ResolveRemaining() map[string][]T {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string][]T)
	for k, e := range t.entries {
		if e.done {
			continue
		}
		e.done = true
		items := make([]T, len(e.items))
		copy(items, e.items)
		out[k] = items
	}
	return out
}
