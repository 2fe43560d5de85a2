// Package matrix implements the key x relay latch grid used by the
// per-author strategies to let each relay worker signal, independently,
// that it has finished (or abandoned) a given author's bucket.
package matrix

import "github.com/sandwichfarm/relayfetch/internal/latch"

// Matrix is a read-only-after-build grid of one Latch[T] per (key, relay)
// pair. It is assembled once via Build and then only read, so it carries
// no mutex of its own; each Latch already synchronizes its own state.
type Matrix[T any] struct {
	byKey map[string]map[string]*latch.Latch[T]
}

// Build constructs a Matrix from a relay -> keys map: for every relay and
// every key it serves, one fresh unresolved latch is created.
func Build[T any](relayToKeys map[string][]string) *Matrix[T] {
	m := &Matrix[T]{byKey: make(map[string]map[string]*latch.Latch[T])}
	for relay, keys := range relayToKeys {
		for _, key := range keys {
			byRelay, ok := m.byKey[key]
			if !ok {
				byRelay = make(map[string]*latch.Latch[T])
				m.byKey[key] = byRelay
			}
			byRelay[relay] = latch.New[T]()
		}
	}
	return m
}

// Get returns the latch for (key, relay), or ok=false if that pair was
// never built.
func (m *Matrix[T]) Get(key, relay string) (l *latch.Latch[T], ok bool) {
	byRelay, ok := m.byKey[key]
	if !ok {
		return nil, false
	}
	l, ok = byRelay[relay]
	return l, ok
}

// LatchesForKey returns every relay's latch for key, in no particular
// order.
func (m *Matrix[T]) LatchesForKey(key string) []*latch.Latch[T] {
	byRelay, ok := m.byKey[key]
	if !ok {
		return nil
	}
	out := make([]*latch.Latch[T], 0, len(byRelay))
	for _, l := range byRelay {
		out = append(out, l)
	}
	return out
}

// RelaysForKey returns the relays that were built to serve key.
func (m *Matrix[T]) RelaysForKey(key string) []string {
	byRelay, ok := m.byKey[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(byRelay))
	for relay := range byRelay {
		out = append(out, relay)
	}
	return out
}

// Keys returns every key the matrix was built with.
func (m *Matrix[T]) Keys() []string {
	out := make([]string, 0, len(m.byKey))
	for key := range m.byKey {
		out = append(out, key)
	}
	return out
}
