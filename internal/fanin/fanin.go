// Package fanin implements the multi-relay fan-in orchestrator (C8):
// global dedup across relay workers, plus the worker-group lifecycle
// that closes the shared output queue once every relay has finished.
package fanin

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sandwichfarm/relayfetch/internal/queue"
)

// Dedup is the global-seen set shared across every relay worker in one
// fetch call.
type Dedup struct {
	seen *xsync.MapOf[string, struct{}]
}

// NewDedup builds an empty Dedup.
func NewDedup() *Dedup {
	return &Dedup{seen: xsync.NewMapOf[string, struct{}]()}
}

// ClaimNew reports whether id had not yet been seen, atomically marking
// it seen either way. Only the caller that gets true should forward the
// event onward.
func (d *Dedup) ClaimNew(id string) bool {
	_, loaded := d.seen.LoadOrStore(id, struct{}{})
	return !loaded
}

// Run launches one goroutine per relay executing runRelay(relay), and
// closes q once every relay worker has returned. Run itself does not
// block; the caller drains q.Iterate() concurrently.
func Run[T any](q *queue.Queue[T], relays []string, runRelay func(relay string)) {
	var wg sync.WaitGroup
	for _, relay := range relays {
		relay := relay
		wg.Add(1)
		go func() {
			defer wg.Done()
			runRelay(relay)
		}()
	}
	go func() {
		wg.Wait()
		q.Close()
	}()
}
