// Package relayfetch fetches historical events from a federation of
// Nostr relays over WebSocket: a caller supplies relay URLs, a filter,
// and a time range, and gets back a deduplicated stream of matching
// events, with per-relay pagination, connection failures, signature
// verification, and cancellation handled underneath.
package relayfetch

import (
	"context"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

const nip50Search = 50

// Fetcher is the entry point: one Fetcher owns a RelayPool and a
// RelayCapChecker for its whole lifetime, until Shutdown.
type Fetcher struct {
	opts     Options
	pool     RelayPool
	caps     RelayCapChecker
	inFlight atomic.Int64
}

// New builds a Fetcher with the library's own WebSocket-backed pool and
// NIP-11 capability cache.
func New(opts Options) *Fetcher {
	opts = opts.withDefaults()
	return &Fetcher{
		opts: opts,
		pool: NewDefaultPool(opts.Logger, opts.Verify),
		caps: newCapabilityCache(opts.Logger),
	}
}

// WithCustomPool builds a Fetcher over a caller-supplied RelayPool,
// optionally with a caller-supplied RelayCapChecker (nil uses the
// default NIP-11 cache, still probing through plain HTTP regardless of
// which pool drives the WebSocket side).
func WithCustomPool(pool RelayPool, opts Options, caps RelayCapChecker) *Fetcher {
	opts = opts.withDefaults()
	if caps == nil {
		caps = newCapabilityCache(opts.Logger)
	}
	return &Fetcher{opts: opts, pool: pool, caps: caps}
}

// Shutdown delegates to the pool to close every connection. In-flight
// fetches observe connection errors and terminate cleanly.
func (f *Fetcher) Shutdown() {
	f.pool.Shutdown()
}

// Stats is a cheap snapshot of the Fetcher's current activity.
type Stats struct {
	InFlightFetches int64
}

// Stats reports the number of strategy calls currently in progress.
func (f *Fetcher) Stats() Stats {
	return Stats{InFlightFetches: f.inFlight.Load()}
}

// NormalizeRelayURL canonicalizes a relay URL for deduplication:
// lowercases scheme and host, and drops a default port (80 for ws, 443
// for wss). Malformed input is returned unchanged.
func NormalizeRelayURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "wss" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	case u.Scheme == "ws" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	}
	u.Host = host
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// requiredNipsFor returns the NIPs a filter demands of a relay: NIP-50
// when a search term is present, per §4.7 (presently the only required
// capability).
func requiredNipsFor(hasSearch bool) []int {
	if hasSearch {
		return []int{nip50Search}
	}
	return nil
}

// eligibleRelays connects to relays within connectTimeout and filters
// the connected subset by the capabilities filter demands, per the
// common preamble described in §4.7.
func (f *Fetcher) eligibleRelays(ctx context.Context, relays []string, hasSearch bool, connectTimeout time.Duration) []string {
	connected := f.pool.EnsureRelays(ctx, relays, connectTimeout)
	required := requiredNipsFor(hasSearch)
	if len(required) == 0 {
		return connected
	}

	eligible := make([]string, 0, len(connected))
	for _, relay := range connected {
		if f.caps.RelaySupportsNips(ctx, relay, required) {
			eligible = append(eligible, relay)
		}
	}
	return eligible
}

func (f *Fetcher) beginFetch() func() {
	f.inFlight.Add(1)
	return func() { f.inFlight.Add(-1) }
}
