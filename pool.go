package relayfetch

import (
	"context"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/relayfetch/internal/pool"
)

// FetchTillEoseOpts configures one sub-request against one relay.
type FetchTillEoseOpts struct {
	SkipVerification          bool
	ConnectTimeout            time.Duration
	AbortSubBeforeEoseTimeout time.Duration
	AbortSignal               <-chan struct{}
	SubID                     string
}

// RelayPool is the injected transport capability: connection
// management plus the per-relay subscription driver (C6). The default
// implementation (NewDefaultPool) speaks the Nostr wire protocol
// directly over github.com/coder/websocket.
type RelayPool interface {
	// EnsureRelays returns the subset of urls successfully connected
	// within connectTimeout. Idempotent; may reuse connections.
	EnsureRelays(ctx context.Context, urls []string, connectTimeout time.Duration) []string
	// FetchTillEose streams events matching filter from url until EOSE,
	// NOTICE, no-progress timeout, abort, or transport error. The
	// returned channel is always closed by the producer; errCh carries
	// at most one error, only when the sub-request fails rather than
	// ending cleanly: url not connected, or a transport error (§4.4.8).
	FetchTillEose(ctx context.Context, url string, filter nostr.Filter, opts FetchTillEoseOpts) (<-chan *nostr.Event, <-chan error)
	// Shutdown closes every connection the pool holds.
	Shutdown()
}

// defaultPool adapts internal/pool.Driver to the RelayPool contract.
type defaultPool struct {
	driver *pool.Driver
}

// NewDefaultPool builds the library's own WebSocket-backed RelayPool.
// verify checks an event's signature; pass nil to use the package's
// Schnorr/secp256k1 verifier.
func NewDefaultPool(log *slog.Logger, verify func(*nostr.Event) bool) RelayPool {
	if verify == nil {
		verify = defaultVerify
	}
	return &defaultPool{driver: pool.New(log, verify)}
}

func (p *defaultPool) EnsureRelays(ctx context.Context, urls []string, connectTimeout time.Duration) []string {
	return p.driver.EnsureRelays(ctx, urls, connectTimeout)
}

func (p *defaultPool) FetchTillEose(ctx context.Context, url string, filter nostr.Filter, opts FetchTillEoseOpts) (<-chan *nostr.Event, <-chan error) {
	return p.driver.FetchTillEose(ctx, url, filter, pool.FetchOpts{
		SkipVerification:          opts.SkipVerification,
		AbortSubBeforeEoseTimeout: opts.AbortSubBeforeEoseTimeout,
		AbortSignal:               opts.AbortSignal,
		SubID:                     opts.SubID,
	})
}

func (p *defaultPool) Shutdown() {
	p.driver.Shutdown()
}

// defaultVerify checks ev's Schnorr signature over its canonical id
// using go-nostr's own implementation.
func defaultVerify(ev *nostr.Event) bool {
	ok, err := ev.CheckSignature()
	return err == nil && ok
}
