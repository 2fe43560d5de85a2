// Package paginate implements the per-relay pagination loop (C7): it
// drives a relay backwards through time via shrinking `until` values
// until the relay is exhausted, an abort fires, or a caller-supplied
// quota is reached.
package paginate

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Opts mirrors the per-sub-request options the relay driver accepts.
type Opts struct {
	SkipVerification          bool
	AbortSubBeforeEoseTimeout time.Duration
	AbortSignal               <-chan struct{}
	SubID                     string
}

// RelayDriver is the subset of the injected pool the pagination loop
// drives directly (C6).
type RelayDriver interface {
	FetchTillEose(ctx context.Context, url string, filter nostr.Filter, opts Opts) (<-chan *nostr.Event, <-chan error)
}

// Config describes one relay's pagination run within one fetch call.
type Config struct {
	// BaseFilter is forwarded on every request; only Until, Limit, and
	// (for per-author strategies) Authors are overwritten per iteration.
	BaseFilter nostr.Filter
	// StartUntil seeds the first request's until bound.
	StartUntil int64

	// NextAuthorsAndLimit, when non-nil, is consulted each iteration for
	// the per-author strategies: it returns the authors still needing
	// events and the summed remaining capacity across them. An empty
	// authors slice ends the loop (every author already fulfilled).
	NextAuthorsAndLimit func() (authors []string, limit int)
	// NextLimit supplies the request limit when NextAuthorsAndLimit is
	// nil (the non-per-author strategies).
	NextLimit func() int

	// OnEvent is called, in delivery order, for every event new to this
	// relay's local dedup set.
	OnEvent func(ev *nostr.Event)
	// AfterIteration runs once per sub-request after its events have
	// been processed, before the next request is built (or the loop
	// ends). Used to apply fan-in backpressure.
	AfterIteration func()
	// QuotaReached, when non-nil, ends the loop (cleanly) once true.
	QuotaReached func() bool

	SkipVerification          bool
	AbortSubBeforeEoseTimeout time.Duration
	AbortSignal               <-chan struct{}
}

const maxRequestLimit = 5000

// Loop drives one relay for one fetch call.
type Loop struct {
	driver RelayDriver
	relay  string
	log    *slog.Logger
}

// New builds a Loop over driver for relay.
func New(driver RelayDriver, relay string, log *slog.Logger) *Loop {
	return &Loop{driver: driver, relay: relay, log: log}
}

// Run executes the pagination loop until termination per §4.5. Returns
// a non-nil error only when the relay driver reported a per-relay
// transport error (§4.4.8); all other terminations are clean.
func (l *Loop) Run(ctx context.Context, cfg Config) error {
	nextUntil := cfg.StartUntil
	localSeen := make(map[string]struct{})

	for {
		if aborted(cfg.AbortSignal) {
			return nil
		}
		if cfg.QuotaReached != nil && cfg.QuotaReached() {
			return nil
		}

		filter := cfg.BaseFilter
		until := nostr.Timestamp(nextUntil)
		filter.Until = &until

		var limit int
		if cfg.NextAuthorsAndLimit != nil {
			authors, lim := cfg.NextAuthorsAndLimit()
			if len(authors) == 0 {
				return nil
			}
			filter.Authors = authors
			limit = lim
		} else {
			limit = cfg.NextLimit()
		}
		if limit <= 0 {
			return nil
		}
		if limit > maxRequestLimit {
			limit = maxRequestLimit
		}
		filter.Limit = limit

		events, errs := l.driver.FetchTillEose(ctx, l.relay, filter, Opts{
			SkipVerification:          cfg.SkipVerification,
			AbortSubBeforeEoseTimeout: cfg.AbortSubBeforeEoseTimeout,
			AbortSignal:               cfg.AbortSignal,
		})

		gotNew := false
		oldest := int64(math.MaxInt64)
		for ev := range events {
			if _, seen := localSeen[ev.ID]; seen {
				continue
			}
			localSeen[ev.ID] = struct{}{}
			gotNew = true
			if int64(ev.CreatedAt) < oldest {
				oldest = int64(ev.CreatedAt)
			}
			cfg.OnEvent(ev)
		}

		select {
		case err := <-errs:
			if err != nil {
				l.log.Debug("pagination loop: relay error", "relay", l.relay, "err", err)
				return err
			}
		default:
		}

		if cfg.AfterIteration != nil {
			cfg.AfterIteration()
		}

		if !gotNew {
			return nil
		}
		if cfg.QuotaReached != nil && cfg.QuotaReached() {
			return nil
		}
		if aborted(cfg.AbortSignal) {
			return nil
		}

		// The +1 tolerates both inclusive and exclusive relay semantics
		// for `until`; local dedup absorbs the at-most-one re-delivery
		// this can cause. Do not subtract instead: that silently drops
		// events on inclusive relays.
		nextUntil = oldest + 1
	}
}

func aborted(sig <-chan struct{}) bool {
	if sig == nil {
		return false
	}
	select {
	case <-sig:
		return true
	default:
		return false
	}
}
