package relayfetch

import (
	"context"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/relayfetch/internal/paginate"
)

// FetchLatestEvents returns up to n events matching filter across
// relays, newest first (§4.7.2).
//
// Verification modes: with opts.SkipVerification the per-relay driver
// emits events unverified and they are returned as-is. Otherwise
// ReduceVerification is always in effect for this strategy (a false
// value is replaced by true when defaults are applied): the driver
// itself skips verification and the strategy re-verifies events in
// sorted order, returning the first n whose signature checks out —
// avoiding spending CPU on events that sorting will discard. This
// strategy has no mode in which the driver verifies every event.
func (f *Fetcher) FetchLatestEvents(ctx context.Context, relays []string, filter nostr.Filter, n int, opts FetchOpts) ([]*nostr.Event, error) {
	if err := validateLimit(n); err != nil {
		return nil, err
	}
	opts = opts.withDefaults(false, true)

	if validateRelaysWarn(f.opts.Logger, relays) {
		return nil, nil
	}

	driverSkipsVerification := opts.SkipVerification || opts.ReduceVerification
	eligible := f.eligibleRelays(ctx, relays, filter.Search != "", opts.ConnectTimeout)
	baseFilter, until := baseTimeRangeFilter(filter, TimeRange{})

	highWater := 0
	if opts.EnableBackpressure {
		highWater = backpressureHighWater(opts.LimitPerReq, len(eligible))
	}

	out := f.runFanIn(ctx, eligible, highWater, func(relay string, onEvent func(*nostr.Event), afterIteration func()) paginate.Config {
		remaining := n
		return paginate.Config{
			BaseFilter: baseFilter,
			StartUntil: until,
			NextLimit:  func() int { return opts.LimitPerReq },
			OnEvent: func(ev *nostr.Event) {
				remaining--
				onEvent(ev)
			},
			AfterIteration:            afterIteration,
			QuotaReached:              func() bool { return remaining <= 0 },
			SkipVerification:          driverSkipsVerification,
			AbortSubBeforeEoseTimeout: opts.AbortSubBeforeEoseTimeout,
			AbortSignal:               opts.AbortSignal,
		}
	})

	events := drain(out)
	sortDesc(events)

	if opts.SkipVerification {
		return firstN(events, n), nil
	}
	if opts.ReduceVerification {
		return verifyInSortedOrder(events, f.opts.Verify, n), nil
	}
	return firstN(events, n), nil
}

// FetchLastEvent is FetchLatestEvents with n=1, defaulting the
// no-progress timeout to 1s to minimize latency (§4.7.3). Returns nil
// if no matching event is found.
func (f *Fetcher) FetchLastEvent(ctx context.Context, relays []string, filter nostr.Filter, opts FetchOpts) (*nostr.Event, error) {
	opts = opts.withDefaults(true, true)
	events, err := f.FetchLatestEvents(ctx, relays, filter, 1, opts)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

func firstN(events []*nostr.Event, n int) []*nostr.Event {
	if len(events) <= n {
		return events
	}
	return events[:n]
}
