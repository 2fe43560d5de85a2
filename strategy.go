package relayfetch

import (
	"context"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/relayfetch/internal/fanin"
	"github.com/sandwichfarm/relayfetch/internal/paginate"
	"github.com/sandwichfarm/relayfetch/internal/queue"
)

// TimeRange bounds a fetch, both ends optional. A nil Until defaults to
// the current wall-clock time at fetch start.
type TimeRange struct {
	Since *int64
	Until *int64
}

// poolAdapter lets paginate.Loop drive a Fetcher's RelayPool without
// internal/paginate importing this package (which would cycle back
// through it).
type poolAdapter struct{ pool RelayPool }

func (a poolAdapter) FetchTillEose(ctx context.Context, url string, filter nostr.Filter, opts paginate.Opts) (<-chan *nostr.Event, <-chan error) {
	return a.pool.FetchTillEose(ctx, url, filter, FetchTillEoseOpts{
		SkipVerification:          opts.SkipVerification,
		AbortSubBeforeEoseTimeout: opts.AbortSubBeforeEoseTimeout,
		AbortSignal:               opts.AbortSignal,
		SubID:                     opts.SubID,
	})
}

func backpressureHighWater(limitPerReq, relayCount int) int {
	hw := limitPerReq * relayCount
	if hw < defaultBackpressureFloor {
		hw = defaultBackpressureFloor
	}
	return hw
}

// baseTimeRangeFilter copies filter and applies since/until, per §3:
// the core mutates only authors/since/until/limit during pagination;
// every other field is forwarded verbatim.
func baseTimeRangeFilter(filter nostr.Filter, tr TimeRange) (nostr.Filter, int64) {
	out := filter
	if tr.Since != nil {
		since := nostr.Timestamp(*tr.Since)
		out.Since = &since
	}
	until := time.Now().Unix()
	if tr.Until != nil {
		until = *tr.Until
	}
	return out, until
}

// runFanIn wires one relay set through the fan-in orchestrator (C8)
// using buildCfg to shape each relay's pagination Config, and returns
// the caller-facing event channel. The channel is always closed once
// every relay worker and the underlying queue have drained.
func (f *Fetcher) runFanIn(ctx context.Context, relays []string, highWater int, buildCfg func(relay string, onEvent func(*nostr.Event), afterIteration func()) paginate.Config) <-chan *nostr.Event {
	q := queue.New[*nostr.Event](highWater)
	dedup := fanin.NewDedup()

	fanin.Run(q, relays, func(relay string) {
		loop := paginate.New(poolAdapter{f.pool}, relay, f.opts.Logger)
		onEvent := func(ev *nostr.Event) {
			if dedup.ClaimNew(ev.ID) {
				q.Send(ev)
			}
		}
		afterIteration := func() {
			if highWater > 0 {
				q.WaitUntilDrained()
			}
		}
		cfg := buildCfg(relay, onEvent, afterIteration)
		if err := loop.Run(ctx, cfg); err != nil {
			f.opts.Logger.Debug("relayfetch: relay dropped", "relay", relay, "err", err)
		}
	})

	end := f.beginFetch()
	out := make(chan *nostr.Event)
	go func() {
		defer close(out)
		defer end()
		for ev := range q.Iterate() {
			out <- ev
		}
	}()
	return out
}

// AllEventsIterator streams every event matching filter across relays
// within tr, deduplicated, in unspecified order (§4.7.1).
func (f *Fetcher) AllEventsIterator(ctx context.Context, relays []string, filter nostr.Filter, tr TimeRange, opts FetchOpts) (<-chan *nostr.Event, error) {
	if err := validateTimeRange(tr.Since, tr.Until); err != nil {
		return nil, err
	}
	opts = opts.withDefaults(false, false)

	if validateRelaysWarn(f.opts.Logger, relays) {
		return closedEventChan(), nil
	}

	eligible := f.eligibleRelays(ctx, relays, filter.Search != "", opts.ConnectTimeout)
	baseFilter, until := baseTimeRangeFilter(filter, tr)

	highWater := 0
	limitPerReq := opts.LimitPerReq
	if opts.EnableBackpressure {
		highWater = backpressureHighWater(limitPerReq, len(eligible))
	}

	out := f.runFanIn(ctx, eligible, highWater, func(relay string, onEvent func(*nostr.Event), afterIteration func()) paginate.Config {
		return paginate.Config{
			BaseFilter:                baseFilter,
			StartUntil:                until,
			NextLimit:                 func() int { return limitPerReq },
			OnEvent:                   onEvent,
			AfterIteration:            afterIteration,
			SkipVerification:          opts.SkipVerification,
			AbortSubBeforeEoseTimeout: opts.AbortSubBeforeEoseTimeout,
			AbortSignal:               opts.AbortSignal,
		}
	})
	return out, nil
}

// FetchAllEvents drains AllEventsIterator into a slice, sorting by
// created_at descending when opts.Sort is set.
func (f *Fetcher) FetchAllEvents(ctx context.Context, relays []string, filter nostr.Filter, tr TimeRange, opts FetchOpts) ([]*nostr.Event, error) {
	ch, err := f.AllEventsIterator(ctx, relays, filter, tr, opts)
	if err != nil {
		return nil, err
	}
	events := drain(ch)
	if opts.Sort {
		sortDesc(events)
	}
	return events, nil
}

func closedEventChan() <-chan *nostr.Event {
	ch := make(chan *nostr.Event)
	close(ch)
	return ch
}

func drain(ch <-chan *nostr.Event) []*nostr.Event {
	var out []*nostr.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

// sortDesc sorts by created_at descending; ties keep arrival order
// (stable sort, per §5's ordering guarantees).
func sortDesc(events []*nostr.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})
}

func verifyInSortedOrder(events []*nostr.Event, verify func(*nostr.Event) bool, n int) []*nostr.Event {
	out := make([]*nostr.Event, 0, n)
	for _, ev := range events {
		if len(out) >= n {
			break
		}
		if verify(ev) {
			out = append(out, ev)
		}
	}
	return out
}
