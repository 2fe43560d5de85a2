package relayfetch

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/relayfetch/internal/bucket"
	"github.com/sandwichfarm/relayfetch/internal/matrix"
	"github.com/sandwichfarm/relayfetch/internal/paginate"
)

// AuthorRelays pairs one author (a pubkey) with the relays known to
// carry their events.
type AuthorRelays struct {
	Author string
	Relays []string
}

// AuthorsAndRelays is the per-author strategies' input: either a
// uniform author set fanned across one relay list, or a sparse
// per-author mapping (§4.7.4).
type AuthorsAndRelays struct {
	entries []AuthorRelays
}

// UniformAuthorsAndRelays queries every author against every relay in
// relayURLs.
func UniformAuthorsAndRelays(authors, relayURLs []string) AuthorsAndRelays {
	entries := make([]AuthorRelays, len(authors))
	for i, a := range authors {
		entries[i] = AuthorRelays{Author: a, Relays: relayURLs}
	}
	return AuthorsAndRelays{entries: entries}
}

// SparseAuthorsAndRelays queries each author only against its own
// listed relays.
func SparseAuthorsAndRelays(entries []AuthorRelays) AuthorsAndRelays {
	return AuthorsAndRelays{entries: entries}
}

// AuthorEvents is one author's merged, sorted result from a per-author
// fetch.
type AuthorEvents struct {
	Author string
	Events []*nostr.Event
}

// AuthorEvent is one author's result from the singleton per-author
// fetch; Event is nil if no matching event was found.
type AuthorEvent struct {
	Author string
	Event  *nostr.Event
}

// FetchLatestEventsPerAuthor returns, for each author in in, up to n of
// their latest events across the relays known to carry them (§4.7.4).
// The returned channel closes once every author's merger has completed;
// outer author order follows merger completion order, not input order.
func (f *Fetcher) FetchLatestEventsPerAuthor(ctx context.Context, in AuthorsAndRelays, filter nostr.Filter, n int, opts FetchOpts) (<-chan AuthorEvents, error) {
	if err := validateLimit(n); err != nil {
		return nil, err
	}
	opts = opts.withDefaults(false, true)

	authors := make([]string, len(in.entries))
	for i, e := range in.entries {
		authors[i] = e.Author
	}
	if validateAuthorsWarn(f.opts.Logger, authors) {
		ch := make(chan AuthorEvents)
		close(ch)
		return ch, nil
	}

	entries := validateAuthorsAndRelays(f.opts.Logger, in.entries)
	if len(entries) == 0 {
		ch := make(chan AuthorEvents)
		close(ch)
		return ch, nil
	}

	relayToAuthors := make(map[string][]string)
	for _, e := range entries {
		for _, r := range e.Relays {
			nr := NormalizeRelayURL(r)
			relayToAuthors[nr] = appendUnique(relayToAuthors[nr], e.Author)
		}
	}

	relays := make([]string, 0, len(relayToAuthors))
	for r := range relayToAuthors {
		relays = append(relays, r)
	}
	eligible := f.eligibleRelays(ctx, relays, filter.Search != "", opts.ConnectTimeout)
	eligibleSet := make(map[string]bool, len(eligible))
	for _, r := range eligible {
		eligibleSet[r] = true
	}
	for r := range relayToAuthors {
		if !eligibleSet[r] {
			delete(relayToAuthors, r)
		}
	}

	m := matrix.Build[[]*nostr.Event](relayToAuthors)
	baseFilter, until := baseTimeRangeFilter(filter, TimeRange{})
	driverSkipsVerification := opts.SkipVerification || opts.ReduceVerification

	var wg sync.WaitGroup
	for relay, authors := range relayToAuthors {
		relay, authors := relay, authors
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.runPerAuthorRelayWorker(ctx, relay, authors, m, baseFilter, until, n, driverSkipsVerification, opts)
		}()
	}

	end := f.beginFetch()
	out := make(chan AuthorEvents)
	var mergeWg sync.WaitGroup
	for _, e := range entries {
		e := e
		mergeWg.Add(1)
		go func() {
			defer mergeWg.Done()
			f.mergeAuthor(ctx, e.Author, m, n, opts, out)
		}()
	}
	go func() {
		wg.Wait()
		mergeWg.Wait()
		close(out)
		end()
	}()

	return out, nil
}

func (f *Fetcher) runPerAuthorRelayWorker(
	ctx context.Context,
	relay string,
	authors []string,
	m *matrix.Matrix[[]*nostr.Event],
	baseFilter nostr.Filter,
	until int64,
	n int,
	skipVerification bool,
	opts FetchOpts,
) {
	tb := bucket.New(authors, n, func(ev *nostr.Event) string { return ev.ID })

	resolveFulfilled := func(author string, items []*nostr.Event) {
		if lat, ok := m.Get(author, relay); ok {
			lat.Resolve(items)
		}
	}

	loop := paginate.New(poolAdapter{f.pool}, relay, f.opts.Logger)
	cfg := paginate.Config{
		BaseFilter:          baseFilter,
		StartUntil:          until,
		NextAuthorsAndLimit: tb.CalcKeysAndLimitForNextReq,
		OnEvent: func(ev *nostr.Event) {
			state, items := tb.Add(ev.PubKey, ev)
			if state == bucket.Fulfilled {
				resolveFulfilled(ev.PubKey, items)
			}
		},
		QuotaReached:              tb.AllFulfilled,
		SkipVerification:          skipVerification,
		AbortSubBeforeEoseTimeout: opts.AbortSubBeforeEoseTimeout,
		AbortSignal:               opts.AbortSignal,
	}

	if err := loop.Run(ctx, cfg); err != nil {
		f.opts.Logger.Debug("relayfetch: relay dropped from per-author fetch", "relay", relay, "err", err)
	}

	for author, items := range tb.ResolveRemaining() {
		resolveFulfilled(author, items)
	}
}

func (f *Fetcher) mergeAuthor(ctx context.Context, author string, m *matrix.Matrix[[]*nostr.Event], n int, opts FetchOpts, out chan<- AuthorEvents) {
	var merged []*nostr.Event
	seen := make(map[string]struct{})

	for _, lat := range m.LatchesForKey(author) {
		items, err := lat.Await(ctx)
		if err != nil {
			continue
		}
		for _, ev := range items {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			merged = append(merged, ev)
		}
	}

	sortDesc(merged)

	var final []*nostr.Event
	switch {
	case opts.SkipVerification:
		final = firstN(merged, n)
	case opts.ReduceVerification:
		final = verifyInSortedOrder(merged, f.opts.Verify, n)
	default:
		final = firstN(merged, n)
	}

	select {
	case out <- AuthorEvents{Author: author, Events: final}:
	case <-ctx.Done():
	}
}

// FetchLastEventPerAuthor is FetchLatestEventsPerAuthor with n=1 and
// the 1s default sub-request timeout, wrapping each author's result to
// a single optional event (§4.7.5).
func (f *Fetcher) FetchLastEventPerAuthor(ctx context.Context, in AuthorsAndRelays, filter nostr.Filter, opts FetchOpts) (<-chan AuthorEvent, error) {
	opts = opts.withDefaults(true, true)
	results, err := f.FetchLatestEventsPerAuthor(ctx, in, filter, 1, opts)
	if err != nil {
		return nil, err
	}

	out := make(chan AuthorEvent)
	go func() {
		defer close(out)
		for r := range results {
			var ev *nostr.Event
			if len(r.Events) > 0 {
				ev = r.Events[0]
			}
			out <- AuthorEvent{Author: r.Author, Event: ev}
		}
	}()
	return out, nil
}

func appendUnique(s []string, v string) []string {
	for _, existing := range s {
		if existing == v {
			return s
		}
	}
	return append(s, v)
}
