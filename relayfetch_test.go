package relayfetch

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOpts() Options {
	return Options{Logger: testLogger(), Verify: func(*nostr.Event) bool { return true }}
}

// fakePool is an in-memory RelayPool test double: it holds each
// relay's full event set and answers FetchTillEose by filtering over
// it directly, skipping the wire protocol entirely. internal/pool has
// its own driver tests against a real WebSocket server; this double
// lets the strategy layer (C7-C9) be tested in isolation.
type fakePool struct {
	events      map[string][]*nostr.Event
	unreachable map[string]bool
}

func newFakePool() *fakePool {
	return &fakePool{events: make(map[string][]*nostr.Event), unreachable: make(map[string]bool)}
}

func (p *fakePool) seed(relay string, events ...*nostr.Event) {
	p.events[relay] = append(p.events[relay], events...)
}

func (p *fakePool) EnsureRelays(ctx context.Context, urls []string, connectTimeout time.Duration) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if !p.unreachable[u] {
			out = append(out, u)
		}
	}
	return out
}

func (p *fakePool) FetchTillEose(ctx context.Context, url string, filter nostr.Filter, opts FetchTillEoseOpts) (<-chan *nostr.Event, <-chan error) {
	all := append([]*nostr.Event(nil), p.events[url]...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt > all[j].CreatedAt })

	matches := make([]*nostr.Event, 0, len(all))
	for _, ev := range all {
		if filter.Until != nil && ev.CreatedAt > *filter.Until {
			continue
		}
		if filter.Since != nil && ev.CreatedAt < *filter.Since {
			continue
		}
		if len(filter.Authors) > 0 && !containsStr(filter.Authors, ev.PubKey) {
			continue
		}
		matches = append(matches, ev)
	}
	if filter.Limit > 0 && len(matches) > filter.Limit {
		matches = matches[:filter.Limit]
	}

	events := make(chan *nostr.Event, len(matches))
	for _, ev := range matches {
		events <- ev
	}
	close(events)
	errs := make(chan error)
	close(errs)
	return events, errs
}

func (p *fakePool) Shutdown() {}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func mkEvent(id, pubkey string, createdAt int64) *nostr.Event {
	return &nostr.Event{ID: id, PubKey: pubkey, CreatedAt: nostr.Timestamp(createdAt), Sig: "ff"}
}

func TestFetchAllEventsSingleRelay(t *testing.T) {
	pool := newFakePool()
	for i := 0; i < 10; i++ {
		pool.seed("wss://r1", mkEvent(idOf(i), "pub", int64(1000-i)))
	}

	f := WithCustomPool(pool, testOpts(), nil)
	events, err := f.FetchAllEvents(context.Background(), []string{"wss://r1"}, nostr.Filter{}, TimeRange{}, FetchOpts{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 10 {
		t.Fatalf("expected 10 events, got %d", len(events))
	}
}

func idOf(i int) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 64)
	for j := range b {
		b[j] = hex[(i+j)%16]
	}
	return string(b)
}

func TestFetchAllEventsDedupsAcrossRelays(t *testing.T) {
	pool := newFakePool()
	shared := mkEvent(idOf(1), "pub", 500)
	pool.seed("wss://r1", shared, mkEvent(idOf(2), "pub", 400))
	pool.seed("wss://r2", shared, mkEvent(idOf(3), "pub", 300))

	f := WithCustomPool(pool, testOpts(), nil)
	events, err := f.FetchAllEvents(context.Background(), []string{"wss://r1", "wss://r2"}, nostr.Filter{}, TimeRange{}, FetchOpts{Sort: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 distinct events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].CreatedAt > events[i-1].CreatedAt {
			t.Fatalf("expected descending sort, got %v", events)
		}
	}
}

func TestFetchAllEventsEmptyRelayListYieldsEmpty(t *testing.T) {
	pool := newFakePool()
	f := WithCustomPool(pool, testOpts(), nil)
	events, err := f.FetchAllEvents(context.Background(), nil, nostr.Filter{}, TimeRange{}, FetchOpts{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events for an empty relay list, got %d", len(events))
	}
}

func TestFetchAllEventsInvalidTimeRange(t *testing.T) {
	pool := newFakePool()
	f := WithCustomPool(pool, testOpts(), nil)
	since := int64(200)
	until := int64(100)
	_, err := f.FetchAllEvents(context.Background(), []string{"wss://r1"}, nostr.Filter{}, TimeRange{Since: &since, Until: &until}, FetchOpts{})
	if err == nil {
		t.Fatal("expected an error for since > until")
	}
	fe, ok := err.(*FetchError)
	if !ok || fe.Kind != ErrInvalidTimeRange {
		t.Fatalf("expected ErrInvalidTimeRange, got %v", err)
	}
}

func TestFetchLatestEventsCapsAndSorts(t *testing.T) {
	pool := newFakePool()
	for i := 0; i < 20; i++ {
		pool.seed("wss://r1", mkEvent(idOf(i), "pub", int64(1000-i)))
	}

	f := WithCustomPool(pool, testOpts(), nil)
	events, err := f.FetchLatestEvents(context.Background(), []string{"wss://r1"}, nostr.Filter{}, 5, FetchOpts{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected exactly 5 events, got %d", len(events))
	}
	if events[0].CreatedAt != 1000 {
		t.Fatalf("expected newest-first, got %d", events[0].CreatedAt)
	}
}

func TestFetchLatestEventsInvalidLimit(t *testing.T) {
	pool := newFakePool()
	f := WithCustomPool(pool, testOpts(), nil)
	_, err := f.FetchLatestEvents(context.Background(), []string{"wss://r1"}, nostr.Filter{}, 0, FetchOpts{})
	if err == nil {
		t.Fatal("expected an error for limit 0")
	}
}

func TestFetchLastEventReturnsNewest(t *testing.T) {
	pool := newFakePool()
	pool.seed("wss://r1", mkEvent(idOf(1), "pub", 100), mkEvent(idOf(2), "pub", 900))

	f := WithCustomPool(pool, testOpts(), nil)
	ev, err := f.FetchLastEvent(context.Background(), []string{"wss://r1"}, nostr.Filter{}, FetchOpts{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev == nil || ev.CreatedAt != 900 {
		t.Fatalf("expected the newest event, got %v", ev)
	}
}

func TestFetchLastEventNoneFound(t *testing.T) {
	pool := newFakePool()
	f := WithCustomPool(pool, testOpts(), nil)
	ev, err := f.FetchLastEvent(context.Background(), []string{"wss://r1"}, nostr.Filter{}, FetchOpts{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected nil, got %v", ev)
	}
}

func TestFetchLatestEventsPerAuthor(t *testing.T) {
	pool := newFakePool()
	authors := []string{"alice", "bob", "carol"}
	for _, a := range authors {
		for i := 0; i < 10; i++ {
			pool.seed("wss://r1", mkEvent(idOf(i)+a, a, int64(1000-i)))
		}
	}

	f := WithCustomPool(pool, testOpts(), nil)
	in := UniformAuthorsAndRelays(authors, []string{"wss://r1"})
	results, err := f.FetchLatestEventsPerAuthor(context.Background(), in, nostr.Filter{}, 5, FetchOpts{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seenAuthors := make(map[string]bool)
	for r := range results {
		if len(r.Events) != 5 {
			t.Fatalf("expected 5 events for %s, got %d", r.Author, len(r.Events))
		}
		seenAuthors[r.Author] = true
	}
	for _, a := range authors {
		if !seenAuthors[a] {
			t.Fatalf("expected author %s in results", a)
		}
	}
}

func TestFetchLatestEventsPerAuthorSparseRelays(t *testing.T) {
	pool := newFakePool()
	// A -> [r1,r2], B -> [r2,r3], C -> [r3,r1]; each relay carries one
	// "last" event for a different author than the ones mapped to it.
	pool.seed("wss://r1", mkEvent(idOf(100), "A", 100), mkEvent(idOf(101), "B", 999))
	pool.seed("wss://r2", mkEvent(idOf(102), "B", 100), mkEvent(idOf(103), "C", 999))
	pool.seed("wss://r3", mkEvent(idOf(104), "C", 100), mkEvent(idOf(105), "A", 999))

	f := WithCustomPool(pool, testOpts(), nil)
	in := SparseAuthorsAndRelays([]AuthorRelays{
		{Author: "A", Relays: []string{"wss://r1", "wss://r2"}},
		{Author: "B", Relays: []string{"wss://r2", "wss://r3"}},
		{Author: "C", Relays: []string{"wss://r3", "wss://r1"}},
	})
	results, err := f.FetchLatestEventsPerAuthor(context.Background(), in, nostr.Filter{}, 1, FetchOpts{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := map[string]int64{}
	for r := range results {
		if len(r.Events) != 1 {
			t.Fatalf("expected 1 event for %s, got %d", r.Author, len(r.Events))
		}
		got[r.Author] = int64(r.Events[0].CreatedAt)
	}
	if got["A"] != 100 || got["B"] != 100 || got["C"] != 100 {
		t.Fatalf("expected each author's reachable event (created_at=100), got %v", got)
	}
}

func TestFetchLastEventPerAuthor(t *testing.T) {
	pool := newFakePool()
	pool.seed("wss://r1", mkEvent(idOf(1), "alice", 500), mkEvent(idOf(2), "bob", 400))

	f := WithCustomPool(pool, testOpts(), nil)
	in := UniformAuthorsAndRelays([]string{"alice", "bob"}, []string{"wss://r1"})
	results, err := f.FetchLastEventPerAuthor(context.Background(), in, nostr.Filter{}, FetchOpts{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	count := 0
	for r := range results {
		count++
		if r.Event == nil {
			t.Fatalf("expected an event for %s", r.Author)
		}
	}
	if count != 2 {
		t.Fatalf("expected 2 authors, got %d", count)
	}
}

func TestNormalizeRelayURL(t *testing.T) {
	cases := map[string]string{
		"wss://Relay.Example.com:443/": "wss://relay.example.com",
		"ws://relay.example.com:80":    "ws://relay.example.com",
		"wss://relay.example.com":      "wss://relay.example.com",
	}
	for in, want := range cases {
		if got := NormalizeRelayURL(in); got != want {
			t.Errorf("NormalizeRelayURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFetcherStats(t *testing.T) {
	pool := newFakePool()
	pool.seed("wss://r1", mkEvent(idOf(1), "pub", 100))
	f := WithCustomPool(pool, testOpts(), nil)

	if f.Stats().InFlightFetches != 0 {
		t.Fatalf("expected 0 in-flight fetches initially")
	}
	_, _ = f.FetchAllEvents(context.Background(), []string{"wss://r1"}, nostr.Filter{}, TimeRange{}, FetchOpts{})
	if f.Stats().InFlightFetches != 0 {
		t.Fatalf("expected in-flight count to return to 0 after a completed fetch")
	}
}
