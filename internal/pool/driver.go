// Package pool implements relayfetch's default RelayPool: WebSocket
// connection management plus the per-relay fetch driver that drives one
// REQ/EOSE cycle, verifying and yielding events as they arrive.
package pool

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/nbd-wtf/go-nostr"
)

const base32Alphabet = "abcdefghijklmnopqrstuvwxyz234567"

// genSubID returns an opaque subscription id: current millis followed
// by two random base32 characters, as required by §6.
func genSubID() string {
	var b [2]byte
	_, _ = rand.Read(b[:])
	suffix := string(base32Alphabet[int(b[0])%len(base32Alphabet)]) + string(base32Alphabet[int(b[1])%len(base32Alphabet)])
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + suffix
}

// FetchOpts configures one sub-request driven through an existing
// connection.
type FetchOpts struct {
	SkipVerification          bool
	AbortSubBeforeEoseTimeout time.Duration
	AbortSignal               <-chan struct{}
	SubID                     string
}

// subscription is one in-flight REQ on a connection.
type subscription struct {
	subID            string
	skipVerification bool
	events           chan *nostr.Event
	errs             chan error
	eose             chan struct{}
	notice           chan struct{}
	done             chan struct{}

	// eoseOnce and noticeOnce guard the respective channel closes: relays
	// commonly send more than one NOTICE per subscription, and a stray
	// duplicate EOSE/NOTICE for a subID the dispatch loop still thinks is
	// current must not panic on a double close.
	eoseOnce   sync.Once
	noticeOnce sync.Once
}

// conn wraps one WebSocket connection to one relay. The driver serves
// at most one subscription at a time per connection: relayfetch's own
// callers (the pagination loop, one per relay) never overlap REQs on
// the same URL, so a single background reader loop dispatching to the
// current subscription is sufficient and far simpler than a
// subID-indexed multiplexer.
type conn struct {
	url string
	ws  *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	current *subscription
	dead    bool
	deadErr error
}

// Driver is relayfetch's built-in WebSocket transport and per-relay
// fetch driver (C6).
type Driver struct {
	log    *slog.Logger
	verify func(*nostr.Event) bool

	mu    sync.Mutex
	conns map[string]*conn
}

// New builds a Driver. verify is invoked per event unless the caller
// requests SkipVerification.
func New(log *slog.Logger, verify func(*nostr.Event) bool) *Driver {
	return &Driver{
		log:    log,
		verify: verify,
		conns:  make(map[string]*conn),
	}
}

// EnsureRelays dials every url not already connected, in parallel,
// bounded by connectTimeout, and returns the subset that is connected
// (pre-existing or freshly dialed) once it returns.
func (d *Driver) EnsureRelays(ctx context.Context, urls []string, connectTimeout time.Duration) []string {
	type result struct {
		url string
		ok  bool
	}
	results := make(chan result, len(urls))

	for _, url := range urls {
		url := url
		if d.existingConn(url) != nil {
			results <- result{url, true}
			continue
		}
		go func() {
			dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
			defer cancel()
			c, _, err := websocket.Dial(dialCtx, url, nil)
			if err != nil {
				d.log.Debug("relay connect failed", "relay", url, "err", err)
				results <- result{url, false}
				return
			}
			c.SetReadLimit(10 << 20)
			rc := &conn{url: url, ws: c}
			d.storeConn(url, rc)
			go d.readLoop(rc)
			results <- result{url, true}
		}()
	}

	connected := make([]string, 0, len(urls))
	for i := 0; i < len(urls); i++ {
		r := <-results
		if r.ok {
			connected = append(connected, r.url)
		}
	}
	return connected
}

func (d *Driver) existingConn(url string) *conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[url]
	if !ok {
		return nil
	}
	c.mu.Lock()
	dead := c.dead
	c.mu.Unlock()
	if dead {
		delete(d.conns, url)
		return nil
	}
	return c
}

func (d *Driver) storeConn(url string, c *conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[url] = c
}

// FetchTillEose drives one REQ/EOSE cycle against url per §4.4. The
// returned event channel is always closed by the producer; errCh
// receives at most one error, and only when the sub-request could not
// run to a clean end: url is not connected, the connection is dead or
// fails mid-subscription, or the REQ could not be encoded or written.
func (d *Driver) FetchTillEose(ctx context.Context, url string, filter nostr.Filter, opts FetchOpts) (<-chan *nostr.Event, <-chan error) {
	events := make(chan *nostr.Event)
	errs := make(chan error, 1)

	rc := d.existingConn(url)
	if rc == nil {
		close(events)
		errs <- fmt.Errorf("pool: %s is not connected", url)
		close(errs)
		return events, errs
	}

	subID := opts.SubID
	if subID == "" {
		subID = genSubID()
	}

	sub := &subscription{
		subID:            subID,
		skipVerification: opts.SkipVerification,
		events:           make(chan *nostr.Event),
		errs:             make(chan error, 1),
		eose:             make(chan struct{}),
		notice:           make(chan struct{}),
		done:             make(chan struct{}),
	}

	rc.mu.Lock()
	if rc.dead {
		deadErr := rc.deadErr
		rc.mu.Unlock()
		close(events)
		errs <- deadErr
		close(errs)
		return events, errs
	}
	rc.current = sub
	rc.mu.Unlock()

	reqMsg, err := json.Marshal([]any{"REQ", subID, filter})
	if err != nil {
		close(events)
		errs <- fmt.Errorf("pool: encode REQ: %w", err)
		close(errs)
		return events, errs
	}

	go func() {
		defer close(events)
		defer close(sub.done)
		defer func() {
			rc.mu.Lock()
			if rc.current == sub {
				rc.current = nil
			}
			rc.mu.Unlock()
		}()

		if err := rc.write(ctx, reqMsg); err != nil {
			errs <- err
			close(errs)
			return
		}

		timeout := opts.AbortSubBeforeEoseTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		closeSub := func() {
			msg, err := json.Marshal([]any{"CLOSE", subID})
			if err != nil {
				return
			}
			_ = rc.write(context.Background(), msg)
		}

		for {
			select {
			case ev, ok := <-sub.events:
				if !ok {
					return
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(timeout)
				select {
				case events <- ev:
				case <-ctx.Done():
					closeSub()
					return
				}

			case <-sub.eose:
				closeSub()
				return

			case <-sub.notice:
				closeSub()
				return

			case err := <-sub.errs:
				errs <- err
				close(errs)
				return

			case <-timer.C:
				closeSub()
				return

			case <-opts.AbortSignal:
				closeSub()
				return

			case <-ctx.Done():
				closeSub()
				return
			}
		}
	}()

	return events, errs
}

func (c *conn) write(ctx context.Context, msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, msg)
}

// readLoop is the single background reader for a connection. It
// dispatches incoming frames to whatever subscription is currently
// active, per the single-subscription-per-connection design above.
func (d *Driver) readLoop(rc *conn) {
	ctx := context.Background()
	for {
		_, data, err := rc.ws.Read(ctx)
		if err != nil {
			d.markDead(rc, err)
			return
		}
		d.dispatch(rc, data)
	}
}

func (d *Driver) dispatch(rc *conn, data []byte) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		d.log.Debug("relay message: malformed frame", "relay", rc.url)
		return
	}

	var kind string
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		d.log.Debug("relay message: malformed type token", "relay", rc.url)
		return
	}

	rc.mu.Lock()
	sub := rc.current
	rc.mu.Unlock()
	if sub == nil {
		return
	}

	switch kind {
	case "EVENT":
		if len(raw) < 3 {
			return
		}
		var gotSubID string
		if err := json.Unmarshal(raw[1], &gotSubID); err != nil || gotSubID != sub.subID {
			return
		}
		var ev nostr.Event
		if err := json.Unmarshal(raw[2], &ev); err != nil {
			d.log.Debug("relay message: malformed event", "relay", rc.url)
			return
		}
		if !validEventSchema(&ev) {
			d.log.Debug("relay message: event failed schema validation", "relay", rc.url, "id", ev.ID)
			return
		}
		if !sub.skipVerification && !d.verify(&ev) {
			d.log.Debug("relay message: event failed signature verification", "relay", rc.url, "id", ev.ID)
			return
		}
		// An event arriving after this subscription's EOSE or NOTICE is
		// discarded.
		select {
		case <-sub.eose:
			return
		case <-sub.notice:
			return
		default:
		}
		select {
		case sub.events <- &ev:
		case <-sub.done:
		}

	case "EOSE":
		if len(raw) < 2 {
			return
		}
		var gotSubID string
		if err := json.Unmarshal(raw[1], &gotSubID); err != nil || gotSubID != sub.subID {
			return
		}
		sub.eoseOnce.Do(func() { close(sub.eose) })

	case "NOTICE":
		sub.noticeOnce.Do(func() { close(sub.notice) })

	case "OK", "AUTH", "COUNT", "CLOSED":
		// Recognized, intentionally ignored.

	default:
		d.log.Debug("relay message: unknown type", "relay", rc.url, "type", kind)
	}
}

func (d *Driver) markDead(rc *conn, err error) {
	rc.mu.Lock()
	rc.dead = true
	rc.deadErr = fmt.Errorf("pool: %s: transport error: %w", rc.url, err)
	sub := rc.current
	rc.mu.Unlock()

	if sub != nil {
		select {
		case sub.errs <- rc.deadErr:
		default:
		}
	}
}

// validEventSchema checks the shape invariants of §3: hex ids of the
// right length and a non-negative created_at. Signature correctness is
// checked separately via verify.
func validEventSchema(ev *nostr.Event) bool {
	if len(ev.ID) != 64 || !isHex(ev.ID) {
		return false
	}
	if len(ev.PubKey) != 64 || !isHex(ev.PubKey) {
		return false
	}
	if len(ev.Sig) != 128 || !isHex(ev.Sig) {
		return false
	}
	if ev.CreatedAt < 0 {
		return false
	}
	return true
}

func isHex(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'f') && !(r >= 'A' && r <= 'F')
	}) == -1
}

// Shutdown closes every connection the driver holds.
func (d *Driver) Shutdown() {
	d.mu.Lock()
	conns := make([]*conn, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.conns = make(map[string]*conn)
	d.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.CloseNow()
	}
}
