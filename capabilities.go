package relayfetch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// RelayCapChecker decides whether a relay advertises support for a set
// of NIPs. The default implementation probes NIP-11 over HTTP(S) and
// memoizes the result per URL.
type RelayCapChecker interface {
	RelaySupportsNips(ctx context.Context, url string, requiredNips []int) bool
}

// nip11Document is the subset of the NIP-11 relay information document
// relayfetch cares about.
type nip11Document struct {
	SupportedNIPs []int `json:"supported_nips"`
}

// capabilityCache is the default RelayCapChecker: one HTTP probe per
// relay URL, memoized for the lifetime of the Fetcher.
type capabilityCache struct {
	httpClient *http.Client
	cache      *xsync.MapOf[string, map[int]struct{}]
	log        *slog.Logger
}

func newCapabilityCache(log *slog.Logger) *capabilityCache {
	return &capabilityCache{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		cache:      xsync.NewMapOf[string, map[int]struct{}](),
		log:        log,
	}
}

// RelaySupportsNips reports whether url's cached (or freshly probed) NIP
// set contains every entry in requiredNips. Any probe failure caches an
// empty set and returns false.
func (c *capabilityCache) RelaySupportsNips(ctx context.Context, url string, requiredNips []int) bool {
	if len(requiredNips) == 0 {
		return true
	}

	nips, ok := c.cache.Load(url)
	if !ok {
		nips = c.probe(ctx, url)
		c.cache.Store(url, nips)
	}

	for _, n := range requiredNips {
		if _, present := nips[n]; !present {
			return false
		}
	}
	return true
}

func (c *capabilityCache) probe(ctx context.Context, wsURL string) map[int]struct{} {
	httpURL := strings.Replace(wsURL, "wss://", "https://", 1)
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL, nil)
	if err != nil {
		c.log.Debug("capability probe: bad request", "relay", wsURL, "err", err)
		return map[int]struct{}{}
	}
	req.Header.Set("Accept", "application/nostr+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug("capability probe: request failed", "relay", wsURL, "err", err)
		return map[int]struct{}{}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Debug("capability probe: non-200 status", "relay", wsURL, "status", resp.StatusCode)
		return map[int]struct{}{}
	}

	var doc nip11Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		c.log.Debug("capability probe: decode failed", "relay", wsURL, "err", err)
		return map[int]struct{}{}
	}

	set := make(map[int]struct{}, len(doc.SupportedNIPs))
	for _, n := range doc.SupportedNIPs {
		set[n] = struct{}{}
	}
	return set
}
