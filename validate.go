package relayfetch

import "log/slog"

// validateTimeRange checks since ≤ until when both are present. A
// caller error (§7): raised synchronously, before any I/O.
func validateTimeRange(since, until *int64) error {
	if since != nil && until != nil && *since > *until {
		return newFetchError(ErrInvalidTimeRange, "since must not be after until")
	}
	return nil
}

// validateLimit checks limit > 0. A caller error for the latest-N
// family; allEventsIterator has no such input.
func validateLimit(limit int) error {
	if limit <= 0 {
		return newFetchError(ErrInvalidLimit, "limit must be positive")
	}
	return nil
}

// validateRelaysWarn logs and reports whether relays is empty. Callers
// with an empty relay list proceed with an empty result rather than an
// error (§7, caller-input warning).
func validateRelaysWarn(log *slog.Logger, relays []string) (empty bool) {
	if len(relays) == 0 {
		log.Warn("relayfetch: empty relay list, yielding no events")
		return true
	}
	return false
}

// validateAuthorsWarn logs and reports whether authors is empty.
func validateAuthorsWarn(log *slog.Logger, authors []string) (empty bool) {
	if len(authors) == 0 {
		log.Warn("relayfetch: empty authors list, yielding no events")
		return true
	}
	return false
}

// validateAuthorsAndRelays checks every entry has a non-empty relay
// list. Per-entry emptiness is a warning (that author is dropped from
// the fan-out, per §4.9); an entirely empty input is also a warning,
// not an error — malformed shapes (handled by the caller's own type
// system in Go) are the only error case here.
func validateAuthorsAndRelays(log *slog.Logger, in []AuthorRelays) (out []AuthorRelays) {
	for _, ar := range in {
		if len(ar.Relays) == 0 {
			log.Warn("relayfetch: author has no relays, dropping from fetch", "author", ar.Author)
			continue
		}
		out = append(out, ar)
	}
	return out
}
