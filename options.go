package relayfetch

import (
	"log/slog"
	"os"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"gopkg.in/yaml.v3"
)

// LogLevel is the library's own verbosity knob. It gates only the
// default logger built when Options.Logger is nil.
type LogLevel int

const (
	LogNone LogLevel = iota
	LogVerbose
	LogInfo
	LogWarn
	LogError
)

// slogLevel translates LogLevel to the slog.Level it gates. LogNone maps
// above slog.LevelError so nothing the library emits passes the handler.
func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogVerbose:
		return slog.LevelDebug
	case LogInfo:
		return slog.LevelInfo
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	case LogNone:
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

func (l LogLevel) String() string {
	switch l {
	case LogNone:
		return "none"
	case LogVerbose:
		return "verbose"
	case LogInfo:
		return "info"
	case LogWarn:
		return "warn"
	case LogError:
		return "error"
	default:
		return "unknown"
	}
}

// Options configures a Fetcher for its whole lifetime.
type Options struct {
	// MinLogLevel gates relayfetch's own diagnostic logging when Logger is
	// nil: it is translated to an slog.Leveler for the handler built in
	// withDefaults. The zero value, LogNone, suppresses all output.
	// Ignored if Logger is set explicitly — the caller's handler already
	// controls its own level.
	MinLogLevel LogLevel
	// Logger receives relayfetch's structured log output. A nil Logger
	// defaults to a text handler on os.Stderr at MinLogLevel.
	Logger *slog.Logger
	// Verify checks an event's signature. A nil Verify defaults to
	// Schnorr-over-secp256k1 verification via go-nostr. Injected
	// separately from RelayPool so strategies using ReduceVerification
	// can re-check already-fetched events without another round trip.
	Verify func(*nostr.Event) bool
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: o.MinLogLevel.slogLevel()})
		o.Logger = slog.New(handler)
	}
	if o.Verify == nil {
		o.Verify = defaultVerify
	}
	return o
}

// FetchOpts configures a single strategy call. Zero value is valid; see
// field comments for the defaults applied.
type FetchOpts struct {
	// SkipVerification disables signature verification for events the
	// per-relay driver receives.
	SkipVerification bool
	// ReduceVerification defers signature verification until after
	// sorting so CPU isn't spent on events that will be truncated. For
	// the latest-N strategies it is always on unless SkipVerification is
	// set: a false value is replaced by true when defaults are applied.
	ReduceVerification bool
	// ConnectTimeout bounds how long ensureRelays waits per relay.
	// Defaults to 5s.
	ConnectTimeout time.Duration
	// AbortSubBeforeEoseTimeout bounds inactivity per sub-request inside
	// the per-relay driver. Defaults to 10s (1s for last-event variants).
	AbortSubBeforeEoseTimeout time.Duration
	// LimitPerReq bounds events requested per REQ. Defaults to 5000,
	// capped at 500 when EnableBackpressure is set.
	LimitPerReq int
	// EnableBackpressure turns on the bounded output channel's
	// high/low-water mark behavior.
	EnableBackpressure bool
	// Sort requests created_at-descending ordering on collector-style
	// calls.
	Sort bool
	// AbortSignal, when non-nil, is closed by the caller to request
	// early termination of an in-flight fetch.
	AbortSignal <-chan struct{}
}

const (
	defaultConnectTimeout    = 5 * time.Second
	defaultAbortBeforeEose   = 10 * time.Second
	defaultLastEventTimeout  = 1 * time.Second
	defaultLimitPerReq       = 5000
	backpressureLimitPerReq  = 500
	defaultBackpressureFloor = 5000
)

// withDefaults returns a copy of o with zero-valued fields replaced by
// their spec defaults. isLastEvent selects the 1s abort timeout used by
// fetchLastEvent/fetchLastEventPerAuthor; reduceVerificationDefault
// selects whether ReduceVerification defaults to true for this
// strategy family.
func (o FetchOpts) withDefaults(isLastEvent, reduceVerificationDefault bool) FetchOpts {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.AbortSubBeforeEoseTimeout <= 0 {
		if isLastEvent {
			o.AbortSubBeforeEoseTimeout = defaultLastEventTimeout
		} else {
			o.AbortSubBeforeEoseTimeout = defaultAbortBeforeEose
		}
	}
	if o.LimitPerReq <= 0 {
		o.LimitPerReq = defaultLimitPerReq
	}
	if o.EnableBackpressure && o.LimitPerReq > backpressureLimitPerReq {
		o.LimitPerReq = backpressureLimitPerReq
	}
	if !o.ReduceVerification && reduceVerificationDefault && !o.SkipVerification {
		o.ReduceVerification = true
	}
	return o
}

// yamlOptions is the on-disk shape LoadOptionsYAML decodes, for callers
// (typically a CLI wrapper) that keep their relayfetch configuration in
// a YAML file alongside the rest of their settings.
type yamlOptions struct {
	MinLogLevel string `yaml:"min_log_level"`
}

// LoadOptionsYAML parses a YAML document into Options. A missing or
// unrecognized min_log_level yields LogInfo; Logger and Verify are left
// nil, so withDefaults fills them in.
func LoadOptionsYAML(data []byte) (Options, error) {
	var raw yamlOptions
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Options{}, err
	}

	opts := Options{}
	switch raw.MinLogLevel {
	case "verbose":
		opts.MinLogLevel = LogVerbose
	case "warn":
		opts.MinLogLevel = LogWarn
	case "error":
		opts.MinLogLevel = LogError
	case "none":
		opts.MinLogLevel = LogNone
	default:
		opts.MinLogLevel = LogInfo
	}
	return opts, nil
}
