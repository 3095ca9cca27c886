package stability

import (
	"io"
	"log/slog"
	"sort"
	"time"
)

const (
	defaultLockMarginMS        = 100
	defaultSoftLockAfter       = 800 * time.Millisecond
	defaultSoftLockProbability = 0.5
	defaultSoftSlotMS          = 300
)

// OverlapBand maps a maximum trimmed word length to the overlap ratio a word
// of that length must exceed to join an existing region.
type OverlapBand struct {
	MaxLen    int
	Threshold float64
}

// DefaultOverlapBands is used when no bands are configured. Words longer than
// the last band use DefaultOverlapThreshold.
var DefaultOverlapBands = []OverlapBand{
	{MaxLen: 3, Threshold: 0.20},
	{MaxLen: 5, Threshold: 0.30},
	{MaxLen: 7, Threshold: 0.40},
}

// DefaultOverlapThreshold applies to words longer than every configured band.
const DefaultOverlapThreshold = 0.50

type options struct {
	lockMarginMS        int64
	bands               []OverlapBand
	fallbackThreshold   float64
	softLockAfter       time.Duration
	softLockProbability float64
	clock               func() time.Time
	logger              *slog.Logger
	onDiscard           func(segmentID string, revision, words int)
}

// Option configures an engine.
type Option func(*options)

// WithLockMargin sets how far past the rolling buffer's lower edge a region
// must end before it locks. Default: 100 ms.
func WithLockMargin(ms int64) Option {
	return func(o *options) {
		if ms >= 0 {
			o.lockMarginMS = ms
		}
	}
}

// WithOverlapBands replaces the length-banded overlap thresholds. fallback is
// used for words longer than the widest band.
func WithOverlapBands(bands []OverlapBand, fallback float64) Option {
	return func(o *options) {
		if len(bands) == 0 {
			return
		}
		sorted := append([]OverlapBand{}, bands...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].MaxLen < sorted[j].MaxLen })
		o.bands = sorted
		o.fallbackThreshold = fallback
	}
}

// WithSoftLockAfter sets how long a word position must hold the same word
// before the rewriting engine soft-locks it. Default: 800 ms.
func WithSoftLockAfter(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.softLockAfter = d
		}
	}
}

// WithSoftLockProbability sets the probability stamped on soft-locked words.
func WithSoftLockProbability(p float64) Option {
	return func(o *options) {
		if p >= 0 && p <= 1 {
			o.softLockProbability = p
		}
	}
}

// WithClock overrides the wall clock used for soft locking.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger attaches a logger. Engines are silent by default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDiscardHook is called whenever the rewriting engine drops an
// authoritative batch that overlaps already locked words.
func WithDiscardHook(fn func(segmentID string, revision, words int)) Option {
	return func(o *options) {
		o.onDiscard = fn
	}
}

func buildOptions(opts []Option) options {
	o := options{
		lockMarginMS:        defaultLockMarginMS,
		bands:               DefaultOverlapBands,
		fallbackThreshold:   DefaultOverlapThreshold,
		softLockAfter:       defaultSoftLockAfter,
		softLockProbability: defaultSoftLockProbability,
		clock:               time.Now,
		logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
