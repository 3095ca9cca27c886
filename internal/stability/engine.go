// Package stability decides, word by word, when a recognizer hypothesis
// fragment becomes final.
//
// Two recognizer behaviours are supported behind one [Engine] capability:
//
//   - [IncrementalEngine] for progressive-prefix recognizers that re-estimate
//     word timings over a rolling audio buffer. Words lock once they leave the
//     buffer.
//   - [RewritingEngine] for recognizers that replace their whole hypothesis
//     and flag authoritative results explicitly. Interim prefixes that stay
//     unchanged long enough are soft-locked until the true final arrives.
//
// An engine instance owns exactly one segment. It is not safe for concurrent
// use; callers serialise Ingest and Finalize per instance.
package stability

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects an engine variant.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeRewriting   Mode = "rewriting"
)

// ErrUnknownMode is returned by New and ParseMode for unsupported modes.
var ErrUnknownMode = errors.New("unknown stability mode")

// Engine is the stability-resolution capability shared by both variants.
type Engine interface {
	// Ingest processes one hypothesis and reports what became final.
	Ingest(h Hypothesis) SegmentOutput
	// Finalize locks whatever remains, marks the output final and resets the
	// engine. A second consecutive call returns an empty output.
	Finalize() SegmentOutput
	// Mode reports the variant.
	Mode() Mode
}

var (
	_ Engine = (*IncrementalEngine)(nil)
	_ Engine = (*RewritingEngine)(nil)
)

// ParseMode maps a configuration string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeIncremental:
		return ModeIncremental, nil
	case ModeRewriting:
		return ModeRewriting, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// New constructs the engine variant for mode.
func New(mode Mode, opts ...Option) (Engine, error) {
	switch mode {
	case ModeIncremental:
		return NewIncremental(opts...), nil
	case ModeRewriting:
		return NewRewriting(opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}
