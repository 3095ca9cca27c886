package stability

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
)

// IncrementalEngine resolves stability for progressive-prefix recognizers.
// Competing word candidates are grouped into time regions; a region locks
// once it has left the recognizer's rolling buffer, committing its most
// probable candidate.
type IncrementalEngine struct {
	opts      options
	tracker   regionTracker
	locked    []WordInfo
	segmentID string
}

// NewIncremental constructs an IncrementalEngine.
func NewIncremental(opts ...Option) *IncrementalEngine {
	o := buildOptions(opts)
	return &IncrementalEngine{
		opts:    o,
		tracker: newRegionTracker(o.bands, o.fallbackThreshold),
	}
}

func (e *IncrementalEngine) Mode() Mode { return ModeIncremental }

func (e *IncrementalEngine) Ingest(h Hypothesis) SegmentOutput {
	if e.segmentID == "" {
		e.segmentID = h.SegmentID
	}

	if len(h.Words) == 0 {
		if len(e.locked) > 0 || e.tracker.len() > 0 {
			return e.output(nil, h.Revision)
		}
		// Text-only hypotheses never finalize anything.
		return SegmentOutput{
			SegmentID:      e.segmentID,
			FinalizedWords: []WordInfo{},
			StableWords:    []WordInfo{},
			UnstableWords:  []WordInfo{},
			Rendered:       renderText("", h.Text),
			Revision:       h.Revision,
		}
	}

	for _, w := range filterValidWords(h.Words) {
		e.tracker.add(w, h.Revision)
	}

	newly, regions := e.tracker.lockBefore(h.StartTimeMS + e.opts.lockMarginMS)
	e.lock(newly)
	e.logSelections(regions)

	return e.output(newly, h.Revision)
}

func (e *IncrementalEngine) Finalize() SegmentOutput {
	newly := e.tracker.drain()
	e.lock(newly)

	out := SegmentOutput{
		SegmentID:      e.segmentID,
		FinalizedWords: newly,
		StableWords:    cloneWords(e.locked),
		UnstableWords:  []WordInfo{},
		Rendered:       Render(e.locked, nil),
		Revision:       -1,
		Final:          true,
	}
	if len(out.StableWords) > 0 {
		e.opts.logger.Debug("segment finalized",
			slog.String("segment_id", e.segmentID),
			slog.Int("words", len(out.StableWords)))
	}
	e.reset()
	return out
}

func (e *IncrementalEngine) lock(words []WordInfo) {
	if len(words) == 0 {
		return
	}
	// Earlier locks are never reordered; a late word that starts before the
	// locked tail is appended after it.
	e.locked = append(e.locked, words...)
}

func (e *IncrementalEngine) output(newly []WordInfo, revision int) SegmentOutput {
	if newly == nil {
		newly = []WordInfo{}
	}
	unstable := e.tracker.preview()
	return SegmentOutput{
		SegmentID:      e.segmentID,
		FinalizedWords: newly,
		StableWords:    cloneWords(e.locked),
		UnstableWords:  unstable,
		Rendered:       Render(e.locked, unstable),
		Revision:       revision,
	}
}

func (e *IncrementalEngine) logSelections(regions []*region) {
	if !e.opts.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	for _, r := range regions {
		if len(r.candidates) < 2 {
			continue
		}
		names := make([]string, 0, len(r.candidates))
		for _, c := range r.candidates {
			names = append(names, c.word.Word+"("+strconv.FormatFloat(c.word.Probability, 'f', 2, 64)+")")
		}
		e.opts.logger.Debug("region locked",
			slog.String("segment_id", e.segmentID),
			slog.String("selected", r.best().Word),
			slog.String("candidates", strings.Join(names, ", ")))
	}
}

func (e *IncrementalEngine) reset() {
	e.tracker = newRegionTracker(e.opts.bands, e.opts.fallbackThreshold)
	e.locked = nil
	e.segmentID = ""
}
