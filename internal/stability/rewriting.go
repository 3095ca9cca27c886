package stability

import (
	"log/slog"
	"strings"
	"time"
)

// RewritingEngine resolves stability for recognizers that replace their full
// hypothesis on every update and flag authoritative results explicitly.
//
// Authoritative finals are committed as-is. Between finals, a prefix of the
// interim text whose words have not changed for the soft-lock threshold is
// soft-locked with approximate timestamps. Soft locks are superseded, never
// duplicated, when the true final arrives.
type RewritingEngine struct {
	opts options

	authoritative []WordInfo
	soft          []WordInfo
	positions     []position
	segmentID     string
}

// position tracks how long one word slot of the interim text has held the
// same normalized word.
type position struct {
	word  string
	since time.Time
}

// NewRewriting constructs a RewritingEngine.
func NewRewriting(opts ...Option) *RewritingEngine {
	return &RewritingEngine{opts: buildOptions(opts)}
}

func (e *RewritingEngine) Mode() Mode { return ModeRewriting }

func (e *RewritingEngine) Ingest(h Hypothesis) SegmentOutput {
	if e.segmentID == "" {
		e.segmentID = h.SegmentID
	}
	if h.IsFinal {
		if len(h.Words) > 0 {
			return e.applyTimedFinal(h)
		}
		return e.applyTextFinal(h)
	}
	return e.applyInterim(h)
}

// applyTimedFinal commits authoritative words, replacing any soft locks.
func (e *RewritingEngine) applyTimedFinal(h Hypothesis) SegmentOutput {
	words := make([]WordInfo, 0, len(h.Words))
	for _, w := range h.Words {
		if strings.TrimSpace(w.Word) == "" {
			continue
		}
		words = append(words, w)
	}
	if len(words) == 0 {
		return e.applyTextFinal(h)
	}
	sortByStart(words)

	if tail, ok := lastEnd(e.authoritative); ok && words[0].StartMS < tail {
		e.opts.logger.Warn("discarding overlapping final batch",
			slog.String("segment_id", e.segmentID),
			slog.Int("revision", h.Revision),
			slog.Int64("batch_start_ms", words[0].StartMS),
			slog.Int64("locked_end_ms", tail),
			slog.Int("words", len(words)))
		if e.opts.onDiscard != nil {
			e.opts.onDiscard(e.segmentID, h.Revision, len(words))
		}
		return e.output(nil, nil, h.Revision)
	}

	// Positions already soft-locked were reported as finalized before; only
	// the words past them are new to consumers.
	newly := cloneWords(words[min(len(e.soft), len(words)):])

	e.authoritative = append(e.authoritative, words...)
	sortByStart(e.authoritative)
	e.soft = nil
	e.positions = nil
	return e.output(newly, nil, h.Revision)
}

// applyTextFinal commits a final that carries no word timing as a single
// word spanning the buffer window.
func (e *RewritingEngine) applyTextFinal(h Hypothesis) SegmentOutput {
	tokens := strings.Fields(h.Text)
	skip := min(len(e.soft), len(tokens))

	// Soft locks have nothing better to be replaced with; promote them.
	e.authoritative = append(e.authoritative, e.soft...)
	e.soft = nil
	e.positions = nil

	rest := tokens[skip:]
	if len(rest) == 0 {
		return e.output(nil, nil, h.Revision)
	}
	start := h.StartTimeMS
	if tail, ok := lastEnd(e.authoritative); ok && tail > start {
		start = tail
	}
	end := h.EndTimeMS
	if end <= start {
		end = start + int64(defaultSoftSlotMS*len(rest))
	}
	w := WordInfo{
		Word:        strings.Join(rest, " "),
		StartMS:     start,
		EndMS:       end,
		Probability: h.Confidence,
	}
	e.authoritative = append(e.authoritative, w)
	return e.output([]WordInfo{w}, nil, h.Revision)
}

// applyInterim soft-locks the prefix of the interim text that has held still
// for long enough.
func (e *RewritingEngine) applyInterim(h Hypothesis) SegmentOutput {
	tokens := strings.Fields(h.Text)
	now := e.opts.clock()
	e.track(tokens, now)

	run := e.stableRun(now)
	var newly []WordInfo
	if run > len(e.soft) {
		slot := slotWidth(h, len(tokens))
		floor, _ := lastEnd(e.stable())
		for i := len(e.soft); i < run; i++ {
			start := max(h.StartTimeMS+int64(i)*slot, floor)
			w := WordInfo{
				Word:        tokens[i],
				StartMS:     start,
				EndMS:       start + slot,
				Probability: e.opts.softLockProbability,
			}
			floor = w.EndMS
			newly = append(newly, w)
		}
		e.soft = append(e.soft, newly...)
		e.opts.logger.Debug("soft-locked interim prefix",
			slog.String("segment_id", e.segmentID),
			slog.Int("revision", h.Revision),
			slog.String("words", RenderWords(newly)))
	}

	var unstable []WordInfo
	if len(tokens) > len(e.soft) {
		slot := slotWidth(h, len(tokens))
		start := h.StartTimeMS + int64(len(e.soft))*slot
		if floor, ok := lastEnd(e.stable()); ok && floor > start {
			start = floor
		}
		end := max(h.EndTimeMS, start+slot)
		unstable = []WordInfo{{
			Word:        strings.Join(tokens[len(e.soft):], " "),
			StartMS:     start,
			EndMS:       end,
			Probability: h.Confidence,
		}}
	}
	return e.output(newly, unstable, h.Revision)
}

// track updates per-position stability timers. A position whose word changed
// restarts its timer.
func (e *RewritingEngine) track(tokens []string, now time.Time) {
	next := make([]position, len(tokens))
	for i, tok := range tokens {
		norm := normalizeToken(tok)
		if i < len(e.positions) && e.positions[i].word == norm {
			next[i] = e.positions[i]
			continue
		}
		next[i] = position{word: norm, since: now}
	}
	e.positions = next
}

// stableRun returns how many leading positions have all been stable for at
// least the soft-lock threshold.
func (e *RewritingEngine) stableRun(now time.Time) int {
	n := 0
	for _, p := range e.positions {
		if now.Sub(p.since) < e.opts.softLockAfter {
			break
		}
		n++
	}
	return n
}

func (e *RewritingEngine) Finalize() SegmentOutput {
	stable := e.stable()
	out := SegmentOutput{
		SegmentID:      e.segmentID,
		FinalizedWords: []WordInfo{},
		StableWords:    stable,
		UnstableWords:  []WordInfo{},
		Rendered:       Render(stable, nil),
		Revision:       -1,
		Final:          true,
	}
	e.authoritative = nil
	e.soft = nil
	e.positions = nil
	e.segmentID = ""
	return out
}

func (e *RewritingEngine) stable() []WordInfo {
	out := make([]WordInfo, 0, len(e.authoritative)+len(e.soft))
	out = append(out, e.authoritative...)
	return append(out, e.soft...)
}

func (e *RewritingEngine) output(newly, unstable []WordInfo, revision int) SegmentOutput {
	if newly == nil {
		newly = []WordInfo{}
	}
	if unstable == nil {
		unstable = []WordInfo{}
	}
	stable := e.stable()
	return SegmentOutput{
		SegmentID:      e.segmentID,
		FinalizedWords: newly,
		StableWords:    stable,
		UnstableWords:  unstable,
		Rendered:       Render(stable, unstable),
		Revision:       revision,
	}
}

func slotWidth(h Hypothesis, n int) int64 {
	if n > 0 {
		if slot := (h.EndTimeMS - h.StartTimeMS) / int64(n); slot > 0 {
			return slot
		}
	}
	return defaultSoftSlotMS
}

func lastEnd(ws []WordInfo) (int64, bool) {
	if len(ws) == 0 {
		return 0, false
	}
	end := ws[0].EndMS
	for _, w := range ws[1:] {
		end = max(end, w.EndMS)
	}
	return end, true
}
