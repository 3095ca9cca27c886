package stability

import (
	"strings"
	"unicode/utf8"
)

type candidate struct {
	word     WordInfo
	revision int
}

// region groups time-overlapping candidates for one spoken word.
type region struct {
	startMS    int64
	endMS      int64
	candidates []candidate
}

// best returns the highest-probability candidate. Ties keep the first seen.
func (r *region) best() WordInfo {
	best := r.candidates[0].word
	for _, c := range r.candidates[1:] {
		if c.word.Probability > best.Probability {
			best = c.word
		}
	}
	return best
}

func (r *region) duration() int64 {
	return r.endMS - r.startMS
}

// regionTracker owns the open regions of an incremental engine. Regions leave
// the tracker exactly once, when they lock.
type regionTracker struct {
	regions  []*region
	bands    []OverlapBand
	fallback float64
}

func newRegionTracker(bands []OverlapBand, fallback float64) regionTracker {
	return regionTracker{bands: bands, fallback: fallback}
}

func (t *regionTracker) len() int {
	return len(t.regions)
}

// add assigns w to the first region it overlaps significantly, widening that
// region's envelope, or opens a new region for it.
func (t *regionTracker) add(w WordInfo, revision int) {
	for _, r := range t.regions {
		if t.matches(w, r) {
			r.candidates = append(r.candidates, candidate{word: w, revision: revision})
			r.startMS = min(r.startMS, w.StartMS)
			r.endMS = max(r.endMS, w.EndMS)
			return
		}
	}
	t.regions = append(t.regions, &region{
		startMS:    w.StartMS,
		endMS:      w.EndMS,
		candidates: []candidate{{word: w, revision: revision}},
	})
}

func (t *regionTracker) matches(w WordInfo, r *region) bool {
	overlap := min(w.EndMS, r.endMS) - max(w.StartMS, r.startMS)
	if overlap <= 0 {
		return false
	}
	shorter := min(w.Duration(), r.duration())
	if shorter <= 0 {
		return false
	}
	return float64(overlap)/float64(shorter) > t.threshold(w.Word)
}

// threshold returns the overlap ratio a word must exceed. Short words get a
// lower bar since timing noise is large relative to their duration.
func (t *regionTracker) threshold(word string) float64 {
	n := utf8.RuneCountInString(strings.Trim(strings.TrimSpace(word), `.,!?"'`))
	for _, b := range t.bands {
		if n <= b.MaxLen {
			return b.Threshold
		}
	}
	return t.fallback
}

// lockBefore removes every region ending before edge and returns the winning
// candidate of each, ordered by start.
func (t *regionTracker) lockBefore(edge int64) ([]WordInfo, []*region) {
	var locked []WordInfo
	var lockedRegions []*region
	remaining := t.regions[:0]
	for _, r := range t.regions {
		if r.endMS < edge {
			locked = append(locked, r.best())
			lockedRegions = append(lockedRegions, r)
			continue
		}
		remaining = append(remaining, r)
	}
	clear(t.regions[len(remaining):])
	t.regions = remaining
	sortByStart(locked)
	return locked, lockedRegions
}

// drain locks every open region regardless of position.
func (t *regionTracker) drain() []WordInfo {
	locked := make([]WordInfo, 0, len(t.regions))
	for _, r := range t.regions {
		locked = append(locked, r.best())
	}
	t.regions = nil
	sortByStart(locked)
	return locked
}

// preview returns the current best guess of every open region.
func (t *regionTracker) preview() []WordInfo {
	out := make([]WordInfo, 0, len(t.regions))
	for _, r := range t.regions {
		out = append(out, r.best())
	}
	sortByStart(out)
	return out
}

func filterValidWords(words []WordInfo) []WordInfo {
	valid := make([]WordInfo, 0, len(words))
	for _, w := range words {
		if w.Duration() <= 0 {
			continue
		}
		text := strings.TrimSpace(w.Word)
		if text == "" || isPunctuation(text) {
			continue
		}
		valid = append(valid, w)
	}
	return valid
}
