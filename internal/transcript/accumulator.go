// Package transcript keeps the append-only record of every finalized word,
// independent of segment boundaries.
package transcript

import (
	"github.com/loqalabs/loqa-captions/internal/stability"
)

// SegmentInfo is a closed (or, from Segments, in-progress) run of words that
// share a segment id.
type SegmentInfo struct {
	SegmentID string               `json:"segment_id"`
	Index     int                  `json:"index"`
	Words     []stability.WordInfo `json:"words"`
	Text      string               `json:"text"`
	StartMS   int64                `json:"start_ms"`
	EndMS     int64                `json:"end_ms"`
}

// Accumulator stores finalized words in call order. It never diffs strings
// and never reorders or mutates what it has been given.
//
// Accumulator is not safe for concurrent use; callers serialise writes.
type Accumulator struct {
	words    []stability.WordInfo
	segments []SegmentInfo

	openID    string
	openWords []stability.WordInfo
	count     int
}

func New() *Accumulator {
	return &Accumulator{}
}

// AppendWords appends finalized words for segmentID. A segment id different
// from the open one closes the open segment first. Empty input is ignored.
func (a *Accumulator) AppendWords(segmentID string, words []stability.WordInfo) {
	if len(words) == 0 {
		return
	}
	if segmentID != a.openID || a.openWords == nil {
		a.closeOpen()
		a.openID = segmentID
	}
	a.words = append(a.words, words...)
	a.openWords = append(a.openWords, words...)
}

// Finalize closes the open segment, if any. Call on stream end.
func (a *Accumulator) Finalize() {
	a.closeOpen()
}

func (a *Accumulator) closeOpen() {
	if len(a.openWords) == 0 {
		a.openID = ""
		a.openWords = nil
		return
	}
	a.segments = append(a.segments, buildSegment(a.openID, a.count, a.openWords))
	a.count++
	a.openID = ""
	a.openWords = nil
}

func buildSegment(id string, index int, words []stability.WordInfo) SegmentInfo {
	return SegmentInfo{
		SegmentID: id,
		Index:     index,
		Words:     append([]stability.WordInfo{}, words...),
		Text:      stability.RenderWords(words),
		StartMS:   words[0].StartMS,
		EndMS:     words[len(words)-1].EndMS,
	}
}

// FullTranscript renders every accumulated word. Words are the source of
// truth; this is a convenience view.
func (a *Accumulator) FullTranscript() string {
	return stability.RenderWords(a.words)
}

// AllWords returns a copy of every accumulated word in append order.
func (a *Accumulator) AllWords() []stability.WordInfo {
	return append([]stability.WordInfo{}, a.words...)
}

// Segments returns the closed segments followed by a synthesized view of the
// open segment when it holds words. The view is not recorded as closed.
func (a *Accumulator) Segments() []SegmentInfo {
	out := make([]SegmentInfo, 0, len(a.segments)+1)
	for _, seg := range a.segments {
		seg.Words = append([]stability.WordInfo{}, seg.Words...)
		out = append(out, seg)
	}
	if len(a.openWords) > 0 {
		out = append(out, buildSegment(a.openID, a.count, a.openWords))
	}
	return out
}

// OpenSegmentID returns the id of the segment currently accumulating words.
func (a *Accumulator) OpenSegmentID() string {
	return a.openID
}

func (a *Accumulator) WordCount() int {
	return len(a.words)
}

// Clear drops all state. Intended for tests and explicit resets.
func (a *Accumulator) Clear() {
	*a = Accumulator{}
}
