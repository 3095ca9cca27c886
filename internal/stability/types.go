package stability

// WordInfo is a single recognized word with timing and confidence. Values are
// treated as immutable once created.
type WordInfo struct {
	Word        string  `json:"word"`
	StartMS     int64   `json:"start_ms"`
	EndMS       int64   `json:"end_ms"`
	Probability float64 `json:"probability"`
}

// Duration returns EndMS - StartMS.
func (w WordInfo) Duration() int64 {
	return w.EndMS - w.StartMS
}

// Hypothesis is one recognizer update for a segment.
type Hypothesis struct {
	SegmentID  string
	Revision   int
	Text       string
	Words      []WordInfo
	Confidence float64
	// StartTimeMS is the lower edge of the recognizer's rolling buffer.
	StartTimeMS int64
	EndTimeMS   int64
	// IsFinal is only consulted by the rewriting engine.
	IsFinal bool
}

// RenderedText is a display-only view derived from word data.
type RenderedText struct {
	Stable   string `json:"stable"`
	Unstable string `json:"unstable"`
	Full     string `json:"full"`
}

// SegmentOutput is returned by every Ingest and Finalize call.
//
// FinalizedWords is the only mutation signal: it carries the words that
// became final during this call and nothing else. StableWords is the full
// locked sequence so far. UnstableWords is a preview that is replaced
// wholesale on every call and must never be persisted.
type SegmentOutput struct {
	SegmentID      string       `json:"segment_id"`
	FinalizedWords []WordInfo   `json:"finalized_words"`
	StableWords    []WordInfo   `json:"stable_words"`
	UnstableWords  []WordInfo   `json:"unstable_words"`
	Rendered       RenderedText `json:"rendered_text"`
	Revision       int          `json:"revision"`
	Final          bool         `json:"final"`
}

// Empty reports whether the output carries no locked words at all.
func (o SegmentOutput) Empty() bool {
	return len(o.FinalizedWords) == 0 && len(o.StableWords) == 0
}
