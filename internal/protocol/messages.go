package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-captions/internal/stability"
	"github.com/loqalabs/loqa-captions/internal/transcript"
)

// ErrInvalidHypothesis marks a hypothesis that violates the upstream contract.
var ErrInvalidHypothesis = errors.New("invalid hypothesis")

// Word is the wire form of stability.WordInfo.
type Word struct {
	Word        string  `json:"word"`
	StartMS     int64   `json:"start_ms"`
	EndMS       int64   `json:"end_ms"`
	Probability float64 `json:"probability"`
}

// Hypothesis is one recognizer update published by an upstream adapter.
type Hypothesis struct {
	SessionID   string  `json:"session_id"`
	SegmentID   string  `json:"segment_id"`
	Revision    int     `json:"revision"`
	Text        string  `json:"text"`
	Words       []Word  `json:"words,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	StartTimeMS int64   `json:"start_time_ms"`
	EndTimeMS   int64   `json:"end_time_ms"`
	IsFinal     bool    `json:"is_final,omitempty"`
	// Mode optionally selects the stability engine for a new session.
	Mode string `json:"mode,omitempty"`
}

// Validate checks the upstream contract. The engine itself trusts its input,
// so malformed values are rejected here.
func (h Hypothesis) Validate() error {
	if strings.TrimSpace(h.SegmentID) == "" {
		return fmt.Errorf("%w: segment_id is required", ErrInvalidHypothesis)
	}
	if h.Revision < 0 {
		return fmt.Errorf("%w: revision must be >= 0", ErrInvalidHypothesis)
	}
	if h.Confidence < 0 || h.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be within [0,1]", ErrInvalidHypothesis)
	}
	for i, w := range h.Words {
		if w.Probability < 0 || w.Probability > 1 {
			return fmt.Errorf("%w: words[%d].probability must be within [0,1]", ErrInvalidHypothesis, i)
		}
	}
	return nil
}

// ToStability converts the message for the engine.
func (h Hypothesis) ToStability() stability.Hypothesis {
	return stability.Hypothesis{
		SegmentID:   h.SegmentID,
		Revision:    h.Revision,
		Text:        h.Text,
		Words:       WordsToStability(h.Words),
		Confidence:  h.Confidence,
		StartTimeMS: h.StartTimeMS,
		EndTimeMS:   h.EndTimeMS,
		IsFinal:     h.IsFinal,
	}
}

func WordsToStability(ws []Word) []stability.WordInfo {
	if len(ws) == 0 {
		return nil
	}
	out := make([]stability.WordInfo, len(ws))
	for i, w := range ws {
		out[i] = stability.WordInfo(w)
	}
	return out
}

func WordsFromStability(ws []stability.WordInfo) []Word {
	out := make([]Word, len(ws))
	for i, w := range ws {
		out[i] = Word(w)
	}
	return out
}

// StreamEnd tells the pipeline a session's audio stream has ended.
type StreamEnd struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Rendered is the display-only text of an update.
type Rendered struct {
	Stable   string `json:"stable"`
	Unstable string `json:"unstable"`
	Full     string `json:"full"`
}

// TranscriptUpdate is published after every ingest and segment finalization.
// Consumers must only persist FinalizedWords.
type TranscriptUpdate struct {
	SessionID      string    `json:"session_id"`
	SegmentID      string    `json:"segment_id"`
	Revision       int       `json:"revision"`
	Final          bool      `json:"final"`
	FinalizedWords []Word    `json:"finalized_words"`
	StableWords    []Word    `json:"stable_words"`
	UnstableWords  []Word    `json:"unstable_words"`
	Rendered       Rendered  `json:"rendered_text"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewTranscriptUpdate wraps an engine output for the bus.
func NewTranscriptUpdate(sessionID string, out stability.SegmentOutput, ts time.Time) TranscriptUpdate {
	return TranscriptUpdate{
		SessionID:      sessionID,
		SegmentID:      out.SegmentID,
		Revision:       out.Revision,
		Final:          out.Final,
		FinalizedWords: WordsFromStability(out.FinalizedWords),
		StableWords:    WordsFromStability(out.StableWords),
		UnstableWords:  WordsFromStability(out.UnstableWords),
		Rendered:       Rendered(out.Rendered),
		Timestamp:      ts,
	}
}

// Segment is the wire form of a transcript segment.
type Segment struct {
	SegmentID string `json:"segment_id"`
	Index     int    `json:"index"`
	Text      string `json:"text"`
	Words     []Word `json:"words"`
	StartMS   int64  `json:"start_ms"`
	EndMS     int64  `json:"end_ms"`
}

// TranscriptSnapshot is the full accumulated transcript of a session.
type TranscriptSnapshot struct {
	SessionID  string    `json:"session_id"`
	Transcript string    `json:"transcript"`
	WordCount  int       `json:"word_count"`
	Words      []Word    `json:"words"`
	Segments   []Segment `json:"segments"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewTranscriptSnapshot renders the read accessors of acc.
func NewTranscriptSnapshot(sessionID string, acc *transcript.Accumulator, ts time.Time) TranscriptSnapshot {
	segs := acc.Segments()
	out := make([]Segment, 0, len(segs))
	for _, s := range segs {
		out = append(out, Segment{
			SegmentID: s.SegmentID,
			Index:     s.Index,
			Text:      s.Text,
			Words:     WordsFromStability(s.Words),
			StartMS:   s.StartMS,
			EndMS:     s.EndMS,
		})
	}
	return TranscriptSnapshot{
		SessionID:  sessionID,
		Transcript: acc.FullTranscript(),
		WordCount:  acc.WordCount(),
		Words:      WordsFromStability(acc.AllWords()),
		Segments:   out,
		Timestamp:  ts,
	}
}

// CommitRequest carries newly committed text to a downstream consumer such as
// an incremental translator.
type CommitRequest struct {
	SessionID string    `json:"session_id"`
	SegmentID string    `json:"segment_id"`
	Target    string    `json:"target,omitempty"`
	Text      string    `json:"text"`
	Words     []Word    `json:"words"`
	Final     bool      `json:"final"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectHypothesisPrefix = "stt.hypothesis"
	SubjectStreamEndPrefix  = "stt.stream.end"

	SubjectUpdatePrefix    = "transcript.update"
	SubjectFinalizedPrefix = "transcript.finalized"
	SubjectFinalPrefix     = "transcript.final"
)

// SessionSubject appends a session token to prefix.
func SessionSubject(prefix, sessionID string) string {
	return prefix + "." + sessionID
}
