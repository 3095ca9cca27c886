package stt

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/stability"
	"github.com/loqalabs/loqa-captions/internal/transcript"
)

var (
	errStaleRevision = errors.New("stale revision")
	errSegmentClosed = errors.New("segment already finalized")
)

type closeCause string

const (
	causeBoundary  closeCause = "boundary"
	causeIdle      closeCause = "idle"
	causeStreamEnd closeCause = "stream_end"
	causeEvicted   closeCause = "evicted"
)

// step is one engine output together with the reason a segment closed, if
// it did.
type step struct {
	out   stability.SegmentOutput
	cause closeCause
}

// session owns the accumulator of one stream and the engine of its current
// segment. All methods require mu to be held.
type session struct {
	mu sync.Mutex

	id        string
	mode      stability.Mode
	newEngine func() stability.Engine
	engine    stability.Engine
	acc       *transcript.Accumulator

	segmentID    string
	lastRevision int
	// lockedEndMS and lockedWords describe what the current segment has
	// already committed to the accumulator.
	lockedEndMS int64
	lockedWords int
	// idled is set once the idle sweep finalized the current segment. The
	// segment id stays live and resume trims what was already committed.
	idled    bool
	resume   *resumeFloor
	closed   map[string]struct{}
	lastSeen time.Time
	created  time.Time
	ended    bool
}

func newSession(id string, mode stability.Mode, newEngine func() stability.Engine, now time.Time) *session {
	return &session{
		id:        id,
		mode:      mode,
		newEngine: newEngine,
		engine:    newEngine(),
		acc:       transcript.New(),
		closed:    make(map[string]struct{}),
		lastSeen:  now,
		created:   now,
	}
}

// ingest feeds h to the current engine. A new segment id first finalizes the
// open segment, so the returned steps are in publish order.
func (s *session) ingest(h stability.Hypothesis, now time.Time) ([]step, error) {
	if _, ok := s.closed[h.SegmentID]; ok {
		return nil, errSegmentClosed
	}
	if h.SegmentID == s.segmentID && h.Revision <= s.lastRevision {
		return nil, errStaleRevision
	}

	var steps []step
	if s.segmentID != "" && h.SegmentID != s.segmentID {
		if st, ok := s.closeSegment(causeBoundary); ok {
			steps = append(steps, st)
		}
	}
	if s.idled {
		s.idled = false
		s.resume = &resumeFloor{endMS: s.lockedEndMS, words: s.lockedWords}
	}
	s.segmentID = h.SegmentID
	s.lastRevision = h.Revision
	s.lastSeen = now

	if s.resume != nil {
		h = s.resume.trim(h)
	}
	out := s.engine.Ingest(h)
	if out.SegmentID == "" {
		out.SegmentID = s.segmentID
	}
	s.commit(out)
	return append(steps, step{out: out}), nil
}

// closeSegment finalizes the open segment, if any, and starts a fresh engine.
// An idle close keeps the segment id live so the recognizer can continue it.
func (s *session) closeSegment(cause closeCause) (step, bool) {
	if s.segmentID == "" {
		return step{}, false
	}
	if s.idled {
		s.closed[s.segmentID] = struct{}{}
		s.acc.Finalize()
		s.resetSegment()
		return step{}, false
	}
	out := s.engine.Finalize()
	if out.SegmentID == "" {
		out.SegmentID = s.segmentID
	}
	s.commit(out)
	if cause == causeIdle {
		s.engine = s.newEngine()
		s.idled = true
		return step{out: out, cause: cause}, true
	}

	s.acc.Finalize()
	s.closed[s.segmentID] = struct{}{}
	s.resetSegment()
	return step{out: out, cause: cause}, true
}

func (s *session) resetSegment() {
	s.segmentID = ""
	s.lastRevision = 0
	s.lockedEndMS = 0
	s.lockedWords = 0
	s.idled = false
	s.resume = nil
	s.engine = s.newEngine()
}

// idle closes the open segment when no hypothesis arrived for at least after.
func (s *session) idle(now time.Time, after time.Duration) (step, bool) {
	if s.segmentID == "" || s.idled || after <= 0 || now.Sub(s.lastSeen) < after {
		return step{}, false
	}
	return s.closeSegment(causeIdle)
}

// end finalizes everything. The session must not be used afterwards.
func (s *session) end(cause closeCause) (step, bool) {
	st, ok := s.closeSegment(cause)
	s.acc.Finalize()
	s.ended = true
	return st, ok
}

func (s *session) commit(out stability.SegmentOutput) {
	if s.segmentID != "" && out.SegmentID == s.segmentID {
		for _, w := range out.FinalizedWords {
			s.lockedEndMS = max(s.lockedEndMS, w.EndMS)
		}
		s.lockedWords += len(out.FinalizedWords)
	}
	s.acc.AppendWords(out.SegmentID, out.FinalizedWords)
}

// resumeFloor removes the part of a resumed segment that was finalized before
// the idle close. Recognizers resend the whole segment: timed words ending at
// or before endMS are dropped, and text-only hypotheses lose their first
// words tokens.
type resumeFloor struct {
	endMS int64
	words int
}

func (f *resumeFloor) trim(h stability.Hypothesis) stability.Hypothesis {
	if len(h.Words) > 0 {
		kept := make([]stability.WordInfo, 0, len(h.Words))
		for _, w := range h.Words {
			if w.EndMS > f.endMS {
				kept = append(kept, w)
			}
		}
		h.Words = kept
		h.Text = stability.RenderWords(kept)
		return h
	}
	fields := strings.Fields(h.Text)
	if f.words >= len(fields) {
		h.Text = ""
	} else {
		h.Text = strings.Join(fields[f.words:], " ")
	}
	return h
}

// EngineOptions translates configuration into engine options.
func EngineOptions(cfg config.StabilityConfig, logger *slog.Logger) []stability.Option {
	opts := []stability.Option{
		stability.WithLockMargin(int64(cfg.LockMarginMS)),
		stability.WithSoftLockAfter(time.Duration(cfg.SoftLockMS) * time.Millisecond),
		stability.WithSoftLockProbability(cfg.SoftLockProbability),
		stability.WithLogger(logger),
	}
	if len(cfg.OverlapBands) > 0 {
		bands := make([]stability.OverlapBand, len(cfg.OverlapBands))
		for i, b := range cfg.OverlapBands {
			bands[i] = stability.OverlapBand(b)
		}
		opts = append(opts, stability.WithOverlapBands(bands, cfg.OverlapFallback))
	}
	return opts
}
