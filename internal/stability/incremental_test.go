package stability

import (
	"reflect"
	"testing"
)

func words(ws ...WordInfo) []WordInfo { return ws }

func w(text string, start, end int64, prob float64) WordInfo {
	return WordInfo{Word: text, StartMS: start, EndMS: end, Probability: prob}
}

func texts(ws []WordInfo) []string {
	out := make([]string, 0, len(ws))
	for _, x := range ws {
		out = append(out, x.Word)
	}
	return out
}

func TestIncrementalLocksWordsThatLeaveTheBuffer(t *testing.T) {
	e := NewIncremental()

	first := e.Ingest(Hypothesis{
		SegmentID:   "seg-1",
		Revision:    1,
		Words:       words(w("Hello", 0, 400, 0.9), w("world", 400, 800, 0.8)),
		StartTimeMS: 0,
		EndTimeMS:   2000,
	})
	if len(first.FinalizedWords) != 0 {
		t.Fatalf("expected nothing finalized while words are in the buffer, got %v", texts(first.FinalizedWords))
	}
	if got := texts(first.UnstableWords); !reflect.DeepEqual(got, []string{"Hello", "world"}) {
		t.Fatalf("unexpected unstable preview %v", got)
	}
	if first.Rendered.Unstable != "Hello world" || first.Rendered.Stable != "" {
		t.Fatalf("unexpected rendering %+v", first.Rendered)
	}

	second := e.Ingest(Hypothesis{
		SegmentID:   "seg-1",
		Revision:    2,
		Words:       words(w("again", 1200, 1500, 0.7)),
		StartTimeMS: 900,
		EndTimeMS:   2900,
	})
	if got := texts(second.FinalizedWords); !reflect.DeepEqual(got, []string{"Hello", "world"}) {
		t.Fatalf("expected Hello world finalized, got %v", got)
	}
	if second.FinalizedWords[0].StartMS > second.FinalizedWords[1].StartMS {
		t.Fatalf("finalized words not ordered by start: %+v", second.FinalizedWords)
	}
	if got := texts(second.UnstableWords); !reflect.DeepEqual(got, []string{"again"}) {
		t.Fatalf("unexpected unstable words %v", got)
	}
	if second.Revision != 2 || second.Final {
		t.Fatalf("unexpected revision/final: %d %v", second.Revision, second.Final)
	}
	if second.SegmentID != "seg-1" {
		t.Fatalf("unexpected segment id %q", second.SegmentID)
	}
	if second.Rendered.Full != "Hello world again" {
		t.Fatalf("unexpected full rendering %q", second.Rendered.Full)
	}
}

func TestIncrementalSelectsMostProbableCandidate(t *testing.T) {
	e := NewIncremental()
	e.Ingest(Hypothesis{SegmentID: "s", Revision: 1, Words: words(w("Their", 100, 300, 0.4))})
	e.Ingest(Hypothesis{SegmentID: "s", Revision: 2, Words: words(w("There", 100, 300, 0.9))})
	out := e.Ingest(Hypothesis{SegmentID: "s", Revision: 3, Words: words(w("is", 600, 700, 0.9)), StartTimeMS: 500})

	if got := texts(out.FinalizedWords); !reflect.DeepEqual(got, []string{"There"}) {
		t.Fatalf("expected There to win, got %v", got)
	}
	if out.FinalizedWords[0].Probability != 0.9 {
		t.Fatalf("expected winning probability 0.9, got %v", out.FinalizedWords[0].Probability)
	}
}

func TestIncrementalTiesKeepFirstSeen(t *testing.T) {
	e := NewIncremental()
	e.Ingest(Hypothesis{Words: words(w("red", 0, 200, 0.5))})
	e.Ingest(Hypothesis{Words: words(w("read", 0, 200, 0.5))})
	out := e.Finalize()
	if got := texts(out.FinalizedWords); !reflect.DeepEqual(got, []string{"red"}) {
		t.Fatalf("expected first-seen candidate on tie, got %v", got)
	}
}

func TestIncrementalLockMargin(t *testing.T) {
	e := NewIncremental()
	e.Ingest(Hypothesis{Words: words(w("edge", 0, 1050, 0.9))})

	out := e.Ingest(Hypothesis{Words: words(w("later", 2000, 2300, 0.9)), StartTimeMS: 950})
	if len(out.FinalizedWords) != 0 {
		t.Fatalf("region ending inside the lock margin must stay open, got %v", texts(out.FinalizedWords))
	}
	out = e.Ingest(Hypothesis{Words: words(w("later", 2000, 2300, 0.9)), StartTimeMS: 951})
	if got := texts(out.FinalizedWords); !reflect.DeepEqual(got, []string{"edge"}) {
		t.Fatalf("expected edge to lock past the margin, got %v", got)
	}

	custom := NewIncremental(WithLockMargin(0))
	custom.Ingest(Hypothesis{Words: words(w("edge", 0, 1000, 0.9))})
	out = custom.Ingest(Hypothesis{Words: words(w("later", 2000, 2300, 0.9)), StartTimeMS: 1001})
	if len(out.FinalizedWords) != 1 {
		t.Fatalf("expected lock with zero margin, got %v", texts(out.FinalizedWords))
	}
}

func TestIncrementalFiltersInvalidWords(t *testing.T) {
	e := NewIncremental()
	out := e.Ingest(Hypothesis{Words: words(
		w("zero", 100, 100, 0.9),
		w("negative", 300, 200, 0.9),
		w("   ", 400, 500, 0.9),
		w(",", 500, 600, 0.9),
		w("...", 600, 700, 0.9),
		w("—", 700, 800, 0.9),
		w("ok", 800, 900, 0.9),
	)})
	if got := texts(out.UnstableWords); !reflect.DeepEqual(got, []string{"ok"}) {
		t.Fatalf("expected only valid words to form regions, got %v", got)
	}
}

func TestIncrementalTextOnlyFallback(t *testing.T) {
	e := NewIncremental()
	out := e.Ingest(Hypothesis{SegmentID: "s", Revision: 4, Text: " hello there "})
	if len(out.FinalizedWords) != 0 || len(out.StableWords) != 0 || len(out.UnstableWords) != 0 {
		t.Fatalf("text-only hypothesis must not produce words: %+v", out)
	}
	if out.Rendered.Unstable != " hello there " || out.Rendered.Full != " hello there " || out.Rendered.Stable != "" {
		t.Fatalf("unexpected fallback rendering %+v", out.Rendered)
	}
	if out.Revision != 4 {
		t.Fatalf("expected revision echoed, got %d", out.Revision)
	}
}

func TestIncrementalTextOnlyKeepsExistingState(t *testing.T) {
	e := NewIncremental()
	e.Ingest(Hypothesis{Words: words(w("one", 0, 200, 0.9))})
	e.Ingest(Hypothesis{Words: words(w("two", 500, 700, 0.9)), StartTimeMS: 400})

	out := e.Ingest(Hypothesis{Text: "something else entirely"})
	if got := texts(out.StableWords); !reflect.DeepEqual(got, []string{"one"}) {
		t.Fatalf("expected stable words preserved, got %v", got)
	}
	if got := texts(out.UnstableWords); !reflect.DeepEqual(got, []string{"two"}) {
		t.Fatalf("expected open regions preserved, got %v", got)
	}
	if out.Rendered.Full != "one two" {
		t.Fatalf("fallback text must not replace word state, got %q", out.Rendered.Full)
	}
}

func TestOverlapBandingByWordLength(t *testing.T) {
	// Region [0,200]; candidate [150,350] overlaps 50 ms of a 200 ms minimum
	// duration, a ratio of 0.25.
	short := NewIncremental()
	short.Ingest(Hypothesis{Words: words(w("ab", 0, 200, 0.5))})
	out := short.Ingest(Hypothesis{Words: words(w("an", 150, 350, 0.6))})
	if len(out.UnstableWords) != 1 {
		t.Fatalf("2-char word should join the region, got %v", texts(out.UnstableWords))
	}

	long := NewIncremental()
	long.Ingest(Hypothesis{Words: words(w("abcdefghijkl", 0, 200, 0.5))})
	out = long.Ingest(Hypothesis{Words: words(w("abcdefghijkm", 150, 350, 0.6))})
	if len(out.UnstableWords) != 2 {
		t.Fatalf("12-char word should open a new region, got %v", texts(out.UnstableWords))
	}
}

func TestOverlapThresholdBands(t *testing.T) {
	tr := newRegionTracker(DefaultOverlapBands, DefaultOverlapThreshold)
	cases := []struct {
		word string
		want float64
	}{
		{"it", 0.20},
		{"the.", 0.20},
		{"\"Hey\"", 0.20},
		{"when", 0.30},
		{"truly", 0.30},
		{"Michael", 0.40},
		{"something", 0.50},
	}
	for _, tc := range cases {
		if got := tr.threshold(tc.word); got != tc.want {
			t.Errorf("threshold(%q) = %v, want %v", tc.word, got, tc.want)
		}
	}

	custom := newRegionTracker(nil, 0.1)
	if got := custom.threshold("anything"); got != 0.1 {
		t.Fatalf("expected fallback threshold, got %v", got)
	}
}

func TestRegionEnvelopeWidens(t *testing.T) {
	tr := newRegionTracker(DefaultOverlapBands, DefaultOverlapThreshold)
	tr.add(w("cat", 100, 300, 0.5), 1)
	tr.add(w("cat", 80, 320, 0.6), 2)
	if tr.len() != 1 {
		t.Fatalf("expected a single region, got %d", tr.len())
	}
	r := tr.regions[0]
	if r.startMS != 80 || r.endMS != 320 {
		t.Fatalf("expected envelope [80,320], got [%d,%d]", r.startMS, r.endMS)
	}
	if len(r.candidates) != 2 || r.candidates[1].revision != 2 {
		t.Fatalf("unexpected candidates %+v", r.candidates)
	}
}

func TestIncrementalFinalizeForcesLockAndResets(t *testing.T) {
	e := NewIncremental()
	e.Ingest(Hypothesis{SegmentID: "seg-9", Words: words(w("b", 300, 400, 0.9), w("a", 0, 200, 0.9))})

	out := e.Finalize()
	if !out.Final || out.Revision != -1 {
		t.Fatalf("expected final output with revision -1, got %+v", out)
	}
	if got := texts(out.FinalizedWords); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("expected open regions force-locked in start order, got %v", got)
	}
	if out.SegmentID != "seg-9" || out.Rendered.Stable != "a b" {
		t.Fatalf("unexpected output %+v", out)
	}
	if out.Empty() {
		t.Fatalf("first finalize should not be empty")
	}

	again := e.Finalize()
	if !again.Empty() {
		t.Fatalf("second finalize should be empty, got %+v", again)
	}
}

func TestIncrementalStableWordsAreMonotonic(t *testing.T) {
	e := NewIncremental()
	hyps := []Hypothesis{
		{Revision: 1, Words: words(w("the", 0, 200, 0.6), w("quick", 200, 500, 0.5))},
		{Revision: 2, Words: words(w("the", 0, 210, 0.7), w("quack", 190, 480, 0.6), w("brown", 500, 800, 0.8)), StartTimeMS: 0},
		{Revision: 3, Words: words(w("quick", 200, 500, 0.9), w("brown", 500, 800, 0.8), w("fox", 800, 1000, 0.9)), StartTimeMS: 300},
		{Revision: 4, Words: words(w("fox", 800, 1000, 0.9), w("jumps", 1000, 1300, 0.9)), StartTimeMS: 700},
		{Revision: 5, Words: words(w("jumps", 1000, 1300, 0.9)), StartTimeMS: 1300},
		{Revision: 6, Text: "no words"},
	}

	prev := []WordInfo{}
	var finalized []WordInfo
	for _, h := range hyps {
		out := e.Ingest(h)
		if len(out.StableWords) < len(prev) {
			t.Fatalf("revision %d: stable words shrank from %d to %d", h.Revision, len(prev), len(out.StableWords))
		}
		if !reflect.DeepEqual(out.StableWords[:len(prev)], prev) {
			t.Fatalf("revision %d: stable prefix changed: %v -> %v", h.Revision, texts(prev), texts(out.StableWords))
		}
		finalized = append(finalized, out.FinalizedWords...)
		prev = out.StableWords
	}
	if got := texts(prev); !reflect.DeepEqual(got, []string{"the", "quick", "brown", "fox", "jumps"}) {
		t.Fatalf("unexpected stable words %v", got)
	}
	if !reflect.DeepEqual(finalized, prev) {
		t.Fatalf("finalized deltas should concatenate to the stable sequence: %v vs %v", texts(finalized), texts(prev))
	}
}

func TestIncrementalLateWordDoesNotReorderLockedPrefix(t *testing.T) {
	e := NewIncremental()
	first := e.Ingest(Hypothesis{StartTimeMS: 900, Words: words(w("world", 400, 800, 0.9))})
	if got := texts(first.StableWords); !reflect.DeepEqual(got, []string{"world"}) {
		t.Fatalf("expected world to lock, got %v", got)
	}

	second := e.Ingest(Hypothesis{StartTimeMS: 900, Words: words(w("hello", 0, 300, 0.9))})
	if got := texts(second.FinalizedWords); !reflect.DeepEqual(got, []string{"hello"}) {
		t.Fatalf("expected hello to lock, got %v", got)
	}
	if got := texts(second.StableWords); !reflect.DeepEqual(got, []string{"world", "hello"}) {
		t.Fatalf("locked prefix must be preserved, got %v", got)
	}
}
