package stt

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/stability"
)

const replayInput = `
# two segments from an incremental recognizer
{"segment_id":"A","revision":0,"text":"their","start_time_ms":0,"words":[{"word":"Their","start_ms":0,"end_ms":300,"probability":0.4}]}
{"segment_id":"A","revision":1,"text":"there is","start_time_ms":0,"words":[{"word":"There","start_ms":10,"end_ms":310,"probability":0.8},{"word":"is","start_ms":320,"end_ms":500,"probability":0.9}]}
not json
{"segment_id":"A","revision":1,"text":"stale"}
{"segment_id":"","revision":2,"text":"missing segment"}
{"segment_id":"B","revision":0,"text":"a cat","start_time_ms":2000,"words":[{"word":"a","start_ms":2000,"end_ms":2100,"probability":0.9},{"word":"cat","start_ms":2100,"end_ms":2500,"probability":0.9}]}
`

func TestReplayIncremental(t *testing.T) {
	var updates []protocol.TranscriptUpdate
	result, err := Replay(strings.NewReader(replayInput), stability.ModeIncremental, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		func(u protocol.TranscriptUpdate) { updates = append(updates, u) })
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Accepted != 3 || result.Skipped != 3 {
		t.Fatalf("expected 3 accepted and 3 skipped, got %+v", result)
	}
	if result.Snapshot.Transcript != "There is a cat" {
		t.Fatalf("unexpected transcript %q", result.Snapshot.Transcript)
	}
	if len(result.Snapshot.Segments) != 2 {
		t.Fatalf("expected two segments, got %+v", result.Snapshot.Segments)
	}
	// 3 ingests, plus the boundary close of A and the stream end close of B.
	if len(updates) != 5 {
		t.Fatalf("expected 5 updates, got %d", len(updates))
	}
	if !updates[len(updates)-1].Final {
		t.Fatalf("last update should be final")
	}
}

func TestReplayUnknownMode(t *testing.T) {
	if _, err := Replay(strings.NewReader(""), stability.Mode("loud"), nil, slog.New(slog.NewTextHandler(io.Discard, nil)), nil); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestReplayEmptyInput(t *testing.T) {
	result, err := Replay(strings.NewReader("\n\n"), stability.ModeRewriting, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Snapshot.WordCount != 0 || result.Snapshot.SessionID != "replay" {
		t.Fatalf("unexpected snapshot %+v", result.Snapshot)
	}
}
