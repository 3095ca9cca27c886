package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "captions.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendWords(ctx, "s", "seg", []WordRecord{{Word: "a"}}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
	words, err := es.ListSessionWords(ctx, "s")
	if err != nil || words != nil {
		t.Fatalf("expected no words, got %v (%v)", words, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	sessionID := "session-123"
	if err := es.AppendSession(ctx, sessionID, "incremental"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: sessionID, SegmentID: "seg-1", Type: EventSegmentClosed, Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" || events[0].SegmentID != "seg-1" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if events[0].TraceID == "" {
		t.Fatalf("expected generated trace id")
	}
}

func TestAppendWordsContinuesSequence(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	ctx := context.Background()

	if err := es.AppendSession(ctx, "room", "rewriting"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	first := []WordRecord{
		{Word: "the", StartMS: 0, EndMS: 300, Probability: 0.9},
		{Word: "cat", StartMS: 300, EndMS: 600, Probability: 0.8},
	}
	if err := es.AppendWords(ctx, "room", "seg-1", first); err != nil {
		t.Fatalf("append words: %v", err)
	}
	if err := es.AppendWords(ctx, "room", "seg-2", []WordRecord{{Word: "sat", StartMS: 700, EndMS: 900, Probability: 0.7}}); err != nil {
		t.Fatalf("append words: %v", err)
	}

	words, err := es.ListSessionWords(ctx, "room")
	if err != nil {
		t.Fatalf("list words: %v", err)
	}
	if len(words) != 3 {
		t.Fatalf("expected 3 words, got %d", len(words))
	}
	for i, want := range []string{"the", "cat", "sat"} {
		if words[i].Word != want || words[i].Seq != i {
			t.Fatalf("word %d: got %+v", i, words[i])
		}
	}
	if words[2].SegmentID != "seg-2" || words[2].EndMS != 900 {
		t.Fatalf("unexpected last word %+v", words[2])
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "old-session", "incremental"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: EventSessionStarted}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.AppendWords(ctx, "old-session", "seg", []WordRecord{{Word: "gone", StartMS: 0, EndMS: 10}}); err != nil {
		t.Fatalf("append words: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, "new-session", "incremental"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	words, err := es.ListSessionWords(ctx, "old-session")
	if err != nil {
		t.Fatalf("list words: %v", err)
	}
	if len(words) != 0 {
		t.Fatalf("expected words to cascade with the session, got %d", len(words))
	}
}
