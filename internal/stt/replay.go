package stt

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/stability"
)

// ReplayResult summarises an offline replay.
type ReplayResult struct {
	Snapshot protocol.TranscriptSnapshot
	Accepted int
	Skipped  int
}

// Replay feeds JSON-lines hypotheses through the same per-segment pipeline
// the live service uses, without a bus. onUpdate, when set, sees every
// update in order.
func Replay(r io.Reader, mode stability.Mode, opts []stability.Option, logger *slog.Logger, onUpdate func(protocol.TranscriptUpdate)) (ReplayResult, error) {
	factory := func() stability.Engine {
		engine, err := stability.New(mode, opts...)
		if err != nil {
			panic(err)
		}
		return engine
	}
	if _, err := stability.New(mode); err != nil {
		return ReplayResult{}, err
	}

	var (
		sess   *session
		result ReplayResult
		line   int
	)
	emit := func(st step) {
		if onUpdate != nil {
			onUpdate(protocol.NewTranscriptUpdate(sess.id, st.out, time.Now().UTC()))
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		var h protocol.Hypothesis
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			logger.Warn("skipping undecodable line", slog.Int("line", line), slogError(err))
			result.Skipped++
			continue
		}
		if err := h.Validate(); err != nil {
			logger.Warn("skipping invalid hypothesis", slog.Int("line", line), slogError(err))
			result.Skipped++
			continue
		}
		if sess == nil {
			id := h.SessionID
			if id == "" {
				id = "replay"
			}
			sess = newSession(id, mode, factory, time.Now())
		}
		steps, err := sess.ingest(h.ToStability(), time.Now())
		if err != nil {
			logger.Debug("dropped hypothesis", slog.Int("line", line), slogError(err))
			result.Skipped++
			continue
		}
		result.Accepted++
		for _, st := range steps {
			emit(st)
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("read hypotheses: %w", err)
	}
	if sess == nil {
		sess = newSession("replay", mode, factory, time.Now())
	}
	if st, ok := sess.end(causeStreamEnd); ok {
		emit(st)
	}
	result.Snapshot = protocol.NewTranscriptSnapshot(sess.id, sess.acc, time.Now().UTC())
	return result, nil
}
