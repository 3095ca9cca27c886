package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/stability"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName   = "github.com/loqalabs/loqa-captions/stt"
	drainTimeout = 5 * time.Second
)

// Service turns hypotheses published on the bus into stable transcript
// updates, one stability engine per session segment.
type Service struct {
	cfg        config.SessionsConfig
	mode       stability.Mode
	engineOpts []stability.Option
	bus        *bus.Client
	store      *eventstore.Store
	metrics    *Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
	clock      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	ctx    context.Context
	cancel context.CancelFunc
	subHyp *nats.Subscription
	subEnd *nats.Subscription
	wg     sync.WaitGroup
	ready  atomic.Bool
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, store *eventstore.Store, metrics *Metrics, logger *slog.Logger) (*Service, error) {
	mode, err := stability.ParseMode(cfg.Stability.Mode)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		if metrics, err = NewMetrics(noop.NewMeterProvider()); err != nil {
			return nil, err
		}
	}
	logger = logger.With(slog.String("component", "stt"))
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg.Sessions,
		mode:       mode,
		engineOpts: EngineOptions(cfg.Stability, logger),
		bus:        busClient,
		store:      store,
		metrics:    metrics,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		clock:      time.Now,
		sessions:   make(map[string]*session),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectHypothesisPrefix+".>", s.handleHypothesis)
	if err != nil {
		return fmt.Errorf("subscribe hypotheses: %w", err)
	}
	s.subHyp = sub

	subEnd, err := s.bus.Conn().Subscribe(protocol.SubjectStreamEndPrefix+".>", s.handleStreamEnd)
	if err != nil {
		_ = s.subHyp.Drain()
		return fmt.Errorf("subscribe stream end: %w", err)
	}
	s.subEnd = subEnd

	if interval := time.Duration(s.cfg.SweepIntervalMS) * time.Millisecond; interval > 0 && s.cfg.IdleFinalizeMS > 0 {
		s.wg.Add(1)
		go s.sweepLoop(interval)
	}
	s.ready.Store(true)
	s.logger.Info("stt session pipeline started", slog.String("mode", string(s.mode)))
	return nil
}

// Close stops intake and finalizes every remaining session.
func (s *Service) Close() {
	s.ready.Store(false)
	for _, sub := range []*nats.Subscription{s.subHyp, s.subEnd} {
		if err := bus.DrainSubscription(sub, drainTimeout); err != nil {
			s.logger.Warn("stt drain incomplete", slogError(err))
		}
	}
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	remaining := make([]*session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		remaining = append(remaining, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, sess := range remaining {
		s.endSession(context.Background(), sess, causeStreamEnd)
	}
}

func (s *Service) Healthy() bool {
	return s.ready.Load()
}

// Snapshot returns the accumulated transcript of a live session.
func (s *Service) Snapshot(sessionID string) (protocol.TranscriptSnapshot, bool) {
	s.mu.Lock()
	sess := s.sessions[sessionID]
	s.mu.Unlock()
	if sess == nil {
		return protocol.TranscriptSnapshot{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return protocol.NewTranscriptSnapshot(sess.id, sess.acc, s.clock().UTC()), true
}

// Sessions lists live session ids in sorted order.
func (s *Service) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) handleHypothesis(msg *nats.Msg) {
	var h protocol.Hypothesis
	if err := json.Unmarshal(msg.Data, &h); err != nil {
		s.logger.Warn("failed to decode hypothesis", slogError(err))
		s.reject("decode")
		return
	}
	sessionID := h.SessionID
	if sessionID == "" {
		sessionID = sessionFromSubject(msg.Subject, protocol.SubjectHypothesisPrefix)
	}
	if sessionID == "" {
		s.logger.Warn("hypothesis without session", slog.String("subject", msg.Subject))
		s.reject("session")
		return
	}
	if err := h.Validate(); err != nil {
		s.logger.Warn("rejected hypothesis", slog.String("session_id", sessionID), slogError(err))
		s.reject("invalid")
		return
	}

	ctx, span := s.tracer.Start(s.ctx, "stt.hypothesis", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("segment.id", h.SegmentID),
		attribute.Int("revision", h.Revision),
		attribute.Bool("final", h.IsFinal),
	))
	defer span.End()

	sess, err := s.openSession(ctx, sessionID, h.Mode)
	if err != nil {
		s.logger.Warn("cannot open session", slog.String("session_id", sessionID), slogError(err))
		s.reject("mode")
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.ended {
		s.reject("ended")
		return
	}
	steps, err := sess.ingest(h.ToStability(), s.clock())
	if err != nil {
		s.logger.Debug("dropped hypothesis",
			slog.String("session_id", sessionID),
			slog.String("segment_id", h.SegmentID),
			slog.Int("revision", h.Revision),
			slogError(err))
		switch {
		case errors.Is(err, errStaleRevision):
			s.reject("stale")
		default:
			s.reject("closed")
		}
		return
	}
	s.metrics.Hypotheses.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(sess.mode))))
	for _, st := range steps {
		s.emit(ctx, sess, st)
	}
}

func (s *Service) handleStreamEnd(msg *nats.Msg) {
	var end protocol.StreamEnd
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &end); err != nil {
			s.logger.Warn("failed to decode stream end", slogError(err))
		}
	}
	sessionID := end.SessionID
	if sessionID == "" {
		sessionID = sessionFromSubject(msg.Subject, protocol.SubjectStreamEndPrefix)
	}

	s.mu.Lock()
	sess := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if sess == nil {
		s.logger.Debug("stream end for unknown session", slog.String("session_id", sessionID))
		return
	}
	s.endSession(s.ctx, sess, causeStreamEnd)
}

// openSession returns the live session for id, creating it when needed. The
// oldest session is evicted once max_sessions is reached.
func (s *Service) openSession(ctx context.Context, id, requested string) (*session, error) {
	s.mu.Lock()
	if sess := s.sessions[id]; sess != nil {
		s.mu.Unlock()
		return sess, nil
	}

	mode := s.mode
	if requested != "" {
		m, err := stability.ParseMode(requested)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		mode = m
	}

	var evicted *session
	if s.cfg.MaxSessions > 0 && len(s.sessions) >= s.cfg.MaxSessions {
		for _, candidate := range s.sessions {
			if evicted == nil || candidate.created.Before(evicted.created) {
				evicted = candidate
			}
		}
		delete(s.sessions, evicted.id)
	}

	sess := newSession(id, mode, s.engineFactory(id, mode), s.clock())
	s.sessions[id] = sess
	s.mu.Unlock()

	if evicted != nil {
		s.logger.Warn("session limit reached, evicting oldest", slog.String("session_id", evicted.id))
		s.endSession(ctx, evicted, causeEvicted)
	}

	s.metrics.ActiveSessions.Add(ctx, 1)
	if err := s.store.AppendSession(ctx, id, string(mode)); err != nil {
		s.logger.Warn("failed to persist session", slog.String("session_id", id), slogError(err))
	}
	s.recordEvent(ctx, id, "", eventstore.EventSessionStarted, map[string]string{"mode": string(mode)})
	s.logger.Info("session opened", slog.String("session_id", id), slog.String("mode", string(mode)))
	return sess, nil
}

func (s *Service) engineFactory(sessionID string, mode stability.Mode) func() stability.Engine {
	opts := append([]stability.Option{}, s.engineOpts...)
	opts = append(opts, stability.WithDiscardHook(func(segmentID string, revision, words int) {
		s.reject("overlapping_final")
		s.recordEvent(s.ctx, sessionID, segmentID, eventstore.EventBatchRejected, map[string]int{
			"revision": revision,
			"words":    words,
		})
	}))
	return func() stability.Engine {
		engine, err := stability.New(mode, opts...)
		if err != nil {
			// mode was parsed before the session was created
			panic(err)
		}
		return engine
	}
}

// endSession finalizes sess and publishes its full transcript.
func (s *Service) endSession(ctx context.Context, sess *session, cause closeCause) {
	sess.mu.Lock()
	if sess.ended {
		sess.mu.Unlock()
		return
	}
	if st, ok := sess.end(cause); ok {
		s.emit(ctx, sess, st)
	}
	snapshot := protocol.NewTranscriptSnapshot(sess.id, sess.acc, s.clock().UTC())
	sess.mu.Unlock()

	if err := s.bus.PublishJSON(protocol.SessionSubject(protocol.SubjectFinalPrefix, sess.id), snapshot); err != nil {
		s.logger.Warn("failed to publish final transcript", slogError(err))
	}
	s.recordEvent(ctx, sess.id, "", eventstore.EventSessionEnded, map[string]any{
		"cause":      cause,
		"word_count": snapshot.WordCount,
		"transcript": snapshot.Transcript,
	})
	s.metrics.ActiveSessions.Add(ctx, -1)
	s.logger.Info("session closed",
		slog.String("session_id", sess.id),
		slog.String("cause", string(cause)),
		slog.Int("words", snapshot.WordCount))
}

// emit publishes one engine output. Callers hold sess.mu so updates of one
// session leave in order.
func (s *Service) emit(ctx context.Context, sess *session, st step) {
	update := protocol.NewTranscriptUpdate(sess.id, st.out, s.clock().UTC())
	if err := s.bus.PublishJSON(protocol.SessionSubject(protocol.SubjectUpdatePrefix, sess.id), update); err != nil {
		s.logger.Warn("failed to publish transcript update", slogError(err))
	}

	if n := len(st.out.FinalizedWords); n > 0 {
		if err := s.bus.PublishJSON(protocol.SessionSubject(protocol.SubjectFinalizedPrefix, sess.id), update); err != nil {
			s.logger.Warn("failed to publish finalized words", slogError(err))
		}
		if err := s.store.AppendWords(ctx, sess.id, st.out.SegmentID, wordRecords(st.out.FinalizedWords)); err != nil {
			s.logger.Warn("failed to persist finalized words", slog.String("session_id", sess.id), slogError(err))
		}
		s.metrics.WordsFinalized.Add(ctx, int64(n), metric.WithAttributes(attribute.String("mode", string(sess.mode))))
	}

	if st.cause != "" {
		s.metrics.SegmentsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", string(st.cause))))
		s.recordEvent(ctx, sess.id, st.out.SegmentID, eventstore.EventSegmentClosed, map[string]any{
			"cause": st.cause,
			"words": len(st.out.StableWords),
		})
	}
}

func (s *Service) sweepLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep(s.clock())
		}
	}
}

// sweep closes segments that have been silent for idle_finalize_ms.
func (s *Service) sweep(now time.Time) {
	idle := time.Duration(s.cfg.IdleFinalizeMS) * time.Millisecond
	s.mu.Lock()
	live := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	for _, sess := range live {
		sess.mu.Lock()
		if !sess.ended {
			if st, ok := sess.idle(now, idle); ok {
				s.emit(s.ctx, sess, st)
			}
		}
		sess.mu.Unlock()
	}
}

func (s *Service) recordEvent(ctx context.Context, sessionID, segmentID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", slogError(err))
		return
	}
	evt := eventstore.Event{
		SessionID: sessionID,
		SegmentID: segmentID,
		Type:      eventType,
		Payload:   data,
	}
	if err := s.store.AppendEvent(ctx, evt); err != nil {
		s.logger.Warn("failed to persist event", slog.String("type", eventType), slogError(err))
	}
}

func (s *Service) reject(reason string) {
	s.metrics.Rejected.Add(s.ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func wordRecords(words []stability.WordInfo) []eventstore.WordRecord {
	out := make([]eventstore.WordRecord, len(words))
	for i, w := range words {
		out[i] = eventstore.WordRecord{
			Word:        w.Word,
			StartMS:     w.StartMS,
			EndMS:       w.EndMS,
			Probability: w.Probability,
		}
	}
	return out
}

func sessionFromSubject(subject, prefix string) string {
	return strings.TrimPrefix(strings.TrimPrefix(subject, prefix), ".")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
