package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/stability"
	"github.com/nats-io/nats.go"
)

const drainTimeout = 5 * time.Second

// Service forwards newly finalized words to a downstream consumer such as an
// incremental translator. Unstable text never leaves the pipeline here.
type Service struct {
	cfg    config.RouterConfig
	bus    *bus.Client
	logger *slog.Logger
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc

	forwarded atomic.Int64
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		logger: logger.With(slog.String("component", "router")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectFinalizedPrefix+".>", s.handleFinalized)
	if err != nil {
		return fmt.Errorf("subscribe finalized words: %w", err)
	}
	s.sub = sub
	s.logger.Info("router forwarding commits", slog.String("subject", s.cfg.Subject))
	return nil
}

// Close waits for finalized batches already delivered to be forwarded. Close
// the stt service first so its last batches reach the router.
func (s *Service) Close() {
	s.cancel()
	if err := bus.DrainSubscription(s.sub, drainTimeout); err != nil {
		s.logger.Warn("router drain incomplete", slogError(err))
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.sub != nil
}

// Forwarded reports how many words have been forwarded since start.
func (s *Service) Forwarded() int64 {
	return s.forwarded.Load()
}

func (s *Service) handleFinalized(msg *nats.Msg) {
	var update protocol.TranscriptUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		s.logger.Warn("router failed to decode update", slogError(err))
		return
	}
	if len(update.FinalizedWords) == 0 {
		return
	}

	req := protocol.CommitRequest{
		SessionID: update.SessionID,
		SegmentID: update.SegmentID,
		Target:    s.cfg.Target,
		Text:      stability.RenderWords(protocol.WordsToStability(update.FinalizedWords)),
		Words:     update.FinalizedWords,
		Final:     update.Final,
		TraceID:   eventstore.NewTraceID(),
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(s.cfg.Subject, req); err != nil {
		s.logger.Warn("router failed to publish commit", slogError(err))
		return
	}

	s.forwarded.Add(int64(len(update.FinalizedWords)))
	s.logger.Debug("forwarded commit",
		slog.String("session_id", update.SessionID),
		slog.String("segment_id", update.SegmentID),
		slog.Int("words", len(update.FinalizedWords)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
