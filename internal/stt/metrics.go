package stt

import (
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-captions/stt"

// Metrics holds the session pipeline instruments.
type Metrics struct {
	// Hypotheses counts accepted hypotheses. Attributes: mode.
	Hypotheses metric.Int64Counter

	// Rejected counts dropped input. Attributes: reason.
	Rejected metric.Int64Counter

	// WordsFinalized counts words appended to transcripts. Attributes: mode.
	WordsFinalized metric.Int64Counter

	// SegmentsClosed counts finalized segments. Attributes: cause.
	SegmentsClosed metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Hypotheses, err = m.Int64Counter("loqa.captions.hypotheses",
		metric.WithDescription("Hypotheses ingested by the stability engine."),
	); err != nil {
		return nil, err
	}
	if met.Rejected, err = m.Int64Counter("loqa.captions.rejected",
		metric.WithDescription("Hypotheses or batches dropped before or during ingest."),
	); err != nil {
		return nil, err
	}
	if met.WordsFinalized, err = m.Int64Counter("loqa.captions.words_finalized",
		metric.WithDescription("Words committed to session transcripts."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsClosed, err = m.Int64Counter("loqa.captions.segments_closed",
		metric.WithDescription("Segments finalized by boundary, silence or stream end."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("loqa.captions.active_sessions",
		metric.WithDescription("Sessions currently tracked."),
	); err != nil {
		return nil, err
	}
	return met, nil
}
