package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/loqalabs/loqa-captions/internal/capability"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/stability"
	"github.com/loqalabs/loqa-captions/internal/transcript"
	"github.com/nats-io/nats.go"
)

const (
	streamBuffer = 64
	writeTimeout = 5 * time.Second
)

func (r *Runtime) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	mux.HandleFunc("GET /v1/nodes", r.handleNodes)
	mux.HandleFunc("GET /v1/sessions", r.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", r.handleTranscript)
	mux.HandleFunc("GET /v1/sessions/{id}/stream", r.handleStream)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	var filter func(capability.NodeInfo) bool
	if name := req.URL.Query().Get("capability"); name != "" {
		filter = capability.WithCapabilityFilter(name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"self":  r.nodes.NodeID(),
		"nodes": r.nodes.Nodes(filter),
	})
}

func (r *Runtime) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"sessions": r.stt.Sessions()})
}

// handleTranscript serves the live accumulator of a session, or rebuilds the
// transcript from persisted words once the session has ended.
func (r *Runtime) handleTranscript(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if snap, ok := r.stt.Snapshot(id); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}

	records, err := r.store.ListSessionWords(req.Context(), id)
	if err != nil {
		r.logger.Error("load transcript", slog.String("session_id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load transcript"})
		return
	}
	if len(records) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return
	}
	acc := transcript.New()
	for _, rec := range records {
		acc.AppendWords(rec.SegmentID, []stability.WordInfo{{
			Word:        rec.Word,
			StartMS:     rec.StartMS,
			EndMS:       rec.EndMS,
			Probability: rec.Probability,
		}})
	}
	acc.Finalize()
	writeJSON(w, http.StatusOK, protocol.NewTranscriptSnapshot(id, acc, time.Now().UTC()))
}

// handleStream relays a session's transcript updates over a websocket and
// closes once the final transcript has been sent.
func (r *Runtime) handleStream(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	updateSubject := protocol.SessionSubject(protocol.SubjectUpdatePrefix, id)
	finalSubject := protocol.SessionSubject(protocol.SubjectFinalPrefix, id)

	msgs := make(chan *nats.Msg, streamBuffer)
	conn := r.bus.Conn()
	updates, err := conn.ChanSubscribe(updateSubject, msgs)
	if err != nil {
		http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
		return
	}
	defer func() { _ = updates.Unsubscribe() }()
	final, err := conn.ChanSubscribe(finalSubject, msgs)
	if err != nil {
		http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
		return
	}
	defer func() { _ = final.Unsubscribe() }()
	if err := conn.Flush(); err != nil {
		http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer ws.CloseNow()

	logger := r.logger.With(slog.String("component", "stream"), slog.String("session_id", id))
	logger.Debug("stream client connected")
	ctx := ws.CloseRead(req.Context())
	for {
		select {
		case <-ctx.Done():
			logger.Debug("stream client gone")
			return
		case msg := <-msgs:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Write(writeCtx, websocket.MessageText, msg.Data)
			cancel()
			if err != nil {
				logger.Debug("stream write failed", slog.String("error", err.Error()))
				return
			}
			if msg.Subject == finalSubject {
				_ = ws.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
