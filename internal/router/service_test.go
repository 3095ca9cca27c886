package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/natsserver"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

func TestRouterForwardsFinalizedWordsOnly(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), "router-test", config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 1000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	svc := NewService(context.Background(), config.RouterConfig{Enabled: true, Subject: "mt.commit", Target: "es"}, client, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatalf("router should be healthy once subscribed")
	}

	commits, err := client.Conn().SubscribeSync("mt.commit")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	empty := protocol.TranscriptUpdate{SessionID: "room", SegmentID: "A", UnstableWords: []protocol.Word{{Word: "maybe"}}}
	if err := client.PublishJSON("transcript.finalized.room", empty); err != nil {
		t.Fatalf("publish: %v", err)
	}
	update := protocol.TranscriptUpdate{
		SessionID: "room",
		SegmentID: "A",
		FinalizedWords: []protocol.Word{
			{Word: "hola", StartMS: 0, EndMS: 300, Probability: 0.9},
			{Word: "mundo", StartMS: 300, EndMS: 700, Probability: 0.8},
		},
	}
	if err := client.PublishJSON("transcript.finalized.room", update); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := commits.NextMsg(3 * time.Second)
	if err != nil {
		t.Fatalf("waiting for commit: %v", err)
	}
	var req protocol.CommitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Text != "hola mundo" || req.Target != "es" || req.SessionID != "room" || len(req.Words) != 2 {
		t.Fatalf("unexpected commit %+v", req)
	}
	if req.TraceID == "" {
		t.Fatalf("expected trace id")
	}
	if _, err := commits.NextMsg(200 * time.Millisecond); err == nil {
		t.Fatalf("update without finalized words must not be forwarded")
	}
	if svc.Forwarded() != 2 {
		t.Fatalf("expected 2 forwarded words, got %d", svc.Forwarded())
	}
}

func TestRouterDisabled(t *testing.T) {
	svc := NewService(context.Background(), config.RouterConfig{Enabled: false}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := svc.Start(); err != nil {
		t.Fatalf("disabled router should start: %v", err)
	}
	if !svc.Healthy() {
		t.Fatalf("disabled router reports healthy")
	}
	svc.Close()
}
