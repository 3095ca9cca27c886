package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func startServer(t *testing.T) *natsserver.EmbeddedServer {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, testLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), "test", config.BusConfig{}, testLogger()); err == nil {
		t.Fatalf("expected error without servers")
	}
}

func TestPublishJSON(t *testing.T) {
	srv := startServer(t)
	client, err := Connect(context.Background(), "test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 1000,
	}, testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if !client.Healthy() {
		t.Fatalf("expected healthy client")
	}
	if client.JetStream() != nil {
		t.Fatalf("jetstream should be disabled")
	}

	sub, err := client.Conn().SubscribeSync("demo.subject")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.PublishJSON("demo.subject", map[string]int{"n": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal(msg.Data, &got); err != nil || got["n"] != 1 {
		t.Fatalf("unexpected payload %s (%v)", msg.Data, err)
	}
}

func TestDrainSubscriptionWaitsForHandlers(t *testing.T) {
	srv := startServer(t)
	client, err := Connect(context.Background(), "test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 1000,
	}, testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	var handled atomic.Int32
	sub, err := client.Conn().Subscribe("drain.subject", func(*nats.Msg) {
		time.Sleep(5 * time.Millisecond)
		handled.Add(1)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 20; i++ {
		if err := client.PublishJSON("drain.subject", i); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	if err := DrainSubscription(sub, 5*time.Second); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := handled.Load(); got != 20 {
		t.Fatalf("expected every published message handled before drain returned, got %d", got)
	}
	if err := DrainSubscription(nil, time.Second); err != nil {
		t.Fatalf("nil subscription: %v", err)
	}
}
