package events_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rish2jain/youcom-sub007/internal/events"
)

func TestStreamSinkAppendsEnvelopes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	defer func() { _ = client.Close() }()

	const stream = "impact:events:test"
	sink := events.NewStreamSink(client, stream, 32, nil, events.WithMaxLenApprox(1000))
	em := events.NewEmitter(sink)

	for _, stage := range []string{"news", "search", "analysis"} {
		em.Emit(ctx, events.Event{RequestID: "req-1", Stage: stage, Status: events.StatusCompleted})
	}
	sink.Close()

	msgs, err := client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("stream length = %d, want 3", len(msgs))
	}

	var lastSeq int64
	for i, msg := range msgs {
		raw, ok := msg.Values["envelope"].(string)
		if !ok {
			t.Fatalf("message %d missing envelope field", i)
		}
		env, err := events.UnmarshalEnvelope([]byte(raw))
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if env.EventType != events.EventTypeProgress {
			t.Fatalf("message %d event type = %q", i, env.EventType)
		}
		var ev events.Event
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			t.Fatalf("message %d payload: %v", i, err)
		}
		if ev.RequestID != "req-1" {
			t.Fatalf("message %d request = %q", i, ev.RequestID)
		}
		if ev.Seq <= lastSeq {
			t.Fatalf("message %d seq %d not increasing after %d", i, ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		if ev.Timestamp.IsZero() || time.Since(ev.Timestamp) > time.Minute {
			t.Fatalf("message %d timestamp = %v", i, ev.Timestamp)
		}
	}
}
