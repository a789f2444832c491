package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rish2jain/youcom-sub007/internal/cache"
)

func TestRedisStoreRoundTrip(t *testing.T) {
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

	codec := cache.Codec[string]{
		Encode: func(v string) ([]byte, error) { return json.Marshal(v) },
		Decode: func(b []byte) (string, error) {
			var v string
			err := json.Unmarshal(b, &v)
			return v, err
		},
	}
	store, err := cache.NewRedisStore[string](client, "impact:test:", codec)
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}

	if _, err := store.Get(ctx, "absent"); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("get absent = %v, want ErrMiss", err)
	}

	fetched := time.Now().UTC().Truncate(time.Millisecond)
	want := cache.Entry[string]{Value: "payload", FetchedAt: fetched, TTL: time.Minute, StaleFor: 5 * time.Minute}
	if err := store.Set(ctx, "k1", want); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value != want.Value {
		t.Fatalf("value = %q, want %q", got.Value, want.Value)
	}
	if !got.FetchedAt.Equal(want.FetchedAt) {
		t.Fatalf("fetchedAt = %v, want %v", got.FetchedAt, want.FetchedAt)
	}
	if got.TTL != want.TTL || got.StaleFor != want.StaleFor {
		t.Fatalf("windows = %v/%v, want %v/%v", got.TTL, got.StaleFor, want.TTL, want.StaleFor)
	}

	// The redis key expires with the usable window, not the TTL alone.
	expiry, err := client.TTL(ctx, "impact:test:k1").Result()
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if expiry <= time.Minute || expiry > 6*time.Minute {
		t.Fatalf("redis expiry = %v, want within (1m, 6m]", expiry)
	}

	// Entries past the usable window disappear on their own.
	short := cache.Entry[string]{Value: "blink", FetchedAt: time.Now(), TTL: 200 * time.Millisecond, StaleFor: 300 * time.Millisecond}
	if err := store.Set(ctx, "k2", short); err != nil {
		t.Fatalf("set short: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := store.Get(ctx, "k2")
		if errors.Is(err, cache.ErrMiss) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("short-lived entry never expired")
		}
		time.Sleep(100 * time.Millisecond)
	}
}
