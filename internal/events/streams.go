package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

// EventTypeProgress is the envelope event type for engine progress events.
const EventTypeProgress = "impact.progress"

// progressPayloadVersion changes whenever the Event wire shape does.
const progressPayloadVersion = "v1"

// PublishOption configures the Redis XADD call.
type PublishOption func(*redis.XAddArgs)

// WithMaxLenApprox caps the stream at approximately maxLen entries.
func WithMaxLenApprox(maxLen int64) PublishOption {
	return func(args *redis.XAddArgs) {
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
	}
}

// StreamSink appends progress events to a Redis Stream so external consumers
// can follow requests and replay recent history. Publishing is asynchronous:
// Publish enqueues and a single writer goroutine performs the XADD, which
// keeps the engine's hot path off the network and preserves per-request
// order in the stream.
type StreamSink struct {
	client *redis.Client
	stream string
	opts   []PublishOption
	logger *log.Logger

	queue chan streamItem
	wg    sync.WaitGroup

	closeOnce sync.Once
}

type streamItem struct {
	ev      Event
	traceID string
}

// NewStreamSink starts the writer goroutine. Close flushes and stops it.
func NewStreamSink(client *redis.Client, stream string, queueSize int, logger *log.Logger, opts ...PublishOption) *StreamSink {
	if logger == nil {
		logger = log.New(log.Writer(), "[EVENTS] ", log.LstdFlags)
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	s := &StreamSink{
		client: client,
		stream: stream,
		opts:   opts,
		logger: logger,
		queue:  make(chan streamItem, queueSize),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Publish enqueues ev for the writer goroutine. When the queue is full the
// event is dropped and counted rather than delaying the caller.
func (s *StreamSink) Publish(ctx context.Context, ev Event) {
	item := streamItem{ev: ev}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		item.traceID = sc.TraceID().String()
	}
	select {
	case s.queue <- item:
	default:
		recordDropped("redis_stream")
		s.logger.Printf("stream queue full, dropping event request=%s stage=%s", ev.RequestID, ev.Stage)
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (s *StreamSink) Close() {
	s.closeOnce.Do(func() {
		close(s.queue)
	})
	s.wg.Wait()
}

func (s *StreamSink) run() {
	defer s.wg.Done()
	for item := range s.queue {
		if err := s.append(item); err != nil {
			recordDropped("redis_stream")
			s.logger.Printf("stream append failed request=%s stage=%s: %v", item.ev.RequestID, item.ev.Stage, err)
		}
	}
}

func (s *StreamSink) append(item streamItem) error {
	data, err := json.Marshal(item.ev)
	if err != nil {
		return err
	}
	env := Envelope{
		EventID:        uuid.NewString(),
		EventType:      EventTypeProgress,
		OccurredAt:     item.ev.Timestamp,
		TraceID:        item.traceID,
		PayloadVersion: progressPayloadVersion,
		Data:           data,
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	for _, opt := range s.opts {
		opt(args)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	err = s.client.XAdd(ctx, args).Err()
	observeStreamPublish(time.Since(start), err == nil)
	return err
}
