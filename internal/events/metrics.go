package events

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	eventMetricsOnce     sync.Once
	eventsDropped        otelmetric.Int64Counter
	streamPublishLatency otelmetric.Float64Histogram
)

func initEventMetrics() {
	meter := otel.Meter("impact/events")
	var err error
	eventsDropped, err = meter.Int64Counter(
		"impact_events_dropped_total",
		otelmetric.WithDescription("Progress events dropped because a sink could not keep up"),
	)
	if err != nil {
		log.Printf("events metrics init: impact_events_dropped_total: %v", err)
	}
	streamPublishLatency, err = meter.Float64Histogram(
		"impact_stream_publish_seconds",
		otelmetric.WithDescription("Latency of Redis Stream appends"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("events metrics init: impact_stream_publish_seconds: %v", err)
	}
}

func recordDropped(sink string) {
	eventMetricsOnce.Do(initEventMetrics)
	if eventsDropped == nil {
		return
	}
	eventsDropped.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("sink", sink)))
}

func observeStreamPublish(d time.Duration, ok bool) {
	eventMetricsOnce.Do(initEventMetrics)
	if streamPublishLatency == nil {
		return
	}
	streamPublishLatency.Record(context.Background(), d.Seconds(), otelmetric.WithAttributes(attribute.Bool("ok", ok)))
}
