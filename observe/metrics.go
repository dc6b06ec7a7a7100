// Package observe holds the OpenTelemetry metric instruments for the audio
// pipeline and the Prometheus bridge that exposes them on /metrics.
//
// Components take a *Metrics that may be nil; every Record* helper is a no-op
// on a nil receiver so tests can skip metrics entirely. Tests that assert on
// metrics build one with [NewMetrics] and an sdkmetric.ManualReader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/lisuiheng/audiolink-go"

// Receive outcomes recorded on ChunksReceived.
const (
	StatusAccepted     = "accepted"
	StatusDropped      = "dropped"
	StatusBackpressure = "backpressure"
)

// Metrics holds every instrument. Safe for concurrent use.
type Metrics struct {
	// Producer side.
	CaptureFrames     metric.Int64Counter
	CaptureEmptyReads metric.Int64Counter

	// ChunksReceived counts inbound audio-chunk events by attribute
	// "status" (accepted, dropped, backpressure).
	ChunksReceived metric.Int64Counter

	// DecodeErrors counts payloads the decoder rejected, by "reason".
	DecodeErrors metric.Int64Counter

	// ValidationFlags counts advisory validator flags, by "flag".
	ValidationFlags metric.Int64Counter

	// Consumer side.
	ChunksForwarded   metric.Int64Counter
	SinkRejections    metric.Int64Counter
	QueueDepth        metric.Int64Gauge
	Stalled           metric.Int64Gauge
	PrebufferDuration metric.Float64Histogram

	// Side channel.
	StreamSenders   metric.Int64Gauge
	StreamListeners metric.Int64Gauge
}

var prebufferBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CaptureFrames, err = m.Int64Counter("audiolink.capture.frames",
		metric.WithDescription("Frames emitted by the capture accumulator."),
	); err != nil {
		return nil, err
	}
	if met.CaptureEmptyReads, err = m.Int64Counter("audiolink.capture.empty_reads",
		metric.WithDescription("Zero-length reads returned by the capture device."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("audiolink.receive.chunks",
		metric.WithDescription("Inbound audio chunks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("audiolink.decode.errors",
		metric.WithDescription("Payloads that could not be decoded, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ValidationFlags, err = m.Int64Counter("audiolink.validate.flags",
		metric.WithDescription("Advisory chunk validation flags."),
	); err != nil {
		return nil, err
	}
	if met.ChunksForwarded, err = m.Int64Counter("audiolink.playback.forwarded",
		metric.WithDescription("Chunks written to the playback sink."),
	); err != nil {
		return nil, err
	}
	if met.SinkRejections, err = m.Int64Counter("audiolink.playback.sink_rejections",
		metric.WithDescription("Sink writes rejected as busy and retried."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64Gauge("audiolink.jitter.depth",
		metric.WithDescription("Chunks buffered in the jitter queue."),
	); err != nil {
		return nil, err
	}
	if met.Stalled, err = m.Int64Gauge("audiolink.playback.stalled",
		metric.WithDescription("1 while no chunk has arrived for longer than the stall threshold."),
	); err != nil {
		return nil, err
	}
	if met.PrebufferDuration, err = m.Float64Histogram("audiolink.playback.prebuffer.duration",
		metric.WithDescription("Time spent in the pre-buffer gate."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(prebufferBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StreamSenders, err = m.Int64Gauge("audiolink.stream.senders",
		metric.WithDescription("Active senders reported by the server."),
	); err != nil {
		return nil, err
	}
	if met.StreamListeners, err = m.Int64Gauge("audiolink.stream.listeners",
		metric.WithDescription("Active listeners reported by the server."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a package-level instance built on the global meter
// provider. Call it after InitProvider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordCaptureFrame(ctx context.Context) {
	if m == nil {
		return
	}
	m.CaptureFrames.Add(ctx, 1)
}

func (m *Metrics) RecordEmptyRead(ctx context.Context) {
	if m == nil {
		return
	}
	m.CaptureEmptyReads.Add(ctx, 1)
}

// RecordChunk records the outcome of one inbound chunk.
func (m *Metrics) RecordChunk(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.ChunksReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordDecodeError(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordValidationFlag(ctx context.Context, flag string) {
	if m == nil {
		return
	}
	m.ValidationFlags.Add(ctx, 1, metric.WithAttributes(attribute.String("flag", flag)))
}

func (m *Metrics) RecordForwarded(ctx context.Context) {
	if m == nil {
		return
	}
	m.ChunksForwarded.Add(ctx, 1)
}

func (m *Metrics) RecordSinkRejection(ctx context.Context) {
	if m == nil {
		return
	}
	m.SinkRejections.Add(ctx, 1)
}

func (m *Metrics) RecordQueueDepth(ctx context.Context, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Record(ctx, int64(depth))
}

func (m *Metrics) RecordStalled(ctx context.Context, stalled bool) {
	if m == nil {
		return
	}
	var v int64
	if stalled {
		v = 1
	}
	m.Stalled.Record(ctx, v)
}

func (m *Metrics) RecordPrebuffer(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.PrebufferDuration.Record(ctx, seconds)
}

func (m *Metrics) RecordStreamStats(ctx context.Context, senders, listeners int) {
	if m == nil {
		return
	}
	m.StreamSenders.Record(ctx, int64(senders))
	m.StreamListeners.Record(ctx, int64(listeners))
}
