// Package observe holds the telemetry of the recording server: OpenTelemetry
// instruments for the recorder pipeline and the control plane, span and
// trace-aware logging helpers, and the HTTP middleware in front of every
// endpoint.
//
// [InitProvider] bridges the global meter provider to Prometheus, which
// [MetricsHandler] serves on /metrics. Tests build their own [Metrics] with
// [NewMetrics] on a private provider instead of using [DefaultMetrics].
package observe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/chorus/pkg/audio/recorder"
)

const meterName = "github.com/MrWong99/chorus"

var _ recorder.Observer = (*Metrics)(nil)

// Metrics holds the instruments of the server. It doubles as the
// [recorder.Observer] of every recording.
type Metrics struct {
	// --- Recorder pipeline ---

	// FrameDecodes counts Opus frames decoded into PCM.
	FrameDecodes metric.Int64Counter

	// DecodeErrors counts Opus frames that failed to decode.
	DecodeErrors metric.Int64Counter

	// FrameDrops counts discarded frames. Use with attribute:
	//   attribute.String("reason", "stale"|"overflow"|"backlog"|"filtered")
	FrameDrops metric.Int64Counter

	// Ticks counts mixer ticks. Use with attribute:
	//   attribute.Bool("silent", ...)
	Ticks metric.Int64Counter

	// TickDuration tracks the time spent mixing and writing one tick.
	TickDuration metric.Float64Histogram

	// OutputBytes counts bytes written to recording files.
	OutputBytes metric.Int64Counter

	// Recordings counts finished recordings. Use with attribute:
	//   attribute.String("status", "finished"|"failed")
	Recordings metric.Int64Counter

	// --- Gauges ---

	// ActiveRecordings tracks the number of recordings in progress.
	ActiveRecordings metric.Int64UpDownCounter

	// ActiveConnections tracks the number of open control connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// tickBuckets are histogram bounds in seconds around the 20 ms mixer period.
var tickBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1,
}

// NewMetrics creates every instrument of [Metrics] on mp's chorus meter.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		opts []metric.Int64CounterOption
	}{
		{&met.FrameDecodes, "chorus.recorder.frames_decoded", []metric.Int64CounterOption{
			metric.WithDescription("Opus frames decoded for recording."),
		}},
		{&met.DecodeErrors, "chorus.recorder.decode_errors", []metric.Int64CounterOption{
			metric.WithDescription("Opus frames that failed to decode."),
		}},
		{&met.FrameDrops, "chorus.recorder.frames_dropped", []metric.Int64CounterOption{
			metric.WithDescription("Frames discarded before mixing, by reason."),
		}},
		{&met.Ticks, "chorus.recorder.ticks", []metric.Int64CounterOption{
			metric.WithDescription("Mixer ticks, by whether any source was audible."),
		}},
		{&met.OutputBytes, "chorus.recorder.bytes_written", []metric.Int64CounterOption{
			metric.WithDescription("Bytes written to recording files."),
			metric.WithUnit("By"),
		}},
		{&met.Recordings, "chorus.recordings", []metric.Int64CounterOption{
			metric.WithDescription("Recordings ended, by status."),
		}},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, c.opts...)
		if err != nil {
			return nil, fmt.Errorf("observe: counter %s: %w", c.name, err)
		}
		*c.dst = inst
	}

	gauges := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&met.ActiveRecordings, "chorus.active_recordings", "Recordings in progress."},
		{&met.ActiveConnections, "chorus.active_connections", "Open control websocket connections."},
	}
	for _, g := range gauges {
		inst, err := meter.Int64UpDownCounter(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("observe: gauge %s: %w", g.name, err)
		}
		*g.dst = inst
	}

	var err error
	if met.TickDuration, err = meter.Float64Histogram("chorus.recorder.tick.duration",
		metric.WithDescription("Time spent mixing and writing one tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tickBuckets...),
	); err != nil {
		return nil, fmt.Errorf("observe: histogram tick duration: %w", err)
	}
	if met.HTTPRequestDuration, err = meter.Float64Histogram("chorus.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("observe: histogram http duration: %w", err)
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] built on
// [otel.GetMeterProvider] the first time it is called. It panics if the
// global provider rejects an instrument.
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

// FramesDecoded implements [recorder.Observer].
func (m *Metrics) FramesDecoded(n int) {
	m.FrameDecodes.Add(context.Background(), int64(n))
}

// DecodeFailed implements [recorder.Observer].
func (m *Metrics) DecodeFailed() {
	m.DecodeErrors.Add(context.Background(), 1)
}

// FramesDropped implements [recorder.Observer].
func (m *Metrics) FramesDropped(reason recorder.DropReason, n int) {
	m.FrameDrops.Add(context.Background(), int64(n),
		metric.WithAttributes(attribute.String("reason", string(reason))),
	)
}

// Tick implements [recorder.Observer].
func (m *Metrics) Tick(elapsed time.Duration, _ int, silent bool) {
	ctx := context.Background()
	m.Ticks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("silent", silent)))
	m.TickDuration.Record(ctx, elapsed.Seconds())
}

// BytesWritten implements [recorder.Observer].
func (m *Metrics) BytesWritten(n int) {
	if n > 0 {
		m.OutputBytes.Add(context.Background(), int64(n))
	}
}

// RecordRecordingEnded records the end of a recording by status.
func (m *Metrics) RecordRecordingEnded(ctx context.Context, status string) {
	m.Recordings.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
