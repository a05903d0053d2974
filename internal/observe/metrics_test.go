package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/chorus/pkg/audio/recorder"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// point selects one data point of an int64 sum. An empty key matches a
// point without attributes.
type point struct {
	metric string
	key    attribute.Key
	value  attribute.Value
}

func (p point) read(t *testing.T, rm metricdata.ResourceMetrics) int64 {
	t.Helper()
	met := findMetric(rm, p.metric)
	if met == nil {
		t.Fatalf("metric %q not recorded", p.metric)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want int64 sum", p.metric, met.Data)
	}
	for _, dp := range sum.DataPoints {
		if p.key == "" && dp.Attributes.Len() == 0 {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(p.key); ok && v == p.value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no point for %s=%s", p.metric, p.key, p.value.Emit())
	return 0
}

func TestMetrics_Sums(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	var obs recorder.Observer = m
	obs.FramesDecoded(3)
	obs.FramesDecoded(2)
	obs.DecodeFailed()
	obs.BytesWritten(100)
	obs.BytesWritten(0)
	obs.BytesWritten(28)
	obs.FramesDropped(recorder.DropStale, 4)
	obs.FramesDropped(recorder.DropStale, 1)
	obs.FramesDropped(recorder.DropBacklog, 2)
	obs.Tick(time.Millisecond, 0, true)
	obs.Tick(2*time.Millisecond, 2, false)
	obs.Tick(3*time.Millisecond, 1, false)

	m.RecordRecordingEnded(ctx, "finished")
	m.RecordRecordingEnded(ctx, "finished")
	m.RecordRecordingEnded(ctx, "failed")
	m.ActiveRecordings.Add(ctx, 2)
	m.ActiveRecordings.Add(ctx, -1)
	m.ActiveConnections.Add(ctx, 3)

	rm := collect(t, reader)
	str, boolean := attribute.StringValue, attribute.BoolValue
	tests := []struct {
		p    point
		want int64
	}{
		{point{"chorus.recorder.frames_decoded", "", attribute.Value{}}, 5},
		{point{"chorus.recorder.decode_errors", "", attribute.Value{}}, 1},
		{point{"chorus.recorder.bytes_written", "", attribute.Value{}}, 128},
		{point{"chorus.recorder.frames_dropped", "reason", str("stale")}, 5},
		{point{"chorus.recorder.frames_dropped", "reason", str("backlog")}, 2},
		{point{"chorus.recorder.ticks", "silent", boolean(true)}, 1},
		{point{"chorus.recorder.ticks", "silent", boolean(false)}, 2},
		{point{"chorus.recordings", "status", str("finished")}, 2},
		{point{"chorus.recordings", "status", str("failed")}, 1},
		{point{"chorus.active_recordings", "", attribute.Value{}}, 1},
		{point{"chorus.active_connections", "", attribute.Value{}}, 3},
	}
	for _, tt := range tests {
		name := tt.p.metric
		if tt.p.key != "" {
			name += "/" + tt.p.value.Emit()
		}
		t.Run(name, func(t *testing.T) {
			if got := tt.p.read(t, rm); got != tt.want {
				t.Errorf("value = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMetrics_TickDurationBuckets(t *testing.T) {
	m, reader := newTestMetrics(t)
	for _, d := range []time.Duration{300 * time.Microsecond, 15 * time.Millisecond, 30 * time.Millisecond} {
		m.Tick(d, 1, false)
	}

	met := findMetric(collect(t, reader), "chorus.recorder.tick.duration")
	if met == nil {
		t.Fatal("tick duration not recorded")
	}
	dp := met.Data.(metricdata.Histogram[float64]).DataPoints[0]
	if dp.Count != 3 {
		t.Errorf("count = %d, want 3", dp.Count)
	}
	if len(dp.Bounds) != len(tickBuckets) {
		t.Errorf("bounds = %v, want %v", dp.Bounds, tickBuckets)
	}
	// 30 ms lands above the 20 ms mixer period.
	var late uint64
	for i, b := range dp.Bounds {
		if b >= 0.02 {
			late += dp.BucketCounts[i+1]
		}
	}
	if late != 1 {
		t.Errorf("ticks above 20ms = %d, want 1", late)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
