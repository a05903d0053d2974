package observe

import (
	"bytes"
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs a synchronous in-memory tracer provider as the
// global one for the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestStartSpan(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(context.Background(), "record g1")
	cid := CorrelationID(ctx)
	span.End()

	if b, err := hex.DecodeString(cid); err != nil || len(b) != 16 {
		t.Errorf("CorrelationID = %q, want 16 hex-encoded bytes", cid)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "record g1" {
		t.Fatalf("recorded spans = %v, want one named %q", spans, "record g1")
	}
	if got := spans[0].SpanContext.TraceID().String(); got != cid {
		t.Errorf("span trace ID = %s, CorrelationID = %s", got, cid)
	}
}

func TestCorrelationID_NoSpan(t *testing.T) {
	t.Parallel()
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}

func TestWithTrace(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	spanCtx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	tests := []struct {
		name    string
		ctx     context.Context
		wantIDs bool
	}{
		{name: "active span", ctx: spanCtx, wantIDs: true},
		{name: "no span", ctx: context.Background(), wantIDs: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := slog.New(slog.NewTextHandler(&buf, nil))
			WithTrace(l, tt.ctx).Info("hello")

			out := buf.String()
			for _, key := range []string{"trace_id=", "span_id="} {
				if got := strings.Contains(out, key); got != tt.wantIDs {
					t.Errorf("output contains %s = %v, want %v: %s", key, got, tt.wantIDs, out)
				}
			}
		})
	}
}

func TestLogger_UsesDefault(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	useTestTracer(t)
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()

	Logger(ctx).Info("from default")
	if out := buf.String(); !strings.Contains(out, "from default") || !strings.Contains(out, "trace_id="+CorrelationID(ctx)) {
		t.Errorf("default logger output = %q", out)
	}
}
