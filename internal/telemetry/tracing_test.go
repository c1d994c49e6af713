package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInitTracerProvider(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), Config{Enabled: true, ServiceName: "test", SampleRatio: 0.5})
	require.NoError(t, err)
	defer func() { require.NoError(t, tp.Shutdown(context.Background())) }()

	require.Same(t, tp, otel.GetTracerProvider())

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if span.SpanContext().IsSampled() {
		require.NotEmpty(t, carrier.Get("traceparent"))
	}
}

func TestSampler(t *testing.T) {
	t.Parallel()

	for _, ratio := range []float64{0, 1, 2} {
		require.Contains(t, sampler(ratio).Description(), "AlwaysOnSampler")
	}
	require.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}
