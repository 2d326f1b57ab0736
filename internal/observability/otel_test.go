package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/medscribe/scribe-backend/internal/config"
)

func preserveOTelGlobals(t *testing.T) {
	t.Helper()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
}

func TestSetupOTel_DisabledIsNoOp(t *testing.T) {
	preserveOTelGlobals(t)

	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{
		Enabled:     false,
		Endpoint:    "ignored:4317",
		ServiceName: "scribe-backend",
		SampleRatio: 1.0,
	}, "dev")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if shutdown == nil {
		t.Fatalf("expected non-nil shutdown func")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown returned error: %v", err)
	}
}

func TestSetupOTel_EnabledSetsGlobalProvider(t *testing.T) {
	preserveOTelGlobals(t)

	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: "scribe-backend",
		SampleRatio: 1.0,
	}, "test")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected *sdktrace.TracerProvider, got %T", otel.GetTracerProvider())
	}
	if otel.GetTextMapPropagator() == nil {
		t.Fatalf("propagator not set")
	}
}

func TestSetupOTel_ExporterErrorPropagates(t *testing.T) {
	preserveOTelGlobals(t)

	prev := newOTLPExporterFn
	t.Cleanup(func() { newOTLPExporterFn = prev })
	wantErr := errors.New("dial failed")
	newOTLPExporterFn = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
		return nil, wantErr
	}

	_, err := SetupOTel(context.Background(), config.OTELConfig{
		Enabled: true, Insecure: true, Endpoint: "localhost:4317",
		ServiceName: "scribe-backend", SampleRatio: 1.0,
	}, "test")
	if !errors.Is(err, wantErr) {
		t.Fatalf("want exporter error, got %v", err)
	}
}

func TestSetupOTel_ResourceErrorPropagates(t *testing.T) {
	preserveOTelGlobals(t)

	prev := newServiceResourceFn
	t.Cleanup(func() { newServiceResourceFn = prev })
	wantErr := errors.New("resource build failed")
	newServiceResourceFn = func(ctx context.Context, serviceName, version string) (*resource.Resource, error) {
		return nil, wantErr
	}

	_, err := SetupOTel(context.Background(), config.OTELConfig{
		Enabled: true, Insecure: true, Endpoint: "localhost:4317",
		ServiceName: "scribe-backend", SampleRatio: 1.0,
	}, "test")
	if !errors.Is(err, wantErr) {
		t.Fatalf("want resource error, got %v", err)
	}
}
