// Package observability wires OpenTelemetry tracing for pipeline runs.
// Tracing is off by default; until Init installs a real provider every
// helper degrades to a no-op tracer, so stages never branch on it.
package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/errors"
)

var (
	tracer   trace.Tracer = noop.NewTracerProvider().Tracer("scpipe")
	provider *sdktrace.TracerProvider
	initOnce sync.Once
)

// Init installs a stdout-exporting tracer provider when tracing is
// enabled. The sample rate maps to never/ratio/always sampling.
func Init(cfg *config.ObservabilityConfig, version string) error {
	if cfg == nil || !cfg.EnableTracing {
		return nil
	}

	var err error
	initOnce.Do(func() {
		res, rerr := resource.New(context.Background(),
			resource.WithAttributes(
				semconv.ServiceNameKey.String("scpipe"),
				semconv.ServiceVersionKey.String(version),
			),
		)
		if rerr != nil {
			err = errors.Wrap(rerr, errors.ErrorTypeInternal, "building trace resource")
			return
		}

		exporter, xerr := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if xerr != nil {
			err = errors.Wrap(xerr, errors.ErrorTypeInternal, "creating stdout trace exporter")
			return
		}

		var sampler sdktrace.Sampler
		switch {
		case cfg.TracingSampleRate <= 0:
			sampler = sdktrace.NeverSample()
		case cfg.TracingSampleRate >= 1:
			sampler = sdktrace.AlwaysSample()
		default:
			sampler = sdktrace.TraceIDRatioBased(cfg.TracingSampleRate)
		}

		provider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(provider)
		tracer = provider.Tracer("scpipe")
	})
	return err
}

// StageSpan wraps the span covering one pipeline stage execution.
type StageSpan struct {
	span  trace.Span
	start time.Time
}

// StartStage opens a span named after the stage.
func StartStage(ctx context.Context, stage string) (context.Context, *StageSpan) {
	ctx, span := tracer.Start(ctx, "pipeline."+stage)
	span.SetAttributes(attribute.String("pipeline.stage", stage))
	return ctx, &StageSpan{span: span, start: time.Now()}
}

// SetInt records a numeric attribute, typically a cell or gene count.
func (s *StageSpan) SetInt(key string, v int) {
	s.span.SetAttributes(attribute.Int(key, v))
}

// End closes the span, recording the stage outcome and duration.
func (s *StageSpan) End(err error) {
	s.span.SetAttributes(attribute.Float64("duration_seconds", time.Since(s.start).Seconds()))
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

// Shutdown flushes pending spans. Safe to call when tracing was never
// initialized.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	if err := provider.Shutdown(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "shutting down tracer provider")
	}
	return nil
}
