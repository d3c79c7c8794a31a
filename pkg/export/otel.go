package export

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nmxmxh/tuskdrift/pkg/span"
)

// OTelBridge re-emits ended spans through an OpenTelemetry tracer so hosts
// with an existing collector pipeline see recorded traffic beside their own
// telemetry.
type OTelBridge struct {
	tracer trace.Tracer
}

// NewOTelBridge builds a bridge on the provider's tracer.
func NewOTelBridge(tp trace.TracerProvider) *OTelBridge {
	return &OTelBridge{tracer: tp.Tracer("github.com/nmxmxh/tuskdrift")}
}

func (b *OTelBridge) ExportSpan(d span.Data) error {
	_, otelSpan := b.tracer.Start(context.Background(), d.Name,
		trace.WithTimestamp(d.Start),
		trace.WithSpanKind(otelKind(d.Kind)),
		trace.WithAttributes(
			attribute.String("td.trace_id", d.TraceID),
			attribute.String("td.span_id", d.SpanID),
			attribute.String("td.package_type", string(d.PackageType)),
			attribute.String("td.submodule", d.Submodule),
			attribute.Bool("td.pre_app_start", d.IsPreAppStart),
		),
	)
	if d.Status == span.StatusError {
		otelSpan.SetStatus(codes.Error, d.StatusMessage)
	} else {
		otelSpan.SetStatus(codes.Ok, "")
	}
	otelSpan.End(trace.WithTimestamp(d.End))
	return nil
}

func otelKind(k span.Kind) trace.SpanKind {
	switch k {
	case span.KindServer:
		return trace.SpanKindServer
	case span.KindClient:
		return trace.SpanKindClient
	default:
		return trace.SpanKindInternal
	}
}
