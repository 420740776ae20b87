package spanz

import (
	"go.opentelemetry.io/otel/trace"
)

// OTelSpanContext returns the identity of s as an OpenTelemetry span context,
// for handing trace identity to OpenTelemetry instrumented code.
// Ids that are not valid hex yield an invalid span context.
func (s *Span) OTelSpanContext() trace.SpanContext {
	if s == nil {
		return trace.SpanContext{}
	}
	traceID, err := trace.TraceIDFromHex(s.traceID)
	if err != nil {
		return trace.SpanContext{}
	}
	spanID, err := trace.SpanIDFromHex(s.spanID)
	if err != nil {
		return trace.SpanContext{}
	}

	var flags trace.TraceFlags
	if sampled := s.Sampled(); sampled != nil && *sampled {
		flags = flags.WithSampled(true)
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
	})
}

// PropagationContextFromOTel continues the trace of an OpenTelemetry span
// context. An invalid span context starts a new trace. The OpenTelemetry
// sampled flag becomes the parent decision; its trace state is not mapped, so
// the dynamic sampling context is frozen empty.
func PropagationContextFromOTel(sc trace.SpanContext) PropagationContext {
	if !sc.IsValid() {
		return NewPropagationContext()
	}
	return PropagationContext{
		TraceID:      sc.TraceID().String(),
		ParentSpanID: sc.SpanID().String(),
		SpanID:       generateSpanID(),
		Sampled:      Bool(sc.IsSampled()),
		DSC:          map[string]string{},
	}
}
