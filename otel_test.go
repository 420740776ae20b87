package spanz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/trace"
)

func TestSpanOTelSpanContext(t *testing.T) {
	tracer, _ := newTestTracer(t, clockz.NewFakeClockAt(testEpoch), Options{})
	tx := tracer.StartTransaction(TransactionContext{}, nil)

	sc := tx.OTelSpanContext()
	require.True(t, sc.IsValid())
	assert.Equal(t, tx.TraceID(), sc.TraceID().String())
	assert.Equal(t, tx.SpanID(), sc.SpanID().String())
	assert.True(t, sc.IsSampled())

	child := tx.StartChild(SpanContext{})
	assert.Equal(t, sc.TraceID(), child.OTelSpanContext().TraceID())
}

func TestSpanOTelSpanContextUnsampled(t *testing.T) {
	tracer, _ := newTestTracer(t, clockz.NewFakeClockAt(testEpoch), Options{SampleRate: Float(0)})
	tx := tracer.StartTransaction(TransactionContext{}, nil)

	sc := tx.OTelSpanContext()
	require.True(t, sc.IsValid())
	assert.False(t, sc.IsSampled())
}

func TestSpanOTelSpanContextInvalid(t *testing.T) {
	tracer, _ := newTestTracer(t, clockz.NewFakeClockAt(testEpoch), Options{})

	span := newSpan(tracer, SpanContext{TraceID: "not-hex", SpanID: "0123456789abcdef"})
	assert.False(t, span.OTelSpanContext().IsValid())

	var nilSpan *Span
	assert.False(t, nilSpan.OTelSpanContext().IsValid())
}

func TestPropagationContextFromOTel(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("771a43a4192642f0b136d5159a501700")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("b2f4f1f1b1e1c0d0")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})

	pc := PropagationContextFromOTel(sc)
	assert.Equal(t, "771a43a4192642f0b136d5159a501700", pc.TraceID)
	assert.Equal(t, "b2f4f1f1b1e1c0d0", pc.ParentSpanID)
	assert.Regexp(t, spanIDPattern, pc.SpanID)
	require.NotNil(t, pc.Sampled)
	assert.True(t, *pc.Sampled)
	assert.NotNil(t, pc.DSC)
	assert.Empty(t, pc.DSC)
}

func TestPropagationContextFromInvalidOTel(t *testing.T) {
	pc := PropagationContextFromOTel(trace.SpanContext{})

	assert.Regexp(t, traceIDPattern, pc.TraceID)
	assert.Empty(t, pc.ParentSpanID)
	assert.Nil(t, pc.Sampled)
	assert.Nil(t, pc.DSC)
}
