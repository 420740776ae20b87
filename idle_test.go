package spanz

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

func waitEnded(t *testing.T, span *Span) {
	t.Helper()
	require.Eventually(t, span.IsEnded, time.Second, time.Millisecond)
}

// waitReported waits for n events; the span ends before its event is captured.
func waitReported(t *testing.T, collector *Collector, n int) []TransactionEvent {
	t.Helper()
	require.Eventually(t, func() bool { return collector.Count() >= n }, time.Second, time.Millisecond)
	return collector.Export()
}

func assertStaysOpen(t *testing.T, span *Span) {
	t.Helper()
	assert.Never(t, span.IsEnded, 50*time.Millisecond, 5*time.Millisecond)
}

func (it *IdleTransaction) ticks() int {
	it.stateMu.Lock()
	defer it.stateMu.Unlock()
	return it.heartbeatTicks
}

func TestIdleTransactionEndsAfterIdleTimeout(t *testing.T) {
	clock := clockz.NewFakeClockAt(testEpoch)
	tracer, collector := newTestTracer(t, clock, Options{})

	it := tracer.StartIdleTransaction(context.Background(),
		TransactionContext{SpanContext: SpanContext{Name: "pageload"}},
		IdleOptions{IdleTimeout: 2000 * time.Millisecond},
	)
	child := it.StartChild(SpanContext{Name: "resource"})
	assert.Equal(t, 1, it.Activities())
	child.End()
	assert.Equal(t, 0, it.Activities())

	clock.Advance(1999 * time.Millisecond)
	assertStaysOpen(t, it.Span)

	clock.Advance(time.Millisecond)
	waitEnded(t, it.Span)

	assert.InDelta(t, epochSeconds()+2, it.EndTimestamp(), 1e-6)
	assert.Equal(t, FinishReasonIdleTimeout, it.FinishReason())

	events := waitReported(t, collector, 1)
	require.Len(t, events, 1)
	assert.Equal(t, string(FinishReasonIdleTimeout), events[0].Tags[FinishReasonTag])
	assert.Equal(t, []string{"resource"}, spanNames(events[0].Spans))
}

func TestIdleTransactionWithoutChildren(t *testing.T) {
	clock := clockz.NewFakeClockAt(testEpoch)
	tracer, _ := newTestTracer(t, clock, Options{IdleTimeout: 500 * time.Millisecond})

	it := tracer.StartIdleTransaction(context.Background(), TransactionContext{}, IdleOptions{})

	clock.Advance(500 * time.Millisecond)
	waitEnded(t, it.Span)
	assert.InDelta(t, epochSeconds()+0.5, it.EndTimestamp(), 1e-6)
}

func TestIdleTransactionActivityCancelsTimer(t *testing.T) {
	clock := clockz.NewFakeClockAt(testEpoch)
	tracer, _ := newTestTracer(t, clock, Options{})

	it := tracer.StartIdleTransaction(context.Background(), TransactionContext{}, IdleOptions{
		IdleTimeout:  time.Second,
		FinalTimeout: time.Minute,
	})
	child := it.StartChild(SpanContext{})

	clock.Advance(2 * time.Second)
	assertStaysOpen(t, it.Span)

	child.End()
	clock.Advance(time.Second)
	waitEnded(t, it.Span)
	assert.InDelta(t, epochSeconds()+3, it.EndTimestamp(), 1e-6)
}

func TestIdleTransactionFinalTimeout(t *testing.T) {
	clock := clockz.NewFakeClockAt(testEpoch)
	tracer, collector := newTestTracer(t, clock, Options{})

	it := tracer.StartIdleTransaction(context.Background(), TransactionContext{SpanContext: SpanContext{Name: "long"}}, IdleOptions{
		IdleTimeout:       time.Second,
		FinalTimeout:      3 * time.Second,
		HeartbeatInterval: time.Hour,
	})
	open := it.StartChild(SpanContext{Name: "open"})

	clock.Advance(3 * time.Second)
	waitEnded(t, it.Span)

	assert.Equal(t, FinishReasonFinalTimeout, it.FinishReason())
	assert.Equal(t, StatusCancelled, open.Status())
	assert.Equal(t, it.EndTimestamp(), open.EndTimestamp(), "open children end with the transaction")

	events := waitReported(t, collector, 1)
	require.Len(t, events, 1)
	require.Len(t, events[0].Spans, 1)
	assert.Equal(t, StatusCancelled, events[0].Spans[0].Status)
}

func TestIdleTransactionHeartbeat(t *testing.T) {
	clock := clockz.NewFakeClockAt(testEpoch)
	tracer, _ := newTestTracer(t, clock, Options{})

	it := tracer.StartIdleTransaction(context.Background(), TransactionContext{}, IdleOptions{
		IdleTimeout:       time.Minute,
		FinalTimeout:      time.Hour,
		HeartbeatInterval: time.Second,
	})
	it.StartChild(SpanContext{Name: "stuck"})

	for tick := 1; tick <= 2; tick++ {
		clock.Advance(time.Second)
		require.Eventually(t, func() bool { return it.ticks() == tick }, time.Second, time.Millisecond)
		assert.False(t, it.IsEnded())
	}

	clock.Advance(time.Second)
	waitEnded(t, it.Span)
	assert.Equal(t, FinishReasonHeartbeatFailed, it.FinishReason())
	assert.InDelta(t, epochSeconds()+3, it.EndTimestamp(), 1e-6)
}

func TestIdleTransactionHeartbeatResetsOnProgress(t *testing.T) {
	clock := clockz.NewFakeClockAt(testEpoch)
	tracer, _ := newTestTracer(t, clock, Options{})

	it := tracer.StartIdleTransaction(context.Background(), TransactionContext{}, IdleOptions{
		IdleTimeout:       time.Minute,
		FinalTimeout:      time.Hour,
		HeartbeatInterval: time.Second,
	})
	it.StartChild(SpanContext{Name: "first"})

	for tick := 1; tick <= 4; tick++ {
		if tick == 3 {
			it.StartChild(SpanContext{Name: "progress"})
		}
		clock.Advance(time.Second)
		require.Eventually(t, func() bool { return it.ticks() == tick }, time.Second, time.Millisecond)
	}
	assert.False(t, it.IsEnded(), "a new span resets the counter")
}

func TestIdleTransactionUnsampledHasNoHeartbeat(t *testing.T) {
	clock := clockz.NewFakeClockAt(testEpoch)
	tracer, _ := newTestTracer(t, clock, Options{SampleRate: Float(0)})

	it := tracer.StartIdleTransaction(context.Background(), TransactionContext{}, IdleOptions{
		IdleTimeout:       time.Minute,
		HeartbeatInterval: time.Second,
	})
	it.StartChild(SpanContext{})

	clock.Advance(5 * time.Second)
	assertStaysOpen(t, it.Span)
	assert.Zero(t, it.ticks())
}

func TestIdleTransactionDelayedAutoFinish(t *testing.T) {
	clock := clockz.NewFakeClockAt(testEpoch)
	tracer, _ := newTestTracer(t, clock, Options{})

	it := tracer.StartIdleTransaction(context.Background(), TransactionContext{}, IdleOptions{
		IdleTimeout:                time.Second,
		FinalTimeout:               time.Hour,
		DelayAutoFinishUntilSignal: true,
	})
	child := it.StartChild(SpanContext{})
	child.End()

	clock.Advance(5 * time.Second)
	assertStaysOpen(t, it.Span)

	it.SendAutoFinishSignal()
	clock.Advance(time.Second)
	waitEnded(t, it.Span)
	assert.Equal(t, FinishReasonIdleTimeout, it.FinishReason())
}

func TestIdleTransactionDelayedHeartbeatStops(t *testing.T) {
	clock := clockz.NewFakeClockAt(testEpoch)
	tracer, _ := newTestTracer(t, clock, Options{})

	it := tracer.StartIdleTransaction(context.Background(), TransactionContext{}, IdleOptions{
		IdleTimeout:                time.Minute,
		FinalTimeout:               time.Hour,
		HeartbeatInterval:          time.Second,
		DelayAutoFinishUntilSignal: true,
	})
	it.StartChild(SpanContext{Name: "stuck"})

	for tick := 1; tick <= 3; tick++ {
		clock.Advance(time.Second)
		require.Eventually(t, func() bool { return it.ticks() == tick }, time.Second, time.Millisecond)
	}
	assert.False(t, it.IsEnded(), "delayed transactions do not end on a failed heartbeat")

	clock.Advance(5 * time.Second)
	assert.Never(t, func() bool { return it.ticks() > 3 }, 50*time.Millisecond, 5*time.Millisecond)

	it.SendAutoFinishSignal()
	clock.Advance(5 * time.Second)
	assertStaysOpen(t, it.Span)
	assert.Equal(t, 3, it.ticks())
}

func TestIdleTransactionCancelIdleTimeout(t *testing.T) {
	clock := clockz.NewFakeClockAt(testEpoch)
	tracer, _ := newTestTracer(t, clock, Options{})

	it := tracer.StartIdleTransaction(context.Background(), TransactionContext{}, IdleOptions{IdleTimeout: time.Second})
	it.CancelIdleTimeout(epochSeconds()+0.25, false)

	require.True(t, it.IsEnded(), "no open child ends right away")
	assert.Equal(t, epochSeconds()+0.25, it.EndTimestamp())
	assert.Equal(t, FinishReasonExternal, it.FinishReason())
}

func TestIdleTransactionCancelIdleTimeoutWaitsForChildren(t *testing.T) {
	clock := clockz.NewFakeClockAt(testEpoch)
	tracer, _ := newTestTracer(t, clock, Options{})

	it := tracer.StartIdleTransaction(context.Background(), TransactionContext{}, IdleOptions{
		IdleTimeout:  time.Second,
		FinalTimeout: time.Hour,
	})
	child := it.StartChild(SpanContext{})

	it.CancelIdleTimeout(nil, false)
	assert.False(t, it.IsEnded())

	clock.Advance(10 * time.Second)
	assertStaysOpen(t, it.Span)

	child.End()
	require.True(t, it.IsEnded(), "the last child ends the transaction")
	assert.Equal(t, FinishReasonIdleTimeout, it.FinishReason())
}

func TestIdleTransactionFiltersChildren(t *testing.T) {
	clock := clockz.NewFakeClockAt(testEpoch)
	tracer, collector := newTestTracer(t, clock, Options{})

	it := tracer.StartIdleTransaction(context.Background(), TransactionContext{SpanContext: SpanContext{Name: "filtered"}}, IdleOptions{
		IdleTimeout:  time.Second,
		FinalTimeout: 30 * time.Second,
	})
	kept := it.StartChild(SpanContext{Name: "kept"})
	kept.End()
	late := it.StartChild(SpanContext{Name: "starts after end", StartTimestamp: epochSeconds() + 100})
	tooLong := it.StartChild(SpanContext{Name: "too long"})
	tooLong.EndAt(epochSeconds() + 40)
	late.EndAt(epochSeconds() + 101)

	it.EndAt(epochSeconds() + 5)

	events := collector.Export()
	require.Len(t, events, 1)
	assert.Equal(t, []string{"kept"}, spanNames(events[0].Spans))
	assert.Equal(t, []*Span{it.Span, kept}, it.Recorder().Spans())
}

func TestIdleTransactionOnScope(t *testing.T) {
	clock := clockz.NewFakeClockAt(testEpoch)
	tracer, _ := newTestTracer(t, clock, Options{})
	ctx := tracer.Context(context.Background())

	it := tracer.StartIdleTransaction(ctx, TransactionContext{SpanContext: SpanContext{Name: "route"}}, IdleOptions{OnScope: true})
	assert.Same(t, it.Span, GetActiveSpan(ctx))

	child := StartInactiveSpan(ctx, StartSpanOptions{Name: "fetch"})
	assert.Equal(t, it.SpanID(), child.ParentSpanID())
	assert.Equal(t, 1, it.Activities())
	child.End()

	it.End()
	assert.Nil(t, GetActiveSpan(ctx), "the scope is cleared on end")
}

func TestIdleTransactionBeforeFinishCallback(t *testing.T) {
	clock := clockz.NewFakeClockAt(testEpoch)
	tracer, _ := newTestTracer(t, clock, Options{})

	it := tracer.StartIdleTransaction(context.Background(), TransactionContext{}, IdleOptions{})
	var gotEnd float64
	var gotTx *IdleTransaction
	it.RegisterBeforeFinishCallback(func(tx *IdleTransaction, end float64) {
		gotTx = tx
		gotEnd = end
	})

	it.EndWithReason(FinishReasonDocumentHidden, epochSeconds()+1)

	assert.Same(t, it, gotTx)
	assert.Equal(t, epochSeconds()+1, gotEnd)
	assert.Equal(t, FinishReasonDocumentHidden, it.FinishReason())
}

func TestIdleTransactionIgnoresLateChildren(t *testing.T) {
	clock := clockz.NewFakeClockAt(testEpoch)
	tracer, _ := newTestTracer(t, clock, Options{})

	it := tracer.StartIdleTransaction(context.Background(), TransactionContext{}, IdleOptions{})
	it.End()
	end := it.EndTimestamp()

	late := it.StartChild(SpanContext{Name: "late"})
	clock.Advance(time.Second)
	late.End()

	assert.True(t, late.IsEnded())
	assert.Equal(t, end, it.EndTimestamp())
	assert.Zero(t, it.Activities())
}

func TestIdleTransactionMetrics(t *testing.T) {
	clock := clockz.NewFakeClockAt(testEpoch)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	tracer, _ := newTestTracer(t, clock, Options{})
	tracer.WithMetrics(metrics)

	it := tracer.StartIdleTransaction(context.Background(), TransactionContext{}, IdleOptions{IdleTimeout: time.Second})
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.IdleTransactions))

	clock.Advance(time.Second)
	waitEnded(t, it.Span)

	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.IdleTransactions))
	require.Eventually(t, func() bool {
		finished := metrics.TransactionsFinished.WithLabelValues("true", string(FinishReasonIdleTimeout))
		return testutil.ToFloat64(finished) == 1
	}, time.Second, time.Millisecond)
}
