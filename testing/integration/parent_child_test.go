package integration

import (
	"context"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/spanz"
)

// TestDeepNestingChain verifies a 100-level deep span hierarchy.
func TestDeepNestingChain(t *testing.T) {
	tracer, collector := NewTestTracer(t, spanz.Options{})
	ctx := tracer.Context(context.Background())

	depth := 100
	var nest func(ctx context.Context, level int)
	nest = func(ctx context.Context, level int) {
		if level == depth {
			return
		}
		_, _ = spanz.StartSpan(ctx, spanz.StartSpanOptions{Name: "level", Op: "nest"},
			func(ctx context.Context, span *spanz.Span) (struct{}, error) {
				span.SetAttribute("level", level)
				nest(ctx, level+1)
				return struct{}{}, nil
			})
	}
	nest(ctx, 0)

	events := collector.GetAll()
	if len(events) != 1 {
		t.Fatalf("Expected 1 transaction, got %d", len(events))
	}

	trees := BuildSpanTree(FlattenSpans(events[0]))
	if len(trees) != 1 {
		t.Fatalf("Expected 1 root, got %d:\n%s", len(trees), PrintSpanTree(trees))
	}

	// Walk the single chain.
	levels := 0
	for node := trees[0]; ; node = node.Children[0] {
		levels++
		if len(node.Children) == 0 {
			break
		}
		if len(node.Children) != 1 {
			t.Fatalf("Expected a chain, level %d has %d children", levels, len(node.Children))
		}
	}
	if levels != depth {
		t.Errorf("Expected chain of %d spans, got %d", depth, levels)
	}
}

// TestSiblingSpanOrdering verifies siblings are reported in start order with
// a consistent timeline.
func TestSiblingSpanOrdering(t *testing.T) {
	clock := clockz.NewFakeClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	tracer, collector := NewTestTracer(t, spanz.Options{})
	tracer.WithClock(clock)

	tx := tracer.StartTransaction(spanz.TransactionContext{SpanContext: spanz.SpanContext{Name: "batch"}}, nil)
	names := []string{"first", "second", "third", "fourth"}
	for _, name := range names {
		child := tx.StartChild(spanz.SpanContext{Name: name})
		clock.Advance(10 * time.Millisecond)
		child.End()
	}
	tx.End()

	event := collector.AssertTransactionNamed("batch")
	if event == nil {
		t.FailNow()
	}
	if len(event.Spans) != len(names) {
		t.Fatalf("Expected %d spans, got %d", len(names), len(event.Spans))
	}
	for i, span := range event.Spans {
		if span.Description != names[i] {
			t.Errorf("Span %d: expected %s, got %s", i, names[i], span.Description)
		}
		if i > 0 && span.StartTimestamp < *event.Spans[i-1].Timestamp {
			t.Errorf("Span %s starts before its previous sibling ends", span.Description)
		}
	}
}

// TestComplexFamilyTree creates a realistic request hierarchy with a forced
// nested transaction.
func TestComplexFamilyTree(t *testing.T) {
	tracer, collector := NewTestTracer(t, spanz.Options{})
	ctx := tracer.Context(context.Background())

	_, _ = spanz.StartSpan(ctx, spanz.StartSpanOptions{Name: "http.request", Op: "http.server"},
		func(ctx context.Context, _ *spanz.Span) (struct{}, error) {
			_, _ = spanz.StartSpan(ctx, spanz.StartSpanOptions{Name: "auth", Op: "function"},
				func(ctx context.Context, _ *spanz.Span) (struct{}, error) {
					spanz.StartInactiveSpan(ctx, spanz.StartSpanOptions{Name: "cache.get", Op: "cache"}).End()
					return struct{}{}, nil
				})
			_, _ = spanz.StartSpan(ctx, spanz.StartSpanOptions{Name: "queue.publish", Op: "queue", ForceTransaction: true},
				func(ctx context.Context, _ *spanz.Span) (struct{}, error) {
					spanz.StartInactiveSpan(ctx, spanz.StartSpanOptions{Name: "serialize"}).End()
					return struct{}{}, nil
				})
			spanz.StartInactiveSpan(ctx, spanz.StartSpanOptions{Name: "db.query", Op: "db"}).End()
			return struct{}{}, nil
		})

	request := collector.AssertTransactionNamed("http.request")
	publish := collector.AssertTransactionNamed("queue.publish")
	if request == nil || publish == nil {
		t.FailNow()
	}

	AssertParentChild(t, *request, "http.request", "auth")
	AssertParentChild(t, *request, "auth", "cache.get")
	AssertParentChild(t, *request, "http.request", "db.query")
	AssertParentChild(t, *publish, "queue.publish", "serialize")

	for _, span := range request.Spans {
		if span.Description == "serialize" || span.Description == "queue.publish" {
			t.Errorf("Span %s belongs to the forced transaction", span.Description)
		}
	}

	if publish.Contexts.Trace.TraceID != request.Contexts.Trace.TraceID {
		t.Error("Forced transaction must stay in the same trace")
	}
	if publish.Contexts.Trace.ParentSpanID != request.Contexts.Trace.SpanID {
		t.Errorf("Forced transaction parent: expected %s, got %s",
			request.Contexts.Trace.SpanID, publish.Contexts.Trace.ParentSpanID)
	}
}

// TestSpanLimitBoundsTree verifies MaxSpans caps what a transaction reports.
func TestSpanLimitBoundsTree(t *testing.T) {
	tracer, collector := NewTestTracer(t, spanz.Options{MaxSpans: 10})

	tx := tracer.StartTransaction(spanz.TransactionContext{SpanContext: spanz.SpanContext{Name: "bounded"}}, nil)
	for i := 0; i < 50; i++ {
		tx.StartChild(spanz.SpanContext{Name: "child"}).End()
	}
	tx.End()

	event := collector.AssertTransactionNamed("bounded")
	if event == nil {
		t.FailNow()
	}
	// The transaction itself takes one slot.
	if len(event.Spans) != 9 {
		t.Errorf("Expected 9 reported children, got %d", len(event.Spans))
	}
}

// TestSpanTimestampIntegrity verifies children start after their parent and
// the transaction covers every finished child.
func TestSpanTimestampIntegrity(t *testing.T) {
	clock := clockz.NewFakeClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	tracer, collector := NewTestTracer(t, spanz.Options{})
	tracer.WithClock(clock)

	tx := tracer.StartTransaction(spanz.TransactionContext{SpanContext: spanz.SpanContext{Name: "timeline"}}, nil)
	clock.Advance(5 * time.Millisecond)
	outer := tx.StartChild(spanz.SpanContext{Name: "outer"})
	clock.Advance(5 * time.Millisecond)
	inner := outer.StartChild(spanz.SpanContext{Name: "inner"})
	clock.Advance(20 * time.Millisecond)
	inner.End()
	outer.End()
	clock.Advance(5 * time.Millisecond)
	tx.End()

	event := collector.AssertTransactionNamed("timeline")
	if event == nil {
		t.FailNow()
	}

	for _, span := range event.Spans {
		if span.StartTimestamp < event.StartTimestamp {
			t.Errorf("Span %s starts before the transaction", span.Description)
		}
		if span.Timestamp == nil || *span.Timestamp > event.Timestamp {
			t.Errorf("Span %s ends after the transaction", span.Description)
		}
	}

	const epsilon = 1e-9
	if d := event.Timestamp - event.StartTimestamp; d < 0.035-epsilon || d > 0.035+epsilon {
		t.Errorf("Expected transaction duration 35ms, got %v", d)
	}
}
