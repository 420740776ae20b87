package integration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/spanz"
	"go.uber.org/zap/zaptest"
)

// MockCollector wraps a real collector with test utilities.
// Provides synchronous collection and verification helpers.
//
//nolint:govet // Field alignment optimized for test helper readability
type MockCollector struct {
	exported []spanz.TransactionEvent
	*spanz.Collector
	t  *testing.T
	mu sync.Mutex
}

// NewMockCollector creates a collector for testing.
func NewMockCollector(t *testing.T, name string, bufferSize int) *MockCollector {
	collector := spanz.NewCollector(name, bufferSize)
	collector.SetSyncMode(true) // Enable synchronous collection for testing.
	t.Cleanup(collector.Close)
	return &MockCollector{
		Collector: collector,
		t:         t,
		exported:  make([]spanz.TransactionEvent, 0),
	}
}

// NewTestTracer creates a tracer that samples everything and reports to a
// MockCollector registered under "test".
func NewTestTracer(t *testing.T, opts spanz.Options) (*spanz.Tracer, *MockCollector) {
	if opts.SampleRate == nil && opts.Sampler == nil {
		opts.SampleRate = spanz.Float(1)
	}
	tracer := spanz.New(opts).WithLogger(zaptest.NewLogger(t))
	collector := NewMockCollector(t, "test", 1000)
	tracer.AddCollector("test", collector.Collector)
	t.Cleanup(tracer.Close)
	return tracer, collector
}

// Export returns collected events and clears the buffer.
func (m *MockCollector) Export() []spanz.TransactionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.Collector.Export()
	m.exported = append(m.exported, events...)
	return events
}

// GetAll returns every event exported so far, including pending ones.
func (m *MockCollector) GetAll() []spanz.TransactionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current := m.Collector.Export(); len(current) > 0 {
		m.exported = append(m.exported, current...)
	}

	all := make([]spanz.TransactionEvent, len(m.exported))
	copy(all, m.exported)
	return all
}

// WaitForEvents waits for expected number of events with timeout.
func (m *MockCollector) WaitForEvents(expected int, timeout time.Duration) []spanz.TransactionEvent {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if all := m.GetAll(); len(all) >= expected {
			return all
		}
		<-ticker.C
	}

	all := m.GetAll()
	m.t.Errorf("Timeout waiting for events: expected %d, got %d", expected, len(all))
	return all
}

// AssertEventCount verifies exact event count.
func (m *MockCollector) AssertEventCount(expected int) {
	if events := m.Export(); len(events) != expected {
		m.t.Errorf("Expected %d events, got %d", expected, len(events))
	}
}

// AssertTransactionNamed checks if a transaction with given name was reported.
func (m *MockCollector) AssertTransactionNamed(name string) *spanz.TransactionEvent {
	events := m.GetAll()
	for i := range events {
		if events[i].Transaction == name {
			return &events[i]
		}
	}
	m.t.Errorf("Transaction named '%s' not found", name)
	return nil
}

// FlattenSpans returns the root of event followed by its child spans.
func FlattenSpans(event spanz.TransactionEvent) []spanz.SpanJSON {
	trace := event.Contexts.Trace
	end := event.Timestamp
	root := spanz.SpanJSON{
		TraceID:        trace.TraceID,
		SpanID:         trace.SpanID,
		ParentSpanID:   trace.ParentSpanID,
		Op:             trace.Op,
		Description:    event.Transaction,
		Status:         trace.Status,
		Origin:         trace.Origin,
		Data:           trace.Data,
		StartTimestamp: event.StartTimestamp,
		Timestamp:      &end,
	}
	return append([]spanz.SpanJSON{root}, event.Spans...)
}

// AssertParentChild verifies parent-child relationship inside event.
func AssertParentChild(t *testing.T, event spanz.TransactionEvent, parentName, childName string) {
	t.Helper()
	var parent, child *spanz.SpanJSON
	spans := FlattenSpans(event)
	for i := range spans {
		if spans[i].Description == parentName {
			parent = &spans[i]
		}
		if spans[i].Description == childName {
			child = &spans[i]
		}
	}

	if parent == nil {
		t.Errorf("Parent span '%s' not found", parentName)
		return
	}
	if child == nil {
		t.Errorf("Child span '%s' not found", childName)
		return
	}

	if child.ParentSpanID != parent.SpanID {
		t.Errorf("Parent-child relationship broken: %s is not parent of %s. Child ParentSpanID=%s, Parent SpanID=%s",
			parentName, childName, child.ParentSpanID, parent.SpanID)
	}
	if child.TraceID != parent.TraceID {
		t.Errorf("Trace ID mismatch: parent=%s, child=%s", parent.TraceID, child.TraceID)
	}
}

// SpanTree represents a hierarchical view of spans.
type SpanTree struct {
	Span     spanz.SpanJSON
	Children []*SpanTree
}

// BuildSpanTree constructs a tree from flat span list.
func BuildSpanTree(spans []spanz.SpanJSON) []*SpanTree {
	nodeMap := make(map[string]*SpanTree)
	roots := make([]*SpanTree, 0)

	for i := range spans {
		nodeMap[spans[i].SpanID] = &SpanTree{
			Span:     spans[i],
			Children: make([]*SpanTree, 0),
		}
	}

	for i := range spans {
		node := nodeMap[spans[i].SpanID]
		if parent, exists := nodeMap[spans[i].ParentSpanID]; exists && parent != node {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}

	return roots
}

// PrintSpanTree formats span tree for debugging.
func PrintSpanTree(trees []*SpanTree) string {
	var sb strings.Builder
	for _, tree := range trees {
		printTreeNode(&sb, tree, 0)
	}
	return sb.String()
}

func printTreeNode(sb *strings.Builder, node *SpanTree, depth int) {
	indent := strings.Repeat("  ", depth)
	duration := 0.0
	if node.Span.Timestamp != nil {
		duration = *node.Span.Timestamp - node.Span.StartTimestamp
	}
	fmt.Fprintf(sb, "%s%s (%.2fms)\n", indent, node.Span.Description, duration*1000)
	for _, child := range node.Children {
		printTreeNode(sb, child, depth+1)
	}
}

// MockService simulates a downstream service that continues inbound traces.
type MockService struct {
	ctx          context.Context
	name         string
	mu           sync.Mutex
	requestCount int
	failNext     bool
}

// NewMockService creates a simulated service running its own tracer.
func NewMockService(name string, tracer *spanz.Tracer) *MockService {
	return &MockService{
		name: name,
		ctx:  tracer.Context(context.Background()),
	}
}

// FailNext makes the next request fail.
func (m *MockService) FailNext() {
	m.mu.Lock()
	m.failNext = true
	m.mu.Unlock()
}

// Handle serves one request carrying the given outbound headers of a caller.
func (m *MockService) Handle(headers map[string]string, operation string) error {
	m.mu.Lock()
	m.requestCount++
	count := m.requestCount
	shouldFail := m.failNext
	m.failNext = false
	m.mu.Unlock()

	// Every request gets its own scope, like a server would.
	ctx := spanz.ContextWithScope(m.ctx, spanz.NewScope())
	inbound := spanz.TraceHeaders{
		SentryTrace: headers[spanz.TraceHeaderName],
		Baggage:     headers[spanz.BaggageHeaderName],
	}

	_, err := spanz.ContinueTrace(ctx, inbound, func(ctx context.Context, _ spanz.TransactionContext) (struct{}, error) {
		return spanz.StartSpan(ctx, spanz.StartSpanOptions{
			Name: fmt.Sprintf("%s.%s", m.name, operation),
			Op:   "http.server",
		}, func(ctx context.Context, span *spanz.Span) (struct{}, error) {
			span.SetAttribute("service", m.name)
			span.SetAttribute("request_id", count)

			spanz.StartInactiveSpan(ctx, spanz.StartSpanOptions{Name: "db.query", Op: "db"}).End()

			if shouldFail {
				return struct{}{}, fmt.Errorf("%s: simulated failure", m.name)
			}
			return struct{}{}, nil
		})
	})
	return err
}
