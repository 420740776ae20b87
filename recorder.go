package spanz

import "sync"

// activityListener is told when recorded spans open and close.
type activityListener interface {
	pushActivity(span *Span)
	popActivity(span *Span)
}

// SpanRecorder keeps every span of one transaction, bounded by maxlen.
// Safe for concurrent use by multiple goroutines.
type SpanRecorder struct {
	listener activityListener
	metrics  *Metrics
	spans    []*Span
	maxlen   int
	mu       sync.Mutex
}

// NewSpanRecorder creates a recorder holding at most maxlen spans.
func NewSpanRecorder(maxlen int) *SpanRecorder {
	if maxlen <= 0 {
		maxlen = DefaultMaxSpans
	}
	return &SpanRecorder{
		spans:  make([]*Span, 0, 8),
		maxlen: maxlen,
	}
}

// add appends span. Once the recorder is full the span is not kept and its
// recorder reference is cleared; it still reports on its own.
func (r *SpanRecorder) add(span *Span) {
	r.mu.Lock()
	if len(r.spans) >= r.maxlen {
		r.mu.Unlock()
		span.mu.Lock()
		span.recorder = nil
		span.mu.Unlock()
		r.metrics.spanDropped(dropRecorderOverflow)
		return
	}
	r.spans = append(r.spans, span)
	listener := r.listener
	r.mu.Unlock()

	if listener != nil && !span.IsEnded() {
		listener.pushActivity(span)
	}
}

// spanEnded is called by a recorded span once it closes.
func (r *SpanRecorder) spanEnded(span *Span) {
	r.mu.Lock()
	listener := r.listener
	r.mu.Unlock()

	if listener != nil {
		listener.popActivity(span)
	}
}

func (r *SpanRecorder) setListener(l activityListener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

// Spans returns the recorded spans in the order they were added.
func (r *SpanRecorder) Spans() []*Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Span, len(r.spans))
	copy(out, r.spans)
	return out
}

// Len returns the number of recorded spans.
func (r *SpanRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spans)
}

// retain drops every span keep rejects.
func (r *SpanRecorder) retain(keep func(*Span) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.spans[:0]
	for _, s := range r.spans {
		if keep(s) {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(r.spans); i++ {
		r.spans[i] = nil
	}
	r.spans = kept
}
