package spanz

import (
	"sync"

	"go.uber.org/zap"
)

// SpanContext carries the fields used to create a span.
// Zero values are filled in: ids are generated, the start time is now and the
// origin defaults to DefaultOrigin.
type SpanContext struct {
	Attributes map[string]any
	// Deprecated: use Attributes.
	Data map[string]any
	// Deprecated: use Attributes.
	Tags           map[string]any
	Sampled        *bool
	Name           string
	Op             string
	Origin         string
	Status         Status
	TraceID        string
	SpanID         string
	ParentSpanID   string
	StartTimestamp float64
}

// Span represents a single timed unit of work in a trace.
// Safe for concurrent use by multiple goroutines. A nil *Span is a valid
// no-op span, which is what the context API hands out when no span is
// created.
//
//nolint:govet // Field order groups identity, timing and payload
type Span struct {
	tracer *Tracer
	// tx is the transaction this span belongs to. For a transaction's own
	// span it points at that transaction.
	tx       *Transaction
	scope    *Scope
	recorder *SpanRecorder

	attributes map[string]any
	tags       map[string]any
	data       map[string]any
	children   childSet
	metrics    metricSummaries
	sampled    *bool

	traceID      string
	spanID       string
	parentSpanID string
	name         string
	status       Status
	startTime    float64
	endTime      float64

	mu sync.Mutex
}

func newSpan(t *Tracer, sc SpanContext) *Span {
	s := &Span{
		tracer:       t,
		traceID:      sc.TraceID,
		spanID:       sc.SpanID,
		parentSpanID: sc.ParentSpanID,
		name:         sc.Name,
		status:       sc.Status,
		startTime:    sc.StartTimestamp,
		sampled:      copyBool(sc.Sampled),
		attributes:   make(map[string]any),
		tags:         copyMap(sc.Tags),
		data:         copyMap(sc.Data),
	}
	if s.traceID == "" {
		s.traceID = t.generateTraceID()
	}
	if s.spanID == "" {
		s.spanID = t.generateSpanID()
	}
	if s.startTime == 0 {
		s.startTime = timeToSeconds(t.clock.Now())
	}

	origin := sc.Origin
	if origin == "" {
		origin = DefaultOrigin
	}
	s.attributes[AttributeOrigin] = origin
	if sc.Op != "" {
		s.attributes[AttributeOp] = sc.Op
	}
	for k, v := range sc.Attributes {
		s.setAttributeLocked(k, v)
	}
	return s
}

// TraceID returns the id shared by every span of the trace.
func (s *Span) TraceID() string {
	if s == nil {
		return ""
	}
	return s.traceID
}

// SpanID returns the id of this span.
func (s *Span) SpanID() string {
	if s == nil {
		return ""
	}
	return s.spanID
}

// ParentSpanID returns the id of the parent span, if any.
func (s *Span) ParentSpanID() string {
	if s == nil {
		return ""
	}
	return s.parentSpanID
}

// Name returns the span description.
func (s *Span) Name() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Op returns the operation category.
func (s *Span) Op() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	op, _ := s.attributes[AttributeOp].(string)
	return op
}

// Status returns the current status.
func (s *Span) Status() Status {
	if s == nil {
		return StatusUnset
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Sampled returns the sampling decision. Nil means not decided yet.
func (s *Span) Sampled() *bool {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyBool(s.sampled)
}

// StartTimestamp returns the start time in epoch seconds.
func (s *Span) StartTimestamp() float64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

// EndTimestamp returns the end time in epoch seconds, or 0 while open.
func (s *Span) EndTimestamp() float64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endTime
}

// IsEnded reports whether End has been called.
func (s *Span) IsEnded() bool {
	return s.EndTimestamp() != 0
}

// IsRecording reports whether the span is open and sampled.
func (s *Span) IsRecording() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endTime == 0 && s.sampled != nil && *s.sampled
}

// Transaction returns the transaction the span belongs to.
func (s *Span) Transaction() *Transaction {
	if s == nil {
		return nil
	}
	return s.tx
}

// Scope returns the scope that was active when the span was started.
func (s *Span) Scope() *Scope {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// Attributes returns a copy of the attribute map.
func (s *Span) Attributes() map[string]any {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMap(s.attributes)
}

// Attribute returns a single attribute.
func (s *Span) Attribute(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attributes[key]
	return v, ok
}

// SetAttribute upserts key. A nil value deletes it.
// No-op if the span is already finished.
func (s *Span) SetAttribute(key string, value any) *Span {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTime != 0 {
		return s
	}
	s.setAttributeLocked(key, value)
	return s
}

// SetAttributes applies SetAttribute to every pair.
func (s *Span) SetAttributes(attributes map[string]any) *Span {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTime != 0 {
		return s
	}
	for k, v := range attributes {
		s.setAttributeLocked(k, v)
	}
	return s
}

func (s *Span) setAttributeLocked(key string, value any) {
	if value == nil {
		delete(s.attributes, key)
		return
	}
	s.attributes[key] = value
}

// SetTag sets a legacy tag. A nil value deletes it.
//
// Deprecated: use SetAttribute.
func (s *Span) SetTag(key string, value any) *Span {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTime != 0 {
		return s
	}
	setOrDelete(&s.tags, key, value)
	return s
}

// SetData sets a legacy data entry. A nil value deletes it.
//
// Deprecated: use SetAttribute.
func (s *Span) SetData(key string, value any) *Span {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTime != 0 {
		return s
	}
	setOrDelete(&s.data, key, value)
	return s
}

// SetStatus sets the span status.
func (s *Span) SetStatus(status Status) *Span {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTime != 0 {
		return s
	}
	s.status = status
	return s
}

// SetHTTPStatus records an HTTP response code and derives the status from it.
func (s *Span) SetHTTPStatus(code int) *Span {
	if s == nil {
		return nil
	}
	s.SetAttribute("http.response.status_code", code)
	if status := StatusFromHTTPCode(code); status != StatusUnknownError {
		s.SetStatus(status)
	}
	return s
}

// UpdateName replaces the span description.
func (s *Span) UpdateName(name string) *Span {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTime != 0 {
		return s
	}
	s.name = name
	return s
}

// StartChild creates a span whose parent is s.
// The child inherits the trace id and the sampling decision, is linked into
// the child registry of s and is added to the recorder of s, if any.
func (s *Span) StartChild(sc SpanContext) *Span {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	sc.TraceID = s.traceID
	sc.ParentSpanID = s.spanID
	sc.Sampled = copyBool(s.sampled)
	recorder := s.recorder
	s.mu.Unlock()

	child := newSpan(s.tracer, sc)
	child.tx = s.tx
	child.recorder = recorder
	if recorder != nil {
		recorder.add(child)
	}
	s.addChild(child)

	t := s.tracer
	t.metrics.spanStarted(kindSpan)
	if root := s.tx; root != nil {
		t.logger.Debug("starting span",
			zap.String("op", sc.Op),
			zap.String("name", sc.Name),
			zap.String("transaction", root.Name()),
			zap.String("span_id", child.spanID),
		)
	}
	t.emit(HookSpanStart, child, child.tx)
	return child
}

// End finishes the span now. Safe to call multiple times.
func (s *Span) End() {
	s.EndAt(nil)
}

// EndAt finishes the span at ts. Subsequent calls are no-ops.
func (s *Span) EndAt(ts SpanTimeInput) {
	if s == nil {
		return
	}
	end := spanTimeToSeconds(ts, s.tracer.clock)

	if s.tx != nil && s.tx.Span == s {
		s.tx.end(end)
		return
	}

	if !s.close(end) {
		return
	}
	s.tracer.logger.Debug("finishing span",
		zap.String("name", s.Name()),
		zap.String("span_id", s.spanID),
	)
	if recorder := s.getRecorder(); recorder != nil {
		recorder.spanEnded(s)
	}
}

// close freezes the end time. Returns false if the span was already closed.
func (s *Span) close(end float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTime != 0 {
		return false
	}
	s.endTime = end
	return true
}

func (s *Span) getRecorder() *SpanRecorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorder
}

func (s *Span) setScope(scope *Scope) {
	s.mu.Lock()
	s.scope = scope
	s.mu.Unlock()
}

// TraceHeader renders the outbound trace header for this span.
func (s *Span) TraceHeader() string {
	if s == nil {
		return ""
	}
	return FormatTraceHeader(s.traceID, s.spanID, s.Sampled())
}

// SpanJSON is the exported snapshot of a span.
type SpanJSON struct {
	MetricsSummary map[string][]MetricSummary `json:"_metrics_summary,omitempty"`
	Data           map[string]any             `json:"data,omitempty"`
	Tags           map[string]any             `json:"tags,omitempty"`
	Timestamp      *float64                   `json:"timestamp,omitempty"`
	TraceID        string                     `json:"trace_id"`
	SpanID         string                     `json:"span_id"`
	ParentSpanID   string                     `json:"parent_span_id,omitempty"`
	Op             string                     `json:"op,omitempty"`
	Description    string                     `json:"description,omitempty"`
	Status         Status                     `json:"status,omitempty"`
	Origin         string                     `json:"origin,omitempty"`
	StartTimestamp float64                    `json:"start_timestamp"`
}

// ToJSON exports a snapshot. Legacy data is merged under the attributes, so
// an attribute wins when both define a key.
func (s *Span) ToJSON() SpanJSON {
	if s == nil {
		return SpanJSON{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := SpanJSON{
		TraceID:        s.traceID,
		SpanID:         s.spanID,
		ParentSpanID:   s.parentSpanID,
		StartTimestamp: s.startTime,
		Description:    s.name,
		Status:         s.status,
		Data:           s.mergedDataLocked(),
	}
	out.Op, _ = s.attributes[AttributeOp].(string)
	out.Origin, _ = s.attributes[AttributeOrigin].(string)
	if s.endTime != 0 {
		end := s.endTime
		out.Timestamp = &end
	}
	if len(s.tags) > 0 {
		out.Tags = copyMap(s.tags)
	}
	out.MetricsSummary = s.metrics.snapshotLocked()
	return out
}

func (s *Span) mergedDataLocked() map[string]any {
	if len(s.data) == 0 && len(s.attributes) == 0 {
		return nil
	}
	merged := make(map[string]any, len(s.data)+len(s.attributes))
	for k, v := range s.data {
		merged[k] = v
	}
	for k, v := range s.attributes {
		merged[k] = v
	}
	return merged
}

func copyBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func setOrDelete(m *map[string]any, key string, value any) {
	if value == nil {
		delete(*m, key)
		return
	}
	if *m == nil {
		*m = make(map[string]any)
	}
	(*m)[key] = value
}
