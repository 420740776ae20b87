package spanz

import (
	"context"
	"sync"
)

// bundleKeyType is a private type for context keys to avoid collisions.
type bundleKeyType string

const (
	bundleKey bundleKeyType = "spanz"
)

// contextBundle holds both tracer and scope to reduce context allocations.
type contextBundle struct {
	tracer *Tracer
	scope  *Scope
}

// PropagationContext is the trace identity a scope uses to seed new root
// spans when there is no parent span.
type PropagationContext struct {
	// DSC is the frozen dynamic sampling context. Nil means the trace
	// starts here and the context is computed on demand.
	DSC          map[string]string
	Sampled      *bool
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// NewPropagationContext starts a new trace.
func NewPropagationContext() PropagationContext {
	return PropagationContext{
		TraceID: generateTraceID(),
		SpanID:  generateSpanID(),
	}
}

func (pc PropagationContext) clone() PropagationContext {
	pc.Sampled = copyBool(pc.Sampled)
	if pc.DSC != nil {
		pc.DSC = copyMap(pc.DSC)
	}
	return pc
}

// Scope is the per call chain state: the active span, the propagation context
// and tags applied to transactions finished with this scope captured.
// Safe for concurrent use by multiple goroutines.
type Scope struct {
	span        *Span
	tags        map[string]any
	propagation PropagationContext
	mu          sync.RWMutex
}

// NewScope creates a scope with a fresh propagation context.
func NewScope() *Scope {
	return &Scope{
		tags:        make(map[string]any),
		propagation: NewPropagationContext(),
	}
}

// Clone returns an independent copy. The active span is shared by reference.
func (s *Scope) Clone() *Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Scope{
		span:        s.span,
		tags:        copyMap(s.tags),
		propagation: s.propagation.clone(),
	}
}

// Span returns the active span.
func (s *Scope) Span() *Span {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.span
}

// SetSpan marks span as active. Nil clears it.
func (s *Scope) SetSpan(span *Span) {
	s.mu.Lock()
	s.span = span
	s.mu.Unlock()
}

// clearSpan removes span if it is still the active one.
func (s *Scope) clearSpan(span *Span) {
	s.mu.Lock()
	if s.span == span {
		s.span = nil
	}
	s.mu.Unlock()
}

// PropagationContext returns a copy of the propagation context.
func (s *Scope) PropagationContext() PropagationContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.propagation.clone()
}

// SetPropagationContext replaces the propagation context.
func (s *Scope) SetPropagationContext(pc PropagationContext) {
	s.mu.Lock()
	s.propagation = pc.clone()
	s.mu.Unlock()
}

// SetTag sets a tag. A nil value deletes it.
func (s *Scope) SetTag(key string, value any) {
	s.mu.Lock()
	setOrDelete(&s.tags, key, value)
	s.mu.Unlock()
}

// Tags returns a copy of the tags.
func (s *Scope) Tags() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMap(s.tags)
}

func bundleFrom(ctx context.Context) *contextBundle {
	if ctx == nil {
		return nil
	}
	if bundle, ok := ctx.Value(bundleKey).(*contextBundle); ok {
		return bundle
	}
	return nil
}

// ScopeFromContext returns the current scope, or nil if ctx carries none.
func ScopeFromContext(ctx context.Context) *Scope {
	if bundle := bundleFrom(ctx); bundle != nil {
		return bundle.scope
	}
	return nil
}

// TracerFromContext returns the tracer installed in ctx, or nil.
func TracerFromContext(ctx context.Context) *Tracer {
	if bundle := bundleFrom(ctx); bundle != nil {
		return bundle.tracer
	}
	return nil
}

// ContextWithScope makes scope current in the returned context, keeping the
// tracer of ctx.
func ContextWithScope(ctx context.Context, scope *Scope) context.Context {
	return withBundle(ctx, TracerFromContext(ctx), scope)
}

func withBundle(ctx context.Context, tracer *Tracer, scope *Scope) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, bundleKey, &contextBundle{tracer: tracer, scope: scope})
}

// forkScope returns a context whose current scope is scope, or a clone of
// the current one when scope is nil.
func forkScope(ctx context.Context, scope *Scope) (context.Context, *Scope) {
	if scope == nil {
		if current := ScopeFromContext(ctx); current != nil {
			scope = current.Clone()
		} else {
			scope = NewScope()
		}
	}
	return ContextWithScope(ctx, scope), scope
}

// GetActiveSpan returns the span active on the current scope, or nil.
func GetActiveSpan(ctx context.Context) *Span {
	return ScopeFromContext(ctx).Span()
}
