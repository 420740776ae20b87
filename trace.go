package spanz

import (
	"context"

	"go.uber.org/zap"
)

// StartSpanOptions describe a span started through the context API.
type StartSpanOptions struct {
	Attributes map[string]any
	// Deprecated: use Attributes.
	Data map[string]any
	// Scope, when set, is used as is instead of a fork of the current scope.
	Scope *Scope
	// ParentSampled overrides the sampled flag inherited for a new root.
	ParentSampled *bool
	// StartTime accepts anything EndAt accepts. Nil means now.
	StartTime SpanTimeInput
	Name      string
	Op        string
	Origin    string
	Source    TransactionSource
	// TraceID and ParentSpanID override the identity inherited for a new root.
	TraceID      string
	ParentSpanID string
	// OnlyIfParent skips span creation when there is no parent.
	OnlyIfParent bool
	// ForceTransaction starts a root span even when a parent exists. The new
	// root keeps the trace of the parent.
	ForceTransaction bool
}

func (o StartSpanOptions) transactionContext(t *Tracer) TransactionContext {
	tc := TransactionContext{
		SpanContext: SpanContext{
			Attributes:   o.Attributes,
			Data:         o.Data,
			Name:         o.Name,
			Op:           o.Op,
			Origin:       o.Origin,
			TraceID:      o.TraceID,
			ParentSpanID: o.ParentSpanID,
		},
		ParentSampled: copyBool(o.ParentSampled),
		Source:        o.Source,
	}
	if o.StartTime != nil {
		tc.StartTimestamp = spanTimeToSeconds(o.StartTime, t.clock)
	}
	return tc
}

// StartSpan starts a span, makes it active on a forked scope and runs fn
// with it. The span ends when fn returns or panics. If fn fails and no
// status was set the span is marked internal_error; the error or panic is
// passed on unchanged.
//
// fn receives a nil span when tracing is disabled or when OnlyIfParent finds
// no parent. *Span methods are no-ops on nil.
func StartSpan[T any](ctx context.Context, opts StartSpanOptions, fn func(ctx context.Context, span *Span) (T, error)) (T, error) {
	ctx, span := startActiveSpan(ctx, opts)
	return handleCallbackErrors(
		func() (T, error) { return fn(ctx, span) },
		func() { markFailed(span) },
		span.End,
	)
}

// StartSpanManual is StartSpan without the automatic end. fn must call
// finish, or End on the span, once the work completes.
func StartSpanManual[T any](ctx context.Context, opts StartSpanOptions, fn func(ctx context.Context, span *Span, finish func()) (T, error)) (T, error) {
	ctx, span := startActiveSpan(ctx, opts)
	return handleCallbackErrors(
		func() (T, error) { return fn(ctx, span, span.End) },
		func() {
			if !span.IsEnded() {
				markFailed(span)
			}
		},
		func() {},
	)
}

// StartInactiveSpan starts a span without making it active. The caller must
// end it. Returns nil when tracing is disabled or when OnlyIfParent finds
// no parent.
func StartInactiveSpan(ctx context.Context, opts StartSpanOptions) *Span {
	tracer := TracerFromContext(ctx)
	if tracer == nil || !tracer.options.TracingEnabled() {
		return nil
	}

	var parent *Span
	if opts.Scope != nil {
		parent = opts.Scope.Span()
	} else {
		parent = GetActiveSpan(ctx)
	}
	if opts.OnlyIfParent && parent == nil {
		return nil
	}

	scope := opts.Scope
	if scope == nil {
		scope = ScopeFromContext(ctx)
	}
	if scope == nil {
		scope = NewScope()
	}
	return createChildSpanOrTransaction(tracer, parent, opts, scope.Clone())
}

// startActiveSpan forks the scope and starts the span on it.
func startActiveSpan(ctx context.Context, opts StartSpanOptions) (context.Context, *Span) {
	tracer := TracerFromContext(ctx)
	ctx, scope := forkScope(ctx, opts.Scope)

	parent := scope.Span()
	if opts.OnlyIfParent && parent == nil {
		return ctx, nil
	}
	return ctx, createChildSpanOrTransaction(tracer, parent, opts, scope)
}

// createChildSpanOrTransaction starts a child of parent, or a new root when
// there is no parent or a root is forced, and makes it active on scope.
func createChildSpanOrTransaction(t *Tracer, parent *Span, opts StartSpanOptions, scope *Scope) *Span {
	if t == nil || !t.options.TracingEnabled() {
		return nil
	}

	tc := opts.transactionContext(t)

	var span *Span
	switch {
	case parent != nil && !opts.ForceTransaction:
		span = parent.StartChild(tc.SpanContext)
	case parent != nil:
		inherit(&tc, parent.TraceID(), parent.SpanID(), parent.Sampled())
		if tc.Metadata.DynamicSamplingContext == nil {
			tc.Metadata.DynamicSamplingContext = DynamicSamplingContextFromSpan(parent)
		}
		span = t.StartTransaction(tc, nil).Span
	default:
		pc := scope.PropagationContext()
		inherit(&tc, pc.TraceID, pc.ParentSpanID, pc.Sampled)
		tc.Metadata.DynamicSamplingContext = pc.DSC
		span = t.StartTransaction(tc, nil).Span
	}

	scope.SetSpan(span)
	span.setScope(scope)
	return span
}

// inherit fills the trace identity of tc where the caller left it empty.
func inherit(tc *TransactionContext, traceID, parentSpanID string, sampled *bool) {
	if tc.TraceID == "" {
		tc.TraceID = traceID
	}
	if tc.ParentSpanID == "" {
		tc.ParentSpanID = parentSpanID
	}
	if tc.ParentSampled == nil {
		tc.ParentSampled = copyBool(sampled)
	}
}

// markFailed sets internal_error unless a status was already set.
func markFailed(span *Span) {
	if span.Status() == StatusUnset {
		span.SetStatus(StatusInternalError)
	}
}

// handleCallbackErrors runs fn, calls onError when it fails or panics and
// always runs finally. A panic is re-raised with its original value.
func handleCallbackErrors[T any](fn func() (T, error), onError func(), finally func()) (result T, err error) {
	panicked := true
	defer func() {
		if panicked {
			onError()
		}
		finally()
	}()

	result, err = fn()
	panicked = false
	if err != nil {
		onError()
	}
	return result, err
}

// ContinueTrace installs the trace identity carried by headers on the
// current scope and runs fn on a fork of it. Without a valid trace header a
// new trace is started. fn receives the transaction context to start a root
// span with, which is empty when there was no trace header.
func ContinueTrace[T any](ctx context.Context, headers TraceHeaders, fn func(ctx context.Context, tc TransactionContext) (T, error)) (T, error) {
	tc, pc := continueTrace(ctx, headers)

	current := ScopeFromContext(ctx)
	ctx, scope := forkScope(ctx, nil)
	if current == nil {
		scope.SetPropagationContext(pc)
	}
	return fn(ctx, tc)
}

// ContinueTraceContext installs the trace identity carried by headers on the
// current scope and returns the transaction context to start a root span with.
//
// Deprecated: use ContinueTrace.
func ContinueTraceContext(ctx context.Context, headers TraceHeaders) TransactionContext {
	tc, _ := continueTrace(ctx, headers)
	return tc
}

func continueTrace(ctx context.Context, headers TraceHeaders) (TransactionContext, PropagationContext) {
	pc, data := PropagationContextFromHeaders(headers)
	if scope := ScopeFromContext(ctx); scope != nil {
		scope.SetPropagationContext(pc)
	}

	if t := TracerFromContext(ctx); t != nil {
		t.logger.Debug("continuing trace",
			zap.String("trace_id", pc.TraceID),
			zap.Bool("inbound", data != nil),
		)
	}

	if data == nil {
		return TransactionContext{}, pc
	}
	return TransactionContext{
		SpanContext: SpanContext{
			TraceID:      data.TraceID,
			ParentSpanID: data.ParentSpanID,
		},
		ParentSampled: copyBool(data.ParentSampled),
		Metadata: TransactionMetadata{
			DynamicSamplingContext: copyMap(pc.DSC),
		},
	}, pc
}
