// Package spanz provides the span and transaction engine of a distributed
// tracing SDK.
//
// spanz creates, links, samples and finalizes units of work (spans) that
// form a trace tree, propagates trace identity across process boundaries and
// hands completed trees to a reporting pipeline.
//
// Core Components:
//   - Tracer: owns configuration, the clock, id generation and lifecycle hooks.
//   - Span: a single timed unit of work.
//   - Transaction: the root span of a trace, owns the sampling decision.
//   - IdleTransaction: a transaction that finishes itself after inactivity.
//   - Scope: per call chain state carried in a context.Context.
//   - Collector: buffers finished transaction events for export.
//
// Basic Usage:
//
//	tracer := spanz.New(spanz.Options{SampleRate: spanz.Float(1)})
//	defer tracer.Close()
//
//	ctx := tracer.Context(context.Background())
//	_, err := spanz.StartSpan(ctx, spanz.StartSpanOptions{Name: "GET /users"},
//		func(ctx context.Context, span *spanz.Span) (struct{}, error) {
//			span.SetAttribute("user.id", "123")
//			return struct{}{}, loadUsers(ctx)
//		})
//
// Thread Safety:
//
// Tracer, Span, Transaction, IdleTransaction, Scope and Collector are safe for
// concurrent use. Every call chain that runs concurrently must use its own
// forked scope, which StartSpan and friends do automatically.
//
// Context Propagation:
//
// Spans started through the context API are linked via context.Context.
// Inbound trace identity is installed with ContinueTrace and outbound headers
// are produced by Tracer.TraceHeaders.
package spanz

// Semantic attribute keys written by the engine.
const (
	AttributeOp         = "sentry.op"
	AttributeOrigin     = "sentry.origin"
	AttributeSource     = "sentry.source"
	AttributeSampleRate = "sentry.sample_rate"
)

// DefaultOrigin is recorded when a span does not name its instrumentation.
const DefaultOrigin = "manual"

// TransactionSource describes how a transaction name was derived.
type TransactionSource string

const (
	SourceCustom    TransactionSource = "custom"
	SourceURL       TransactionSource = "url"
	SourceRoute     TransactionSource = "route"
	SourceView      TransactionSource = "view"
	SourceComponent TransactionSource = "component"
	SourceTask      TransactionSource = "task"
)

// FinishReason records why an idle transaction ended.
type FinishReason string

const (
	FinishReasonHeartbeatFailed FinishReason = "heartbeatFailed"
	FinishReasonIdleTimeout     FinishReason = "idleTimeout"
	FinishReasonDocumentHidden  FinishReason = "documentHidden"
	FinishReasonFinalTimeout    FinishReason = "finalTimeout"
	FinishReasonExternal        FinishReason = "externalFinish"
)

// FinishReasonTag is the tag key an idle transaction stores its reason under.
const FinishReasonTag = "finishReason"

// Float returns a pointer to f. Handy for Options.SampleRate.
func Float(f float64) *float64 { return &f }

// Bool returns a pointer to b. Handy for sampled flags.
func Bool(b bool) *bool { return &b }
